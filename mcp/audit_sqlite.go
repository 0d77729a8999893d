package mcp

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/agentworks/opsmcp/observability"
)

// AuditStore persists resolved approval decisions for later review. The
// in-memory session ledger is authoritative for the session's lifetime;
// the store keeps decisions beyond the session sweep.
type AuditStore interface {
	RecordDecision(ctx context.Context, sessionID string, req *ApprovalRequest) error
	ListDecisions(ctx context.Context, sessionID string) ([]AuditEntry, error)
}

// AuditEntry is one persisted approval decision.
type AuditEntry struct {
	SessionID   string
	RequestID   string
	ToolName    string
	Arguments   string
	Description string
	CreatedAt   time.Time
	ResolvedAt  time.Time
	Approved    bool
}

// SQLiteAuditStore is an SQLite-backed AuditStore.
type SQLiteAuditStore struct {
	db     *sql.DB
	mu     sync.Mutex
	logger observability.Logger
}

// NewSQLiteAuditStore creates an audit store on the given database handle
// and ensures the schema exists.
func NewSQLiteAuditStore(db *sql.DB, logger observability.Logger) (*SQLiteAuditStore, error) {
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	store := &SQLiteAuditStore{db: db, logger: logger}
	if err := store.initSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteAuditStore) initSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS approval_decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT DEFAULT '{}',
		description TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		resolved_at DATETIME NOT NULL,
		approved INTEGER NOT NULL
	);`

	createIndexSQL := `
	CREATE INDEX IF NOT EXISTS idx_approval_decisions_session_id
		ON approval_decisions (session_id);`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for schema init: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create approval_decisions table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, createIndexSQL); err != nil {
		return fmt.Errorf("failed to create approval_decisions index: %w", err)
	}

	return tx.Commit()
}

// RecordDecision appends one resolved approval request.
func (s *SQLiteAuditStore) RecordDecision(ctx context.Context, sessionID string, req *ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args := "{}"
	if len(req.Arguments) > 0 {
		args = string(req.Arguments)
	}

	insertSQL := `
	INSERT INTO approval_decisions
		(session_id, request_id, tool_name, arguments, description, created_at, resolved_at, approved)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, insertSQL,
		sessionID, req.ID, req.ToolName, args, req.Description,
		req.CreatedAt, time.Now(), boolToInt(req.Approved))
	if err != nil {
		return fmt.Errorf("failed to insert approval decision: %w", err)
	}
	return nil
}

// ListDecisions returns all persisted decisions for a session, oldest first.
func (s *SQLiteAuditStore) ListDecisions(ctx context.Context, sessionID string) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	querySQL := `
	SELECT session_id, request_id, tool_name, arguments, description, created_at, resolved_at, approved
	FROM approval_decisions
	WHERE session_id = ?
	ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, querySQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query approval decisions: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var approved int
		if err := rows.Scan(&entry.SessionID, &entry.RequestID, &entry.ToolName,
			&entry.Arguments, &entry.Description, &entry.CreatedAt,
			&entry.ResolvedAt, &approved); err != nil {
			return nil, fmt.Errorf("failed to scan approval decision: %w", err)
		}
		entry.Approved = approved != 0
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate approval decisions: %w", err)
	}
	return entries, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
