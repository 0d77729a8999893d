package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockAuditStore(t *testing.T) (*SQLiteAuditStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS approval_decisions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_approval_decisions_session_id").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	store, err := NewSQLiteAuditStore(db, nil)
	require.NoError(t, err)
	return store, mock
}

func TestSQLiteAuditStoreRecordDecision(t *testing.T) {
	store, mock := newMockAuditStore(t)

	req := &ApprovalRequest{
		ID:          "req-1",
		ToolName:    "delete_file",
		Arguments:   json.RawMessage(`{"path":"/tmp/x"}`),
		Description: "Delete /tmp/x",
		CreatedAt:   time.Now(),
		Resolved:    true,
		Approved:    true,
	}

	mock.ExpectExec("INSERT INTO approval_decisions").
		WithArgs("sess-1", "req-1", "delete_file", `{"path":"/tmp/x"}`,
			"Delete /tmp/x", sqlmock.AnyArg(), sqlmock.AnyArg(), 1).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.RecordDecision(context.Background(), "sess-1", req))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteAuditStoreRecordDecisionEmptyArguments(t *testing.T) {
	store, mock := newMockAuditStore(t)

	req := &ApprovalRequest{
		ID:          "req-2",
		ToolName:    "send_email",
		Description: "Execute send_email",
		CreatedAt:   time.Now(),
		Resolved:    true,
	}

	mock.ExpectExec("INSERT INTO approval_decisions").
		WithArgs("sess-1", "req-2", "send_email", "{}",
			"Execute send_email", sqlmock.AnyArg(), sqlmock.AnyArg(), 0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.RecordDecision(context.Background(), "sess-1", req))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteAuditStoreRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()

	store, err := NewSQLiteAuditStore(db, nil)
	require.NoError(t, err)

	ctx := context.Background()
	requests := []*ApprovalRequest{
		{
			ID:          "req-a",
			ToolName:    "delete_file",
			Arguments:   json.RawMessage(`{"path":"a.txt"}`),
			Description: "Delete a.txt",
			CreatedAt:   time.Now().Add(-time.Minute),
			Resolved:    true,
			Approved:    true,
		},
		{
			ID:          "req-b",
			ToolName:    "send_email",
			Description: "Execute send_email",
			CreatedAt:   time.Now(),
			Resolved:    true,
			Approved:    false,
		},
	}
	for _, req := range requests {
		require.NoError(t, store.RecordDecision(ctx, "sess-rt", req))
	}
	require.NoError(t, store.RecordDecision(ctx, "other-session", &ApprovalRequest{
		ID:          "req-c",
		ToolName:    "run_job",
		Description: "Execute run_job",
		CreatedAt:   time.Now(),
		Resolved:    true,
	}))

	entries, err := store.ListDecisions(ctx, "sess-rt")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "req-a", entries[0].RequestID)
	assert.Equal(t, "delete_file", entries[0].ToolName)
	assert.Equal(t, `{"path":"a.txt"}`, entries[0].Arguments)
	assert.True(t, entries[0].Approved)

	assert.Equal(t, "req-b", entries[1].RequestID)
	assert.Equal(t, "{}", entries[1].Arguments)
	assert.False(t, entries[1].Approved)
	assert.False(t, entries[1].ResolvedAt.IsZero())

	empty, err := store.ListDecisions(ctx, "unknown-session")
	require.NoError(t, err)
	assert.Empty(t, empty)

	// Reinitializing against the same file is a no-op for the schema.
	again, err := NewSQLiteAuditStore(db, nil)
	require.NoError(t, err)
	entries, err = again.ListDecisions(ctx, "sess-rt")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
