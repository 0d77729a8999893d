package mcp

import (
	"context"
	"sync"
	"time"

	"github.com/agentworks/opsmcp/observability"
)

// SessionMode controls how the approval gate treats tool calls.
type SessionMode int

const (
	// ModeConfirmatory requires approval for write and unclassified tools.
	ModeConfirmatory SessionMode = iota
	// ModePermissive auto-approves every tool call.
	ModePermissive
)

func (m SessionMode) String() string {
	if m == ModePermissive {
		return "permissive"
	}
	return "confirmatory"
}

// DefaultSessionMaxAge is the sweep threshold for idle sessions.
const DefaultSessionMaxAge = 24 * time.Hour

// Session is one logical client conversation. A session outlives individual
// transport channels; it is created lazily on first reference and removed
// only by the age-based sweep.
//
// All mutation goes through methods holding the session mutex, keeping the
// single-writer invariant explicit instead of relying on scheduling.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu            sync.Mutex
	mode          SessionMode
	modeChangedAt time.Time
	approvedTools map[string]struct{}
	pending       map[string]*ApprovalRequest
}

// Mode returns the session's current approval mode.
func (s *Session) Mode() SessionMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode switches the session's approval mode.
func (s *Session) SetMode(mode SessionMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == mode {
		return
	}
	s.mode = mode
	s.modeChangedAt = time.Now()
}

// ModeChangedAt returns when the mode last changed.
func (s *Session) ModeChangedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modeChangedAt
}

// IsToolApproved reports whether a sticky grant exists for the tool.
func (s *Session) IsToolApproved(toolName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.approvedTools[toolName]
	return ok
}

// GrantTool remembers an approval for the rest of the session.
func (s *Session) GrantTool(toolName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvedTools[toolName] = struct{}{}
}

// AddPending records an approval request in the session ledger. Entries stay
// after resolution for audit until the session is swept.
func (s *Session) AddPending(req *ApprovalRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[req.ID] = req
}

// PendingApprovals returns a snapshot of the session's approval ledger.
func (s *Session) PendingApprovals() []*ApprovalRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ApprovalRequest, 0, len(s.pending))
	for _, req := range s.pending {
		out = append(out, req)
	}
	return out
}

// SessionStore owns the session table. Sessions are created on first
// reference and swept once older than maxAge.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	maxAge   time.Duration
	logger   observability.Logger
}

// NewSessionStore creates a SessionStore. A non-positive maxAge falls back
// to DefaultSessionMaxAge.
func NewSessionStore(maxAge time.Duration, logger observability.Logger) *SessionStore {
	if maxAge <= 0 {
		maxAge = DefaultSessionMaxAge
	}
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	return &SessionStore{
		sessions: make(map[string]*Session),
		maxAge:   maxAge,
		logger:   logger,
	}
}

// Get returns the session for id, creating it lazily on first reference.
func (st *SessionStore) Get(id string) *Session {
	st.mu.RLock()
	sess, ok := st.sessions[id]
	st.mu.RUnlock()
	if ok {
		return sess
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if sess, ok := st.sessions[id]; ok {
		return sess
	}
	sess = &Session{
		ID:            id,
		CreatedAt:     time.Now(),
		mode:          ModeConfirmatory,
		approvedTools: make(map[string]struct{}),
		pending:       make(map[string]*ApprovalRequest),
	}
	st.sessions[id] = sess
	st.logger.WithFields(map[string]interface{}{
		"sessionID": id,
	}).Debug("Created session")
	return sess
}

// Len returns the number of live sessions.
func (st *SessionStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Sweep removes sessions older than the store's max age and returns how
// many were dropped.
func (st *SessionStore) Sweep() int {
	cutoff := time.Now().Add(-st.maxAge)

	st.mu.Lock()
	defer st.mu.Unlock()
	removed := 0
	for id, sess := range st.sessions {
		if sess.CreatedAt.Before(cutoff) {
			delete(st.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		st.logger.WithFields(map[string]interface{}{
			"removed": removed,
		}).Info("Swept expired sessions")
	}
	return removed
}

// RunSweeper sweeps at the given interval until the context is cancelled.
// A non-positive interval derives a cadence from the store's max age.
func (st *SessionStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = sweepInterval(st.maxAge)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.Sweep()
		}
	}
}
