package agent

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Session is a reusable conversation with one endpoint. Sessions rotate when
// their token budget or lifetime runs out so context windows never overflow
// mid-task.
type Session struct {
	ID         string
	Endpoint   string
	StartedAt  time.Time
	TokensUsed int64
}

// SessionManager hands out per-endpoint sessions. Safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	tokenBudget int64
	maxLifetime time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// NewSessionManager creates a manager. A session is rotated once it has
// consumed tokenBudget tokens or lived past maxLifetime.
func NewSessionManager(tokenBudget int64, maxLifetime time.Duration, logger *zap.Logger) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		sessions:    make(map[string]*Session),
		tokenBudget: tokenBudget,
		maxLifetime: maxLifetime,
		now:         time.Now,
		logger:      logger,
	}
}

// SetClock overrides the manager clock. Intended for tests.
func (m *SessionManager) SetClock(now func() time.Time) {
	m.now = now
}

// Acquire returns the endpoint's current session, rotating first if the old
// one is exhausted.
func (m *SessionManager) Acquire(endpoint string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[endpoint]
	if ok && !m.exhausted(s) {
		return s
	}
	if ok {
		m.logger.Info("rotating agent session",
			zap.String("endpoint", endpoint),
			zap.String("session_id", s.ID),
			zap.Int64("tokens_used", s.TokensUsed),
			zap.Duration("age", m.now().Sub(s.StartedAt)))
	}
	s = &Session{
		ID:        ulid.Make().String(),
		Endpoint:  endpoint,
		StartedAt: m.now(),
	}
	m.sessions[endpoint] = s
	return s
}

// RecordUsage charges tokens against the endpoint's current session.
func (m *SessionManager) RecordUsage(endpoint string, tokens int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[endpoint]; ok {
		s.TokensUsed += tokens
	}
}

// Invalidate drops the endpoint's session, forcing a fresh one next time.
// Called after a failed invocation, which may have corrupted session state.
func (m *SessionManager) Invalidate(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, endpoint)
}

func (m *SessionManager) exhausted(s *Session) bool {
	if s.TokensUsed >= m.tokenBudget {
		return true
	}
	return m.now().Sub(s.StartedAt) >= m.maxLifetime
}
