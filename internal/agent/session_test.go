package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*SessionManager, *time.Time) {
	t.Helper()
	clock := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	m := NewSessionManager(1000, 30*time.Minute, zap.NewNop())
	m.SetClock(func() time.Time { return clock })
	return m, &clock
}

func TestAcquireReusesSession(t *testing.T) {
	m, _ := newTestManager(t)

	s1 := m.Acquire("claude")
	require.NotEmpty(t, s1.ID)
	s2 := m.Acquire("claude")
	assert.Equal(t, s1.ID, s2.ID)

	other := m.Acquire("gemini")
	assert.NotEqual(t, s1.ID, other.ID)
}

func TestRotateOnTokenBudget(t *testing.T) {
	m, _ := newTestManager(t)

	s1 := m.Acquire("claude")
	m.RecordUsage("claude", 999)
	assert.Equal(t, s1.ID, m.Acquire("claude").ID)

	m.RecordUsage("claude", 1)
	s2 := m.Acquire("claude")
	assert.NotEqual(t, s1.ID, s2.ID)
	assert.Zero(t, s2.TokensUsed)
}

func TestRotateOnLifetime(t *testing.T) {
	m, clock := newTestManager(t)

	s1 := m.Acquire("claude")
	*clock = clock.Add(29 * time.Minute)
	assert.Equal(t, s1.ID, m.Acquire("claude").ID)

	*clock = clock.Add(time.Minute)
	assert.NotEqual(t, s1.ID, m.Acquire("claude").ID)
}

func TestInvalidate(t *testing.T) {
	m, _ := newTestManager(t)

	s1 := m.Acquire("claude")
	m.Invalidate("claude")
	assert.NotEqual(t, s1.ID, m.Acquire("claude").ID)
}
