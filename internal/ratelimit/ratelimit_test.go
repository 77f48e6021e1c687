package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLimiter(t *testing.T, limit int64) (*Limiter, *time.Time) {
	t.Helper()
	clock := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	l := New(time.Hour, limit, 0.70, 0.85, 0.95, zap.NewNop())
	l.SetClock(func() time.Time { return clock })
	return l, &clock
}

func TestTiers(t *testing.T) {
	l, _ := newTestLimiter(t, 100)

	// 0 -> 60: full service.
	assert.Equal(t, Allow, l.TryConsume("gemini", 60, false))
	// At 60% the next request is still below the warn band.
	assert.Equal(t, Allow, l.TryConsume("gemini", 10, false))
	// At 70% service degrades.
	assert.Equal(t, AllowReduced, l.TryConsume("gemini", 16, false))
	// At 86% only critical work passes.
	assert.Equal(t, RejectNonCritical, l.TryConsume("gemini", 5, false))
	assert.Equal(t, AllowReduced, l.TryConsume("gemini", 5, true))
	// At 91%: still pause band, critical only.
	assert.Equal(t, RejectNonCritical, l.TryConsume("gemini", 1, false))
	assert.Equal(t, AllowReduced, l.TryConsume("gemini", 4, true))
	// At 95% everything is refused, critical included.
	assert.Equal(t, RejectAll, l.TryConsume("gemini", 1, true))
	assert.Equal(t, RejectAll, l.TryConsume("gemini", 1, false))
}

func TestRejectedRequestsConsumeNothing(t *testing.T) {
	l, _ := newTestLimiter(t, 100)

	require.Equal(t, Allow, l.TryConsume("gemini", 70, false))
	assert.Equal(t, AllowReduced, l.TryConsume("gemini", 26, false))
	// 96 consumed: refused, and consumption stays put.
	assert.Equal(t, RejectAll, l.TryConsume("gemini", 10, true))

	snap := l.Snapshot()["gemini"]
	assert.Equal(t, int64(96), snap.Consumed)
}

func TestConsumptionNeverExceedsLimit(t *testing.T) {
	l, _ := newTestLimiter(t, 100)

	require.Equal(t, Allow, l.TryConsume("gemini", 60, false))
	// Admitted at 60% but charged down to the cap.
	assert.Equal(t, Allow, l.TryConsume("gemini", 500, false))

	snap := l.Snapshot()["gemini"]
	assert.Equal(t, int64(100), snap.Consumed)
	assert.Equal(t, RejectAll, snap.Tier)
}

func TestWindowRollover(t *testing.T) {
	l, clock := newTestLimiter(t, 100)

	var resets []string
	l.OnReset(func(endpoint string) { resets = append(resets, endpoint) })

	require.Equal(t, Allow, l.TryConsume("gemini", 96, true))
	assert.Equal(t, RejectAll, l.Tier("gemini"))

	*clock = clock.Add(61 * time.Minute)
	assert.Equal(t, Allow, l.TryConsume("gemini", 10, false))
	assert.Equal(t, []string{"gemini"}, resets)

	snap := l.Snapshot()["gemini"]
	assert.Equal(t, int64(10), snap.Consumed)
	// The boundary stays anchored to first use, not to the late request.
	assert.Equal(t, time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC), snap.Start)
}

func TestRolloverObservedByReadPathsFiresReset(t *testing.T) {
	l, clock := newTestLimiter(t, 100)

	var resets []string
	l.OnReset(func(endpoint string) { resets = append(resets, endpoint) })

	require.Equal(t, Allow, l.TryConsume("gemini", 96, true))
	require.Equal(t, Allow, l.TryConsume("claude", 50, false))

	// The health monitor polls WorstTier; a rollover it sees must count.
	*clock = clock.Add(61 * time.Minute)
	assert.Equal(t, Allow, l.WorstTier())
	assert.ElementsMatch(t, []string{"gemini", "claude"}, resets)

	// Already rolled over; further reads fire nothing.
	resets = nil
	assert.Equal(t, Allow, l.Tier("gemini"))
	_ = l.Snapshot()
	assert.Empty(t, resets)

	// Tier and Snapshot fire it too when they are first to look.
	*clock = clock.Add(61 * time.Minute)
	assert.Equal(t, Allow, l.Tier("gemini"))
	assert.Equal(t, []string{"gemini"}, resets)
	_ = l.Snapshot()
	assert.ElementsMatch(t, []string{"gemini", "claude"}, resets)
}

func TestPerEndpointLimits(t *testing.T) {
	l, _ := newTestLimiter(t, 100)
	l.SetLimit("claude", 10)

	assert.Equal(t, Allow, l.TryConsume("claude", 7, false))
	assert.Equal(t, AllowReduced, l.TryConsume("claude", 2, false))
	assert.Equal(t, RejectNonCritical, l.TryConsume("claude", 1, false))
	assert.Equal(t, AllowReduced, l.TryConsume("claude", 1, true))
	assert.Equal(t, RejectAll, l.TryConsume("claude", 1, true))
	// The small claude budget does not affect other endpoints.
	assert.Equal(t, Allow, l.TryConsume("gemini", 9, false))
}

func TestWorstTier(t *testing.T) {
	l, _ := newTestLimiter(t, 100)

	assert.Equal(t, Allow, l.WorstTier())
	l.TryConsume("gemini", 50, false)
	assert.Equal(t, Allow, l.WorstTier())
	l.TryConsume("claude", 90, true)
	assert.Equal(t, RejectNonCritical, l.WorstTier())
}

func TestRestore(t *testing.T) {
	l, clock := newTestLimiter(t, 100)

	// Live window survives a restart.
	l.Restore("gemini", clock.Add(-30*time.Minute), 90)
	assert.Equal(t, RejectNonCritical, l.Tier("gemini"))

	// Expired window is discarded.
	l.Restore("claude", clock.Add(-2*time.Hour), 90)
	assert.Equal(t, Allow, l.Tier("claude"))
}

func TestOnChange(t *testing.T) {
	l, _ := newTestLimiter(t, 100)

	var consumed int64
	l.OnChange(func(endpoint string, c, limit int64) {
		assert.Equal(t, "gemini", endpoint)
		assert.Equal(t, int64(100), limit)
		consumed = c
	})

	l.TryConsume("gemini", 25, false)
	assert.Equal(t, int64(25), consumed)
	l.TryConsume("gemini", 25, false)
	assert.Equal(t, int64(50), consumed)
}
