package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T, threshold int, timeout time.Duration) (*Registry, *time.Time) {
	t.Helper()
	clock := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	r := New(threshold, timeout, zap.NewNop())
	r.SetClock(func() time.Time { return clock })
	return r, &clock
}

func TestOpensAtThreshold(t *testing.T) {
	r, _ := newTestRegistry(t, 3, 5*time.Minute)

	r.RecordFailure("claude")
	r.RecordFailure("claude")
	assert.Equal(t, StatusClosed, r.State("claude"))
	assert.True(t, r.Allow("claude"))

	r.RecordFailure("claude")
	assert.Equal(t, StatusOpen, r.State("claude"))
	assert.False(t, r.Allow("claude"))
	assert.False(t, r.Eligible("claude"))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	r, _ := newTestRegistry(t, 3, 5*time.Minute)

	r.RecordFailure("claude")
	r.RecordFailure("claude")
	r.RecordSuccess("claude")
	r.RecordFailure("claude")
	r.RecordFailure("claude")
	assert.Equal(t, StatusClosed, r.State("claude"))
}

func TestHalfOpenSingleTrial(t *testing.T) {
	r, clock := newTestRegistry(t, 1, 5*time.Minute)

	r.RecordFailure("claude")
	require.Equal(t, StatusOpen, r.State("claude"))

	*clock = clock.Add(6 * time.Minute)
	assert.True(t, r.Eligible("claude"))

	// First caller wins the trial slot; the second is refused.
	assert.True(t, r.Allow("claude"))
	assert.Equal(t, StatusHalfOpen, r.State("claude"))
	assert.False(t, r.Allow("claude"))
	assert.False(t, r.Eligible("claude"))
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	r, clock := newTestRegistry(t, 1, 5*time.Minute)

	r.RecordFailure("claude")
	*clock = clock.Add(6 * time.Minute)
	require.True(t, r.Allow("claude"))

	r.RecordSuccess("claude")
	assert.Equal(t, StatusClosed, r.State("claude"))
	assert.True(t, r.Allow("claude"))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	r, clock := newTestRegistry(t, 3, 5*time.Minute)

	r.RecordFailure("claude")
	r.RecordFailure("claude")
	r.RecordFailure("claude")
	*clock = clock.Add(6 * time.Minute)
	require.True(t, r.Allow("claude"))

	// One failed trial reopens regardless of threshold.
	r.RecordFailure("claude")
	assert.Equal(t, StatusOpen, r.State("claude"))
	assert.False(t, r.Allow("claude"))

	// And the fresh failure restarts the open timeout.
	*clock = clock.Add(4 * time.Minute)
	assert.False(t, r.Eligible("claude"))
	*clock = clock.Add(2 * time.Minute)
	assert.True(t, r.Eligible("claude"))
}

func TestCircuitsAreIndependent(t *testing.T) {
	r, _ := newTestRegistry(t, 1, 5*time.Minute)

	r.RecordFailure("claude")
	assert.Equal(t, StatusOpen, r.State("claude"))
	assert.Equal(t, StatusClosed, r.State("gemini"))
	assert.True(t, r.Allow("gemini"))
	assert.Equal(t, 1, r.OpenCount())
}

func TestOnChangeHook(t *testing.T) {
	r, _ := newTestRegistry(t, 1, 5*time.Minute)

	var last Snapshot
	var calls int
	r.OnChange(func(endpoint string, snap Snapshot) {
		assert.Equal(t, "claude", endpoint)
		last = snap
		calls++
	})

	r.RecordFailure("claude")
	assert.Equal(t, StatusOpen, last.Status)
	assert.Equal(t, 1, last.Failures)
	assert.False(t, last.OpenUntil.IsZero())

	r.RecordSuccess("claude")
	assert.Equal(t, StatusClosed, last.Status)
	assert.Equal(t, 2, calls)
}

func TestRestore(t *testing.T) {
	r, clock := newTestRegistry(t, 3, 5*time.Minute)

	until := clock.Add(2 * time.Minute)
	r.Restore("claude", StatusOpen, 3, until)
	assert.Equal(t, StatusOpen, r.State("claude"))
	assert.False(t, r.Eligible("claude"))

	*clock = clock.Add(3 * time.Minute)
	assert.True(t, r.Eligible("claude"))

	// A half-open trial does not survive a restart.
	r.Restore("gemini", StatusHalfOpen, 3, clock.Add(time.Minute))
	assert.Equal(t, StatusOpen, r.State("gemini"))
}

func TestSnapshot(t *testing.T) {
	r, _ := newTestRegistry(t, 1, 5*time.Minute)

	r.RecordFailure("claude")
	r.RecordSuccess("gemini")

	snaps := r.Snapshot()
	require.Len(t, snaps, 2)
	assert.Equal(t, StatusOpen, snaps["claude"].Status)
	assert.Equal(t, StatusClosed, snaps["gemini"].Status)
}
