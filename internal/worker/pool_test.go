package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/agent"
	"github.com/fyrsmithlabs/agentd/internal/breaker"
	"github.com/fyrsmithlabs/agentd/internal/eventbus"
	"github.com/fyrsmithlabs/agentd/internal/health"
	"github.com/fyrsmithlabs/agentd/internal/metrics"
	"github.com/fyrsmithlabs/agentd/internal/queue"
	"github.com/fyrsmithlabs/agentd/internal/ratelimit"
	"github.com/fyrsmithlabs/agentd/internal/resolver"
	"github.com/fyrsmithlabs/agentd/internal/store"
	"github.com/fyrsmithlabs/agentd/internal/task"
)

type fakeResolver struct {
	endpoint    resolver.Endpoint
	err         error
	gotExcluded []string
}

func (f *fakeResolver) Resolve(role string, critical bool, excluded string) (resolver.Endpoint, error) {
	f.gotExcluded = append(f.gotExcluded, excluded)
	if f.err != nil {
		return resolver.Endpoint{}, f.err
	}
	return f.endpoint, nil
}

type fakeInvoker struct {
	output string
	err    error
}

func (f *fakeInvoker) Invoke(ctx context.Context, ep resolver.Endpoint, sessionID, prompt string) (*agent.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &agent.Result{Output: f.output, TokensUsed: 10, Duration: time.Second}, nil
}

type fakeReviewer struct {
	reviewed chan *task.Task
	approve  bool
	store    *store.Store
}

func (f *fakeReviewer) Review(ctx context.Context, t *task.Task, producer resolver.Endpoint, output string) error {
	if f.approve {
		if err := f.store.CompleteTask(ctx, t.ID); err != nil {
			return err
		}
	}
	select {
	case f.reviewed <- t:
	default:
	}
	return nil
}

type fixture struct {
	pool     *Pool
	store    *store.Store
	queue    *queue.Manager
	breaker  *breaker.Registry
	health   *health.Monitor
	resolver *fakeResolver
	invoker  *fakeInvoker
	reviewer *fakeReviewer
	sessions *agent.SessionManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agentd.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	m := metrics.New()
	q := queue.New(st, bus, m, queue.Options{MaxRetries: 2, UnavailableLimit: 2}, zap.NewNop())
	br := breaker.New(3, 5*time.Minute, zap.NewNop())
	sessions := agent.NewSessionManager(1000, time.Hour, zap.NewNop())

	h := health.New(health.Deps{
		QueueDepth:   func(ctx context.Context) (int, error) { return 0, nil },
		OpenCircuits: br.OpenCount,
		Endpoints:    2,
		WorstTier:    func() ratelimit.Decision { return ratelimit.Allow },
	}, health.Options{
		Interval:          time.Second,
		DegradedThreshold: 0.4,
		RecoveryTicks:     3,
		MaxWorkers:        2,
		FloorWorkers:      1,
	}, bus, m, zap.NewNop())

	res := &fakeResolver{endpoint: resolver.Endpoint{Name: "claude-sonnet", Role: "implementer", Command: "claude"}}
	inv := &fakeInvoker{output: "done"}
	rev := &fakeReviewer{reviewed: make(chan *task.Task, 4), approve: true, store: st}

	pool := New(q, st, res, inv, sessions, br, rev, h, m, Options{
		Workers:           2,
		InvokeTimeout:     time.Minute,
		DispatchPerSecond: 1000,
	}, zap.NewNop())

	return &fixture{
		pool: pool, store: st, queue: q, breaker: br, health: h,
		resolver: res, invoker: inv, reviewer: rev, sessions: sessions,
	}
}

func (f *fixture) claimed(t *testing.T, prio task.Priority) *task.Task {
	t.Helper()
	ctx := context.Background()
	_, err := f.queue.Enqueue(ctx, "implementer", "do the thing", prio)
	require.NoError(t, err)
	claimedTask, err := f.queue.Claim(ctx, "worker-0", nil, task.P3Low)
	require.NoError(t, err)
	return claimedTask
}

func TestProcess_SuccessReachesReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.claimed(t, task.P1High)

	f.pool.process(ctx, "worker-0", tk, zap.NewNop())

	reviewed := <-f.reviewer.reviewed
	assert.Equal(t, tk.ID, reviewed.ID)
	assert.Equal(t, task.StateReview, reviewed.State)
	assert.Equal(t, breaker.StatusClosed, f.breaker.State("claude-sonnet"))

	got, err := f.store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, got.State)
}

func TestProcess_InvocationFailureRequeues(t *testing.T) {
	f := newFixture(t)
	f.invoker.err = agent.ErrTransient
	ctx := context.Background()
	tk := f.claimed(t, task.P1High)

	f.pool.process(ctx, "worker-0", tk, zap.NewNop())

	got, err := f.store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateQueued, got.State)
	assert.Equal(t, 1, got.Retries)

	// The failure also feeds the endpoint's circuit.
	snap := f.breaker.Snapshot()["claude-sonnet"]
	assert.Equal(t, 1, snap.Failures)
}

func TestProcess_AllEndpointsDownReleasesWithoutPenalty(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = resolver.ErrAllEndpointsUnavailable
	ctx := context.Background()
	tk := f.claimed(t, task.P1High)

	f.pool.process(ctx, "worker-0", tk, zap.NewNop())

	got, err := f.store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateQueued, got.State)
	assert.Zero(t, got.Retries)
	assert.Equal(t, 1, got.UnavailCount)
}

func TestProcess_UnavailableStreakEscalates(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = resolver.ErrAllEndpointsUnavailable
	ctx := context.Background()
	tk := f.claimed(t, task.P1High)

	// First miss requeues; the second reaches the limit and parks the task
	// for human attention instead of spinning forever.
	f.pool.process(ctx, "worker-0", tk, zap.NewNop())
	reclaimed, err := f.queue.Claim(ctx, "worker-0", nil, task.P3Low)
	require.NoError(t, err)
	require.Equal(t, 1, reclaimed.UnavailCount)

	f.pool.process(ctx, "worker-0", reclaimed, zap.NewNop())

	got, err := f.store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateEscalated, got.State)
}

func TestUnavailBackoffDoublesAndCaps(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, unavailBackoff(0))
	assert.Equal(t, time.Second, unavailBackoff(1))
	assert.Equal(t, 8*time.Second, unavailBackoff(4))
	assert.Equal(t, 30*time.Second, unavailBackoff(7))
	assert.Equal(t, 30*time.Second, unavailBackoff(40))
}

func TestProcess_ExclusionForwardedAndCleared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.claimed(t, task.P1High)

	// Walk the task through a rejection so it carries an exclusion.
	require.NoError(t, f.store.MarkRunning(ctx, tk.ID, "worker-0"))
	require.NoError(t, f.store.MoveToReview(ctx, tk.ID, "worker-0"))
	require.NoError(t, f.store.RequeueFromReview(ctx, tk.ID, "gpt-codex"))
	reclaimed, err := f.queue.Claim(ctx, "worker-0", nil, task.P3Low)
	require.NoError(t, err)
	require.Equal(t, "gpt-codex", reclaimed.ExcludedEndpoint)

	f.pool.process(ctx, "worker-0", reclaimed, zap.NewNop())

	assert.Equal(t, []string{"gpt-codex"}, f.resolver.gotExcluded)
	got, err := f.store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ExcludedEndpoint, "exclusion lasts one dispatch only")
}

func TestRun_DegradedClaimsOnlyCritical(t *testing.T) {
	f := newFixture(t)
	f.health.ForceDegraded()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	low, err := f.queue.Enqueue(ctx, "implementer", "background chore", task.P2Medium)
	require.NoError(t, err)
	crit, err := f.queue.Enqueue(ctx, "implementer", "fix the outage", task.P0Critical)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		f.pool.Run(ctx)
		close(done)
	}()

	select {
	case reviewed := <-f.reviewer.reviewed:
		assert.Equal(t, crit.ID, reviewed.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("critical task never processed")
	}

	// Several idle claim cycles later the non-critical task is still queued.
	time.Sleep(200 * time.Millisecond)
	got, err := f.store.GetTask(ctx, low.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateQueued, got.State, "non-critical intake pauses while degraded")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not drain after cancel")
	}
}

func TestRun_ProcessesQueuedTask(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := f.queue.Enqueue(ctx, "implementer", "do the thing", task.P0Critical)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		f.pool.Run(ctx)
		close(done)
	}()

	select {
	case <-f.reviewer.reviewed:
	case <-time.After(5 * time.Second):
		t.Fatal("task never reached review")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not drain after cancel")
	}
}
