// Package queue coordinates task intake, claiming, retry policy and queue
// maintenance on top of the state store.
package queue

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/eventbus"
	"github.com/fyrsmithlabs/agentd/internal/metrics"
	"github.com/fyrsmithlabs/agentd/internal/store"
	"github.com/fyrsmithlabs/agentd/internal/task"
)

// Options configures a queue manager.
type Options struct {
	MaxRetries int
	// UnavailableLimit is how many consecutive dispatches may find no
	// endpoint before the task escalates for human attention.
	UnavailableLimit int
	StuckThreshold   time.Duration
	SweepInterval    time.Duration
	BoostInterval    time.Duration
	BoostAfter       map[task.Priority]time.Duration
	// Retention is how long terminal tasks are kept before the purge pass
	// removes them; PurgeInterval is how often that pass runs.
	Retention     time.Duration
	PurgeInterval time.Duration
}

// Manager owns the task queue. All mutations flow through the store's
// compare-and-set updates; the manager adds retry policy, events and gauges.
type Manager struct {
	store   *store.Store
	bus     *eventbus.Bus
	metrics *metrics.Metrics
	opts    Options
	logger  *zap.Logger
}

// New creates a queue manager.
func New(st *store.Store, bus *eventbus.Bus, m *metrics.Metrics, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: st, bus: bus, metrics: m, opts: opts, logger: logger}
}

// Enqueue accepts a new task.
func (q *Manager) Enqueue(ctx context.Context, role, payload string, prio task.Priority) (*task.Task, error) {
	t := &task.Task{Role: role, Payload: payload, Priority: prio}
	if err := q.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	q.metrics.TasksEnqueued.Inc()
	q.refreshQueueGauge(ctx)
	q.bus.Emit(eventbus.TaskEnqueued, t.ID, "", map[string]string{
		"role":     role,
		"priority": prio.String(),
	})
	q.logger.Info("task enqueued",
		zap.String("task_id", t.ID),
		zap.String("role", role),
		zap.String("priority", prio.String()))
	return t, nil
}

// Claim hands the next eligible task to a worker. maxPrio caps intake:
// task.P3Low admits every class, task.P0Critical only critical work.
func (q *Manager) Claim(ctx context.Context, workerID string, roles []string, maxPrio task.Priority) (*task.Task, error) {
	t, err := q.store.ClaimNext(ctx, workerID, roles, maxPrio)
	if err != nil {
		return nil, err
	}
	q.refreshQueueGauge(ctx)
	q.bus.Emit(eventbus.TaskClaimed, t.ID, "", map[string]string{"worker": workerID})
	return t, nil
}

// Release returns an unstarted claim to the queue without penalty.
func (q *Manager) Release(ctx context.Context, id, workerID string) error {
	if err := q.store.Release(ctx, id, workerID); err != nil {
		return err
	}
	q.refreshQueueGauge(ctx)
	return nil
}

// Cancel removes a task that is still queued.
func (q *Manager) Cancel(ctx context.Context, id string) error {
	if err := q.store.CancelTask(ctx, id); err != nil {
		return err
	}
	q.refreshQueueGauge(ctx)
	return nil
}

// HandleFailure applies retry policy after a failed attempt: requeue until
// the retry budget is spent, then fail the task for good.
func (q *Manager) HandleFailure(ctx context.Context, t *task.Task, reason string) error {
	if t.Retries >= q.opts.MaxRetries {
		if err := q.store.FailTask(ctx, t.ID); err != nil {
			return err
		}
		q.metrics.TasksTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		q.bus.Emit(eventbus.TaskFailed, t.ID, reason, nil)
		q.logger.Warn("task failed permanently",
			zap.String("task_id", t.ID),
			zap.Int("retries", t.Retries),
			zap.String("reason", reason))
		return nil
	}
	if err := q.store.Requeue(ctx, t.ID); err != nil {
		return err
	}
	q.refreshQueueGauge(ctx)
	q.bus.Emit(eventbus.TaskRequeued, t.ID, reason, nil)
	q.logger.Info("task requeued for retry",
		zap.String("task_id", t.ID),
		zap.Int("attempt", t.Retries+1),
		zap.String("reason", reason))
	return nil
}

// HandleUnavailable applies dispatch-exhaustion policy when no endpoint can
// serve a claimed task. The claim is released without spending a retry; once
// the unavailability streak reaches the limit the task escalates instead.
// Returns whether the task was escalated so callers can stop backing off.
func (q *Manager) HandleUnavailable(ctx context.Context, t *task.Task, workerID string) (bool, error) {
	if t.UnavailCount+1 >= q.opts.UnavailableLimit {
		if err := q.store.EscalateTask(ctx, t.ID); err != nil {
			return false, err
		}
		q.metrics.TasksTotal.WithLabelValues(metrics.OutcomeEscalated).Inc()
		q.metrics.Escalations.Inc()
		q.bus.Emit(eventbus.TaskEscalated, t.ID, "no endpoint available", map[string]string{
			"dispatches": strconv.Itoa(t.UnavailCount + 1),
		})
		q.logger.Warn("task escalated, no endpoint available",
			zap.String("task_id", t.ID),
			zap.Int("dispatches", t.UnavailCount+1))
		return true, nil
	}
	if err := q.store.ReleaseUnavailable(ctx, t.ID, workerID); err != nil {
		return false, err
	}
	q.refreshQueueGauge(ctx)
	q.bus.Emit(eventbus.TaskRequeued, t.ID, "no endpoint available", nil)
	return false, nil
}

// Stats returns the store's queue summary.
func (q *Manager) Stats(ctx context.Context) (*store.Stats, error) {
	return q.store.Stats(ctx)
}

// Maintain runs the sweep, boost and purge loops until ctx is cancelled.
// Intended to run in its own goroutine.
func (q *Manager) Maintain(ctx context.Context) {
	sweep := time.NewTicker(q.opts.SweepInterval)
	boost := time.NewTicker(q.opts.BoostInterval)
	purge := time.NewTicker(q.opts.PurgeInterval)
	defer sweep.Stop()
	defer boost.Stop()
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			q.sweepOnce(ctx)
		case <-boost.C:
			q.boostOnce(ctx)
		case <-purge.C:
			q.purgeOnce(ctx)
		}
	}
}

func (q *Manager) sweepOnce(ctx context.Context) {
	swept, err := q.store.SweepStale(ctx, q.opts.StuckThreshold)
	if err != nil {
		q.logger.Error("stale claim sweep failed", zap.Error(err))
		return
	}
	for _, id := range swept {
		q.bus.Emit(eventbus.TaskRequeued, id, "stale claim", nil)
	}
	if len(swept) > 0 {
		q.refreshQueueGauge(ctx)
	}
}

func (q *Manager) boostOnce(ctx context.Context) {
	boosted, err := q.store.BoostAged(ctx, q.opts.BoostAfter)
	if err != nil {
		q.logger.Error("age boost failed", zap.Error(err))
		return
	}
	for _, id := range boosted {
		q.bus.Emit(eventbus.TaskBoosted, id, "", nil)
	}
}

func (q *Manager) purgeOnce(ctx context.Context) {
	purged, err := q.store.PurgeTerminal(ctx, q.opts.Retention)
	if err != nil {
		q.logger.Error("terminal task purge failed", zap.Error(err))
		return
	}
	if len(purged) > 0 {
		q.logger.Info("retention purge removed tasks", zap.Int("count", len(purged)))
	}
}

func (q *Manager) refreshQueueGauge(ctx context.Context) {
	n, err := q.store.CountState(ctx, task.StateQueued)
	if err != nil {
		return
	}
	q.metrics.QueueSize.Set(float64(n))
}
