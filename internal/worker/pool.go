// Package worker runs the dispatch loop: claim a task, resolve an endpoint,
// invoke the agent, and hand the result to verification.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/agentd/internal/agent"
	"github.com/fyrsmithlabs/agentd/internal/breaker"
	"github.com/fyrsmithlabs/agentd/internal/health"
	"github.com/fyrsmithlabs/agentd/internal/metrics"
	"github.com/fyrsmithlabs/agentd/internal/queue"
	"github.com/fyrsmithlabs/agentd/internal/resolver"
	"github.com/fyrsmithlabs/agentd/internal/store"
	"github.com/fyrsmithlabs/agentd/internal/task"
)

const (
	idleWait       = 500 * time.Millisecond
	parkWait       = time.Second
	maxUnavailWait = 30 * time.Second
)

// TaskResolver picks a producing endpoint for a task.
type TaskResolver interface {
	Resolve(role string, critical bool, excluded string) (resolver.Endpoint, error)
}

// Reviewer runs the verification round for a task in REVIEW state.
type Reviewer interface {
	Review(ctx context.Context, t *task.Task, producer resolver.Endpoint, output string) error
}

// Options configures the pool.
type Options struct {
	Workers           int
	InvokeTimeout     time.Duration
	DispatchPerSecond float64
}

// Pool runs a fixed set of workers over the queue. Workers above the health
// monitor's current ceiling park instead of claiming, which is how degraded
// mode sheds load without killing goroutines.
type Pool struct {
	queue    *queue.Manager
	store    *store.Store
	resolver TaskResolver
	invoker  agent.Invoker
	sessions *agent.SessionManager
	breaker  *breaker.Registry
	reviewer Reviewer
	health   *health.Monitor
	metrics  *metrics.Metrics
	logger   *zap.Logger

	pacer *rate.Limiter
	opts  Options
}

// New creates a worker pool.
func New(q *queue.Manager, st *store.Store, res TaskResolver, inv agent.Invoker,
	sessions *agent.SessionManager, br *breaker.Registry, reviewer Reviewer,
	h *health.Monitor, m *metrics.Metrics, opts Options, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue: q, store: st, resolver: res, invoker: inv, sessions: sessions,
		breaker: br, reviewer: reviewer, health: h, metrics: m, logger: logger,
		pacer: rate.NewLimiter(rate.Limit(opts.DispatchPerSecond), 1),
		opts:  opts,
	}
}

// Run starts the workers and blocks until ctx is cancelled and all workers
// have drained.
func (p *Pool) Run(ctx context.Context) {
	var wg conc.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		index := i
		wg.Go(func() { p.loop(ctx, index) })
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, index int) {
	workerID := fmt.Sprintf("worker-%d", index)
	logger := p.logger.With(zap.String("worker", workerID))

	for {
		if ctx.Err() != nil {
			return
		}
		if index >= p.health.MaxWorkers() {
			sleep(ctx, parkWait)
			continue
		}
		if err := p.pacer.Wait(ctx); err != nil {
			return
		}

		maxPrio := task.P3Low
		if p.health.Degraded() {
			// Degraded mode sheds load two ways: fewer workers, and
			// critical-only intake until health recovers.
			maxPrio = task.P0Critical
		}
		t, err := p.queue.Claim(ctx, workerID, nil, maxPrio)
		if errors.Is(err, store.ErrNoTask) {
			sleep(ctx, idleWait)
			continue
		}
		if err != nil {
			if errors.Is(err, store.ErrStateStore) {
				p.health.ReportStoreError(err)
			}
			logger.Error("claim failed", zap.Error(err))
			sleep(ctx, idleWait)
			continue
		}
		p.health.ReportStoreOK()
		p.process(ctx, workerID, t, logger)
	}
}

// process runs one claimed task through invocation and review. Failures are
// routed to retry policy; only unexpected store errors propagate to the log.
func (p *Pool) process(ctx context.Context, workerID string, t *task.Task, logger *zap.Logger) {
	p.metrics.ActiveWorkers.Inc()
	p.health.WorkerStarted()
	defer func() {
		p.metrics.ActiveWorkers.Dec()
		p.health.WorkerDone()
	}()

	logger = logger.With(zap.String("task_id", t.ID))
	critical := t.Priority == task.P0Critical

	ep, err := p.resolver.Resolve(t.Role, critical, t.ExcludedEndpoint)
	if err != nil {
		if errors.Is(err, resolver.ErrAllEndpointsUnavailable) {
			// Nothing can serve the task right now. The queue counts the
			// streak: requeue with backoff until the limit, then escalate.
			logger.Warn("no endpoint available, releasing claim",
				zap.Int("consecutive", t.UnavailCount+1))
			escalated, uErr := p.queue.HandleUnavailable(ctx, t, workerID)
			if uErr != nil {
				logger.Error("unavailable handling failed", zap.Error(uErr))
				return
			}
			if !escalated {
				sleep(ctx, unavailBackoff(t.UnavailCount))
			}
			return
		}
		logger.Warn("resolution failed", zap.Error(err))
		if failErr := p.queue.HandleFailure(ctx, t, err.Error()); failErr != nil {
			logger.Error("failure handling failed", zap.Error(failErr))
		}
		return
	}

	// The producer exclusion buys exactly one dispatch on a different
	// endpoint; lift it now that a choice has been made.
	if t.ExcludedEndpoint != "" {
		if err := p.store.ClearExclusion(ctx, t.ID); err != nil {
			logger.Warn("failed to clear exclusion", zap.Error(err))
		}
	}

	if err := p.store.MarkRunning(ctx, t.ID, workerID); err != nil {
		// Claim was swept or stolen; walk away.
		logger.Warn("lost claim before start", zap.Error(err))
		return
	}

	session := p.sessions.Acquire(ep.Name)
	invokeCtx, cancel := context.WithTimeout(ctx, p.opts.InvokeTimeout)
	res, err := p.invoker.Invoke(invokeCtx, ep, session.ID, t.Payload)
	cancel()

	if err != nil {
		p.breaker.RecordFailure(ep.Name)
		p.sessions.Invalidate(ep.Name)
		p.health.ReportFailure()
		logger.Warn("invocation failed",
			zap.String("endpoint", ep.Name),
			zap.Error(err))
		if failErr := p.queue.HandleFailure(ctx, t, err.Error()); failErr != nil {
			logger.Error("failure handling failed", zap.Error(failErr))
		}
		return
	}

	p.breaker.RecordSuccess(ep.Name)
	p.sessions.RecordUsage(ep.Name, res.TokensUsed)
	p.health.ReportSuccess()
	p.metrics.InvocationSeconds.WithLabelValues(ep.Name).Observe(res.Duration.Seconds())

	if err := p.store.MoveToReview(ctx, t.ID, workerID); err != nil {
		logger.Warn("lost claim before review", zap.Error(err))
		return
	}
	reviewTask, err := p.store.GetTask(ctx, t.ID)
	if err != nil {
		logger.Error("failed to reload task for review", zap.Error(err))
		return
	}
	if err := p.reviewer.Review(ctx, reviewTask, ep, res.Output); err != nil {
		logger.Error("verification round failed", zap.Error(err))
	}
}

// unavailBackoff doubles the wait per consecutive dispatch that found no
// endpoint, bounded by maxUnavailWait.
func unavailBackoff(misses int) time.Duration {
	if misses > 6 {
		misses = 6
	}
	d := idleWait * time.Duration(1<<misses)
	if d > maxUnavailWait {
		d = maxUnavailWait
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
