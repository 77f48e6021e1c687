// Package verify implements the two-key rule: no task completes until an
// endpoint other than its producer has reviewed the work and approved it.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/agent"
	"github.com/fyrsmithlabs/agentd/internal/eventbus"
	"github.com/fyrsmithlabs/agentd/internal/metrics"
	"github.com/fyrsmithlabs/agentd/internal/queue"
	"github.com/fyrsmithlabs/agentd/internal/resolver"
	"github.com/fyrsmithlabs/agentd/internal/store"
	"github.com/fyrsmithlabs/agentd/internal/task"
)

// Verification decisions as persisted.
const (
	DecisionApprove   = "APPROVE"
	DecisionReject    = "REJECT"
	DecisionStalemate = "STALEMATE"
)

// EndpointResolver picks a verifier endpoint from a role other than the
// producer's.
type EndpointResolver interface {
	ResolveVerifier(producerRole, producer string, critical bool) (resolver.Endpoint, error)
}

// FailureReporter feeds invocation outcomes back into circuit state.
type FailureReporter interface {
	RecordSuccess(endpoint string)
	RecordFailure(endpoint string)
}

// Options configures the coordinator.
type Options struct {
	// StalemateLimit caps rejected verification cycles. The rejection that
	// reaches the cap escalates the task instead of requeueing it again.
	StalemateLimit int
	// InvokeTimeout bounds a single verifier invocation.
	InvokeTimeout time.Duration
	// Attempts is how many verifier endpoints to try before giving up on
	// this review round.
	Attempts int
}

// Coordinator reviews tasks in REVIEW state and moves them to their outcome.
type Coordinator struct {
	store    *store.Store
	queue    *queue.Manager
	resolver EndpointResolver
	invoker  agent.Invoker
	sessions *agent.SessionManager
	reporter FailureReporter
	bus      *eventbus.Bus
	metrics  *metrics.Metrics
	opts     Options
	logger   *zap.Logger
}

// New creates a verification coordinator.
func New(st *store.Store, q *queue.Manager, res EndpointResolver, inv agent.Invoker,
	sessions *agent.SessionManager, reporter FailureReporter, bus *eventbus.Bus,
	m *metrics.Metrics, opts Options, logger *zap.Logger) *Coordinator {
	if opts.Attempts < 1 {
		opts.Attempts = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store: st, queue: q, resolver: res, invoker: inv, sessions: sessions,
		reporter: reporter, bus: bus, metrics: m, opts: opts, logger: logger,
	}
}

// Review runs the verification round for a task in REVIEW state. The producer
// endpoint and its output come from the worker that just ran the task.
//
// An approval completes the task. A rejection requeues it with the producer
// excluded from the next dispatch, until the stalemate limit escalates it.
// If no verifier can be reached the round counts as a failed attempt.
func (c *Coordinator) Review(ctx context.Context, t *task.Task, producer resolver.Endpoint, output string) error {
	critical := t.Priority == task.P0Critical

	res, verifier, err := c.invokeVerifier(ctx, t, producer, output, critical)
	if err != nil {
		if errors.Is(err, resolver.ErrNoVerifier) || errors.Is(err, agent.ErrTransient) {
			c.logger.Warn("verification round unavailable",
				zap.String("task_id", t.ID),
				zap.Error(err))
			return c.queue.HandleFailure(ctx, t, "verifier unavailable")
		}
		return err
	}

	vote, reason := agent.ParseVote(res.Output)
	c.logger.Info("verification vote",
		zap.String("task_id", t.ID),
		zap.String("producer", producer.Name),
		zap.String("verifier", verifier.Name),
		zap.String("vote", string(vote)),
		zap.Int("cycle", t.Cycle))

	switch vote {
	case agent.VoteApprove:
		return c.approve(ctx, t, producer, verifier, reason)
	default:
		// An abstention cannot grant the second key; it is handled like a
		// rejection so unreadable verifier output never completes a task.
		return c.reject(ctx, t, producer, verifier, vote, reason)
	}
}

func (c *Coordinator) invokeVerifier(ctx context.Context, t *task.Task, producer resolver.Endpoint, output string, critical bool) (*agent.Result, resolver.Endpoint, error) {
	prompt := buildPrompt(t, producer.Name, output)

	var lastErr error
	for attempt := 0; attempt < c.opts.Attempts; attempt++ {
		verifier, err := c.resolver.ResolveVerifier(t.Role, producer.Name, critical)
		if err != nil {
			return nil, resolver.Endpoint{}, err
		}

		session := c.sessions.Acquire(verifier.Name)
		invokeCtx, cancel := context.WithTimeout(ctx, c.opts.InvokeTimeout)
		res, err := c.invoker.Invoke(invokeCtx, verifier, session.ID, prompt)
		cancel()
		if err != nil {
			c.reporter.RecordFailure(verifier.Name)
			c.sessions.Invalidate(verifier.Name)
			lastErr = err
			continue
		}
		c.reporter.RecordSuccess(verifier.Name)
		c.sessions.RecordUsage(verifier.Name, res.TokensUsed)
		c.metrics.InvocationSeconds.WithLabelValues(verifier.Name).Observe(res.Duration.Seconds())
		return res, verifier, nil
	}
	return nil, resolver.Endpoint{}, lastErr
}

func (c *Coordinator) approve(ctx context.Context, t *task.Task, producer, verifier resolver.Endpoint, reason string) error {
	if err := c.store.AppendVerification(ctx, &store.VerificationRecord{
		TaskID:   t.ID,
		Producer: producer.Name,
		Verifier: verifier.Name,
		Decision: DecisionApprove,
		Cycle:    t.Cycle,
		Reason:   reason,
	}); err != nil {
		return err
	}
	if err := c.store.CompleteTask(ctx, t.ID); err != nil {
		return err
	}
	c.metrics.TasksTotal.WithLabelValues(metrics.OutcomeCompleted).Inc()
	c.bus.Emit(eventbus.VerifyApproved, t.ID, reason, map[string]string{
		"producer": producer.Name,
		"verifier": verifier.Name,
	})
	c.bus.Emit(eventbus.TaskCompleted, t.ID, "", nil)
	return nil
}

func (c *Coordinator) reject(ctx context.Context, t *task.Task, producer, verifier resolver.Endpoint, vote agent.Vote, reason string) error {
	// t.Cycle counts completed rejected cycles; this rejection makes one
	// more. Escalate as soon as the budget is spent, never requeue past it.
	if t.Cycle+1 >= c.opts.StalemateLimit {
		if err := c.store.AppendVerification(ctx, &store.VerificationRecord{
			TaskID:   t.ID,
			Producer: producer.Name,
			Verifier: verifier.Name,
			Decision: DecisionStalemate,
			Cycle:    t.Cycle,
			Reason:   reason,
		}); err != nil {
			return err
		}
		if err := c.store.EscalateTask(ctx, t.ID); err != nil {
			return err
		}
		c.metrics.TasksTotal.WithLabelValues(metrics.OutcomeEscalated).Inc()
		c.metrics.Escalations.Inc()
		c.bus.Emit(eventbus.TaskEscalated, t.ID, reason, map[string]string{
			"cycles": fmt.Sprintf("%d", t.Cycle+1),
		})
		c.logger.Warn("verification stalemate, task escalated",
			zap.String("task_id", t.ID),
			zap.Int("cycle", t.Cycle))
		return nil
	}

	if err := c.store.AppendVerification(ctx, &store.VerificationRecord{
		TaskID:   t.ID,
		Producer: producer.Name,
		Verifier: verifier.Name,
		Decision: DecisionReject,
		Cycle:    t.Cycle,
		Reason:   reason,
	}); err != nil {
		return err
	}
	if err := c.store.RequeueFromReview(ctx, t.ID, producer.Name); err != nil {
		return err
	}
	c.bus.Emit(eventbus.VerifyRejected, t.ID, reason, map[string]string{
		"producer": producer.Name,
		"verifier": verifier.Name,
		"vote":     string(vote),
	})
	return nil
}

// buildPrompt frames the review request. The verifier must answer with an
// explicit verdict line so ParseVote has an unambiguous signal.
func buildPrompt(t *task.Task, producer, output string) string {
	var b strings.Builder
	b.WriteString("You are reviewing work produced by another agent. ")
	b.WriteString("Judge whether it fully accomplishes the task.\n\n")
	fmt.Fprintf(&b, "TASK (%s):\n%s\n\n", t.Priority, t.Payload)
	fmt.Fprintf(&b, "WORK PRODUCED BY %s:\n%s\n\n", producer, output)
	b.WriteString("Reply with a line of the form:\n")
	b.WriteString("VERDICT: APPROVE <short justification>\n")
	b.WriteString("or\n")
	b.WriteString("VERDICT: REJECT <what is wrong and what must change>\n")
	return b.String()
}
