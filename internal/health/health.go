// Package health scores the daemon's operating condition and drives degraded
// mode. The score folds together queue backlog, open circuits, budget tier,
// worker utilization and the trailing invocation success ratio; sustained
// recovery is required before degraded mode lifts.
package health

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/eventbus"
	"github.com/fyrsmithlabs/agentd/internal/metrics"
	"github.com/fyrsmithlabs/agentd/internal/ratelimit"
)

const resultWindow = 32

// Deps supplies the monitor's inputs as functions so it stays decoupled from
// the components it observes.
type Deps struct {
	QueueDepth   func(ctx context.Context) (int, error)
	OpenCircuits func() int
	Endpoints    int
	WorstTier    func() ratelimit.Decision
}

// Options configures the monitor.
type Options struct {
	Interval time.Duration
	// DegradedThreshold is the score below which degraded mode engages.
	DegradedThreshold float64
	// RecoveryTicks is how many consecutive healthy ticks end degraded mode.
	RecoveryTicks int
	// MaxWorkers and FloorWorkers bound the pool in normal and degraded mode.
	MaxWorkers   int
	FloorWorkers int
}

// Snapshot is the monitor's current view, served on /health.
type Snapshot struct {
	Score        float64 `json:"score"`
	Degraded     bool    `json:"degraded"`
	QueueDepth    int    `json:"queue_depth"`
	OpenCircuits  int    `json:"open_circuits"`
	BudgetTier    string `json:"budget_tier"`
	Workers       int    `json:"workers"`
	ActiveWorkers int    `json:"active_workers"`
	StoreFailing  bool   `json:"store_failing"`
}

// Monitor evaluates health on a fixed interval. Safe for concurrent use.
type Monitor struct {
	mu sync.Mutex

	results [resultWindow]bool
	idx     int
	filled  int

	busy         int
	storeFailing bool
	degraded     bool
	recovery     int
	score        float64
	lastSnap     Snapshot

	deps    Deps
	opts    Options
	bus     *eventbus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a health monitor. The initial score is healthy.
func New(deps Deps, opts Options, bus *eventbus.Bus, m *metrics.Metrics, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		score:   1.0,
		deps:    deps,
		opts:    opts,
		bus:     bus,
		metrics: m,
		logger:  logger,
		lastSnap: Snapshot{
			Score:      1.0,
			BudgetTier: ratelimit.Allow.String(),
		},
	}
}

// ReportSuccess records a successful agent invocation.
func (h *Monitor) ReportSuccess() {
	h.record(true)
}

// ReportFailure records a failed agent invocation.
func (h *Monitor) ReportFailure() {
	h.record(false)
}

func (h *Monitor) record(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results[h.idx] = ok
	h.idx = (h.idx + 1) % resultWindow
	if h.filled < resultWindow {
		h.filled++
	}
}

// WorkerStarted records a worker picking up a task.
func (h *Monitor) WorkerStarted() {
	h.mu.Lock()
	h.busy++
	h.mu.Unlock()
}

// WorkerDone records a worker finishing a task.
func (h *Monitor) WorkerDone() {
	h.mu.Lock()
	h.busy--
	h.mu.Unlock()
}

// ReportStoreError forces degraded mode: without the store nothing can be
// trusted to persist.
func (h *Monitor) ReportStoreError(err error) {
	h.mu.Lock()
	h.storeFailing = true
	h.mu.Unlock()
	h.logger.Error("state store failure reported to health monitor", zap.Error(err))
}

// ReportStoreOK clears a previous store failure.
func (h *Monitor) ReportStoreOK() {
	h.mu.Lock()
	h.storeFailing = false
	h.mu.Unlock()
}

// Run evaluates health on the configured interval until ctx is cancelled.
func (h *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Tick(ctx)
		}
	}
}

// Tick recomputes the score and applies degraded-mode hysteresis.
func (h *Monitor) Tick(ctx context.Context) {
	depth, depthErr := h.deps.QueueDepth(ctx)
	open := h.deps.OpenCircuits()
	tier := h.deps.WorstTier()

	h.mu.Lock()
	if depthErr != nil {
		h.storeFailing = true
	}

	score := 1.0
	if h.deps.Endpoints > 0 && open > 0 {
		score *= 1.0 - 0.5*float64(open)/float64(h.deps.Endpoints)
	}
	score *= tierFactor(tier)
	score *= 0.5 + 0.5*h.successRatioLocked()
	score *= depthFactor(depth)
	score *= utilizationFactor(h.utilizationLocked())
	if h.storeFailing {
		score = 0
	}
	h.score = score

	wasDegraded := h.degraded
	if score < h.opts.DegradedThreshold {
		h.degraded = true
		h.recovery = 0
	} else if h.degraded {
		h.recovery++
		if h.recovery >= h.opts.RecoveryTicks {
			h.degraded = false
			h.recovery = 0
		}
	}
	degraded := h.degraded
	storeFailing := h.storeFailing

	h.lastSnap = Snapshot{
		Score:         score,
		Degraded:      degraded,
		QueueDepth:    depth,
		OpenCircuits:  open,
		BudgetTier:    tier.String(),
		Workers:       h.workersLocked(),
		ActiveWorkers: h.busy,
		StoreFailing:  storeFailing,
	}
	h.mu.Unlock()

	h.metrics.HealthScore.Set(score)

	if degraded && !wasDegraded {
		h.logger.Warn("entering degraded mode", zap.Float64("score", score))
		h.bus.Emit(eventbus.HealthDegraded, "", "", nil)
		h.bus.Emit(eventbus.WorkersRescaled, "", "", map[string]string{"workers": strconv.Itoa(h.opts.FloorWorkers)})
	}
	if !degraded && wasDegraded {
		h.logger.Info("recovered from degraded mode", zap.Float64("score", score))
		h.bus.Emit(eventbus.HealthRecovered, "", "", nil)
		h.bus.Emit(eventbus.WorkersRescaled, "", "", map[string]string{"workers": strconv.Itoa(h.opts.MaxWorkers)})
	}
}

func (h *Monitor) successRatioLocked() float64 {
	if h.filled == 0 {
		return 1.0
	}
	ok := 0
	for i := 0; i < h.filled; i++ {
		if h.results[i] {
			ok++
		}
	}
	return float64(ok) / float64(h.filled)
}

func tierFactor(d ratelimit.Decision) float64 {
	switch d {
	case ratelimit.AllowReduced:
		return 0.9
	case ratelimit.RejectNonCritical:
		return 0.6
	case ratelimit.RejectAll:
		return 0.3
	default:
		return 1.0
	}
}

func (h *Monitor) utilizationLocked() float64 {
	workers := h.workersLocked()
	if workers <= 0 {
		return 0
	}
	return float64(h.busy) / float64(workers)
}

// utilizationFactor dents the score when the pool saturates: a full pool with
// a deep queue means work is falling behind, not that the daemon is healthy.
func utilizationFactor(u float64) float64 {
	switch {
	case u >= 1.0:
		return 0.85
	case u >= 0.75:
		return 0.95
	default:
		return 1.0
	}
}

func depthFactor(depth int) float64 {
	switch {
	case depth >= 100:
		return 0.75
	case depth >= 25:
		return 0.9
	default:
		return 1.0
	}
}

// MaxWorkers returns how many workers may run right now: the configured
// maximum normally, the floor while degraded.
func (h *Monitor) MaxWorkers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.workersLocked()
}

func (h *Monitor) workersLocked() int {
	if h.degraded {
		return h.opts.FloorWorkers
	}
	return h.opts.MaxWorkers
}

// ForceDegraded engages degraded mode immediately, before any tick has run.
// Used by the daemon's --mode=degraded startup flag; normal hysteresis lifts
// it once the score stays healthy.
func (h *Monitor) ForceDegraded() {
	h.mu.Lock()
	h.degraded = true
	h.recovery = 0
	h.lastSnap.Degraded = true
	h.lastSnap.Workers = h.opts.FloorWorkers
	h.mu.Unlock()
	h.logger.Warn("starting in degraded mode")
}

// Degraded reports whether degraded mode is active.
func (h *Monitor) Degraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}

// Score returns the last computed score.
func (h *Monitor) Score() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.score
}

// Snapshot returns the last evaluated view.
func (h *Monitor) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSnap
}

