// Package breaker provides per-endpoint circuit breakers for agent CLIs.
// A circuit opens after consecutive failures, blocks dispatch while open, and
// admits a single trial invocation once the open timeout elapses.
package breaker

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when an endpoint's circuit refuses the call.
var ErrCircuitOpen = errors.New("circuit open")

const (
	circuitClosed   uint32 = 0
	circuitOpen     uint32 = 1
	circuitHalfOpen uint32 = 2
)

// StatusName maps the wire representation of a circuit status.
const (
	StatusClosed   = "closed"
	StatusOpen     = "open"
	StatusHalfOpen = "half-open"
)

// circuit holds one endpoint's breaker state. All fields are atomics so the
// hot path (Eligible/Allow) takes no lock.
type circuit struct {
	failures    atomic.Int32
	state       atomic.Uint32 // 0=closed, 1=open, 2=half-open
	lastFailure atomic.Int64  // Unix nano timestamp
}

// Snapshot is a point-in-time view of one circuit.
type Snapshot struct {
	Status    string    `json:"status"`
	Failures  int       `json:"failures"`
	OpenUntil time.Time `json:"open_until"` // zero unless open
}

// Registry tracks circuits for every known endpoint.
type Registry struct {
	mu       sync.RWMutex
	circuits map[string]*circuit

	threshold   int32
	openTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger

	onChange func(endpoint string, snap Snapshot)
}

// New creates a circuit registry. A circuit opens after threshold consecutive
// failures and admits a trial after openTimeout.
func New(threshold int, openTimeout time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		circuits:    make(map[string]*circuit),
		threshold:   int32(threshold),
		openTimeout: openTimeout,
		now:         time.Now,
		logger:      logger,
	}
}

// SetClock overrides the registry clock. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// OnChange registers a hook invoked after every state transition, used to
// persist circuit state and update gauges. The hook must not call back into
// the registry.
func (r *Registry) OnChange(fn func(endpoint string, snap Snapshot)) {
	r.onChange = fn
}

// Restore seeds an endpoint's circuit from persisted state.
func (r *Registry) Restore(endpoint, status string, failCount int, openUntil time.Time) {
	c := r.circuit(endpoint)
	c.failures.Store(int32(failCount))
	switch status {
	case StatusOpen:
		c.state.Store(circuitOpen)
		c.lastFailure.Store(openUntil.Add(-r.openTimeout).UnixNano())
	case StatusHalfOpen:
		// A restart aborts any in-flight trial; reopen so the timeout
		// gates the next one.
		c.state.Store(circuitOpen)
		c.lastFailure.Store(openUntil.Add(-r.openTimeout).UnixNano())
	default:
		c.state.Store(circuitClosed)
	}
}

func (r *Registry) circuit(endpoint string) *circuit {
	r.mu.RLock()
	c, ok := r.circuits[endpoint]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.circuits[endpoint]; ok {
		return c
	}
	c = &circuit{}
	r.circuits[endpoint] = c
	return c
}

// Eligible reports whether a call to the endpoint could be admitted, without
// consuming the half-open trial slot. Used by the resolver to scan candidates
// before committing budget.
func (r *Registry) Eligible(endpoint string) bool {
	c := r.circuit(endpoint)
	switch c.state.Load() {
	case circuitOpen:
		lastFail := time.Unix(0, c.lastFailure.Load())
		return r.now().Sub(lastFail) > r.openTimeout
	case circuitHalfOpen:
		return false // trial already in flight
	default:
		return true
	}
}

// Allow reports whether the call may proceed. When an open circuit's timeout
// has elapsed, exactly one caller wins the transition to half-open and gets
// the trial request.
func (r *Registry) Allow(endpoint string) bool {
	c := r.circuit(endpoint)
	for {
		switch c.state.Load() {
		case circuitOpen:
			lastFail := time.Unix(0, c.lastFailure.Load())
			if r.now().Sub(lastFail) > r.openTimeout {
				if c.state.CompareAndSwap(circuitOpen, circuitHalfOpen) {
					r.notify(endpoint, c)
					return true
				}
				continue // another goroutine won, re-examine
			}
			return false
		case circuitHalfOpen:
			return false // only one request allowed in half-open
		default: // circuitClosed
			return true
		}
	}
}

// RecordSuccess closes the endpoint's circuit and clears its failure count.
func (r *Registry) RecordSuccess(endpoint string) {
	c := r.circuit(endpoint)
	prev := c.state.Load()
	c.failures.Store(0)
	c.state.Store(circuitClosed)
	if prev != circuitClosed {
		r.logger.Info("circuit closed", zap.String("endpoint", endpoint))
	}
	r.notify(endpoint, c)
}

// RecordFailure counts a failure and opens the circuit at the threshold.
// A failed half-open trial reopens immediately.
func (r *Registry) RecordFailure(endpoint string) {
	c := r.circuit(endpoint)
	for {
		currentFailures := c.failures.Load()
		if currentFailures == math.MaxInt32 {
			return
		}
		newFailures := currentFailures + 1
		if !c.failures.CompareAndSwap(currentFailures, newFailures) {
			continue // another goroutine incremented, retry
		}

		halfOpenFailed := c.state.CompareAndSwap(circuitHalfOpen, circuitOpen)
		if halfOpenFailed || (newFailures >= r.threshold &&
			c.state.CompareAndSwap(circuitClosed, circuitOpen)) {
			c.lastFailure.Store(r.now().UnixNano())
			r.logger.Warn("circuit opened",
				zap.String("endpoint", endpoint),
				zap.Int32("failures", newFailures))
		}
		r.notify(endpoint, c)
		return
	}
}

// State returns the endpoint's current circuit status.
func (r *Registry) State(endpoint string) string {
	return statusName(r.circuit(endpoint).state.Load())
}

func statusName(s uint32) string {
	switch s {
	case circuitOpen:
		return StatusOpen
	case circuitHalfOpen:
		return StatusHalfOpen
	default:
		return StatusClosed
	}
}

func (r *Registry) snapshot(c *circuit) Snapshot {
	snap := Snapshot{
		Status:   statusName(c.state.Load()),
		Failures: int(c.failures.Load()),
	}
	if snap.Status == StatusOpen {
		snap.OpenUntil = time.Unix(0, c.lastFailure.Load()).Add(r.openTimeout)
	}
	return snap
}

func (r *Registry) notify(endpoint string, c *circuit) {
	if r.onChange != nil {
		r.onChange(endpoint, r.snapshot(c))
	}
}

// Snapshot returns the current state of every known circuit.
func (r *Registry) Snapshot() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.circuits))
	for endpoint, c := range r.circuits {
		out[endpoint] = r.snapshot(c)
	}
	return out
}

// OpenCount returns how many circuits are currently open or half-open.
func (r *Registry) OpenCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.circuits {
		if c.state.Load() != circuitClosed {
			n++
		}
	}
	return n
}
