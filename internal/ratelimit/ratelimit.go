// Package ratelimit enforces per-endpoint usage budgets over fixed windows.
// Consumption within a window is graded into tiers; higher tiers shed
// non-critical work before any hard stop.
package ratelimit

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Decision grades a consumption request against the window budget.
type Decision int

const (
	// Allow admits the request at full service.
	Allow Decision = iota
	// AllowReduced admits the request but signals callers to slow down.
	AllowReduced
	// RejectNonCritical refuses the request unless it is marked critical.
	RejectNonCritical
	// RejectAll refuses every request until the window rolls over.
	RejectAll
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case AllowReduced:
		return "allow-reduced"
	case RejectNonCritical:
		return "reject-non-critical"
	case RejectAll:
		return "reject-all"
	}
	return "unknown"
}

// Admitted reports whether the decision lets the request through.
func (d Decision) Admitted() bool {
	return d == Allow || d == AllowReduced
}

// MarshalJSON renders the decision as its string form.
func (d Decision) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON parses the string form produced by MarshalJSON.
func (d *Decision) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "allow":
		*d = Allow
	case "allow-reduced":
		*d = AllowReduced
	case "reject-non-critical":
		*d = RejectNonCritical
	case "reject-all":
		*d = RejectAll
	default:
		return fmt.Errorf("unknown decision %s", data)
	}
	return nil
}

type window struct {
	start    time.Time
	consumed int64
}

// WindowSnapshot is a point-in-time view of one endpoint's budget.
type WindowSnapshot struct {
	Start    time.Time `json:"start"`
	Consumed int64     `json:"consumed"`
	Limit    int64     `json:"limit"`
	Tier     Decision  `json:"tier"`
}

// Limiter tracks fixed-window budgets per endpoint. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limits  map[string]int64 // per-endpoint overrides

	windowLen    time.Duration
	defaultLimit int64
	warnPct      float64
	pausePct     float64
	stopPct      float64

	now    func() time.Time
	logger *zap.Logger

	onReset  func(endpoint string)
	onChange func(endpoint string, consumed, limit int64)
}

// New creates a limiter. Tiers are consumption fractions of the window limit:
// below warn full service, warn..pause reduced, pause..stop critical-only,
// above stop nothing.
func New(windowLen time.Duration, defaultLimit int64, warnPct, pausePct, stopPct float64, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		windows:      make(map[string]*window),
		limits:       make(map[string]int64),
		windowLen:    windowLen,
		defaultLimit: defaultLimit,
		warnPct:      warnPct,
		pausePct:     pausePct,
		stopPct:      stopPct,
		now:          time.Now,
		logger:       logger,
	}
}

// SetClock overrides the limiter clock. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// SetLimit sets an endpoint-specific window limit, overriding the default.
func (l *Limiter) SetLimit(endpoint string, limit int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit > 0 {
		l.limits[endpoint] = limit
	}
}

// OnReset registers a hook invoked when an endpoint's window rolls over.
func (l *Limiter) OnReset(fn func(endpoint string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReset = fn
}

// OnChange registers a hook invoked after consumption changes, used to
// persist window state and update gauges.
func (l *Limiter) OnChange(fn func(endpoint string, consumed, limit int64)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

// Restore seeds an endpoint's window from persisted state. A window that has
// since expired is discarded.
func (l *Limiter) Restore(endpoint string, start time.Time, consumed int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.now().Sub(start) >= l.windowLen {
		return
	}
	l.windows[endpoint] = &window{start: start, consumed: consumed}
}

func (l *Limiter) limitFor(endpoint string) int64 {
	if limit, ok := l.limits[endpoint]; ok {
		return limit
	}
	return l.defaultLimit
}

// rollover must be called with the lock held. It advances an expired window
// and reports whether a reset happened.
func (l *Limiter) rollover(w *window) bool {
	now := l.now()
	if now.Sub(w.start) < l.windowLen {
		return false
	}
	// Windows are fixed, not sliding: advance in whole window lengths so
	// the boundary stays anchored to first use.
	elapsed := now.Sub(w.start)
	w.start = w.start.Add(elapsed - elapsed%l.windowLen)
	w.consumed = 0
	return true
}

func (l *Limiter) tier(consumed, limit int64) Decision {
	usage := float64(consumed) / float64(limit)
	switch {
	case usage >= l.stopPct:
		return RejectAll
	case usage >= l.pausePct:
		return RejectNonCritical
	case usage >= l.warnPct:
		return AllowReduced
	default:
		return Allow
	}
}

// TryConsume charges units against the endpoint's current window and returns
// the admission decision. Rejected requests consume nothing. Critical
// requests pass through the RejectNonCritical band (at reduced service) but
// never through RejectAll. Consumption never exceeds the window limit.
func (l *Limiter) TryConsume(endpoint string, units int64, critical bool) Decision {
	l.mu.Lock()

	w, ok := l.windows[endpoint]
	if !ok {
		w = &window{start: l.now()}
		l.windows[endpoint] = w
	}
	reset := l.rollover(w)

	limit := l.limitFor(endpoint)
	d := l.tier(w.consumed, limit)

	admitted := d.Admitted() || (d == RejectNonCritical && critical)
	if admitted {
		w.consumed += units
		if w.consumed > limit {
			w.consumed = limit
		}
		if d == RejectNonCritical {
			d = AllowReduced
		}
	}

	consumed := w.consumed
	onReset, onChange := l.onReset, l.onChange
	l.mu.Unlock()

	if reset && onReset != nil {
		onReset(endpoint)
	}
	if admitted && onChange != nil {
		onChange(endpoint, consumed, limit)
	}
	if !admitted {
		l.logger.Warn("rate budget refused request",
			zap.String("endpoint", endpoint),
			zap.String("decision", d.String()),
			zap.Int64("consumed", consumed),
			zap.Int64("limit", limit))
	}
	return d
}

// Tier returns the decision band the endpoint currently sits in, without
// consuming anything.
func (l *Limiter) Tier(endpoint string) Decision {
	l.mu.Lock()
	w, ok := l.windows[endpoint]
	if !ok {
		l.mu.Unlock()
		return Allow
	}
	var resets []string
	if l.rollover(w) {
		resets = append(resets, endpoint)
	}
	d := l.tier(w.consumed, l.limitFor(endpoint))
	onReset := l.onReset
	l.mu.Unlock()

	l.fireResets(onReset, resets)
	return d
}

// WorstTier returns the most restrictive band across all endpoints, used by
// the health monitor.
func (l *Limiter) WorstTier() Decision {
	l.mu.Lock()
	worst := Allow
	var resets []string
	for endpoint, w := range l.windows {
		if l.rollover(w) {
			resets = append(resets, endpoint)
		}
		if d := l.tier(w.consumed, l.limitFor(endpoint)); d > worst {
			worst = d
		}
	}
	onReset := l.onReset
	l.mu.Unlock()

	l.fireResets(onReset, resets)
	return worst
}

// Snapshot returns the current window of every known endpoint.
func (l *Limiter) Snapshot() map[string]WindowSnapshot {
	l.mu.Lock()
	out := make(map[string]WindowSnapshot, len(l.windows))
	var resets []string
	for endpoint, w := range l.windows {
		if l.rollover(w) {
			resets = append(resets, endpoint)
		}
		limit := l.limitFor(endpoint)
		out[endpoint] = WindowSnapshot{
			Start:    w.start,
			Consumed: w.consumed,
			Limit:    limit,
			Tier:     l.tier(w.consumed, limit),
		}
	}
	onReset := l.onReset
	l.mu.Unlock()

	l.fireResets(onReset, resets)
	return out
}

// fireResets invokes the reset hook outside the lock. A rollover counts
// whichever path observes it first, consuming or not.
func (l *Limiter) fireResets(onReset func(string), endpoints []string) {
	if onReset == nil {
		return
	}
	for _, endpoint := range endpoints {
		onReset(endpoint)
	}
}
