package resolver

import (
	"errors"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/breaker"
	"github.com/fyrsmithlabs/agentd/internal/ratelimit"
)

var (
	// ErrUnknownRole means the roster has no endpoints for the role.
	ErrUnknownRole = errors.New("unknown agent role")

	// ErrAllEndpointsUnavailable means every candidate was refused by its
	// circuit or budget.
	ErrAllEndpointsUnavailable = errors.New("all endpoints unavailable")

	// ErrNoVerifier means no endpoint other than the producer is available.
	ErrNoVerifier = errors.New("no eligible verifier endpoint")
)

// Resolver selects endpoints, consulting circuit state and rate budgets.
type Resolver struct {
	roster  *Roster
	breaker *breaker.Registry
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// New creates a resolver over the given roster.
func New(roster *Roster, br *breaker.Registry, lim *ratelimit.Limiter, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, ep := range roster.AllEndpoints() {
		if ep.WindowLimit > 0 {
			lim.SetLimit(ep.Name, ep.WindowLimit)
		}
	}
	return &Resolver{roster: roster, breaker: br, limiter: lim, logger: logger}
}

// Roster returns the underlying roster.
func (r *Resolver) Roster() *Roster {
	return r.roster
}

// Resolve picks the first available endpoint for the role, in roster
// preference order. An excluded endpoint is skipped unless it turns out to be
// the only one available, in which case it is used rather than stalling the
// task.
//
// Availability is checked circuit-first without consuming anything, then the
// budget is charged, then the circuit is committed. Committing last means a
// lost half-open race costs the charged units but never double-books the
// trial slot.
func (r *Resolver) Resolve(role string, critical bool, excluded string) (Endpoint, error) {
	candidates := r.roster.Endpoints(role)
	if len(candidates) == 0 {
		return Endpoint{}, ErrUnknownRole
	}

	skippedExcluded := false
	for _, ep := range candidates {
		if ep.Name == excluded {
			skippedExcluded = true
			continue
		}
		if r.admit(ep, critical) {
			return ep, nil
		}
	}

	if skippedExcluded {
		for _, ep := range candidates {
			if ep.Name != excluded {
				continue
			}
			if r.admit(ep, critical) {
				r.logger.Info("falling back to excluded endpoint",
					zap.String("role", role),
					zap.String("endpoint", ep.Name))
				return ep, nil
			}
		}
	}
	return Endpoint{}, ErrAllEndpointsUnavailable
}

// ResolveVerifier picks an endpoint to review work produced by producer. The
// second key must come from a different perspective: the producer's whole
// role is ineligible, not just the producer itself, so two endpoints behind
// the same role can never approve each other's work.
func (r *Resolver) ResolveVerifier(producerRole, producer string, critical bool) (Endpoint, error) {
	for _, role := range r.roster.Roles() {
		if role == producerRole {
			continue
		}
		for _, ep := range r.roster.Endpoints(role) {
			if ep.Name == producer {
				continue
			}
			if r.admit(ep, critical) {
				return ep, nil
			}
		}
	}
	return Endpoint{}, ErrNoVerifier
}

func (r *Resolver) admit(ep Endpoint, critical bool) bool {
	if !r.breaker.Eligible(ep.Name) {
		return false
	}
	if !r.limiter.TryConsume(ep.Name, ep.CostUnits, critical).Admitted() {
		return false
	}
	return r.breaker.Allow(ep.Name)
}
