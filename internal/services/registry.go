package services

import (
	"github.com/fyrsmithlabs/agentd/internal/agent"
	"github.com/fyrsmithlabs/agentd/internal/breaker"
	"github.com/fyrsmithlabs/agentd/internal/eventbus"
	"github.com/fyrsmithlabs/agentd/internal/health"
	"github.com/fyrsmithlabs/agentd/internal/metrics"
	"github.com/fyrsmithlabs/agentd/internal/queue"
	"github.com/fyrsmithlabs/agentd/internal/ratelimit"
	"github.com/fyrsmithlabs/agentd/internal/resolver"
	"github.com/fyrsmithlabs/agentd/internal/store"
	"github.com/fyrsmithlabs/agentd/internal/verify"
)

// Registry provides access to all agentd services.
// Use accessor methods to retrieve individual services.
type Registry interface {
	Store() *store.Store
	Queue() *queue.Manager
	Breaker() *breaker.Registry
	Limiter() *ratelimit.Limiter
	Resolver() *resolver.Resolver
	Sessions() *agent.SessionManager
	Verifier() *verify.Coordinator
	Health() *health.Monitor
	Events() *eventbus.Bus
	Metrics() *metrics.Metrics
}

// Options configures the registry with service instances.
type Options struct {
	Store    *store.Store
	Queue    *queue.Manager
	Breaker  *breaker.Registry
	Limiter  *ratelimit.Limiter
	Resolver *resolver.Resolver
	Sessions *agent.SessionManager
	Verifier *verify.Coordinator
	Health   *health.Monitor
	Events   *eventbus.Bus
	Metrics  *metrics.Metrics
}

// registry is the concrete implementation of Registry.
type registry struct {
	store    *store.Store
	queue    *queue.Manager
	breaker  *breaker.Registry
	limiter  *ratelimit.Limiter
	resolver *resolver.Resolver
	sessions *agent.SessionManager
	verifier *verify.Coordinator
	health   *health.Monitor
	events   *eventbus.Bus
	metrics  *metrics.Metrics
}

// NewRegistry creates a new service registry.
func NewRegistry(opts Options) Registry {
	return &registry{
		store:    opts.Store,
		queue:    opts.Queue,
		breaker:  opts.Breaker,
		limiter:  opts.Limiter,
		resolver: opts.Resolver,
		sessions: opts.Sessions,
		verifier: opts.Verifier,
		health:   opts.Health,
		events:   opts.Events,
		metrics:  opts.Metrics,
	}
}

func (r *registry) Store() *store.Store             { return r.store }
func (r *registry) Queue() *queue.Manager           { return r.queue }
func (r *registry) Breaker() *breaker.Registry      { return r.breaker }
func (r *registry) Limiter() *ratelimit.Limiter     { return r.limiter }
func (r *registry) Resolver() *resolver.Resolver    { return r.resolver }
func (r *registry) Sessions() *agent.SessionManager { return r.sessions }
func (r *registry) Verifier() *verify.Coordinator   { return r.verifier }
func (r *registry) Health() *health.Monitor         { return r.health }
func (r *registry) Events() *eventbus.Bus           { return r.events }
func (r *registry) Metrics() *metrics.Metrics       { return r.metrics }
