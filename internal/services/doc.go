// Package services provides the centralized service registry for agentd.
//
// Registry pattern for accessing all core services (queue, store, breaker,
// limiter, resolver, sessions, verification, health, events, metrics).
// Use NewRegistry() to create a registry with service instances, then
// accessor methods to retrieve individual services.
package services
