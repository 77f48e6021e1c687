package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/breaker"
	"github.com/fyrsmithlabs/agentd/internal/eventbus"
	"github.com/fyrsmithlabs/agentd/internal/metrics"
	"github.com/fyrsmithlabs/agentd/internal/ratelimit"
)

func TestRegistryAccessors(t *testing.T) {
	br := breaker.New(3, time.Minute, zap.NewNop())
	lim := ratelimit.New(time.Hour, 100, 0.70, 0.85, 0.95, zap.NewNop())
	bus := eventbus.New()
	m := metrics.New()

	reg := NewRegistry(Options{
		Breaker: br,
		Limiter: lim,
		Events:  bus,
		Metrics: m,
	})

	assert.Same(t, br, reg.Breaker())
	assert.Same(t, lim, reg.Limiter())
	assert.Same(t, bus, reg.Events())
	assert.Same(t, m, reg.Metrics())
	assert.Nil(t, reg.Store())
	assert.Nil(t, reg.Queue())
}
