package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/breaker"
	"github.com/fyrsmithlabs/agentd/internal/eventbus"
	"github.com/fyrsmithlabs/agentd/internal/metrics"
	"github.com/fyrsmithlabs/agentd/internal/ratelimit"
	"github.com/fyrsmithlabs/agentd/internal/store"
)

func TestResilienceHooksEmitEvents(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "agentd.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	_, events := bus.Subscribe(16)
	m := metrics.New()
	br := breaker.New(1, time.Minute, zap.NewNop())
	lim := ratelimit.New(time.Hour, 100, 0.70, 0.85, 0.95, zap.NewNop())

	now := time.Now()
	lim.SetClock(func() time.Time { return now })

	wireResilienceHooks(st, br, lim, m, bus, zap.NewNop())

	// Threshold 1: a single failure opens the circuit and must surface on
	// the bus, not just in SQLite and the gauges.
	br.RecordFailure("claude-sonnet")

	e := mustEvent(t, events)
	assert.Equal(t, eventbus.CircuitChanged, e.Type)
	assert.Equal(t, "claude-sonnet", e.ResourceID)
	assert.Equal(t, breaker.StatusOpen, e.Payload)
	assert.Equal(t, "1", e.Metadata["failures"])

	// Spend budget, then roll the window: the rollover must publish a
	// budget.reset for subscribers watching consumption.
	lim.TryConsume("gemini-pro", 10, false)
	now = now.Add(61 * time.Minute)
	lim.TryConsume("gemini-pro", 10, false)

	e = mustEvent(t, events)
	assert.Equal(t, eventbus.BudgetReset, e.Type)
	assert.Equal(t, "gemini-pro", e.ResourceID)
}

func mustEvent(t *testing.T, events <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(time.Second):
		t.Fatal("expected an event on the bus")
		return eventbus.Event{}
	}
}

func TestDaemonIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	home := t.TempDir()
	configDir := filepath.Join(home, ".config", "agentd")
	require.NoError(t, os.MkdirAll(configDir, 0700))

	roster := `roles:
  implementer:
    - name: claude-sonnet
      command: claude
  analyzer:
    - name: gemini-pro
      command: gemini
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "roster.yaml"), []byte(roster), 0600))

	const port = 18787
	t.Setenv("HOME", home)
	t.Setenv("AGENTD_SERVER_PORT", fmt.Sprintf("%d", port))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, "", "standard")
	}()

	// Wait for the HTTP API to come up.
	healthURL := fmt.Sprintf("http://localhost:%d/health", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond, "health endpoint never came up")

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down in time")
	}
}
