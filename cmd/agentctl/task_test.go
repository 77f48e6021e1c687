package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	old := serverURL
	serverURL = srv.URL
	t.Cleanup(func() { serverURL = old })
}

func TestRunTaskSubmit(t *testing.T) {
	var got EnqueueRequest
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/tasks", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(EnqueueResponse{
			ID: "abc", Priority: "P1-HIGH", State: "QUEUED",
		})
	})

	taskRole = "implementer"
	taskPriority = "P1"
	err := runTaskSubmit(taskSubmitCmd, []string{"fix the bug"})
	require.NoError(t, err)

	assert.Equal(t, "implementer", got.Role)
	assert.Equal(t, "fix the bug", got.Payload)
	assert.Equal(t, "P1", got.Priority)
}

func TestRunTaskSubmitServerError(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "role and payload are required", http.StatusBadRequest)
	})

	taskRole = "implementer"
	err := runTaskSubmit(taskSubmitCmd, []string{"x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestRunTaskShow(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/tasks/abc", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"task": {"id": "abc", "state": "COMPLETED", "priority": "P1-HIGH", "role": "implementer"},
			"history": [{"action": "created", "old_value": "", "new_value": "QUEUED"}],
			"verifications": [{"producer": "claude-sonnet", "verifier": "gemini-pro", "decision": "APPROVE", "cycle": 0}]
		}`))
	})

	require.NoError(t, runTaskShow(taskShowCmd, []string{"abc"}))
}

func TestRunTaskCancel(t *testing.T) {
	var method string
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, runTaskCancel(taskCancelCmd, []string{"abc"}))
	assert.Equal(t, http.MethodDelete, method)
}

func TestRunStats(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/stats", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"queue": {"total": 2, "by_state": {"QUEUED": 2}, "queued_by_class": {"P2-MEDIUM": 2}},
			"circuits": {"claude-sonnet": {"status": "closed", "failures": 0}},
			"budgets": {"claude-sonnet": {"consumed": 10, "limit": 100, "tier": "allow"}},
			"health": {"score": 1.0, "degraded": false, "workers": 3}
		}`))
	})

	statsLive = false
	require.NoError(t, runStats(statsCmd, nil))
}

func TestRunHealthDegraded(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		_, _ = w.Write([]byte(`{"score": 0.3, "degraded": true, "workers": 1}`))
	})

	require.NoError(t, runHealth(healthCmd, nil))
}

func TestRunStop(t *testing.T) {
	var path string
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte(`{"status": "shutting down"}`))
	})

	require.NoError(t, runStop(stopCmd, nil))
	assert.Equal(t, "/api/v1/shutdown", path)
}
