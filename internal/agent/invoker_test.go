package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/resolver"
)

func shellEndpoint(script string) resolver.Endpoint {
	return resolver.Endpoint{
		Name:    "shell",
		Command: "sh",
		Args:    []string{"-c", script},
	}
}

func TestInvoke_CapturesOutput(t *testing.T) {
	inv := NewCLIInvoker(zap.NewNop())

	res, err := inv.Invoke(context.Background(), shellEndpoint("echo hello"), "s1", "prompt")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Output)
	assert.Greater(t, res.TokensUsed, int64(0))
}

func TestInvoke_PromptOnStdin(t *testing.T) {
	inv := NewCLIInvoker(zap.NewNop())

	res, err := inv.Invoke(context.Background(), shellEndpoint("cat"), "s1", "review this diff")
	require.NoError(t, err)
	assert.Equal(t, "review this diff", res.Output)
}

func TestInvoke_ExportsSessionID(t *testing.T) {
	inv := NewCLIInvoker(zap.NewNop())

	res, err := inv.Invoke(context.Background(),
		shellEndpoint(`printf '%s' "$AGENTD_SESSION_ID"`), "session-42", "")
	require.NoError(t, err)
	assert.Equal(t, "session-42", res.Output)
}

func TestInvoke_NonZeroExitIsTransient(t *testing.T) {
	inv := NewCLIInvoker(zap.NewNop())

	_, err := inv.Invoke(context.Background(), shellEndpoint("exit 3"), "s1", "")
	assert.ErrorIs(t, err, ErrTransient)
}

func TestInvoke_TimeoutIsTransient(t *testing.T) {
	inv := NewCLIInvoker(zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := inv.Invoke(ctx, shellEndpoint("sleep 10"), "s1", "")
	assert.ErrorIs(t, err, ErrTransient)
	assert.Less(t, time.Since(start), 5*time.Second, "subprocess must be killed at the deadline")
}
