// Package agent invokes agent CLI endpoints and interprets their output.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/resolver"
)

// ErrTransient marks failures worth retrying on another endpoint or later:
// timeouts, crashes, non-zero exits. Malformed input errors are not transient.
var ErrTransient = errors.New("transient agent failure")

// Result is the outcome of one agent invocation.
type Result struct {
	Output     string
	TokensUsed int64
	Duration   time.Duration
}

// Invoker runs a prompt against an endpoint.
type Invoker interface {
	Invoke(ctx context.Context, ep resolver.Endpoint, sessionID, prompt string) (*Result, error)
}

// CLIInvoker shells out to the endpoint's command, feeding the prompt on
// stdin. The session id is exported so CLIs that support resumption can reuse
// conversation state.
type CLIInvoker struct {
	logger *zap.Logger
}

// NewCLIInvoker creates a subprocess-based invoker.
func NewCLIInvoker(logger *zap.Logger) *CLIInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CLIInvoker{logger: logger}
}

// Invoke runs the endpoint command. The caller bounds execution through ctx;
// hitting the deadline kills the subprocess and returns ErrTransient.
func (i *CLIInvoker) Invoke(ctx context.Context, ep resolver.Endpoint, sessionID, prompt string) (*Result, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, ep.Command, ep.Args...)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Env = append(os.Environ(), "AGENTD_SESSION_ID="+sessionID)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		i.logger.Warn("agent invocation failed",
			zap.String("endpoint", ep.Name),
			zap.Duration("elapsed", elapsed),
			zap.String("stderr", truncate(stderr.String(), 512)),
			zap.Error(err))
		if ctx.Err() != nil {
			return nil, fmt.Errorf("endpoint %s timed out after %s: %w", ep.Name, elapsed.Round(time.Millisecond), ErrTransient)
		}
		return nil, fmt.Errorf("endpoint %s: %v: %w", ep.Name, err, ErrTransient)
	}

	out := stdout.String()
	res := &Result{
		Output:     out,
		TokensUsed: estimateTokens(prompt, out),
		Duration:   elapsed,
	}
	i.logger.Debug("agent invocation complete",
		zap.String("endpoint", ep.Name),
		zap.Duration("elapsed", elapsed),
		zap.Int64("tokens", res.TokensUsed))
	return res, nil
}

// estimateTokens approximates usage at four bytes per token. CLIs do not
// report exact counts on stdout, so the budget works on estimates.
func estimateTokens(prompt, output string) int64 {
	n := int64(len(prompt)+len(output)) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
