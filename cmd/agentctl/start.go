package main

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
)

var (
	// start command flags
	startConfig string
	startMode   string
)

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringVar(&startConfig, "config", "", "Config file passed to the daemon")
	startCmd.Flags().StringVar(&startMode, "mode", "standard", "Startup mode: standard or degraded")
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agentd daemon",
	Long: `Start the agentd daemon in the background. The agentd binary must be
on PATH.

Examples:
  # Start with defaults
  agentctl start

  # Start conservatively after an incident
  agentctl start --mode degraded

  # Start with an alternate config file
  agentctl start --config /etc/agentd/config.yaml`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	// Refuse to double-start.
	if resp, err := (&http.Client{Timeout: time.Second}).Get(serverURL + "/health"); err == nil {
		resp.Body.Close()
		return fmt.Errorf("a daemon is already running at %s", serverURL)
	}

	binary, err := exec.LookPath("agentd")
	if err != nil {
		return fmt.Errorf("agentd binary not found on PATH: %w", err)
	}

	daemonArgs := []string{"-mode", startMode}
	if startConfig != "" {
		daemonArgs = append(daemonArgs, "-config", startConfig)
	}

	daemon := exec.Command(binary, daemonArgs...)
	daemon.Stdout = os.Stdout
	daemon.Stderr = os.Stderr
	if err := daemon.Start(); err != nil {
		return fmt.Errorf("failed to start agentd: %w", err)
	}
	pid := daemon.Process.Pid
	// Detach: the daemon outlives this CLI invocation.
	if err := daemon.Process.Release(); err != nil {
		return fmt.Errorf("failed to detach from agentd: %w", err)
	}

	fmt.Printf("agentd started (pid %d)\n", pid)
	return nil
}
