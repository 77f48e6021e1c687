// Package main implements the agentctl CLI for manual operations against the
// agentd daemon.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the agentd HTTP API
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "CLI for the agentd orchestration daemon",
	Long: `agentctl is a command-line interface for interacting with the agentd daemon.
It provides commands for submitting tasks, inspecting queue state and stopping
the daemon.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8787", "agentd server URL")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(stopCmd)
}

// healthCmd checks daemon health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check agentd daemon health",
	Long: `Check the health status of the agentd daemon.

Examples:
  # Check health
  agentctl health

  # Check health on a different server
  agentctl health --server http://localhost:9000`,
	RunE: runHealth,
}

// stopCmd requests a graceful daemon shutdown
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the agentd daemon",
	Long: `Request a graceful shutdown of the agentd daemon.

In-flight tasks are released back to the queue and circuit/budget state is
persisted before the daemon exits.

Examples:
  # Stop the daemon
  agentctl stop`,
	RunE: runStop,
}

// HealthResponse matches internal/health Snapshot
type HealthResponse struct {
	Score        float64 `json:"score"`
	Degraded     bool    `json:"degraded"`
	QueueDepth   int     `json:"queue_depth"`
	OpenCircuits int     `json:"open_circuits"`
	BudgetTier   string  `json:"budget_tier"`
	Workers      int     `json:"workers"`
	StoreFailing bool    `json:"store_failing"`
}

func apiClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// noTimeoutClient serves the long-lived event stream.
var noTimeoutClient = &http.Client{}

// checkStatus returns an error describing a non-2xx response body.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
}

func runHealth(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/health", serverURL)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to connect to %s: %v\n", url, err)
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	status := "healthy"
	if health.Degraded {
		status = "degraded"
	}
	fmt.Printf("Daemon Status: %s (score %.2f)\n", status, health.Score)
	fmt.Printf("Queue Depth:   %d\n", health.QueueDepth)
	fmt.Printf("Open Circuits: %d\n", health.OpenCircuits)
	fmt.Printf("Budget Tier:   %s\n", health.BudgetTier)
	fmt.Printf("Workers:       %d\n", health.Workers)
	fmt.Printf("Server URL:    %s\n", serverURL)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/api/v1/shutdown", serverURL)

	resp, err := apiClient().Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	fmt.Println("Shutdown requested")
	return nil
}
