package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	// stats command flags
	statsOutputJSON bool
	statsLive       bool
	statsInterval   time.Duration
)

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().BoolVar(&statsOutputJSON, "json", false, "Output results as JSON")
	statsCmd.Flags().BoolVar(&statsLive, "live", false, "Refresh continuously until interrupted")
	statsCmd.Flags().DurationVar(&statsInterval, "interval", 2*time.Second, "Refresh interval with --live")
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show daemon statistics",
	Long: `Show queue, circuit, budget and health statistics.

Examples:
  # One-shot snapshot
  agentctl stats

  # Refresh every two seconds
  agentctl stats --live

  # Output as JSON
  agentctl stats --json`,
	RunE: runStats,
}

// StatsResponse matches internal/httpapi/server.go StatsResponse
type StatsResponse struct {
	Queue struct {
		Total          int            `json:"total"`
		ByState        map[string]int `json:"by_state"`
		QueuedByClass  map[string]int `json:"queued_by_class"`
		Boosted        int            `json:"boosted"`
		Escalated      int            `json:"escalated"`
		AvgWaitSeconds float64        `json:"avg_wait_seconds"`
	} `json:"queue"`
	Circuits map[string]struct {
		Status   string `json:"status"`
		Failures int    `json:"failures"`
	} `json:"circuits"`
	Budgets map[string]struct {
		Consumed int64  `json:"consumed"`
		Limit    int64  `json:"limit"`
		Tier     string `json:"tier"`
	} `json:"budgets"`
	Health HealthResponse `json:"health"`
}

func runStats(cmd *cobra.Command, args []string) error {
	if !statsLive {
		stats, err := fetchStats()
		if err != nil {
			return err
		}
		return printStats(stats)
	}

	for {
		stats, err := fetchStats()
		if err != nil {
			return err
		}
		// ANSI clear screen between refreshes.
		fmt.Print("\033[2J\033[H")
		if err := printStats(stats); err != nil {
			return err
		}
		time.Sleep(statsInterval)
	}
}

func fetchStats() (*StatsResponse, error) {
	url := fmt.Sprintf("%s/api/v1/stats", serverURL)

	resp, err := apiClient().Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var stats StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &stats, nil
}

func printStats(stats *StatsResponse) error {
	if statsOutputJSON {
		return printJSON(stats)
	}

	status := "healthy"
	if stats.Health.Degraded {
		status = "degraded"
	}
	fmt.Printf("Daemon: %s (score %.2f, %d workers)\n\n",
		status, stats.Health.Score, stats.Health.Workers)

	fmt.Printf("Queue: %d total, %d boosted, %d escalated, %.0fs avg wait\n",
		stats.Queue.Total, stats.Queue.Boosted, stats.Queue.Escalated, stats.Queue.AvgWaitSeconds)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, state := range sortedKeys(stats.Queue.ByState) {
		fmt.Fprintf(w, "  %s\t%d\n", state, stats.Queue.ByState[state])
	}
	w.Flush()
	if len(stats.Queue.QueuedByClass) > 0 {
		fmt.Println("Queued by class:")
		w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, class := range sortedKeys(stats.Queue.QueuedByClass) {
			fmt.Fprintf(w, "  %s\t%d\n", class, stats.Queue.QueuedByClass[class])
		}
		w.Flush()
	}

	if len(stats.Circuits) > 0 {
		fmt.Println("\nCircuits:")
		w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, endpoint := range sortedKeys(stats.Circuits) {
			c := stats.Circuits[endpoint]
			fmt.Fprintf(w, "  %s\t%s\t%d failures\n", endpoint, c.Status, c.Failures)
		}
		w.Flush()
	}

	if len(stats.Budgets) > 0 {
		fmt.Println("\nBudgets:")
		w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, endpoint := range sortedKeys(stats.Budgets) {
			b := stats.Budgets[endpoint]
			fmt.Fprintf(w, "  %s\t%d/%d\t%s\n", endpoint, b.Consumed, b.Limit, b.Tier)
		}
		w.Flush()
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
