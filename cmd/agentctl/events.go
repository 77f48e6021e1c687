package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(eventsCmd)
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream daemon events",
	Long: `Stream the daemon's event feed (task lifecycle, verification votes,
circuit changes, health transitions) as JSON lines until interrupted.

Examples:
  # Follow the event stream
  agentctl events

  # Pipe into jq
  agentctl events | jq .type`,
	RunE: runEvents,
}

func runEvents(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/api/v1/events", serverURL)

	// No client timeout: the stream stays open until the user interrupts.
	resp, err := noTimeoutClient.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if payload, ok := strings.CutPrefix(line, "data: "); ok {
			fmt.Println(payload)
		}
	}
	return scanner.Err()
}
