package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	// task command flags
	taskRole       string
	taskPriority   string
	taskOutputJSON bool
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskSubmitCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskCancelCmd)

	taskCmd.PersistentFlags().BoolVar(&taskOutputJSON, "json", false, "Output results as JSON")

	taskSubmitCmd.Flags().StringVar(&taskRole, "role", "", "Agent role to handle the task (required)")
	taskSubmitCmd.Flags().StringVar(&taskPriority, "priority", "", "Priority class: P0, P1, P2 or P3 (default P2)")
	_ = taskSubmitCmd.MarkFlagRequired("role")
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
	Long: `Manage tasks in the agentd queue.

Examples:
  # Submit a task for the implementer role
  agentctl task submit --role implementer "Fix the failing login test"

  # Submit a critical task
  agentctl task submit --role analyzer --priority P0 "Production is down, find the cause"

  # Show a task with its history and verification votes
  agentctl task show <task-id>

  # Cancel a queued task
  agentctl task cancel <task-id>`,
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit [payload]",
	Short: "Submit a new task",
	Long: `Submit a new task to the queue. The payload is the task description
passed to the agent; read from stdin when the argument is "-" or omitted.

Examples:
  # Submit with an inline payload
  agentctl task submit --role implementer "Add pagination to the users endpoint"

  # Submit from stdin
  cat task.md | agentctl task submit --role implementer -

  # Output as JSON
  agentctl task submit --role implementer --json "Refactor the parser"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTaskSubmit,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task",
	Long: `Show a task's current state, its state history and verification votes.

Examples:
  # Show a task
  agentctl task show 4f9a1c2e-...

  # Output as JSON
  agentctl task show 4f9a1c2e-... --json`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskShow,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a queued task",
	Long: `Cancel a task that is still waiting in the queue. Tasks already
claimed by a worker cannot be cancelled.

Examples:
  # Cancel a task
  agentctl task cancel 4f9a1c2e-...`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskCancel,
}

// EnqueueRequest matches internal/httpapi/server.go EnqueueRequest
type EnqueueRequest struct {
	Role     string `json:"role"`
	Payload  string `json:"payload"`
	Priority string `json:"priority,omitempty"`
}

// EnqueueResponse matches internal/httpapi/server.go EnqueueResponse
type EnqueueResponse struct {
	ID       string `json:"id"`
	Priority string `json:"priority"`
	State    string `json:"state"`
}

// TaskResponse matches internal/httpapi/server.go TaskResponse
type TaskResponse struct {
	Task struct {
		ID       string `json:"id"`
		Priority string `json:"priority"`
		Role     string `json:"role"`
		Payload  string `json:"payload"`
		State    string `json:"state"`
		Owner    string `json:"owner"`
		Retries  int    `json:"retries"`
		Cycle    int    `json:"cycle"`
	} `json:"task"`
	History []struct {
		Action   string `json:"action"`
		OldValue string `json:"old_value"`
		NewValue string `json:"new_value"`
	} `json:"history"`
	Verifications []struct {
		Producer string `json:"producer"`
		Verifier string `json:"verifier"`
		Decision string `json:"decision"`
		Cycle    int    `json:"cycle"`
		Reason   string `json:"reason"`
	} `json:"verifications"`
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	var payload []byte
	var err error

	if len(args) == 0 || args[0] == "-" {
		payload, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		payload = []byte(args[0])
	}
	if len(payload) == 0 {
		return fmt.Errorf("no task payload provided")
	}

	reqJSON, err := json.Marshal(EnqueueRequest{
		Role:     taskRole,
		Payload:  string(payload),
		Priority: taskPriority,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/tasks", serverURL)
	resp, err := apiClient().Post(url, "application/json", bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	var created EnqueueResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if taskOutputJSON {
		return printJSON(created)
	}
	fmt.Printf("Task %s enqueued (%s, %s)\n", created.ID, created.Priority, created.State)
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/api/v1/tasks/%s", serverURL, args[0])

	resp, err := apiClient().Get(url)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	var tr TaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if taskOutputJSON {
		return printJSON(tr)
	}

	fmt.Printf("Task:     %s\n", tr.Task.ID)
	fmt.Printf("State:    %s\n", tr.Task.State)
	fmt.Printf("Priority: %s\n", tr.Task.Priority)
	fmt.Printf("Role:     %s\n", tr.Task.Role)
	if tr.Task.Owner != "" {
		fmt.Printf("Owner:    %s\n", tr.Task.Owner)
	}
	fmt.Printf("Retries:  %d  Cycles: %d\n", tr.Task.Retries, tr.Task.Cycle)

	if len(tr.History) > 0 {
		fmt.Println("\nHistory:")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, h := range tr.History {
			fmt.Fprintf(w, "  %s\t%s -> %s\n", h.Action, h.OldValue, h.NewValue)
		}
		w.Flush()
	}

	if len(tr.Verifications) > 0 {
		fmt.Println("\nVerifications:")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, v := range tr.Verifications {
			fmt.Fprintf(w, "  cycle %d\t%s\t%s by %s\t%s\n",
				v.Cycle, v.Producer, v.Decision, v.Verifier, v.Reason)
		}
		w.Flush()
	}
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/api/v1/tasks/%s", serverURL, args[0])

	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := apiClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	fmt.Printf("Task %s cancelled\n", args[0])
	return nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
