// Package task defines the unit of work dispatched to agents and the rules
// governing its lifecycle.
package task

import (
	"fmt"
	"strings"
	"time"
)

// State is a task lifecycle state.
type State string

const (
	StateQueued    State = "QUEUED"
	StateClaimed   State = "CLAIMED"
	StateRunning   State = "RUNNING"
	StateReview    State = "REVIEW"
	StateApproved  State = "APPROVED"
	StateFailed    State = "FAILED"
	StateCompleted State = "COMPLETED"
	StateEscalated State = "ESCALATED"
)

// transitions holds the legal forward edges. FAILED->QUEUED (retry) and
// REVIEW->QUEUED (rejection) are the only backward edges; CLAIMED->QUEUED
// covers release and the stale-claim sweep. CLAIMED->ESCALATED happens when
// no endpoint has been able to serve the task for too many dispatches.
var transitions = map[State][]State{
	StateQueued:   {StateClaimed},
	StateClaimed:  {StateRunning, StateQueued, StateEscalated},
	StateRunning:  {StateReview, StateFailed, StateQueued},
	StateReview:   {StateApproved, StateQueued, StateEscalated, StateFailed},
	StateApproved: {StateCompleted},
	StateFailed:   {StateQueued},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a state admits no further transitions.
func Terminal(s State) bool {
	return s == StateCompleted || s == StateEscalated
}

// Priority is a task priority class. Lower value means higher priority.
type Priority int

const (
	P0Critical Priority = 0
	P1High     Priority = 1
	P2Medium   Priority = 2
	P3Low      Priority = 3
)

func (p Priority) String() string {
	switch p {
	case P0Critical:
		return "P0-CRITICAL"
	case P1High:
		return "P1-HIGH"
	case P2Medium:
		return "P2-MEDIUM"
	case P3Low:
		return "P3-LOW"
	}
	return fmt.Sprintf("P?(%d)", int(p))
}

// ParsePriority accepts "P0", "CRITICAL", "P0-CRITICAL" and the equivalents
// for the other levels.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "P0", "CRITICAL", "P0-CRITICAL":
		return P0Critical, nil
	case "P1", "HIGH", "P1-HIGH":
		return P1High, nil
	case "P2", "MEDIUM", "P2-MEDIUM":
		return P2Medium, nil
	case "P3", "LOW", "P3-LOW":
		return P3Low, nil
	}
	return 0, fmt.Errorf("unknown priority: %q", s)
}

// Task is a unit of work. The claim fields (Owner, ClaimedAt) are non-zero
// only while a worker holds the task; at most one worker holds a claim at
// any time.
type Task struct {
	ID               string
	Priority         Priority
	OriginalPriority Priority
	BoostCount       int
	Role             string // desired agent role: planner, implementer, analyzer
	Payload          string
	State            State
	Owner            string
	ClaimedAt        time.Time
	Retries          int
	Cycle            int    // verification round-trips so far
	UnavailCount     int    // consecutive dispatches that found no endpoint
	ExcludedEndpoint string // producer excluded from re-selection for one cycle
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Cancelable reports whether the task may still be cancelled. Once claimed it
// runs to completion, failure, or timeout.
func (t *Task) Cancelable() bool {
	return t.State == StateQueued
}

// Claimed reports whether a worker currently owns the task.
func (t *Task) Claimed() bool {
	return t.Owner != ""
}
