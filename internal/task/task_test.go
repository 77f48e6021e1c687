package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition_ForwardPath(t *testing.T) {
	path := []State{StateQueued, StateClaimed, StateRunning, StateReview, StateApproved, StateCompleted}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, CanTransition(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
	}
}

func TestCanTransition_BackwardEdges(t *testing.T) {
	assert.True(t, CanTransition(StateFailed, StateQueued), "retry")
	assert.True(t, CanTransition(StateReview, StateQueued), "rejection")
	assert.True(t, CanTransition(StateClaimed, StateQueued), "release")
	assert.True(t, CanTransition(StateClaimed, StateEscalated), "dispatch exhausted")
}

func TestCanTransition_Illegal(t *testing.T) {
	cases := []struct{ from, to State }{
		{StateQueued, StateRunning},
		{StateQueued, StateCompleted},
		{StateCompleted, StateQueued},
		{StateEscalated, StateQueued},
		{StateRunning, StateCompleted},
		{StateClaimed, StateReview},
	}
	for _, tc := range cases {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(StateCompleted))
	assert.True(t, Terminal(StateEscalated))
	assert.False(t, Terminal(StateFailed))
	assert.False(t, Terminal(StateQueued))
}

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"P0":          P0Critical,
		"critical":    P0Critical,
		"P0-CRITICAL": P0Critical,
		"p1":          P1High,
		"HIGH":        P1High,
		"P2-MEDIUM":   P2Medium,
		" low ":       P3Low,
	}
	for in, want := range cases {
		got, err := ParsePriority(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParsePriority("P9")
	assert.Error(t, err)
}

func TestCancelable(t *testing.T) {
	tk := &Task{State: StateQueued}
	assert.True(t, tk.Cancelable())
	tk.State = StateClaimed
	assert.False(t, tk.Cancelable())
}
