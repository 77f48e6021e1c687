package store

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/agentd/internal/task"
)

// Stats is a point-in-time summary of the queue.
type Stats struct {
	Total          int            `json:"total"`
	ByState        map[string]int `json:"by_state"`
	QueuedByClass  map[string]int `json:"queued_by_class"`
	Boosted        int            `json:"boosted"`
	Escalated      int            `json:"escalated"`
	AvgWaitSeconds float64        `json:"avg_wait_seconds"`
	OldestWait     time.Duration  `json:"oldest_wait_ns"`
}

// Stats computes a queue summary. Wait figures cover QUEUED tasks only.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	out := &Stats{
		ByState:       make(map[string]int),
		QueuedByClass: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, wrapErr("stats by state", err)
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, wrapErr("stats scan", err)
		}
		out.ByState[state] = n
		out.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapErr("stats", err)
	}
	out.Escalated = out.ByState[string(task.StateEscalated)]

	rows, err = s.db.QueryContext(ctx,
		`SELECT priority, COUNT(*) FROM tasks WHERE state = 'QUEUED' GROUP BY priority`)
	if err != nil {
		return nil, wrapErr("stats by priority", err)
	}
	for rows.Next() {
		var prio, n int
		if err := rows.Scan(&prio, &n); err != nil {
			rows.Close()
			return nil, wrapErr("stats scan", err)
		}
		out.QueuedByClass[task.Priority(prio).String()] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapErr("stats", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE boost_count > 0`)
	if err := row.Scan(&out.Boosted); err != nil {
		return nil, wrapErr("stats boosted", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT created_at FROM tasks WHERE state = 'QUEUED'`)
	if err != nil {
		return nil, wrapErr("stats waits", err)
	}
	defer rows.Close()

	now := s.now()
	var totalWait time.Duration
	var queued int
	for rows.Next() {
		var createdAt string
		if err := rows.Scan(&createdAt); err != nil {
			return nil, wrapErr("stats scan", err)
		}
		wait := now.Sub(parseTime(createdAt))
		if wait < 0 {
			wait = 0
		}
		totalWait += wait
		if wait > out.OldestWait {
			out.OldestWait = wait
		}
		queued++
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("stats", err)
	}
	if queued > 0 {
		out.AvgWaitSeconds = totalWait.Seconds() / float64(queued)
	}
	return out, nil
}

// CountState returns the number of tasks in the given state.
func (s *Store) CountState(ctx context.Context, st task.State) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE state = ?`, string(st))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, wrapErr("count state", err)
	}
	return n, nil
}
