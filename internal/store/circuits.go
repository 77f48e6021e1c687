package store

import (
	"context"
	"time"
)

// CircuitState is the persisted view of one endpoint's circuit breaker.
type CircuitState struct {
	Endpoint  string
	Status    string // closed, open, half-open
	FailCount int
	OpenUntil time.Time
}

// SaveCircuit upserts an endpoint's circuit state so breaker decisions
// survive a daemon restart.
func (s *Store) SaveCircuit(ctx context.Context, c CircuitState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuits (endpoint, status, fail_count, open_until, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			status = excluded.status,
			fail_count = excluded.fail_count,
			open_until = excluded.open_until,
			updated_at = excluded.updated_at`,
		c.Endpoint, c.Status, c.FailCount, fmtTime(c.OpenUntil), fmtTime(s.now()))
	if err != nil {
		return wrapErr("save circuit", err)
	}
	return nil
}

// LoadCircuits returns all persisted circuit states keyed by endpoint.
func (s *Store) LoadCircuits(ctx context.Context) (map[string]CircuitState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT endpoint, status, fail_count, open_until FROM circuits`)
	if err != nil {
		return nil, wrapErr("load circuits", err)
	}
	defer rows.Close()

	out := make(map[string]CircuitState)
	for rows.Next() {
		var c CircuitState
		var openUntil string
		if err := rows.Scan(&c.Endpoint, &c.Status, &c.FailCount, &openUntil); err != nil {
			return nil, wrapErr("load circuits scan", err)
		}
		c.OpenUntil = parseTime(openUntil)
		out[c.Endpoint] = c
	}
	return out, rows.Err()
}

// BudgetState is the persisted consumption of one endpoint's current rate
// window.
type BudgetState struct {
	Endpoint    string
	WindowStart time.Time
	Consumed    int64
}

// SaveBudget upserts an endpoint's window consumption.
func (s *Store) SaveBudget(ctx context.Context, b BudgetState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budgets (endpoint, window_start, consumed)
		VALUES (?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			window_start = excluded.window_start,
			consumed = excluded.consumed`,
		b.Endpoint, fmtTime(b.WindowStart), b.Consumed)
	if err != nil {
		return wrapErr("save budget", err)
	}
	return nil
}

// LoadBudgets returns all persisted window budgets keyed by endpoint.
func (s *Store) LoadBudgets(ctx context.Context) (map[string]BudgetState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT endpoint, window_start, consumed FROM budgets`)
	if err != nil {
		return nil, wrapErr("load budgets", err)
	}
	defer rows.Close()

	out := make(map[string]BudgetState)
	for rows.Next() {
		var b BudgetState
		var windowStart string
		if err := rows.Scan(&b.Endpoint, &windowStart, &b.Consumed); err != nil {
			return nil, wrapErr("load budgets scan", err)
		}
		b.WindowStart = parseTime(windowStart)
		out[b.Endpoint] = b
	}
	return out, rows.Err()
}
