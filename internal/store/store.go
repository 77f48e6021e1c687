// Package store provides the durable state store backing agentd. It owns the
// persisted representation of tasks, verification records, circuit states and
// rate budgets in a single SQLite database.
//
// Writes that contend on the same task row use single-statement compare-and-set
// updates (UPDATE ... WHERE id=? AND state=?), so concurrent writers across
// different tasks never block each other and a claim can be won by at most one
// worker.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/agentd/internal/task"
)

var (
	// ErrStateStore marks failures of the store itself (corruption, lock
	// timeout). Callers surface these to the health monitor.
	ErrStateStore = errors.New("state store failure")

	// ErrNotFound is returned when a task id does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrConflict is returned when a compare-and-set update matched no row:
	// a claim race, an ownership mismatch, or an illegal state transition.
	ErrConflict = errors.New("conflicting task update")

	// ErrNoTask is returned by ClaimNext when no queued task matches.
	ErrNoTask = errors.New("no queued task")
)

func wrapErr(op string, err error) error {
	return fmt.Errorf("store %s: %w", op, errors.Join(ErrStateStore, err))
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                TEXT PRIMARY KEY,
	priority          INTEGER NOT NULL,
	original_priority INTEGER NOT NULL,
	boost_count       INTEGER NOT NULL DEFAULT 0,
	role              TEXT NOT NULL,
	payload           TEXT NOT NULL,
	state             TEXT NOT NULL,
	owner             TEXT NOT NULL DEFAULT '',
	claim_ts          TEXT NOT NULL DEFAULT '',
	retries           INTEGER NOT NULL DEFAULT 0,
	cycle             INTEGER NOT NULL DEFAULT 0,
	unavail_count     INTEGER NOT NULL DEFAULT 0,
	excluded_endpoint TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS verifications (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	producer   TEXT NOT NULL,
	verifier   TEXT NOT NULL,
	decision   TEXT NOT NULL,
	cycle      INTEGER NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS circuits (
	endpoint   TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	fail_count INTEGER NOT NULL,
	open_until TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS budgets (
	endpoint     TEXT PRIMARY KEY,
	window_start TEXT NOT NULL,
	consumed     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS task_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT NOT NULL,
	action     TEXT NOT NULL,
	old_value  TEXT NOT NULL DEFAULT '',
	new_value  TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(state, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_verifications_task ON verifications(task_id);
CREATE INDEX IF NOT EXISTS idx_history_task ON task_history(task_id);
`

// Store is the durable state store. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the SQLite database at path.
// The journal runs in WAL mode so readers never block the single writer.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrapErr("open", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, wrapErr("pragma", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, wrapErr("init schema", err)
	}

	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock overrides the store clock. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

const taskColumns = `id, priority, original_priority, boost_count, role, payload,
	state, owner, claim_ts, retries, cycle, unavail_count, excluded_endpoint,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var prio, orig int
	var state, claimTS, createdAt, updatedAt string
	err := row.Scan(&t.ID, &prio, &orig, &t.BoostCount, &t.Role, &t.Payload,
		&state, &t.Owner, &claimTS, &t.Retries, &t.Cycle, &t.UnavailCount,
		&t.ExcludedEndpoint, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Priority = task.Priority(prio)
	t.OriginalPriority = task.Priority(orig)
	t.State = task.State(state)
	t.ClaimedAt = parseTime(claimTS)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// CreateTask persists a new task in QUEUED state, assigning an id if absent.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	if t.Role == "" {
		return fmt.Errorf("task role is required")
	}
	if t.Payload == "" {
		return fmt.Errorf("task payload is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.now()
	t.State = task.StateQueued
	t.OriginalPriority = t.Priority
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, priority, original_priority, boost_count, role, payload,
			state, owner, claim_ts, retries, cycle, unavail_count, excluded_endpoint,
			created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?, '', '', 0, 0, 0, '', ?, ?)`,
		t.ID, int(t.Priority), int(t.OriginalPriority), t.Role, t.Payload,
		string(t.State), fmtTime(now), fmtTime(now))
	if err != nil {
		return wrapErr("create task", err)
	}
	s.appendHistory(ctx, t.ID, "created", "", t.Priority.String())
	return nil
}

// GetTask returns the task with the given id.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get task", err)
	}
	return t, nil
}

// ClaimNext atomically claims the highest-priority queued task matching one of
// the given roles, at or above the given priority ceiling (task.P3Low admits
// everything; task.P0Critical restricts intake to critical work, which is how
// degraded mode pauses the non-critical classes). Ordering is (priority,
// created_at). Returns ErrNoTask when nothing is eligible. The compare-and-set
// update guarantees at most one winner per task under concurrent claim
// attempts.
func (s *Store) ClaimNext(ctx context.Context, workerID string, roles []string, maxPrio task.Priority) (*task.Task, error) {
	roleFilter := ""
	args := []any{int(maxPrio)}
	if len(roles) > 0 {
		roleFilter = ` AND role IN (?` + strings.Repeat(",?", len(roles)-1) + `)`
		for _, r := range roles {
			args = append(args, r)
		}
	}

	for attempt := 0; attempt < 5; attempt++ {
		row := s.db.QueryRowContext(ctx,
			`SELECT id FROM tasks WHERE state = 'QUEUED' AND priority <= ?`+roleFilter+
				` ORDER BY priority ASC, created_at ASC LIMIT 1`, args...)
		var id string
		err := row.Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoTask
		}
		if err != nil {
			return nil, wrapErr("claim select", err)
		}

		now := fmtTime(s.now())
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET state = 'CLAIMED', owner = ?, claim_ts = ?, updated_at = ?
			WHERE id = ? AND state = 'QUEUED'`,
			workerID, now, now, id)
		if err != nil {
			return nil, wrapErr("claim update", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			s.appendHistory(ctx, id, "claimed", string(task.StateQueued), workerID)
			return s.GetTask(ctx, id)
		}
		// Lost the race to another worker; try the next candidate.
	}
	return nil, ErrNoTask
}

// MarkRunning transitions a claimed task to RUNNING. The caller must own the
// claim; otherwise ErrConflict is returned. An endpoint accepted the task, so
// the unavailability streak resets.
func (s *Store) MarkRunning(ctx context.Context, id, workerID string) error {
	return s.casUpdate(ctx, "mark running", `
		UPDATE tasks SET state = 'RUNNING', unavail_count = 0, updated_at = ?
		WHERE id = ? AND owner = ? AND state = 'CLAIMED'`,
		id, "started", string(task.StateClaimed), string(task.StateRunning),
		fmtTime(s.now()), id, workerID)
}

// Release clears a claim, returning the task to QUEUED. Fails with ErrConflict
// if the caller does not own the claim.
func (s *Store) Release(ctx context.Context, id, workerID string) error {
	return s.casUpdate(ctx, "release", `
		UPDATE tasks SET state = 'QUEUED', owner = '', claim_ts = '', updated_at = ?
		WHERE id = ? AND owner = ? AND state = 'CLAIMED'`,
		id, "released", string(task.StateClaimed), string(task.StateQueued),
		fmtTime(s.now()), id, workerID)
}

// ReleaseUnavailable clears a claim that found no endpoint to dispatch to,
// returning the task to QUEUED with the unavailability streak incremented.
// Unlike Requeue this spends no retry: the task never ran.
func (s *Store) ReleaseUnavailable(ctx context.Context, id, workerID string) error {
	return s.casUpdate(ctx, "release unavailable", `
		UPDATE tasks SET state = 'QUEUED', owner = '', claim_ts = '',
			unavail_count = unavail_count + 1, updated_at = ?
		WHERE id = ? AND owner = ? AND state = 'CLAIMED'`,
		id, "no_endpoint", string(task.StateClaimed), string(task.StateQueued),
		fmtTime(s.now()), id, workerID)
}

// MoveToReview hands a running task over to the verification coordinator.
// The worker's claim is cleared; from here only the coordinator mutates it.
func (s *Store) MoveToReview(ctx context.Context, id, workerID string) error {
	return s.casUpdate(ctx, "move to review", `
		UPDATE tasks SET state = 'REVIEW', owner = '', claim_ts = '', updated_at = ?
		WHERE id = ? AND owner = ? AND state = 'RUNNING'`,
		id, "review", string(task.StateRunning), string(task.StateReview),
		fmtTime(s.now()), id, workerID)
}

// Requeue returns a task to QUEUED and increments its retry count. Legal from
// CLAIMED, RUNNING, REVIEW and FAILED. REVIEW is included so a task whose
// verification could not run counts it as a failed attempt.
func (s *Store) Requeue(ctx context.Context, id string) error {
	return s.casUpdate(ctx, "requeue", `
		UPDATE tasks SET state = 'QUEUED', owner = '', claim_ts = '',
			retries = retries + 1, updated_at = ?
		WHERE id = ? AND state IN ('CLAIMED', 'RUNNING', 'REVIEW', 'FAILED')`,
		id, "requeued", "", string(task.StateQueued),
		fmtTime(s.now()), id)
}

// RequeueFromReview returns a rejected task to QUEUED, incrementing the
// verification cycle and excluding the producing endpoint from re-selection
// for one cycle.
func (s *Store) RequeueFromReview(ctx context.Context, id, excludedEndpoint string) error {
	return s.casUpdate(ctx, "requeue from review", `
		UPDATE tasks SET state = 'QUEUED', owner = '', claim_ts = '',
			cycle = cycle + 1, excluded_endpoint = ?, updated_at = ?
		WHERE id = ? AND state = 'REVIEW'`,
		id, "rejected", string(task.StateReview), string(task.StateQueued),
		excludedEndpoint, fmtTime(s.now()), id)
}

// ClearExclusion lifts a producer exclusion after it has been honored for one
// claim cycle.
func (s *Store) ClearExclusion(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET excluded_endpoint = '', updated_at = ? WHERE id = ?`,
		fmtTime(s.now()), id)
	if err != nil {
		return wrapErr("clear exclusion", err)
	}
	return nil
}

// FailTask marks a task FAILED. Legal from RUNNING or REVIEW.
func (s *Store) FailTask(ctx context.Context, id string) error {
	return s.casUpdate(ctx, "fail", `
		UPDATE tasks SET state = 'FAILED', owner = '', claim_ts = '', updated_at = ?
		WHERE id = ? AND state IN ('RUNNING', 'REVIEW')`,
		id, "failed", "", string(task.StateFailed),
		fmtTime(s.now()), id)
}

// CompleteTask marks an approved review COMPLETED.
func (s *Store) CompleteTask(ctx context.Context, id string) error {
	return s.casUpdate(ctx, "complete", `
		UPDATE tasks SET state = 'COMPLETED', updated_at = ?
		WHERE id = ? AND state = 'REVIEW'`,
		id, "completed", string(task.StateReview), string(task.StateCompleted),
		fmtTime(s.now()), id)
}

// EscalateTask parks a task in the ESCALATED terminal state for external
// resolution. CLAIMED is included so a worker whose claim cannot be served by
// any endpoint escalates directly instead of racing a release.
func (s *Store) EscalateTask(ctx context.Context, id string) error {
	return s.casUpdate(ctx, "escalate", `
		UPDATE tasks SET state = 'ESCALATED', owner = '', claim_ts = '', updated_at = ?
		WHERE id = ? AND state IN ('REVIEW', 'QUEUED', 'CLAIMED', 'FAILED')`,
		id, "escalated", "", string(task.StateEscalated),
		fmtTime(s.now()), id)
}

// CancelTask removes a task that has not yet been claimed.
func (s *Store) CancelTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE id = ? AND state = 'QUEUED'`, id)
	if err != nil {
		return wrapErr("cancel", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	s.appendHistory(ctx, id, "cancelled", string(task.StateQueued), "")
	return nil
}

// casUpdate runs a compare-and-set update and records history on success.
func (s *Store) casUpdate(ctx context.Context, op, query, id, action, oldVal, newVal string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapErr(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	s.appendHistory(ctx, id, action, oldVal, newVal)
	return nil
}

// appendHistory records an append-only journal entry. History failures are
// logged, never propagated: the journal must not fail the operation it
// describes.
func (s *Store) appendHistory(ctx context.Context, taskID, action, oldVal, newVal string) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (task_id, action, old_value, new_value, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		taskID, action, oldVal, newVal, fmtTime(s.now()))
	if err != nil {
		s.logger.Warn("failed to append task history",
			zap.String("task_id", taskID),
			zap.String("action", action),
			zap.Error(err))
	}
}

// History returns the append-only journal for a task, oldest first.
func (s *Store) History(ctx context.Context, taskID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action, old_value, new_value, created_at
		FROM task_history WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, wrapErr("history", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var createdAt string
		if err := rows.Scan(&e.Action, &e.OldValue, &e.NewValue, &createdAt); err != nil {
			return nil, wrapErr("history scan", err)
		}
		e.TaskID = taskID
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// HistoryEntry is one append-only journal record for a task.
type HistoryEntry struct {
	TaskID    string
	Action    string
	OldValue  string
	NewValue  string
	CreatedAt time.Time
}
