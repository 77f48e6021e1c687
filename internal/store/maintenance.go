package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/task"
)

// SweepStale requeues tasks whose claim is older than threshold. Each swept
// task gets its retry count incremented, same as a failed attempt. Returns the
// ids that were requeued.
func (s *Store) SweepStale(ctx context.Context, threshold time.Duration) ([]string, error) {
	cutoff := fmtTime(s.now().Add(-threshold))

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE state IN ('CLAIMED', 'RUNNING') AND claim_ts != '' AND claim_ts <= ?`,
		cutoff)
	if err != nil {
		return nil, wrapErr("sweep select", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, wrapErr("sweep scan", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapErr("sweep", err)
	}

	var swept []string
	now := fmtTime(s.now())
	for _, id := range candidates {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET state = 'QUEUED', owner = '', claim_ts = '',
				retries = retries + 1, updated_at = ?
			WHERE id = ? AND state IN ('CLAIMED', 'RUNNING') AND claim_ts <= ?`,
			now, id, cutoff)
		if err != nil {
			return swept, wrapErr("sweep update", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			s.appendHistory(ctx, id, "stale_reclaimed", "", string(task.StateQueued))
			s.logger.Warn("reclaimed stale task", zap.String("task_id", id))
			swept = append(swept, id)
		}
	}
	return swept, nil
}

// PurgeTerminal deletes tasks that settled in COMPLETED, FAILED or ESCALATED
// longer than retention ago, together with their verification records and
// history. FAILED counts as settled here: nothing requeues a permanently
// failed task, and the retention window is the grace period for a manual
// retry. Returns the ids that were purged.
func (s *Store) PurgeTerminal(ctx context.Context, retention time.Duration) ([]string, error) {
	cutoff := fmtTime(s.now().Add(-retention))

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE state IN ('COMPLETED', 'FAILED', 'ESCALATED') AND updated_at <= ?`,
		cutoff)
	if err != nil {
		return nil, wrapErr("purge select", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, wrapErr("purge scan", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapErr("purge", err)
	}

	var purged []string
	for _, id := range candidates {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM tasks
			WHERE id = ? AND state IN ('COMPLETED', 'FAILED', 'ESCALATED') AND updated_at <= ?`,
			id, cutoff)
		if err != nil {
			return purged, wrapErr("purge task", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM verifications WHERE task_id = ?`, id); err != nil {
			return purged, wrapErr("purge verifications", err)
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM task_history WHERE task_id = ?`, id); err != nil {
			return purged, wrapErr("purge history", err)
		}
		purged = append(purged, id)
	}
	if len(purged) > 0 {
		s.logger.Info("purged terminal tasks past retention",
			zap.Int("count", len(purged)))
	}
	return purged, nil
}

// BoostAged promotes queued tasks that have waited longer than the threshold
// for their current priority, one level per call. Original priority is
// preserved so reporting can show the pre-boost class. Returns the ids that
// were promoted.
func (s *Store) BoostAged(ctx context.Context, thresholds map[task.Priority]time.Duration) ([]string, error) {
	var boosted []string
	// Highest priority first so a task promoted this call is not promoted
	// twice in the same pass.
	for _, prio := range []task.Priority{task.P1High, task.P2Medium, task.P3Low} {
		threshold, ok := thresholds[prio]
		if !ok || threshold <= 0 {
			continue
		}
		cutoff := fmtTime(s.now().Add(-threshold))

		rows, err := s.db.QueryContext(ctx, `
			SELECT id FROM tasks
			WHERE state = 'QUEUED' AND priority = ? AND created_at <= ?`,
			int(prio), cutoff)
		if err != nil {
			return boosted, wrapErr("boost select", err)
		}
		var candidates []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return boosted, wrapErr("boost scan", err)
			}
			candidates = append(candidates, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return boosted, wrapErr("boost", err)
		}

		now := fmtTime(s.now())
		for _, id := range candidates {
			res, err := s.db.ExecContext(ctx, `
				UPDATE tasks SET priority = priority - 1,
					boost_count = boost_count + 1, updated_at = ?
				WHERE id = ? AND state = 'QUEUED' AND priority = ?`,
				now, id, int(prio))
			if err != nil {
				return boosted, wrapErr("boost update", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				s.appendHistory(ctx, id, "priority_boost", prio.String(), (prio - 1).String())
				boosted = append(boosted, id)
			}
		}
	}
	return boosted, nil
}
