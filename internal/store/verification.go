package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// VerificationRecord is one append-only entry in a task's verification
// history. Records are never updated or deleted.
type VerificationRecord struct {
	ID        string
	TaskID    string
	Producer  string // endpoint that produced the work
	Verifier  string // endpoint that reviewed it
	Decision  string // APPROVE, REJECT, STALEMATE
	Cycle     int
	Reason    string
	CreatedAt time.Time
}

// AppendVerification records a verification outcome.
func (s *Store) AppendVerification(ctx context.Context, rec *VerificationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verifications (id, task_id, producer, verifier, decision, cycle, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TaskID, rec.Producer, rec.Verifier, rec.Decision,
		rec.Cycle, rec.Reason, fmtTime(rec.CreatedAt))
	if err != nil {
		return wrapErr("append verification", err)
	}
	return nil
}

// Verifications returns a task's verification history, oldest first.
func (s *Store) Verifications(ctx context.Context, taskID string) ([]VerificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, producer, verifier, decision, cycle, reason, created_at
		FROM verifications WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, wrapErr("verifications", err)
	}
	defer rows.Close()

	var recs []VerificationRecord
	for rows.Next() {
		var r VerificationRecord
		var createdAt string
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Producer, &r.Verifier,
			&r.Decision, &r.Cycle, &r.Reason, &createdAt); err != nil {
			return nil, wrapErr("verifications scan", err)
		}
		r.CreatedAt = parseTime(createdAt)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
