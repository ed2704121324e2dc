package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/unclebandit/smsleopard-outreach/internal/model"
)

type SnapshotRepository struct {
	DB *sql.DB
}

var _ SnapshotRepositoryInterface = (*SnapshotRepository)(nil)

// ReplaceSnapshots rewrites the table inside one transaction so readers see
// either the previous view or the new one.
func (r *SnapshotRepository) ReplaceSnapshots(ctx context.Context, snaps []model.StateSnapshot) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot refresh: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM state_snapshots`); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("state_snapshots",
		"enrollment_id", "delivery_state", "attempt_id", "last_event_at", "refreshed_at"))
	if err != nil {
		return fmt.Errorf("prepare snapshot copy: %w", err)
	}
	for _, s := range snaps {
		var attemptID sql.NullInt64
		if s.AttemptID != nil {
			attemptID = sql.NullInt64{Int64: *s.AttemptID, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, s.EnrollmentID, string(s.State), attemptID, nullTime(s.LastEventAt), s.RefreshedAt); err != nil {
			stmt.Close()
			return fmt.Errorf("copy snapshot %s: %w", s.EnrollmentID, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush snapshot copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close snapshot copy: %w", err)
	}
	return tx.Commit()
}

func (r *SnapshotRepository) UpsertSnapshot(ctx context.Context, s model.StateSnapshot) error {
	var attemptID sql.NullInt64
	if s.AttemptID != nil {
		attemptID = sql.NullInt64{Int64: *s.AttemptID, Valid: true}
	}
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO state_snapshots (enrollment_id, delivery_state, attempt_id, last_event_at, refreshed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (enrollment_id) DO UPDATE SET
			delivery_state = EXCLUDED.delivery_state,
			attempt_id = EXCLUDED.attempt_id,
			last_event_at = EXCLUDED.last_event_at,
			refreshed_at = EXCLUDED.refreshed_at
	`, s.EnrollmentID, string(s.State), attemptID, nullTime(s.LastEventAt), s.RefreshedAt)
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", s.EnrollmentID, err)
	}
	return nil
}

func (r *SnapshotRepository) GetSnapshot(ctx context.Context, enrollmentID string) (*model.StateSnapshot, error) {
	var (
		s           model.StateSnapshot
		state       string
		attemptID   sql.NullInt64
		lastEventAt sql.NullTime
	)
	err := r.DB.QueryRowContext(ctx, `
		SELECT enrollment_id, delivery_state, attempt_id, last_event_at, refreshed_at
		FROM state_snapshots WHERE enrollment_id = $1
	`, enrollmentID).Scan(&s.EnrollmentID, &state, &attemptID, &lastEventAt, &s.RefreshedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", enrollmentID, err)
	}
	s.State = model.DeliveryState(state)
	if attemptID.Valid {
		id := attemptID.Int64
		s.AttemptID = &id
	}
	s.LastEventAt = timePtr(lastEventAt)
	return &s, nil
}
