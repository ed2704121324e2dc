package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/smsleopard-outreach/internal/errors"
	"github.com/unclebandit/smsleopard-outreach/internal/model"
)

type EnrollmentRepository struct {
	DB *sql.DB
}

var _ EnrollmentRepositoryInterface = (*EnrollmentRepository)(nil)

const enrollmentColumns = `id, contact_id, campaign_id, status, current_step_id, next_channel, next_run_at, started_at, ended_at, version, updated_at, last_attempt_id`

func scanEnrollment(row scanner) (*model.Enrollment, error) {
	var (
		e           model.Enrollment
		status      string
		currentStep sql.NullString
		nextChannel sql.NullString
		nextRunAt   sql.NullTime
		endedAt     sql.NullTime
		lastAttempt sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.ContactID, &e.CampaignID, &status, &currentStep, &nextChannel,
		&nextRunAt, &e.StartedAt, &endedAt, &e.Version, &e.UpdatedAt, &lastAttempt); err != nil {
		return nil, err
	}
	e.Status = model.EnrollmentStatus(status)
	if currentStep.Valid {
		id := currentStep.String
		e.CurrentStepID = &id
	}
	if nextChannel.Valid {
		ch := model.ParseChannel(nextChannel.String)
		e.NextChannel = &ch
	}
	e.NextRunAt = timePtr(nextRunAt)
	e.EndedAt = timePtr(endedAt)
	e.LastAttemptID = lastAttempt.Int64
	return &e, nil
}

func (r *EnrollmentRepository) GetEnrollment(ctx context.Context, id string) (*model.Enrollment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1`, id)
	e, err := scanEnrollment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get enrollment %s: %w", id, err)
	}
	return e, nil
}

func (r *EnrollmentRepository) FindActiveEnrollment(ctx context.Context, contactID, campaignID string) (*model.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments
		WHERE contact_id = $1 AND campaign_id = $2 AND status = 'active'
		ORDER BY started_at DESC LIMIT 1`
	e, err := scanEnrollment(r.DB.QueryRowContext(ctx, query, contactID, campaignID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active enrollment: %w", err)
	}
	return e, nil
}

func (r *EnrollmentRepository) CreateEnrollment(ctx context.Context, e *model.Enrollment) ([]string, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create enrollment: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE enrollments
		SET status = 'switched', ended_at = $3, next_channel = NULL, next_run_at = NULL,
			version = version + 1, updated_at = $3
		WHERE contact_id = $1 AND campaign_id = $2 AND status = 'active'
		RETURNING id
	`, e.ContactID, e.CampaignID, e.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("switch prior enrollments: %w", err)
	}
	var switched []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan switched enrollment: %w", err)
		}
		switched = append(switched, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var nextChannel sql.NullString
	if e.NextChannel != nil {
		nextChannel = nullString(string(*e.NextChannel))
	}
	var currentStep sql.NullString
	if e.CurrentStepID != nil {
		currentStep = nullString(*e.CurrentStepID)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO enrollments (`+enrollmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, e.ID, e.ContactID, e.CampaignID, string(e.Status), currentStep, nextChannel,
		nullTime(e.NextRunAt), e.StartedAt, nullTime(e.EndedAt), e.Version, e.UpdatedAt, nullInt64(e.LastAttemptID)); err != nil {
		return nil, fmt.Errorf("insert enrollment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create enrollment: %w", err)
	}
	return switched, nil
}

func (r *EnrollmentRepository) UpdateEnrollment(ctx context.Context, e *model.Enrollment) error {
	var nextChannel sql.NullString
	if e.NextChannel != nil {
		nextChannel = nullString(string(*e.NextChannel))
	}
	var currentStep sql.NullString
	if e.CurrentStepID != nil {
		currentStep = nullString(*e.CurrentStepID)
	}
	e.UpdatedAt = time.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE enrollments
		SET status = $1, current_step_id = $2, next_channel = $3, next_run_at = $4,
			ended_at = $5, last_attempt_id = $6, version = version + 1, updated_at = $7
		WHERE id = $8 AND version = $9
	`, string(e.Status), currentStep, nextChannel, nullTime(e.NextRunAt), nullTime(e.EndedAt),
		nullInt64(e.LastAttemptID), e.UpdatedAt, e.ID, e.Version)
	if err != nil {
		return fmt.Errorf("update enrollment %s: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update enrollment %s: %w", e.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update enrollment %s: %w", e.ID, appErrors.ErrStaleEnrollment)
	}
	e.Version++
	return nil
}

func (r *EnrollmentRepository) EnrollmentHistory(ctx context.Context, contactID, campaignID string) (model.EnrollmentHistory, error) {
	h := model.EnrollmentHistory{ContactID: contactID, CampaignID: campaignID}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+enrollmentColumns+` FROM enrollments
		WHERE contact_id = $1 AND campaign_id = $2
		ORDER BY started_at ASC, id ASC`, contactID, campaignID)
	if err != nil {
		return h, fmt.Errorf("enrollment history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return h, fmt.Errorf("scan enrollment: %w", err)
		}
		h.Entries = append(h.Entries, *e)
	}
	return h, rows.Err()
}

func (r *EnrollmentRepository) ListEnrollmentIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM enrollments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
