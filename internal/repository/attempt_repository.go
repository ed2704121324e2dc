package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/unclebandit/smsleopard-outreach/internal/model"
)

type AttemptRepository struct {
	DB *sql.DB
}

var _ AttemptRepositoryInterface = (*AttemptRepository)(nil)

const attemptColumns = `id, enrollment_id, campaign_id, step_id, channel, status, attempt_number,
	COALESCE(provider_ref, ''), direction, COALESCE(outcome_status, ''), COALESCE(failure_reason, ''),
	COALESCE(classification, ''), COALESCE(result_summary, ''), result_payload, COALESCE(content, ''),
	duration_seconds, COALESCE(recording_url, ''), COALESCE(transcript, ''),
	scheduled_at, started_at, sent_at, completed_at, created_at`

// latestOrder sorts attempts by their most recent timestamp; GREATEST skips NULLs.
const latestOrder = `GREATEST(created_at, scheduled_at, started_at, completed_at) DESC, id DESC`

func scanAttempt(row scanner) (*model.Attempt, error) {
	var (
		a                                           model.Attempt
		channel, status, direction                  string
		payload                                     []byte
		scheduledAt, startedAt, sentAt, completedAt sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.EnrollmentID, &a.CampaignID, &a.StepID, &channel, &status, &a.AttemptNumber,
		&a.ProviderRef, &direction, &a.OutcomeStatus, &a.FailureReason,
		&a.Classification, &a.ResultSummary, &payload, &a.Content,
		&a.DurationSeconds, &a.RecordingURL, &a.Transcript,
		&scheduledAt, &startedAt, &sentAt, &completedAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Channel = model.ParseChannel(channel)
	a.Status = model.AttemptStatus(status)
	a.Direction = model.ParseDirection(direction)
	a.ScheduledAt = timePtr(scheduledAt)
	a.StartedAt = timePtr(startedAt)
	a.SentAt = timePtr(sentAt)
	a.CompletedAt = timePtr(completedAt)
	m, err := unmarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	a.Result = m
	return &a, nil
}

func (r *AttemptRepository) InsertAttempt(ctx context.Context, a *model.Attempt) (bool, error) {
	payload, err := marshalPayload(a.Result)
	if err != nil {
		return false, err
	}
	if a.Direction == "" {
		a.Direction = model.DirectionOutbound
	}
	query := `
		INSERT INTO attempts (enrollment_id, campaign_id, step_id, channel, status, attempt_number,
			provider_ref, direction, outcome_status, failure_reason, classification, result_summary,
			result_payload, content, duration_seconds, recording_url, transcript,
			scheduled_at, started_at, sent_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (provider_ref, direction) WHERE provider_ref IS NOT NULL DO NOTHING
		RETURNING id
	`
	err = r.DB.QueryRowContext(ctx, query,
		a.EnrollmentID, a.CampaignID, a.StepID, string(a.Channel), string(a.Status), a.AttemptNumber,
		nullString(a.ProviderRef), string(a.Direction), nullString(a.OutcomeStatus), nullString(a.FailureReason),
		nullString(a.Classification), nullString(a.ResultSummary), payload, nullString(a.Content),
		a.DurationSeconds, nullString(a.RecordingURL), nullString(a.Transcript),
		nullTime(a.ScheduledAt), nullTime(a.StartedAt), nullTime(a.SentAt), nullTime(a.CompletedAt), a.CreatedAt,
	).Scan(&a.ID)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict on the idempotency key: report the stored attempt's id.
		if err := r.DB.QueryRowContext(ctx,
			`SELECT id FROM attempts WHERE provider_ref = $1 AND direction = $2`,
			a.ProviderRef, string(a.Direction)).Scan(&a.ID); err != nil {
			return false, fmt.Errorf("lookup duplicate attempt: %w", err)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert attempt: %w", err)
	}
	return true, nil
}

func (r *AttemptRepository) LatestAttempt(ctx context.Context, enrollmentID string) (*model.Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM attempts WHERE enrollment_id = $1 ORDER BY ` + latestOrder + ` LIMIT 1`
	a, err := scanAttempt(r.DB.QueryRowContext(ctx, query, enrollmentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest attempt: %w", err)
	}
	return a, nil
}

func (r *AttemptRepository) LatestAttempts(ctx context.Context) (map[string]*model.Attempt, error) {
	query := `SELECT DISTINCT ON (enrollment_id) ` + attemptColumns + `
		FROM attempts ORDER BY enrollment_id, ` + latestOrder
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("latest attempts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]*model.Attempt)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out[a.EnrollmentID] = a
	}
	return out, rows.Err()
}

func (r *AttemptRepository) CountAttempts(ctx context.Context, enrollmentID, stepID string, ch model.Channel, statuses ...model.AttemptStatus) (int, error) {
	query := `SELECT COUNT(*) FROM attempts WHERE enrollment_id = $1 AND step_id = $2 AND channel = $3`
	args := []any{enrollmentID, stepID, string(ch)}
	if len(statuses) > 0 {
		ss := make([]string, len(statuses))
		for i, s := range statuses {
			ss[i] = string(s)
		}
		query += ` AND status = ANY($4)`
		args = append(args, pq.Array(ss))
	}
	var n int
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}

func (r *AttemptRepository) FirstAttempt(ctx context.Context, enrollmentID, stepID string, ch model.Channel) (*model.Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM attempts
		WHERE enrollment_id = $1 AND step_id = $2 AND channel = $3
		ORDER BY COALESCE(started_at, sent_at, scheduled_at, created_at) ASC, id ASC
		LIMIT 1`
	a, err := scanAttempt(r.DB.QueryRowContext(ctx, query, enrollmentID, stepID, string(ch)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("first attempt: %w", err)
	}
	return a, nil
}

func (r *AttemptRepository) ListAttempts(ctx context.Context, enrollmentID string) ([]model.Attempt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE enrollment_id = $1 ORDER BY id ASC`, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	var out []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
