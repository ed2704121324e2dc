package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	appErrors "github.com/unclebandit/smsleopard-outreach/internal/errors"
	"github.com/unclebandit/smsleopard-outreach/internal/model"
)

type StagingRepository struct {
	DB *sql.DB
}

var _ StagingRepositoryInterface = (*StagingRepository)(nil)

const stagedColumns = `id, COALESCE(enrollment_id, ''), COALESCE(contact_id, ''), COALESCE(campaign_id, ''),
	COALESCE(provider_ref, ''), direction, COALESCE(channel, ''), status, COALESCE(end_reason, ''), duration_seconds,
	COALESCE(recording_url, ''), COALESCE(transcript, ''), COALESCE(classification, ''), result_payload,
	occurred_at, processed, processed_at, COALESCE(note, ''), COALESCE(lease_owner, ''), lease_expires_at, created_at, deliveries`

func scanStaged(row scanner) (*model.StagedOutcome, error) {
	var (
		s                                    model.StagedOutcome
		payload                              []byte
		occurredAt, processedAt, leaseExpiry sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.EnrollmentID, &s.ContactID, &s.CampaignID,
		&s.ProviderRef, &s.Direction, &s.Channel, &s.Status, &s.Reason, &s.DurationSeconds,
		&s.RecordingURL, &s.Transcript, &s.Classification, &payload,
		&occurredAt, &s.Processed, &processedAt, &s.Note, &s.LeaseOwner, &leaseExpiry, &s.CreatedAt, &s.Deliveries); err != nil {
		return nil, err
	}
	s.OccurredAt = timePtr(occurredAt)
	s.ProcessedAt = timePtr(processedAt)
	s.LeaseExpiresAt = timePtr(leaseExpiry)
	m, err := unmarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	s.Result = m
	return &s, nil
}

func (r *StagingRepository) StageOutcome(ctx context.Context, s *model.StagedOutcome) (int64, bool, error) {
	payload, err := marshalPayload(s.Result)
	if err != nil {
		return 0, false, err
	}
	direction := string(model.ParseDirection(s.Direction))
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	err = r.DB.QueryRowContext(ctx, `
		INSERT INTO staged_outcomes (enrollment_id, contact_id, campaign_id, provider_ref, direction, channel,
			status, end_reason, duration_seconds, recording_url, transcript, classification, result_payload,
			occurred_at, processed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, FALSE, $15)
		ON CONFLICT (provider_ref, direction) WHERE provider_ref IS NOT NULL DO NOTHING
		RETURNING id
	`, nullString(s.EnrollmentID), nullString(s.ContactID), nullString(s.CampaignID), nullString(s.ProviderRef),
		direction, nullString(strings.ToLower(strings.TrimSpace(s.Channel))), s.Status, nullString(s.Reason), s.DurationSeconds,
		nullString(s.RecordingURL), nullString(s.Transcript), nullString(s.Classification), payload,
		nullTime(s.OccurredAt), s.CreatedAt).Scan(&s.ID)
	if errors.Is(err, sql.ErrNoRows) {
		if err := r.DB.QueryRowContext(ctx,
			`SELECT id FROM staged_outcomes WHERE provider_ref = $1 AND direction = $2`,
			s.ProviderRef, direction).Scan(&s.ID); err != nil {
			return 0, false, fmt.Errorf("lookup staged outcome: %w", err)
		}
		return s.ID, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("stage outcome: %w", err)
	}
	return s.ID, true, nil
}

// ClaimStaged leases a batch with SKIP LOCKED so concurrent workers never
// block on, or double-claim, the same rows.
func (r *StagingRepository) ClaimStaged(ctx context.Context, owner string, limit int, now time.Time, ttl time.Duration) ([]model.StagedOutcome, error) {
	query := `
		WITH claimable AS (
			SELECT id AS claim_id FROM staged_outcomes
			WHERE processed = FALSE AND (lease_expires_at IS NULL OR lease_expires_at <= $2)
			ORDER BY created_at ASC, id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE staged_outcomes
		SET lease_owner = $1, lease_expires_at = $4, deliveries = deliveries + 1
		FROM claimable
		WHERE id = claimable.claim_id
		RETURNING ` + stagedColumns
	rows, err := r.DB.QueryContext(ctx, query, owner, now, limit, now.Add(ttl))
	if err != nil {
		return nil, fmt.Errorf("claim staged outcomes: %w", err)
	}
	defer rows.Close()

	var out []model.StagedOutcome
	for rows.Next() {
		s, err := scanStaged(rows)
		if err != nil {
			return nil, fmt.Errorf("scan staged outcome: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING does not preserve the CTE order.
	sortStaged(out)
	return out, nil
}

func (r *StagingRepository) ClaimStagedByID(ctx context.Context, id int64, owner string, now time.Time, ttl time.Duration) (*model.StagedOutcome, error) {
	query := `
		UPDATE staged_outcomes
		SET lease_owner = $2, lease_expires_at = $4, deliveries = deliveries + 1
		WHERE id = $1 AND processed = FALSE AND (lease_expires_at IS NULL OR lease_expires_at <= $3)
		RETURNING ` + stagedColumns
	s, err := scanStaged(r.DB.QueryRowContext(ctx, query, id, owner, now, now.Add(ttl)))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim staged outcome %d: %w", id, err)
	}
	var exists bool
	if err := r.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM staged_outcomes WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("claim staged outcome %d: %w", id, err)
	}
	if !exists {
		return nil, fmt.Errorf("claim staged outcome %d: %w", id, appErrors.ErrStagedNotFound)
	}
	return nil, fmt.Errorf("claim staged outcome %d: %w", id, appErrors.ErrStagedAlreadyClaimed)
}

func (r *StagingRepository) MarkProcessed(ctx context.Context, id int64, note string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE staged_outcomes
		SET processed = TRUE, processed_at = COALESCE(processed_at, $2), note = $3,
			lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1
	`, id, at, nullString(note))
	if err != nil {
		return fmt.Errorf("mark staged outcome %d processed: %w", id, err)
	}
	return nil
}

func (r *StagingRepository) AnnotateStaged(ctx context.Context, id int64, note string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE staged_outcomes SET note = $2 WHERE id = $1 AND processed = FALSE`, id, note)
	if err != nil {
		return fmt.Errorf("annotate staged outcome %d: %w", id, err)
	}
	return nil
}

func (r *StagingRepository) GetStaged(ctx context.Context, id int64) (*model.StagedOutcome, error) {
	s, err := scanStaged(r.DB.QueryRowContext(ctx, `SELECT `+stagedColumns+` FROM staged_outcomes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get staged outcome %d: %w", id, appErrors.ErrStagedNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get staged outcome %d: %w", id, err)
	}
	return s, nil
}
