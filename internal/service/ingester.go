package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	appErrors "github.com/unclebandit/smsleopard-outreach/internal/errors"
	"github.com/unclebandit/smsleopard-outreach/internal/logger"
	"github.com/unclebandit/smsleopard-outreach/internal/metrics"
	"github.com/unclebandit/smsleopard-outreach/internal/model"
	"github.com/unclebandit/smsleopard-outreach/internal/repository"
)

// Staged outcome results reported to metrics.
const (
	ingestApplied      = "applied"
	ingestDuplicate    = "duplicate"
	ingestNoEnrollment = "no_enrollment"
	ingestFailed       = "error"
)

// Ingester turns staged provider outcomes into ledger attempts and state
// transitions. Records are leased before processing so concurrent ingesters
// never work on the same record, and a crashed worker's records become
// claimable again once the lease expires.
type Ingester struct {
	Staging     repository.StagingRepositoryInterface
	Enrollments repository.EnrollmentRepositoryInterface
	Machine     *StateMachine
	Projector   *Projector
	Metrics     *metrics.Collector

	// Owner identifies this worker on leased records.
	Owner    string
	LeaseTTL time.Duration
	// MaxDeliveries closes a record that keeps failing once it has been
	// claimed this many times. Zero never gives up.
	MaxDeliveries int
	Now           func() time.Time
}

func (in *Ingester) now() time.Time {
	if in.Now != nil {
		return in.Now()
	}
	return time.Now().UTC()
}

func (in *Ingester) leaseTTL() time.Duration {
	if in.LeaseTTL > 0 {
		return in.LeaseTTL
	}
	return 5 * time.Minute
}

// Ingest claims up to batchSize records, oldest first, and processes each.
// A failing record is annotated and left for a later attempt until it runs
// out of deliveries; it never stops the batch. The count is the number of
// records marked processed.
func (in *Ingester) Ingest(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	batch, err := in.Staging.ClaimStaged(ctx, in.Owner, batchSize, in.now(), in.leaseTTL())
	if err != nil {
		return 0, fmt.Errorf("claim staged outcomes: %w", err)
	}
	processed := 0
	for _, s := range batch {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		_, done, err := in.process(ctx, s)
		if err != nil {
			logger.Error("staged outcome failed", "staging_id", s.ID, "error", err)
		}
		if done {
			processed++
		}
	}
	if len(batch) > 0 {
		logger.Info("ingested staged outcomes", "claimed", len(batch), "processed", processed, "owner", in.Owner)
	}
	return processed, nil
}

// IngestOne claims and processes exactly one staged record.
func (in *Ingester) IngestOne(ctx context.Context, stagingID int64) (Transition, error) {
	s, err := in.Staging.ClaimStagedByID(ctx, stagingID, in.Owner, in.now(), in.leaseTTL())
	if err != nil {
		return Transition{}, err
	}
	tr, _, err := in.process(ctx, *s)
	return tr, err
}

// process handles one leased record. done reports whether the record was
// marked processed.
func (in *Ingester) process(ctx context.Context, s model.StagedOutcome) (Transition, bool, error) {
	e, err := in.resolveEnrollment(ctx, s)
	if err != nil {
		done, err := in.fail(ctx, s, err)
		return Transition{}, done, err
	}
	if !e.IsActive() {
		note := "no active enrollment"
		if e != nil {
			note = "enrollment not active"
		}
		in.Metrics.RecordStagedOutcome(ingestNoEnrollment)
		logger.Info("staged outcome has no active enrollment", "staging_id", s.ID, "note", note)
		if err := in.Staging.MarkProcessed(ctx, s.ID, note, in.now()); err != nil {
			return Transition{}, false, err
		}
		return Transition{Kind: TransitionNoop, Reason: note}, true, nil
	}

	tr, err := in.Machine.ApplyOutcome(ctx, e.ID, AttemptFromStaged(s, in.now()))
	if err != nil {
		if appErrors.IsConfigurationError(err) {
			// Retrying cannot fix a misconfigured campaign.
			in.Metrics.RecordStagedOutcome(ingestFailed)
			if merr := in.Staging.MarkProcessed(ctx, s.ID, err.Error(), in.now()); merr != nil {
				return tr, false, merr
			}
			return tr, true, err
		}
		done, err := in.fail(ctx, s, err)
		return tr, done, err
	}

	if err := in.Staging.MarkProcessed(ctx, s.ID, "", in.now()); err != nil {
		return tr, false, err
	}
	switch tr.Kind {
	case TransitionDuplicate:
		in.Metrics.RecordStagedOutcome(ingestDuplicate)
	case TransitionNoop:
		in.Metrics.RecordStagedOutcome(ingestNoEnrollment)
	default:
		in.Metrics.RecordStagedOutcome(ingestApplied)
	}
	if in.Projector != nil && tr.Kind != TransitionDuplicate {
		if _, err := in.Projector.ProjectOne(ctx, e.ID); err != nil {
			logger.Warn("snapshot update failed", "enrollment_id", e.ID, "error", err)
		}
	}
	return tr, true, nil
}

// fail records cause on s. The record stays pending for its next lease unless
// it has used up its deliveries, in which case it is closed and done is true.
func (in *Ingester) fail(ctx context.Context, s model.StagedOutcome, cause error) (bool, error) {
	in.Metrics.RecordStagedOutcome(ingestFailed)
	if in.MaxDeliveries > 0 && s.Deliveries >= in.MaxDeliveries {
		note := fmt.Sprintf("gave up after %d deliveries: %v", s.Deliveries, cause)
		logger.Warn("closing staged outcome", "staging_id", s.ID, "deliveries", s.Deliveries, "error", cause)
		if err := in.Staging.MarkProcessed(ctx, s.ID, note, in.now()); err != nil {
			return false, err
		}
		return true, cause
	}
	if err := in.Staging.AnnotateStaged(ctx, s.ID, cause.Error()); err != nil {
		logger.Warn("annotate staged outcome failed", "staging_id", s.ID, "error", err)
	}
	return false, cause
}

func (in *Ingester) resolveEnrollment(ctx context.Context, s model.StagedOutcome) (*model.Enrollment, error) {
	if s.EnrollmentID != "" {
		return in.Enrollments.GetEnrollment(ctx, s.EnrollmentID)
	}
	if s.ContactID == "" || s.CampaignID == "" {
		return nil, nil
	}
	return in.Enrollments.FindActiveEnrollment(ctx, s.ContactID, s.CampaignID)
}

// AttemptFromStaged normalizes a staged provider result into an attempt.
// Enrollment, step, attempt number and, when the provider did not say,
// channel are filled in by the state machine.
func AttemptFromStaged(s model.StagedOutcome, now time.Time) *model.Attempt {
	raw := strings.ToLower(strings.TrimSpace(s.Status))
	reason := strings.ToLower(strings.TrimSpace(s.Reason))
	a := &model.Attempt{
		Status:          model.ParseAttemptStatus(raw),
		ProviderRef:     strings.TrimSpace(s.ProviderRef),
		Direction:       model.ParseDirection(s.Direction),
		OutcomeStatus:   raw,
		FailureReason:   reason,
		Classification:  strings.ToLower(strings.TrimSpace(s.Classification)),
		ResultSummary:   raw,
		Result:          s.Result,
		DurationSeconds: s.DurationSeconds,
		RecordingURL:    s.RecordingURL,
		Transcript:      s.Transcript,
		CreatedAt:       now,
	}
	if reason != "" {
		a.ResultSummary = reason
	}
	if strings.TrimSpace(s.Channel) != "" {
		a.Channel = model.ParseChannel(s.Channel)
	}
	if s.OccurredAt != nil {
		at := *s.OccurredAt
		a.StartedAt = &at
		a.SentAt = &at
	}
	switch a.Status {
	case model.AttemptCompleted, model.AttemptFailed:
		a.CompletedAt = &now
	}
	return a
}
