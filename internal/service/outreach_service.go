package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/smsleopard-outreach/internal/catalog"
	appErrors "github.com/unclebandit/smsleopard-outreach/internal/errors"
	"github.com/unclebandit/smsleopard-outreach/internal/ledger"
	"github.com/unclebandit/smsleopard-outreach/internal/lock"
	"github.com/unclebandit/smsleopard-outreach/internal/logger"
	"github.com/unclebandit/smsleopard-outreach/internal/metrics"
	"github.com/unclebandit/smsleopard-outreach/internal/model"
	"github.com/unclebandit/smsleopard-outreach/internal/queue"
	"github.com/unclebandit/smsleopard-outreach/internal/repository"
)

// OutreachService is the engine's public surface used by the HTTP API, the
// CLI and the queue consumers.
type OutreachService struct {
	Enrollments repository.EnrollmentRepositoryInterface
	Staging     repository.StagingRepositoryInterface
	Snapshots   repository.SnapshotRepositoryInterface
	Catalog     *catalog.Catalog
	Ledger      *ledger.Ledger
	Machine     *StateMachine
	Ingester    *Ingester
	Projector   *Projector
	Locker      lock.Locker
	Outbox      queue.Queue
	Metrics     *metrics.Collector
	Now         func() time.Time
}

// EnrollmentState is an enrollment together with its derived delivery state.
type EnrollmentState struct {
	Enrollment *model.Enrollment    `json:"enrollment"`
	Snapshot   *model.StateSnapshot `json:"snapshot"`
	Attempts   []model.Attempt      `json:"attempts,omitempty"`
}

func (s *OutreachService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// EnrollContact starts contactID on the campaign's entry step. Any active
// enrollment of the same contact in the campaign is switched out.
func (s *OutreachService) EnrollContact(ctx context.Context, campaignID, contactID string) (string, error) {
	entry, err := s.Catalog.EntryStep(ctx, campaignID)
	if err != nil {
		return "", err
	}

	unlock, err := s.Locker.Lock(ctx, lock.EnrollContactKey(contactID, campaignID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", appErrors.ErrLockNotAcquired, err)
	}
	defer unlock()

	now := s.now()
	e := &model.Enrollment{
		ID:         uuid.NewString(),
		ContactID:  contactID,
		CampaignID: campaignID,
		Status:     model.EnrollmentActive,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	e.MoveTo(entry, now)

	switched, err := s.Enrollments.CreateEnrollment(ctx, e)
	if err != nil {
		return "", fmt.Errorf("enroll contact %s: %w", contactID, err)
	}
	s.Metrics.RecordEnrollmentCreated()
	logger.Info("contact enrolled",
		"enrollment_id", e.ID,
		"campaign_id", campaignID,
		"contact_id", contactID,
		"switched", switched)

	if s.Projector != nil {
		if _, err := s.Projector.ProjectOne(ctx, e.ID); err != nil {
			logger.Warn("snapshot update failed", "enrollment_id", e.ID, "error", err)
		}
	}
	return e.ID, nil
}

// ScheduleFollowupMessage plans an SMS with content on the enrollment's
// current step. It returns nil when the enrollment is absent or no longer
// active. Attempt numbering runs under the enrollment lock.
func (s *OutreachService) ScheduleFollowupMessage(ctx context.Context, enrollmentID, content string, scheduledAt *time.Time) (*int64, error) {
	unlock, err := s.Machine.lock(ctx, lock.EnrollmentKey(enrollmentID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.Enrollments.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if !e.IsActive() {
		logger.Info("no active enrollment", "enrollment_id", enrollmentID)
		return nil, nil
	}

	var stepID string
	if e.CurrentStepID != nil && *e.CurrentStepID != "" {
		stepID = *e.CurrentStepID
	} else {
		entry, err := s.Catalog.EntryStep(ctx, e.CampaignID)
		if err != nil {
			return nil, err
		}
		stepID = entry.ID
	}

	now := s.now()
	at := now
	if scheduledAt != nil {
		at = scheduledAt.UTC()
	}
	id, err := recordPlanned(ctx, s.Ledger, s.Outbox, s.Metrics, &model.Attempt{
		EnrollmentID: e.ID,
		CampaignID:   e.CampaignID,
		StepID:       stepID,
		Channel:      model.ChannelSMS,
		Status:       model.AttemptPlanned,
		Direction:    model.DirectionOutbound,
		Content:      content,
		ScheduledAt:  &at,
		CreatedAt:    now,
	})
	if err != nil {
		return nil, fmt.Errorf("schedule followup: %w", err)
	}
	return id, nil
}

// StageOutcome writes a provider result to staging without processing it.
func (s *OutreachService) StageOutcome(ctx context.Context, o model.StagedOutcome) (int64, error) {
	if o.EnrollmentID == "" && (o.ContactID == "" || o.CampaignID == "") {
		return 0, fmt.Errorf("%w: enrollment_id or contact_id and campaign_id required", appErrors.ErrInvalidRequest)
	}
	if strings.TrimSpace(o.Status) == "" {
		return 0, fmt.Errorf("%w: status required", appErrors.ErrInvalidRequest)
	}
	id, created, err := s.Staging.StageOutcome(ctx, &o)
	if err != nil {
		return 0, err
	}
	if !created {
		logger.Debug("outcome already staged", "staging_id", id, "provider_ref", o.ProviderRef)
	}
	return id, nil
}

// IngestStagedOutcomes processes one batch of staged outcomes.
func (s *OutreachService) IngestStagedOutcomes(ctx context.Context, batchSize int) (int, error) {
	return s.Ingester.Ingest(ctx, batchSize)
}

// LogSingleOutcomeAndAdvance stages o and immediately ingests that record.
// Re-logging an outcome already staged and processed is a no-op that returns
// the original staging id.
func (s *OutreachService) LogSingleOutcomeAndAdvance(ctx context.Context, o model.StagedOutcome) (int64, error) {
	id, err := s.StageOutcome(ctx, o)
	if err != nil {
		return 0, err
	}
	staged, err := s.Staging.GetStaged(ctx, id)
	if err != nil {
		return id, err
	}
	if staged.Processed {
		return id, nil
	}
	if _, err := s.Ingester.IngestOne(ctx, id); err != nil {
		return id, err
	}
	return id, nil
}

// RefreshSnapshot rebuilds the whole delivery state view.
func (s *OutreachService) RefreshSnapshot(ctx context.Context) (int, error) {
	return s.Projector.ProjectAll(ctx)
}

// Snapshot returns the enrollment's delivery state, projecting it on demand
// when the view has no row yet.
func (s *OutreachService) Snapshot(ctx context.Context, enrollmentID string) (*model.StateSnapshot, error) {
	snap, err := s.Snapshots.GetSnapshot(ctx, enrollmentID)
	if err != nil || snap != nil {
		return snap, err
	}
	e, err := s.Enrollments.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, appErrors.ErrEnrollmentNotFound
	}
	fresh, err := s.Projector.ProjectOne(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	return &fresh, nil
}

// State returns the enrollment, its snapshot and its attempts.
func (s *OutreachService) State(ctx context.Context, enrollmentID string) (*EnrollmentState, error) {
	e, err := s.Enrollments.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, appErrors.ErrEnrollmentNotFound
	}
	snap, err := s.Snapshot(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	attempts, err := s.Ledger.History(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	return &EnrollmentState{Enrollment: e, Snapshot: snap, Attempts: attempts}, nil
}

// History returns every enrollment the contact has had in the campaign.
func (s *OutreachService) History(ctx context.Context, contactID, campaignID string) (model.EnrollmentHistory, error) {
	return s.Enrollments.EnrollmentHistory(ctx, contactID, campaignID)
}
