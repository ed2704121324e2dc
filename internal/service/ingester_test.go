package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsleopard-outreach/internal/model"
	"github.com/unclebandit/smsleopard-outreach/internal/policy"
	"github.com/unclebandit/smsleopard-outreach/internal/service"
)

func stage(t *testing.T, f *fixture, o model.StagedOutcome) int64 {
	t.Helper()
	id, err := f.svc.StageOutcome(context.Background(), o)
	require.NoError(t, err)
	return id
}

func staged(t *testing.T, f *fixture, id int64) *model.StagedOutcome {
	t.Helper()
	s, err := f.store.GetStaged(context.Background(), id)
	require.NoError(t, err)
	return s
}

func TestAttemptFromStaged(t *testing.T) {
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	at := now.Add(-time.Minute)

	a := service.AttemptFromStaged(model.StagedOutcome{
		ProviderRef: " call-1 ",
		Direction:   "INBOUND",
		Channel:     "SMS",
		Status:      "Failed",
		Reason:      "No_Answer",
		OccurredAt:  &at,
	}, now)
	assert.Equal(t, model.AttemptFailed, a.Status)
	assert.Equal(t, "call-1", a.ProviderRef)
	assert.Equal(t, model.DirectionInbound, a.Direction)
	assert.Equal(t, model.ChannelSMS, a.Channel)
	assert.Equal(t, "failed", a.OutcomeStatus)
	assert.Equal(t, "no_answer", a.ResultSummary)
	assert.Equal(t, at, *a.StartedAt)
	assert.Equal(t, now, *a.CompletedAt)

	a = service.AttemptFromStaged(model.StagedOutcome{Status: "ringing"}, now)
	assert.Equal(t, model.AttemptInProgress, a.Status)
	assert.Equal(t, model.Channel(""), a.Channel)
	assert.Equal(t, "ringing", a.ResultSummary)
	assert.Nil(t, a.CompletedAt)
}

func TestIngestAppliesOldestFirst(t *testing.T) {
	f := newFixture(t, twoSteps(), connectedRule())
	id := f.enroll(t, "contact-1")

	first := stage(t, f, model.StagedOutcome{EnrollmentID: id, ProviderRef: "call-1", Status: "completed"})
	second := stage(t, f, model.StagedOutcome{EnrollmentID: id, ProviderRef: "sms-1", Status: "completed"})

	n, err := f.svc.IngestStagedOutcomes(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.True(t, staged(t, f, first).Processed)
	assert.True(t, staged(t, f, second).Processed)
	assert.Equal(t, model.EnrollmentCompleted, f.enrollment(t, id).Status)

	n, err = f.svc.IngestStagedOutcomes(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestResolvesByContactAndCampaign(t *testing.T) {
	f := newFixture(t, twoSteps(), connectedRule())
	id := f.enroll(t, "contact-1")

	sid := stage(t, f, model.StagedOutcome{ContactID: "contact-1", CampaignID: campaignID, ProviderRef: "call-1", Status: "completed"})
	_, err := f.svc.IngestStagedOutcomes(context.Background(), 10)
	require.NoError(t, err)

	assert.True(t, staged(t, f, sid).Processed)
	assert.Equal(t, "sms-2", *f.enrollment(t, id).CurrentStepID)
}

func TestIngestUnknownEnrollmentIsNoted(t *testing.T) {
	f := newFixture(t, twoSteps())
	sid := stage(t, f, model.StagedOutcome{EnrollmentID: "ghost", ProviderRef: "call-1", Status: "failed"})

	n, err := f.svc.IngestStagedOutcomes(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s := staged(t, f, sid)
	assert.True(t, s.Processed)
	assert.Equal(t, "no active enrollment", s.Note)

	attempts, err := f.ledger.History(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestIngestSameOutcomeTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t, twoSteps(), retryRule(10*time.Minute, 30*time.Minute, 4, false))
	id := f.enroll(t, "contact-1")
	o := model.StagedOutcome{EnrollmentID: id, ProviderRef: "call-1", Status: "failed", Reason: "no_answer"}

	first, err := f.svc.LogSingleOutcomeAndAdvance(context.Background(), o)
	require.NoError(t, err)
	version := f.enrollment(t, id).Version

	f.clock.Advance(time.Minute)
	again, err := f.svc.LogSingleOutcomeAndAdvance(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, version, f.enrollment(t, id).Version)

	attempts, err := f.ledger.History(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestIngestConfigurationErrorMarksProcessed(t *testing.T) {
	f := newFixture(t, twoSteps())
	id := f.enroll(t, "contact-1")

	// The campaign loses its steps after enrollment.
	require.NoError(t, f.store.SaveCampaign(context.Background(), model.Campaign{ID: campaignID}))
	sid := stage(t, f, model.StagedOutcome{EnrollmentID: id, ProviderRef: "call-1", Status: "completed"})

	n, err := f.svc.IngestStagedOutcomes(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s := staged(t, f, sid)
	assert.True(t, s.Processed)
	assert.Contains(t, s.Note, "misconfigured")
}

type failingSource struct {
	campaignID string
}

func (f failingSource) Table(_ context.Context, campaignID string) (policy.Table, error) {
	if campaignID == f.campaignID {
		return policy.Table{}, errors.New("policy store unavailable")
	}
	return policy.Table{}, nil
}

func TestIngestTransientErrorLeavesRecordForRetry(t *testing.T) {
	f := newFixture(t, twoSteps())
	ctx := context.Background()
	require.NoError(t, f.store.SaveCampaign(ctx, model.Campaign{ID: "other", Steps: twoSteps()}))
	f.machine.Policies = policy.NewResolver(failingSource{campaignID: campaignID})

	bad := f.enroll(t, "contact-1")
	good, err := f.svc.EnrollContact(ctx, "other", "contact-2")
	require.NoError(t, err)

	badID := stage(t, f, model.StagedOutcome{EnrollmentID: bad, ProviderRef: "call-1", Status: "completed"})
	goodID := stage(t, f, model.StagedOutcome{EnrollmentID: good, ProviderRef: "call-2", Status: "completed"})

	n, err := f.svc.IngestStagedOutcomes(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s := staged(t, f, badID)
	assert.False(t, s.Processed)
	assert.Contains(t, s.Note, "policy store unavailable")
	assert.True(t, staged(t, f, goodID).Processed)

	// Leased until the TTL passes.
	n, err = f.svc.IngestStagedOutcomes(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.machine.Policies = policy.NewResolver(policy.StaticSource{})
	f.clock.Advance(2 * time.Minute)
	n, err = f.svc.IngestStagedOutcomes(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, staged(t, f, badID).Processed)
}

func TestIngestReplaysOutcomeWhoseTransitionWasNotSaved(t *testing.T) {
	f := newFixture(t, twoSteps(), connectedRule())
	ctx := context.Background()
	id := f.enroll(t, "contact-1")
	f.machine.StaleRetries = 1
	f.machine.Enrollments = &flakyEnrollments{EnrollmentRepositoryInterface: f.store, failures: 5}

	stagedID := stage(t, f, model.StagedOutcome{EnrollmentID: id, ProviderRef: "call-1", Status: "completed"})
	n, err := f.svc.IngestStagedOutcomes(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, staged(t, f, stagedID).Processed)

	// The attempt reached the ledger but the enrollment did not move.
	history, err := f.ledger.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	e := f.enrollment(t, id)
	assert.Equal(t, "voice-1", *e.CurrentStepID)
	assert.False(t, e.Applied(history[0].ID))

	f.machine.Enrollments = f.store
	f.clock.Advance(2 * time.Minute)
	n, err = f.svc.IngestStagedOutcomes(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, staged(t, f, stagedID).Processed)

	e = f.enrollment(t, id)
	assert.Equal(t, model.EnrollmentActive, e.Status)
	assert.Equal(t, "sms-2", *e.CurrentStepID)
	assert.Equal(t, history[0].ID, e.LastAttemptID)

	history, err = f.ledger.History(ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// Once applied, the same provider call is a plain duplicate.
	tr, err := f.machine.ApplyOutcome(ctx, id, &model.Attempt{Status: model.AttemptCompleted, ProviderRef: "call-1"})
	require.NoError(t, err)
	assert.Equal(t, service.TransitionDuplicate, tr.Kind)
	assert.Equal(t, "sms-2", *f.enrollment(t, id).CurrentStepID)
}

func TestIngestClosesRecordAfterMaxDeliveries(t *testing.T) {
	f := newFixture(t, twoSteps())
	ctx := context.Background()
	f.machine.Policies = policy.NewResolver(failingSource{campaignID: campaignID})
	f.ingester.MaxDeliveries = 2

	id := f.enroll(t, "contact-1")
	stagedID := stage(t, f, model.StagedOutcome{EnrollmentID: id, ProviderRef: "call-1", Status: "completed"})

	n, err := f.svc.IngestStagedOutcomes(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	s := staged(t, f, stagedID)
	assert.False(t, s.Processed)
	assert.Equal(t, 1, s.Deliveries)

	f.clock.Advance(2 * time.Minute)
	n, err = f.svc.IngestStagedOutcomes(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s = staged(t, f, stagedID)
	assert.True(t, s.Processed)
	assert.Equal(t, 2, s.Deliveries)
	assert.Contains(t, s.Note, "gave up after 2 deliveries")
	assert.Contains(t, s.Note, "policy store unavailable")
	assert.Equal(t, "voice-1", *f.enrollment(t, id).CurrentStepID)

	// Closed records are never claimed again.
	f.clock.Advance(2 * time.Minute)
	n, err = f.svc.IngestStagedOutcomes(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcurrentIngestersProcessEachOutcomeOnce(t *testing.T) {
	f := newFixture(t, twoSteps(), retryRule(time.Minute, time.Minute, 4, false))
	ctx := context.Background()

	const enrollments, perEnrollment = 5, 10
	ids := make([]string, enrollments)
	for i := range ids {
		ids[i] = f.enroll(t, fmt.Sprintf("contact-%d", i))
	}
	for n := 0; n < perEnrollment; n++ {
		for _, id := range ids {
			stage(t, f, model.StagedOutcome{EnrollmentID: id, ProviderRef: fmt.Sprintf("%s-call-%d", id, n), Status: "failed", Reason: "busy"})
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for w := 0; w < 3; w++ {
		in := *f.ingester
		in.Owner = fmt.Sprintf("worker-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				n, err := in.Ingest(ctx, 7)
				if !assert.NoError(t, err) || n == 0 {
					return
				}
				mu.Lock()
				total += n
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, enrollments*perEnrollment, total)
	for _, id := range ids {
		n, err := f.ledger.CountFor(ctx, id, "voice-1", model.ChannelVoice)
		require.NoError(t, err)
		assert.Equal(t, perEnrollment, n)
		assert.Equal(t, perEnrollment, f.enrollment(t, id).Version)
	}
}
