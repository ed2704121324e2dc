package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsleopard-outreach/internal/catalog"
	"github.com/unclebandit/smsleopard-outreach/internal/ledger"
	"github.com/unclebandit/smsleopard-outreach/internal/lock"
	"github.com/unclebandit/smsleopard-outreach/internal/model"
	"github.com/unclebandit/smsleopard-outreach/internal/policy"
	"github.com/unclebandit/smsleopard-outreach/internal/queue"
	"github.com/unclebandit/smsleopard-outreach/internal/repository/memory"
	"github.com/unclebandit/smsleopard-outreach/internal/service"
)

const campaignID = "camp-1"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store     *memory.Store
	clock     *fakeClock
	ledger    *ledger.Ledger
	machine   *service.StateMachine
	ingester  *service.Ingester
	projector *service.Projector
	svc       *service.OutreachService
	outbox    *queue.InMemoryQueue
	planned   chan queue.PlannedAttemptMessage
}

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func twoSteps() []model.Step {
	return []model.Step{
		{ID: "voice-1", OrderIndex: 1, Channel: model.ChannelVoice},
		{ID: "sms-2", OrderIndex: 2, Channel: model.ChannelSMS, Delay: 48 * time.Hour},
	}
}

func newFixture(t *testing.T, steps []model.Step, rules ...model.PolicyRule) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	if steps != nil {
		require.NoError(t, store.SaveCampaign(ctx, model.Campaign{ID: campaignID, Steps: steps}))
	}

	f := &fixture{
		store:   store,
		clock:   &fakeClock{t: t0},
		outbox:  queue.NewInMemoryQueue(),
		planned: make(chan queue.PlannedAttemptMessage, 64),
	}
	f.outbox.Backoff = time.Millisecond
	require.NoError(t, queue.StartPlannedAttemptSubscriber(f.outbox, func(m queue.PlannedAttemptMessage) error {
		f.planned <- m
		return nil
	}))

	cat := catalog.New(store)
	f.ledger = ledger.New(store, nil)
	locker := lock.NewKeyedMutex()
	f.machine = &service.StateMachine{
		Enrollments:  store,
		Catalog:      cat,
		Ledger:       f.ledger,
		Policies:     policy.NewResolver(policy.StaticSource{Global: rules}),
		Locker:       locker,
		Outbox:       f.outbox,
		StaleRetries: 3,
		Now:          f.clock.Now,
	}
	f.projector = &service.Projector{Enrollments: store, Ledger: f.ledger, Snapshots: store, Now: f.clock.Now}
	f.ingester = &service.Ingester{
		Staging:     store,
		Enrollments: store,
		Machine:     f.machine,
		Projector:   f.projector,
		Owner:       "test-worker",
		LeaseTTL:    time.Minute,
		Now:         f.clock.Now,
	}
	f.svc = &service.OutreachService{
		Enrollments: store,
		Staging:     store,
		Snapshots:   store,
		Catalog:     cat,
		Ledger:      f.ledger,
		Machine:     f.machine,
		Ingester:    f.ingester,
		Projector:   f.projector,
		Locker:      locker,
		Outbox:      f.outbox,
		Now:         f.clock.Now,
	}
	return f
}

func (f *fixture) enroll(t *testing.T, contactID string) string {
	t.Helper()
	id, err := f.svc.EnrollContact(context.Background(), campaignID, contactID)
	require.NoError(t, err)
	return id
}

func (f *fixture) enrollment(t *testing.T, id string) *model.Enrollment {
	t.Helper()
	e, err := f.store.GetEnrollment(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, e)
	return e
}

func (f *fixture) outcome(t *testing.T, enrollmentID, ref, status, reason string) {
	t.Helper()
	_, err := f.svc.LogSingleOutcomeAndAdvance(context.Background(), model.StagedOutcome{
		EnrollmentID: enrollmentID,
		ProviderRef:  ref,
		Status:       status,
		Reason:       reason,
	})
	require.NoError(t, err)
}

func bp(v bool) *bool                   { return &v }
func dp(v time.Duration) *time.Duration { return &v }
func ip(v int) *int                     { return &v }

// retryRule retries failed outcomes with the given delays and window.
func retryRule(first, next time.Duration, days int, align bool) model.PolicyRule {
	return model.PolicyRule{
		Key:             model.NewPolicyKey("failed", "*"),
		IsConnected:     bp(false),
		ShouldRetry:     bp(true),
		FirstRetryDelay: dp(first),
		NextRetryDelay:  dp(next),
		MaxRetryDays:    ip(days),
		AlignSameTime:   bp(align),
	}
}

func connectedRule() model.PolicyRule {
	return model.PolicyRule{Key: model.NewPolicyKey("completed", "*"), IsConnected: bp(true)}
}
