package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/unclebandit/smsleopard-outreach/internal/catalog"
	appErrors "github.com/unclebandit/smsleopard-outreach/internal/errors"
	"github.com/unclebandit/smsleopard-outreach/internal/ledger"
	"github.com/unclebandit/smsleopard-outreach/internal/lock"
	"github.com/unclebandit/smsleopard-outreach/internal/logger"
	"github.com/unclebandit/smsleopard-outreach/internal/metrics"
	"github.com/unclebandit/smsleopard-outreach/internal/model"
	"github.com/unclebandit/smsleopard-outreach/internal/policy"
	"github.com/unclebandit/smsleopard-outreach/internal/queue"
	"github.com/unclebandit/smsleopard-outreach/internal/repository"
)

type TransitionKind string

const (
	TransitionNoop      TransitionKind = "noop"
	TransitionDuplicate TransitionKind = "duplicate"
	TransitionRetry     TransitionKind = "retry"
	TransitionAdvance   TransitionKind = "advance"
	TransitionComplete  TransitionKind = "complete"
)

// Transition describes what ApplyOutcome did to an enrollment.
type Transition struct {
	Kind         TransitionKind `json:"kind"`
	EnrollmentID string         `json:"enrollment_id"`
	AttemptID    int64          `json:"attempt_id,omitempty"`
	StepID       string         `json:"step_id,omitempty"`
	NextChannel  *model.Channel `json:"next_channel,omitempty"`
	NextRunAt    *time.Time     `json:"next_run_at,omitempty"`
	// PlannedAttemptID is set when a retry also scheduled an SMS.
	PlannedAttemptID *int64 `json:"planned_attempt_id,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

var terminalClassifications = map[string]bool{
	"booked":                true,
	"appointment_booked":    true,
	"appointment_confirmed": true,
	"cold":                  true,
	"not_interested":        true,
	"do_not_contact":        true,
	"dnc":                   true,
}

// IsTerminalClassification reports whether c ends the sequence.
func IsTerminalClassification(c string) bool {
	return terminalClassifications[strings.ToLower(strings.TrimSpace(c))]
}

// StateMachine decides, for one attempt outcome, whether an enrollment
// retries, advances or completes, and persists that decision.
type StateMachine struct {
	Enrollments repository.EnrollmentRepositoryInterface
	Catalog     *catalog.Catalog
	Ledger      *ledger.Ledger
	Policies    *policy.Resolver
	Locker      lock.Locker
	Outbox      queue.Queue
	Metrics     *metrics.Collector

	// Location is used for time-of-day alignment. Defaults to UTC.
	Location *time.Location
	// LockWait bounds how long ApplyOutcome waits for the enrollment lock.
	LockWait time.Duration
	// StaleRetries is how many times a lost version race is retried.
	StaleRetries int
	Now          func() time.Time
}

func (m *StateMachine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

func (m *StateMachine) location() *time.Location {
	if m.Location != nil {
		return m.Location
	}
	return time.UTC
}

// ApplyOutcome records attempt against the enrollment and applies the
// resulting transition. An absent or inactive enrollment is a no-op; a
// duplicate attempt changes nothing.
func (m *StateMachine) ApplyOutcome(ctx context.Context, enrollmentID string, attempt *model.Attempt) (Transition, error) {
	unlock, err := m.lock(ctx, lock.EnrollmentKey(enrollmentID))
	if err != nil {
		return Transition{}, err
	}
	defer unlock()

	tr := Transition{EnrollmentID: enrollmentID}
	e, err := m.Enrollments.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return tr, err
	}
	if !e.IsActive() {
		logger.Info("no active enrollment", "enrollment_id", enrollmentID)
		tr.Kind = TransitionNoop
		tr.Reason = "no active enrollment"
		m.Metrics.RecordTransition(string(tr.Kind))
		return tr, nil
	}

	step, err := m.currentStep(ctx, e)
	if err != nil {
		return tr, err
	}
	m.fillAttempt(e, step, attempt)
	// A failed policy lookup must leave the outcome replayable.
	p, err := m.policyFor(ctx, e.CampaignID, attempt)
	if err != nil {
		return tr, err
	}
	if attempt.AttemptNumber == 0 {
		if attempt.AttemptNumber, err = m.Ledger.NextAttemptNumber(ctx, e.ID, step.ID, attempt.Channel); err != nil {
			return tr, err
		}
	}

	res, err := m.Ledger.Record(ctx, attempt)
	if err != nil {
		return tr, err
	}
	tr.AttemptID = attempt.ID
	if res == ledger.Duplicate {
		replay, err := m.unapplied(ctx, e, attempt.ID)
		if err != nil {
			return tr, err
		}
		if !replay {
			tr.Kind = TransitionDuplicate
			m.Metrics.RecordTransition(string(tr.Kind))
			return tr, nil
		}
		logger.Warn("replaying unapplied attempt", "enrollment_id", enrollmentID, "attempt_id", attempt.ID)
	}

	for try := 0; ; try++ {
		tr, err = m.transition(ctx, e, step, attempt, p)
		if err == nil {
			break
		}
		if !errors.Is(err, appErrors.ErrStaleEnrollment) || try >= m.StaleRetries {
			return tr, err
		}
		logger.Warn("stale enrollment, reloading", "enrollment_id", enrollmentID, "try", try+1)
		if e, err = m.Enrollments.GetEnrollment(ctx, enrollmentID); err != nil {
			return tr, err
		}
		if !e.IsActive() {
			tr = Transition{Kind: TransitionNoop, EnrollmentID: enrollmentID, AttemptID: attempt.ID, Reason: "no active enrollment"}
			break
		}
		if step, err = m.currentStep(ctx, e); err != nil {
			return tr, err
		}
	}

	m.Metrics.RecordTransition(string(tr.Kind))
	logger.Info("enrollment transition",
		"enrollment_id", enrollmentID,
		"attempt_id", attempt.ID,
		"kind", tr.Kind,
		"step_id", tr.StepID,
		"next_run_at", tr.NextRunAt)
	return tr, nil
}

// unapplied reports whether attemptID is an outcome of e that reached the
// ledger without its transition being saved.
func (m *StateMachine) unapplied(ctx context.Context, e *model.Enrollment, attemptID int64) (bool, error) {
	if e.Applied(attemptID) {
		return false, nil
	}
	history, err := m.Ledger.History(ctx, e.ID)
	if err != nil {
		return false, err
	}
	for _, a := range history {
		if a.ID == attemptID {
			return a.Status != model.AttemptPlanned, nil
		}
	}
	return false, nil
}

func (m *StateMachine) lock(ctx context.Context, key string) (func(), error) {
	lockCtx := ctx
	if m.LockWait > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, m.LockWait)
		defer cancel()
	}
	unlock, err := m.Locker.Lock(lockCtx, key)
	if err != nil {
		if errors.Is(err, appErrors.ErrLockNotAcquired) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", appErrors.ErrLockNotAcquired, key, err)
	}
	return unlock, nil
}

// currentStep is the enrollment's current step, falling back to the entry
// step for an enrollment that has none yet.
func (m *StateMachine) currentStep(ctx context.Context, e *model.Enrollment) (model.Step, error) {
	if e.CurrentStepID == nil || *e.CurrentStepID == "" {
		return m.Catalog.EntryStep(ctx, e.CampaignID)
	}
	s, err := m.Catalog.Step(ctx, e.CampaignID, *e.CurrentStepID)
	if err != nil {
		return model.Step{}, err
	}
	return *s, nil
}

func (m *StateMachine) fillAttempt(e *model.Enrollment, step model.Step, a *model.Attempt) {
	a.EnrollmentID = e.ID
	a.CampaignID = e.CampaignID
	if a.StepID == "" {
		a.StepID = step.ID
	}
	if a.Channel == "" {
		a.Channel = step.Channel
	}
	if a.Direction == "" {
		a.Direction = model.DirectionOutbound
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}
}

// transition decides and persists the next state of e. e is mutated.
func (m *StateMachine) transition(ctx context.Context, e *model.Enrollment, step model.Step, a *model.Attempt, p model.RetryPolicy) (Transition, error) {
	now := m.now()
	tr := Transition{EnrollmentID: e.ID, AttemptID: a.ID}

	retry, failed, err := m.retryEligible(ctx, e, step, a, p, now)
	if err != nil {
		return tr, err
	}

	switch {
	case retry:
		delay := p.NextRetryDelay
		if failed <= 1 {
			delay = p.FirstRetryDelay
		}
		next := now.Add(delay)
		if p.AlignSameTime {
			first, err := m.Ledger.FirstFor(ctx, e.ID, step.ID, a.Channel)
			if err != nil {
				return tr, err
			}
			if first != nil {
				next = AlignToTimeOfDay(next, first.StartTime(), now, m.location())
			}
		}
		cur := step.ID
		e.CurrentStepID = &cur
		e.ScheduleNext(a.Channel, next)
		tr.Kind = TransitionRetry

	case IsTerminalClassification(a.Classification):
		e.Complete(now)
		tr.Kind = TransitionComplete
		tr.Reason = strings.ToLower(strings.TrimSpace(a.Classification))

	default:
		next, err := m.Catalog.NextStep(ctx, e.CampaignID, step.ID)
		if err != nil {
			return tr, err
		}
		if next == nil {
			e.Complete(now)
			tr.Kind = TransitionComplete
			tr.Reason = "steps exhausted"
		} else {
			e.MoveTo(*next, now)
			tr.Kind = TransitionAdvance
		}
	}

	e.LastAttemptID = a.ID
	if err := m.Enrollments.UpdateEnrollment(ctx, e); err != nil {
		return tr, err
	}
	if tr.Kind == TransitionRetry && p.RetryViaSMS {
		id, err := m.planSMS(ctx, e, step, now)
		if err != nil {
			logger.Error("plan retry sms failed", "enrollment_id", e.ID, "error", err)
		}
		tr.PlannedAttemptID = id
	}
	if e.CurrentStepID != nil {
		tr.StepID = *e.CurrentStepID
	}
	tr.NextChannel = e.NextChannel
	tr.NextRunAt = e.NextRunAt
	return tr, nil
}

func (m *StateMachine) policyFor(ctx context.Context, campaignID string, a *model.Attempt) (model.RetryPolicy, error) {
	status := a.OutcomeStatus
	if status == "" {
		status = string(a.Status)
	}
	return m.Policies.Resolve(ctx, campaignID, status, a.FailureReason)
}

// retryEligible applies the retry gate: policy says retry, the outcome is not
// a connection, the enrollment's retry window is still open and the step's
// retry limit is not used up. It also returns the failed attempt count on the
// step and channel.
func (m *StateMachine) retryEligible(ctx context.Context, e *model.Enrollment, step model.Step, a *model.Attempt, p model.RetryPolicy, now time.Time) (bool, int, error) {
	if p.IsConnected || !p.ShouldRetry {
		return false, 0, nil
	}
	if !now.Before(e.StartedAt.Add(p.MaxRetryWindow())) {
		return false, 0, nil
	}
	failed, err := m.Ledger.CountFor(ctx, e.ID, step.ID, a.Channel, model.AttemptFailed)
	if err != nil {
		return false, 0, err
	}
	if step.RetryLimit > 0 && failed > step.RetryLimit {
		return false, failed, nil
	}
	return true, failed, nil
}

// planSMS records a planned SMS attempt due now and publishes it. The ledger
// row is authoritative; a publish failure is only logged.
func (m *StateMachine) planSMS(ctx context.Context, e *model.Enrollment, current model.Step, now time.Time) (*int64, error) {
	stepID := current.ID
	if s, err := m.Catalog.FirstStepOnChannel(ctx, e.CampaignID, model.ChannelSMS); err != nil {
		return nil, err
	} else if s != nil {
		stepID = s.ID
	}
	return recordPlanned(ctx, m.Ledger, m.Outbox, m.Metrics, &model.Attempt{
		EnrollmentID: e.ID,
		CampaignID:   e.CampaignID,
		StepID:       stepID,
		Channel:      model.ChannelSMS,
		Status:       model.AttemptPlanned,
		Direction:    model.DirectionOutbound,
		ScheduledAt:  &now,
		CreatedAt:    now,
	})
}

func recordPlanned(ctx context.Context, l *ledger.Ledger, outbox queue.Queue, mc *metrics.Collector, a *model.Attempt) (*int64, error) {
	n, err := l.NextAttemptNumber(ctx, a.EnrollmentID, a.StepID, a.Channel)
	if err != nil {
		return nil, err
	}
	a.AttemptNumber = n
	if _, err := l.Record(ctx, a); err != nil {
		return nil, err
	}
	mc.RecordPlannedAttempt(string(a.Channel))
	if outbox != nil {
		if err := outbox.Publish(queue.TopicPlannedAttempts, queue.NewPlannedAttemptMessage(a)); err != nil {
			logger.Warn("publish planned attempt failed", "attempt_id", a.ID, "error", err)
		}
	}
	id := a.ID
	return &id, nil
}

// AlignToTimeOfDay moves next onto the wall clock time of anchor, in loc,
// keeping next's date. A result before now is pushed forward a day.
func AlignToTimeOfDay(next, anchor, now time.Time, loc *time.Location) time.Time {
	n := next.In(loc)
	a := anchor.In(loc)
	aligned := time.Date(n.Year(), n.Month(), n.Day(), a.Hour(), a.Minute(), a.Second(), 0, loc)
	for aligned.Before(now) {
		aligned = aligned.AddDate(0, 0, 1)
	}
	return aligned.UTC()
}
