package queue

import (
	"context"

	"github.com/unclebandit/smsleopard-outreach/internal/logger"
	"github.com/unclebandit/smsleopard-outreach/internal/model"
)

// OutcomeStager writes a provider result to the staging area.
type OutcomeStager interface {
	StageOutcome(ctx context.Context, o model.StagedOutcome) (int64, error)
}

// StartStagedOutcomeSubscriber stages every outcome message received on
// TopicStagedOutcomes. Malformed messages are dropped; staging failures are
// returned so the queue retries them.
func StartStagedOutcomeSubscriber(ctx context.Context, q Queue, stager OutcomeStager) error {
	return q.Subscribe(TopicStagedOutcomes, func(payload any) error {
		o, err := DecodeStagedOutcome(payload)
		if err != nil {
			logger.Warn("dropping malformed outcome message", "error", err)
			return nil
		}
		id, err := stager.StageOutcome(ctx, o)
		if err != nil {
			return err
		}
		logger.Debug("outcome staged from queue", "staging_id", id, "provider_ref", o.ProviderRef)
		return nil
	})
}

// Dispatcher hands a due attempt to a channel sender.
type Dispatcher func(msg PlannedAttemptMessage) error

// LogDispatcher only logs planned attempts; delivery happens outside the engine.
func LogDispatcher(msg PlannedAttemptMessage) error {
	logger.Info("planned attempt ready",
		"attempt_id", msg.AttemptID,
		"enrollment_id", msg.EnrollmentID,
		"channel", msg.Channel,
		"scheduled_at", msg.ScheduledAt)
	return nil
}

// StartPlannedAttemptSubscriber feeds TopicPlannedAttempts into dispatch.
func StartPlannedAttemptSubscriber(q Queue, dispatch Dispatcher) error {
	return q.Subscribe(TopicPlannedAttempts, func(payload any) error {
		msg, err := DecodePlannedAttempt(payload)
		if err != nil {
			logger.Warn("dropping malformed planned attempt", "error", err)
			return nil
		}
		return dispatch(msg)
	})
}
