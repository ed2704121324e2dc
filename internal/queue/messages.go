package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/unclebandit/smsleopard-outreach/internal/model"
)

// PlannedAttemptMessage tells a channel sender that an attempt is due.
type PlannedAttemptMessage struct {
	AttemptID    int64         `json:"attempt_id"`
	EnrollmentID string        `json:"enrollment_id"`
	CampaignID   string        `json:"campaign_id"`
	StepID       string        `json:"step_id"`
	Channel      model.Channel `json:"channel"`
	Content      string        `json:"content,omitempty"`
	ScheduledAt  time.Time     `json:"scheduled_at"`
}

func NewPlannedAttemptMessage(a *model.Attempt) PlannedAttemptMessage {
	msg := PlannedAttemptMessage{
		AttemptID:    a.ID,
		EnrollmentID: a.EnrollmentID,
		CampaignID:   a.CampaignID,
		StepID:       a.StepID,
		Channel:      a.Channel,
		Content:      a.Content,
		ScheduledAt:  a.CreatedAt,
	}
	if a.ScheduledAt != nil {
		msg.ScheduledAt = *a.ScheduledAt
	}
	return msg
}

// DecodePlannedAttempt accepts the typed message (in-process delivery) or its
// JSON encoding (broker delivery).
func DecodePlannedAttempt(payload any) (PlannedAttemptMessage, error) {
	var msg PlannedAttemptMessage
	switch v := payload.(type) {
	case PlannedAttemptMessage:
		return v, nil
	case *PlannedAttemptMessage:
		return *v, nil
	case []byte:
		if err := json.Unmarshal(v, &msg); err != nil {
			return msg, fmt.Errorf("decode planned attempt: %w", err)
		}
		return msg, nil
	}
	return msg, fmt.Errorf("decode planned attempt: unexpected payload %T", payload)
}

// DecodeStagedOutcome accepts a StagedOutcome value or its JSON encoding.
func DecodeStagedOutcome(payload any) (model.StagedOutcome, error) {
	var o model.StagedOutcome
	switch v := payload.(type) {
	case model.StagedOutcome:
		return v, nil
	case *model.StagedOutcome:
		return *v, nil
	case []byte:
		if err := json.Unmarshal(v, &o); err != nil {
			return o, fmt.Errorf("decode staged outcome: %w", err)
		}
		return o, nil
	}
	return o, fmt.Errorf("decode staged outcome: unexpected payload %T", payload)
}
