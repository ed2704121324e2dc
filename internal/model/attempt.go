// internal/model/attempt.go
package model

import (
	"strings"
	"time"
)

type AttemptStatus string

const (
	AttemptPlanned    AttemptStatus = "planned"
	AttemptPending    AttemptStatus = "pending"
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptFailed     AttemptStatus = "failed"
	AttemptCancelled  AttemptStatus = "cancelled"
	AttemptSkipped    AttemptStatus = "skipped"
)

// ParseAttemptStatus maps a provider call/message status onto the ledger's
// status set. Anything that reads as a failed delivery becomes failed.
func ParseAttemptStatus(s string) AttemptStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "complete", "delivered", "answered", "success", "sent_and_delivered":
		return AttemptCompleted
	case "failed", "failure", "no_answer", "no-answer", "busy", "voicemail", "undelivered", "bounced", "error", "canceled_by_provider":
		return AttemptFailed
	case "in_progress", "in-progress", "ringing", "sent", "queued_at_provider":
		return AttemptInProgress
	case "planned":
		return AttemptPlanned
	case "cancelled", "canceled":
		return AttemptCancelled
	case "skipped":
		return AttemptSkipped
	default:
		return AttemptPending
	}
}

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

func ParseDirection(s string) Direction {
	if strings.EqualFold(strings.TrimSpace(s), string(DirectionInbound)) {
		return DirectionInbound
	}
	return DirectionOutbound
}

// Result payload keys the snapshot projector looks at.
const (
	ResultPolicyDenied = "policy_denied"
	ResultTimeout      = "timeout"
)

// Attempt is one outreach action, or its outcome, on a given step and channel.
type Attempt struct {
	ID              int64          `db:"id" json:"id"`
	EnrollmentID    string         `db:"enrollment_id" json:"enrollment_id"`
	CampaignID      string         `db:"campaign_id" json:"campaign_id"`
	StepID          string         `db:"step_id" json:"step_id"`
	Channel         Channel        `db:"channel" json:"channel"`
	Status          AttemptStatus  `db:"status" json:"status"`
	AttemptNumber   int            `db:"attempt_number" json:"attempt_number"`
	ProviderRef     string         `db:"provider_ref" json:"provider_ref,omitempty"`
	Direction       Direction      `db:"direction" json:"direction"`
	OutcomeStatus   string         `db:"outcome_status" json:"outcome_status,omitempty"`
	FailureReason   string         `db:"failure_reason" json:"failure_reason,omitempty"`
	Classification  string         `db:"classification" json:"classification,omitempty"`
	ResultSummary   string         `db:"result_summary" json:"result_summary,omitempty"`
	Result          map[string]any `db:"result_payload" json:"result,omitempty"`
	Content         string         `db:"content" json:"content,omitempty"`
	DurationSeconds int            `db:"duration_seconds" json:"duration_seconds,omitempty"`
	RecordingURL    string         `db:"recording_url" json:"recording_url,omitempty"`
	Transcript      string         `db:"transcript" json:"transcript,omitempty"`
	ScheduledAt     *time.Time     `db:"scheduled_at" json:"scheduled_at,omitempty"`
	StartedAt       *time.Time     `db:"started_at" json:"started_at,omitempty"`
	SentAt          *time.Time     `db:"sent_at" json:"sent_at,omitempty"`
	CompletedAt     *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
}

// HasIdempotencyKey reports whether the attempt carries a provider reference.
// Planned attempts have none and are never de-duplicated.
func (a *Attempt) HasIdempotencyKey() bool {
	return strings.TrimSpace(a.ProviderRef) != ""
}

// ResultFlag reads a boolean flag from the result payload. String values
// "true"/"1" count as set, as some providers post form-encoded payloads.
func (a *Attempt) ResultFlag(key string) bool {
	if a == nil || a.Result == nil {
		return false
	}
	switch v := a.Result[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

// EventTime is the most recent of the attempt's timestamps.
func (a *Attempt) EventTime() time.Time {
	t := a.CreatedAt
	for _, c := range []*time.Time{a.ScheduledAt, a.StartedAt, a.CompletedAt} {
		if c != nil && c.After(t) {
			t = *c
		}
	}
	return t
}

// IsLaterThan orders attempts for "latest" selection: most recent event time
// first, then highest id.
func (a *Attempt) IsLaterThan(b *Attempt) bool {
	if b == nil {
		return true
	}
	at, bt := a.EventTime(), b.EventTime()
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return a.ID > b.ID
}

// StartTime is when the attempt began: started, else sent, else scheduled,
// else created.
func (a *Attempt) StartTime() time.Time {
	for _, c := range []*time.Time{a.StartedAt, a.SentAt, a.ScheduledAt} {
		if c != nil {
			return *c
		}
	}
	return a.CreatedAt
}
