// internal/model/staged_outcome.go
package model

import "time"

// StagedOutcome is a raw provider result waiting to be ingested. Either
// EnrollmentID or the (ContactID, CampaignID) pair identifies the owner.
type StagedOutcome struct {
	ID              int64          `db:"id" json:"id"`
	EnrollmentID    string         `db:"enrollment_id" json:"enrollment_id,omitempty"`
	ContactID       string         `db:"contact_id" json:"contact_id,omitempty"`
	CampaignID      string         `db:"campaign_id" json:"campaign_id,omitempty"`
	ProviderRef     string         `db:"provider_ref" json:"provider_ref,omitempty"`
	Direction       string         `db:"direction" json:"direction,omitempty"`
	Channel         string         `db:"channel" json:"channel,omitempty"`
	Status          string         `db:"status" json:"status"`
	Reason          string         `db:"end_reason" json:"end_reason,omitempty"`
	DurationSeconds int            `db:"duration_seconds" json:"duration_seconds,omitempty"`
	RecordingURL    string         `db:"recording_url" json:"recording_url,omitempty"`
	Transcript      string         `db:"transcript" json:"transcript,omitempty"`
	Classification  string         `db:"classification" json:"classification,omitempty"`
	Result          map[string]any `db:"result_payload" json:"result,omitempty"`
	OccurredAt      *time.Time     `db:"occurred_at" json:"occurred_at,omitempty"`
	Processed       bool           `db:"processed" json:"processed"`
	ProcessedAt     *time.Time     `db:"processed_at" json:"processed_at,omitempty"`
	Note            string         `db:"note" json:"note,omitempty"`
	LeaseOwner      string         `db:"lease_owner" json:"-"`
	LeaseExpiresAt  *time.Time     `db:"lease_expires_at" json:"-"`
	Deliveries      int            `db:"deliveries" json:"deliveries,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
}

// Claimable reports whether the record can be leased at now: unprocessed and
// either never leased or holding an expired lease.
func (s *StagedOutcome) Claimable(now time.Time) bool {
	if s.Processed {
		return false
	}
	return s.LeaseExpiresAt == nil || !s.LeaseExpiresAt.After(now)
}
