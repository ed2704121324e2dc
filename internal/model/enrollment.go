// internal/model/enrollment.go
package model

import (
	"fmt"
	"time"
)

type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentPaused    EnrollmentStatus = "paused"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentSwitched  EnrollmentStatus = "switched"
	EnrollmentCancelled EnrollmentStatus = "cancelled"
)

// Enrollment is one contact progressing through one campaign's steps.
// Version is bumped on every successful update and guards concurrent writers.
type Enrollment struct {
	ID            string           `db:"id" json:"id"`
	ContactID     string           `db:"contact_id" json:"contact_id"`
	CampaignID    string           `db:"campaign_id" json:"campaign_id"`
	Status        EnrollmentStatus `db:"status" json:"status"`
	CurrentStepID *string          `db:"current_step_id" json:"current_step_id,omitempty"`
	NextChannel   *Channel         `db:"next_channel" json:"next_channel,omitempty"`
	NextRunAt     *time.Time       `db:"next_run_at" json:"next_run_at,omitempty"`
	StartedAt     time.Time        `db:"started_at" json:"started_at"`
	EndedAt       *time.Time       `db:"ended_at" json:"ended_at,omitempty"`
	Version       int              `db:"version" json:"version"`
	UpdatedAt     time.Time        `db:"updated_at" json:"updated_at"`
	// LastAttemptID is the newest outcome attempt whose transition was saved.
	LastAttemptID int64 `db:"last_attempt_id" json:"last_attempt_id,omitempty"`
}

// Applied reports whether the outcome attempt id has already moved e.
func (e *Enrollment) Applied(attemptID int64) bool {
	return attemptID <= e.LastAttemptID
}

func (e *Enrollment) IsActive() bool {
	return e != nil && e.Status == EnrollmentActive
}

// Complete ends the sequence and clears the pending action.
func (e *Enrollment) Complete(at time.Time) {
	e.Status = EnrollmentCompleted
	e.CurrentStepID = nil
	e.NextChannel = nil
	e.NextRunAt = nil
	e.EndedAt = &at
}

// ScheduleNext sets the pending action without changing the current step.
func (e *Enrollment) ScheduleNext(ch Channel, at time.Time) {
	e.NextChannel = &ch
	e.NextRunAt = &at
}

// MoveTo puts the enrollment on step s and schedules it after the step delay.
func (e *Enrollment) MoveTo(s Step, now time.Time) {
	id := s.ID
	e.CurrentStepID = &id
	e.ScheduleNext(s.Channel, now.Add(s.Delay))
}

// EnrollmentHistory is the append-only list of enrollments a contact has had
// in one campaign, oldest first. Each entry is superseded by the one after it.
type EnrollmentHistory struct {
	ContactID  string       `json:"contact_id"`
	CampaignID string       `json:"campaign_id"`
	Entries    []Enrollment `json:"entries"`
}

// SwitchedTo returns the enrollment that superseded id, if any.
func (h EnrollmentHistory) SwitchedTo(id string) (string, bool) {
	for i, e := range h.Entries {
		if e.ID != id {
			continue
		}
		if i+1 < len(h.Entries) && e.Status == EnrollmentSwitched {
			return h.Entries[i+1].ID, true
		}
		return "", false
	}
	return "", false
}

// Active returns the single active entry, or nil.
func (h EnrollmentHistory) Active() *Enrollment {
	for i := range h.Entries {
		if h.Entries[i].Status == EnrollmentActive {
			return &h.Entries[i]
		}
	}
	return nil
}

// Validate checks the supersession chain: ids are unique, at most one entry is
// active and only the last entry may be, and every earlier entry that was
// closed by a newer one is marked switched or terminal.
func (h EnrollmentHistory) Validate() error {
	seen := make(map[string]bool, len(h.Entries))
	for i, e := range h.Entries {
		if seen[e.ID] {
			return fmt.Errorf("enrollment %s appears twice in history", e.ID)
		}
		seen[e.ID] = true
		if e.Status == EnrollmentActive && i != len(h.Entries)-1 {
			return fmt.Errorf("enrollment %s is active but superseded", e.ID)
		}
		if i > 0 && h.Entries[i-1].StartedAt.After(e.StartedAt) {
			return fmt.Errorf("enrollment %s starts before its predecessor", e.ID)
		}
	}
	return nil
}
