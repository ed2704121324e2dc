// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

var (
	// ErrEnrollmentNotFound means no enrollment (or no active one) owns an outcome.
	ErrEnrollmentNotFound = errors.New("no active enrollment")
	// ErrStaleEnrollment means a conditional update lost against a concurrent writer.
	ErrStaleEnrollment = errors.New("enrollment was modified concurrently")
	// ErrLockNotAcquired means the per-enrollment lock could not be taken in time.
	ErrLockNotAcquired = errors.New("enrollment lock not acquired")
	// ErrStagedNotFound means a staged outcome id does not exist.
	ErrStagedNotFound = errors.New("staged outcome not found")
	// ErrStagedAlreadyClaimed means the staged outcome is processed or leased by another worker.
	ErrStagedAlreadyClaimed = errors.New("staged outcome already claimed")
	// ErrInvalidRequest means caller input is missing or malformed.
	ErrInvalidRequest = errors.New("invalid request")
)

// ConfigurationError is fatal for the operation that hit it: the campaign's
// step catalog cannot answer the question asked of it.
type ConfigurationError struct {
	CampaignID string
	Reason     string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("campaign %s misconfigured: %s", e.CampaignID, e.Reason)
}

// NewConfigurationError builds a ConfigurationError for campaignID.
func NewConfigurationError(campaignID, reason string) error {
	return &ConfigurationError{CampaignID: campaignID, Reason: reason}
}

// NewNoStepsError reports a campaign without any steps.
func NewNoStepsError(campaignID string) error {
	return NewConfigurationError(campaignID, "campaign has no steps")
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
