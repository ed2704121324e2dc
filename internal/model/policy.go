// internal/model/policy.go
package model

import (
	"strings"
	"time"
)

// Wildcard matches any status or failure reason in a PolicyKey.
const Wildcard = "*"

// PolicyKey identifies the outcome a policy rule applies to.
type PolicyKey struct {
	Status string `yaml:"status" json:"status"`
	Reason string `yaml:"reason" json:"reason"`
}

func NewPolicyKey(status, reason string) PolicyKey {
	return PolicyKey{Status: normalizeKeyPart(status), Reason: normalizeKeyPart(reason)}
}

func normalizeKeyPart(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Wildcard
	}
	return s
}

// Specificity scores how well the rule key k matches the outcome o.
// 0 means no match; exact/exact scores 4, exact/* 3, */exact 2, */* 1.
func (k PolicyKey) Specificity(o PolicyKey) int {
	k = NewPolicyKey(k.Status, k.Reason)
	statusExact := k.Status != Wildcard && k.Status == o.Status
	reasonExact := k.Reason != Wildcard && k.Reason == o.Reason
	statusOK := statusExact || k.Status == Wildcard
	reasonOK := reasonExact || k.Reason == Wildcard
	if !statusOK || !reasonOK {
		return 0
	}
	switch {
	case statusExact && reasonExact:
		return 4
	case statusExact:
		return 3
	case reasonExact:
		return 2
	default:
		return 1
	}
}

// PolicyRule is one row of a policy table. Nil fields defer to the next
// layer (campaign, then global, then the safe default).
type PolicyRule struct {
	CampaignID      string         `yaml:"-" json:"campaign_id,omitempty"`
	Key             PolicyKey      `yaml:",inline" json:"key"`
	IsConnected     *bool          `yaml:"is_connected" json:"is_connected,omitempty"`
	ShouldRetry     *bool          `yaml:"should_retry" json:"should_retry,omitempty"`
	RetryViaSMS     *bool          `yaml:"retry_sms" json:"retry_sms,omitempty"`
	FirstRetryDelay *time.Duration `yaml:"first_retry_delay" json:"first_retry_delay,omitempty"`
	NextRetryDelay  *time.Duration `yaml:"next_retry_delay" json:"next_retry_delay,omitempty"`
	MaxRetryDays    *int           `yaml:"max_retry_days" json:"max_retry_days,omitempty"`
	AlignSameTime   *bool          `yaml:"align_same_time" json:"align_same_time,omitempty"`
}

// RetryPolicy is a fully populated policy.
type RetryPolicy struct {
	IsConnected     bool          `json:"is_connected"`
	ShouldRetry     bool          `json:"should_retry"`
	RetryViaSMS     bool          `json:"retry_sms"`
	FirstRetryDelay time.Duration `json:"first_retry_delay"`
	NextRetryDelay  time.Duration `json:"next_retry_delay"`
	MaxRetryDays    int           `json:"max_retry_days"`
	AlignSameTime   bool          `json:"align_same_time"`
}

// MaxRetryWindow is the retry window measured from the enrollment start.
func (p RetryPolicy) MaxRetryWindow() time.Duration {
	return time.Duration(p.MaxRetryDays) * 24 * time.Hour
}

// SafeDefaultPolicy applies when neither a campaign nor a global rule sets a field.
func SafeDefaultPolicy() RetryPolicy {
	return RetryPolicy{
		IsConnected:     false,
		ShouldRetry:     false,
		RetryViaSMS:     false,
		FirstRetryDelay: 24 * time.Hour,
		NextRetryDelay:  24 * time.Hour,
		MaxRetryDays:    4,
		AlignSameTime:   true,
	}
}
