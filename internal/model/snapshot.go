// internal/model/snapshot.go
package model

import "time"

type DeliveryState string

const (
	DeliveryPolicyDenied DeliveryState = "policy_denied"
	DeliveryTimeout      DeliveryState = "timeout"
	DeliveryFailed       DeliveryState = "failed"
	DeliveryDelivered    DeliveryState = "delivered"
	DeliverySent         DeliveryState = "sent"
	DeliveryQueued       DeliveryState = "queued"
)

// StateSnapshot is the derived delivery state of one enrollment.
type StateSnapshot struct {
	EnrollmentID string        `db:"enrollment_id" json:"enrollment_id"`
	State        DeliveryState `db:"delivery_state" json:"delivery_state"`
	AttemptID    *int64        `db:"attempt_id" json:"attempt_id,omitempty"`
	LastEventAt  *time.Time    `db:"last_event_at" json:"last_event_at,omitempty"`
	RefreshedAt  time.Time     `db:"refreshed_at" json:"refreshed_at"`
}
