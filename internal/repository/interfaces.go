package repository

import (
	"context"
	"time"

	"github.com/unclebandit/smsleopard-outreach/internal/model"
)

type StepRepositoryInterface interface {
	// ListSteps returns the campaign's steps ordered by OrderIndex.
	ListSteps(ctx context.Context, campaignID string) ([]model.Step, error)
}

type EnrollmentRepositoryInterface interface {
	// GetEnrollment returns nil, nil when the id is unknown.
	GetEnrollment(ctx context.Context, id string) (*model.Enrollment, error)
	FindActiveEnrollment(ctx context.Context, contactID, campaignID string) (*model.Enrollment, error)
	// CreateEnrollment inserts e and marks any active enrollment of the same
	// contact in the same campaign as switched. It returns the switched ids.
	CreateEnrollment(ctx context.Context, e *model.Enrollment) ([]string, error)
	// UpdateEnrollment writes e only if the stored version still equals
	// e.Version, then bumps e.Version. A lost race yields ErrStaleEnrollment.
	UpdateEnrollment(ctx context.Context, e *model.Enrollment) error
	EnrollmentHistory(ctx context.Context, contactID, campaignID string) (model.EnrollmentHistory, error)
	ListEnrollmentIDs(ctx context.Context) ([]string, error)
}

type AttemptRepositoryInterface interface {
	// InsertAttempt stores a and sets a.ID. inserted is false when an attempt
	// with the same (provider_ref, direction) already exists.
	InsertAttempt(ctx context.Context, a *model.Attempt) (inserted bool, err error)
	LatestAttempt(ctx context.Context, enrollmentID string) (*model.Attempt, error)
	// LatestAttempts returns the latest attempt of every enrollment that has one.
	LatestAttempts(ctx context.Context) (map[string]*model.Attempt, error)
	// CountAttempts counts attempts for (enrollment, step, channel). An empty
	// statuses slice counts every status.
	CountAttempts(ctx context.Context, enrollmentID, stepID string, ch model.Channel, statuses ...model.AttemptStatus) (int, error)
	FirstAttempt(ctx context.Context, enrollmentID, stepID string, ch model.Channel) (*model.Attempt, error)
	ListAttempts(ctx context.Context, enrollmentID string) ([]model.Attempt, error)
}

type PolicyRepositoryInterface interface {
	// PolicyRules returns the global rules and the rules scoped to campaignID.
	PolicyRules(ctx context.Context, campaignID string) (global, campaign []model.PolicyRule, err error)
}

type StagingRepositoryInterface interface {
	// StageOutcome inserts s unless a record with the same provider_ref and
	// direction exists, in which case the existing id is returned.
	StageOutcome(ctx context.Context, s *model.StagedOutcome) (id int64, created bool, err error)
	// ClaimStaged leases up to limit claimable records, oldest first.
	ClaimStaged(ctx context.Context, owner string, limit int, now time.Time, ttl time.Duration) ([]model.StagedOutcome, error)
	ClaimStagedByID(ctx context.Context, id int64, owner string, now time.Time, ttl time.Duration) (*model.StagedOutcome, error)
	// MarkProcessed is idempotent.
	MarkProcessed(ctx context.Context, id int64, note string, at time.Time) error
	// AnnotateStaged records note on an unprocessed record and leaves its
	// lease to expire so another worker can retry it.
	AnnotateStaged(ctx context.Context, id int64, note string) error
	GetStaged(ctx context.Context, id int64) (*model.StagedOutcome, error)
}

type SnapshotRepositoryInterface interface {
	// ReplaceSnapshots swaps the whole view in one step.
	ReplaceSnapshots(ctx context.Context, snaps []model.StateSnapshot) error
	UpsertSnapshot(ctx context.Context, snap model.StateSnapshot) error
	GetSnapshot(ctx context.Context, enrollmentID string) (*model.StateSnapshot, error)
}

// Store bundles every repository the engine needs.
type Store interface {
	StepRepositoryInterface
	EnrollmentRepositoryInterface
	AttemptRepositoryInterface
	PolicyRepositoryInterface
	StagingRepositoryInterface
	SnapshotRepositoryInterface
}
