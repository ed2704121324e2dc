// Package ledger is the append-only record of outreach attempts.
package ledger

import (
	"context"
	"fmt"

	"github.com/unclebandit/smsleopard-outreach/internal/logger"
	"github.com/unclebandit/smsleopard-outreach/internal/metrics"
	"github.com/unclebandit/smsleopard-outreach/internal/model"
	"github.com/unclebandit/smsleopard-outreach/internal/repository"
)

// Result tells whether Record stored a new attempt.
type Result int

const (
	Recorded Result = iota
	Duplicate
)

func (r Result) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "recorded"
}

type Ledger struct {
	repo    repository.AttemptRepositoryInterface
	metrics *metrics.Collector
}

func New(repo repository.AttemptRepositoryInterface, m *metrics.Collector) *Ledger {
	return &Ledger{repo: repo, metrics: m}
}

// Record appends a. An attempt whose (ProviderRef, Direction) is already in
// the ledger is a Duplicate and leaves the ledger unchanged; a.ID is set to
// the stored attempt either way.
func (l *Ledger) Record(ctx context.Context, a *model.Attempt) (Result, error) {
	inserted, err := l.repo.InsertAttempt(ctx, a)
	if err != nil {
		return Recorded, fmt.Errorf("record attempt: %w", err)
	}
	l.metrics.RecordAttempt(!inserted)
	if !inserted {
		logger.Debug("duplicate attempt ignored",
			"enrollment_id", a.EnrollmentID, "provider_ref", a.ProviderRef, "direction", a.Direction)
		return Duplicate, nil
	}
	return Recorded, nil
}

// LatestFor returns the enrollment's most recent attempt, or nil.
func (l *Ledger) LatestFor(ctx context.Context, enrollmentID string) (*model.Attempt, error) {
	return l.repo.LatestAttempt(ctx, enrollmentID)
}

// LatestForAll returns the latest attempt of every enrollment with attempts.
func (l *Ledger) LatestForAll(ctx context.Context) (map[string]*model.Attempt, error) {
	return l.repo.LatestAttempts(ctx)
}

// CountFor counts attempts on (enrollment, step, channel), optionally only
// those in statuses.
func (l *Ledger) CountFor(ctx context.Context, enrollmentID, stepID string, ch model.Channel, statuses ...model.AttemptStatus) (int, error) {
	return l.repo.CountAttempts(ctx, enrollmentID, stepID, ch, statuses...)
}

// FirstFor returns the first attempt on (enrollment, step, channel), or nil.
func (l *Ledger) FirstFor(ctx context.Context, enrollmentID, stepID string, ch model.Channel) (*model.Attempt, error) {
	return l.repo.FirstAttempt(ctx, enrollmentID, stepID, ch)
}

// NextAttemptNumber is one past the number of attempts already recorded on
// (enrollment, step, channel).
func (l *Ledger) NextAttemptNumber(ctx context.Context, enrollmentID, stepID string, ch model.Channel) (int, error) {
	n, err := l.repo.CountAttempts(ctx, enrollmentID, stepID, ch)
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}

// History lists the enrollment's attempts in insertion order.
func (l *Ledger) History(ctx context.Context, enrollmentID string) ([]model.Attempt, error) {
	return l.repo.ListAttempts(ctx, enrollmentID)
}
