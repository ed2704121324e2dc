package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/unclebandit/smsleopard-outreach/internal/ledger"
	"github.com/unclebandit/smsleopard-outreach/internal/logger"
	"github.com/unclebandit/smsleopard-outreach/internal/metrics"
	"github.com/unclebandit/smsleopard-outreach/internal/model"
	"github.com/unclebandit/smsleopard-outreach/internal/repository"
)

// DeliveryStateFor maps an enrollment's latest attempt to its delivery
// state. Earlier rules win: policy_denied, timeout, failed, delivered, sent,
// queued. No attempt at all is queued.
func DeliveryStateFor(a *model.Attempt) model.DeliveryState {
	switch {
	case a == nil:
		return model.DeliveryQueued
	case a.ResultFlag(model.ResultPolicyDenied):
		return model.DeliveryPolicyDenied
	case a.ResultFlag(model.ResultTimeout) || strings.EqualFold(a.ResultSummary, "no_answer"):
		return model.DeliveryTimeout
	case a.Status == model.AttemptFailed:
		return model.DeliveryFailed
	case a.Status == model.AttemptCompleted:
		return model.DeliveryDelivered
	case a.Status == model.AttemptInProgress:
		return model.DeliverySent
	default:
		return model.DeliveryQueued
	}
}

func snapshotFor(enrollmentID string, a *model.Attempt, at time.Time) model.StateSnapshot {
	s := model.StateSnapshot{EnrollmentID: enrollmentID, State: DeliveryStateFor(a), RefreshedAt: at}
	if a != nil {
		id := a.ID
		ev := a.EventTime()
		s.AttemptID = &id
		s.LastEventAt = &ev
	}
	return s
}

// Projector maintains the derived per-enrollment delivery state.
type Projector struct {
	Enrollments repository.EnrollmentRepositoryInterface
	Ledger      *ledger.Ledger
	Snapshots   repository.SnapshotRepositoryInterface
	Metrics     *metrics.Collector
	Now         func() time.Time
}

func (p *Projector) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

// ProjectOne recomputes a single enrollment's snapshot.
func (p *Projector) ProjectOne(ctx context.Context, enrollmentID string) (model.StateSnapshot, error) {
	latest, err := p.Ledger.LatestFor(ctx, enrollmentID)
	if err != nil {
		return model.StateSnapshot{}, fmt.Errorf("project enrollment %s: %w", enrollmentID, err)
	}
	snap := snapshotFor(enrollmentID, latest, p.now())
	if err := p.Snapshots.UpsertSnapshot(ctx, snap); err != nil {
		return snap, err
	}
	return snap, nil
}

// ProjectAll rebuilds every snapshot and swaps the whole view at once.
func (p *Projector) ProjectAll(ctx context.Context) (int, error) {
	start := time.Now()
	ids, err := p.Enrollments.ListEnrollmentIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("refresh snapshots: %w", err)
	}
	latest, err := p.Ledger.LatestForAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("refresh snapshots: %w", err)
	}
	at := p.now()
	snaps := make([]model.StateSnapshot, 0, len(ids))
	for _, id := range ids {
		snaps = append(snaps, snapshotFor(id, latest[id], at))
	}
	if err := p.Snapshots.ReplaceSnapshots(ctx, snaps); err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	p.Metrics.ObserveSnapshotRefresh(elapsed.Seconds())
	logger.Info("snapshots refreshed", "count", len(snaps), "duration_ms", elapsed.Milliseconds())
	return len(snaps), nil
}
