package service

import (
	"context"
	"errors"
	"time"

	"github.com/unclebandit/smsleopard-outreach/internal/logger"
)

// Worker polls staging and keeps the snapshot view fresh
type Worker struct {
	Ingester         *Ingester
	Projector        *Projector
	BatchSize        int
	PollInterval     time.Duration
	SnapshotInterval time.Duration
}

// Constructor
func NewWorker(in *Ingester, p *Projector, batchSize int, poll, snapshot time.Duration) *Worker {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Worker{
		Ingester:         in,
		Projector:        p,
		BatchSize:        batchSize,
		PollInterval:     poll,
		SnapshotInterval: snapshot,
	}
}

// Run ingests batches until ctx is cancelled. A full batch is followed
// immediately by another; otherwise the worker waits for the next tick.
func (w *Worker) Run(ctx context.Context) error {
	poll := time.NewTicker(w.PollInterval)
	defer poll.Stop()

	var refresh <-chan time.Time
	if w.SnapshotInterval > 0 && w.Projector != nil {
		t := time.NewTicker(w.SnapshotInterval)
		defer t.Stop()
		refresh = t.C
	}

	logger.Info("ingest worker started", "owner", w.Ingester.Owner, "batch_size", w.BatchSize, "poll_interval", w.PollInterval.String())
	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			logger.Info("ingest worker stopped", "owner", w.Ingester.Owner)
			return ctx.Err()
		case <-poll.C:
		case <-refresh:
			if _, err := w.Projector.ProjectAll(ctx); err != nil {
				logger.Error("snapshot refresh failed", "error", err)
			}
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := w.Ingester.Ingest(ctx, w.BatchSize)
		if errors.Is(err, context.Canceled) {
			return
		}
		if err != nil {
			logger.Error("ingest batch failed", "error", err)
			return
		}
		if n < w.BatchSize || w.BatchSize <= 0 {
			return
		}
	}
}
