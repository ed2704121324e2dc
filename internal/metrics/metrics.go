// Package metrics exposes the engine's Prometheus counters.
//
// Counters:
//   - outreach_staged_outcomes_total{result}: staged records finished by ingestion
//     (applied, duplicate, no_enrollment, error)
//   - outreach_attempts_recorded_total / outreach_attempts_duplicate_total: ledger writes
//   - outreach_transitions_total{kind}: state machine decisions (retry, advance, complete, noop)
//   - outreach_planned_attempts_total{channel}: attempts handed to the outbox
//   - outreach_enrollments_created_total
//
// Histograms:
//   - outreach_snapshot_refresh_seconds: full projection duration
//
// A nil *Collector is valid and records nothing.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the engine metrics.
type Collector struct {
	stagedOutcomes     *prometheus.CounterVec
	attemptsRecorded   prometheus.Counter
	attemptsDuplicate  prometheus.Counter
	transitions        *prometheus.CounterVec
	plannedAttempts    *prometheus.CounterVec
	enrollmentsCreated prometheus.Counter
	snapshotRefresh    prometheus.Histogram
}

// NewCollector creates the collector and registers it on reg. A nil reg
// registers on prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		stagedOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_staged_outcomes_total",
			Help: "Staged provider outcomes finished by ingestion, by result",
		}, []string{"result"}),
		attemptsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outreach_attempts_recorded_total",
			Help: "Attempts written to the ledger",
		}),
		attemptsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outreach_attempts_duplicate_total",
			Help: "Attempts skipped because their idempotency key was already recorded",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_transitions_total",
			Help: "Enrollment state machine decisions, by kind",
		}, []string{"kind"}),
		plannedAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_planned_attempts_total",
			Help: "Planned attempts published for delivery, by channel",
		}, []string{"channel"}),
		enrollmentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outreach_enrollments_created_total",
			Help: "Enrollments created",
		}),
		snapshotRefresh: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outreach_snapshot_refresh_seconds",
			Help:    "Full state snapshot projection duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.stagedOutcomes,
		c.attemptsRecorded,
		c.attemptsDuplicate,
		c.transitions,
		c.plannedAttempts,
		c.enrollmentsCreated,
		c.snapshotRefresh,
	)
	return c
}

func (c *Collector) RecordStagedOutcome(result string) {
	if c == nil {
		return
	}
	c.stagedOutcomes.WithLabelValues(result).Inc()
}

func (c *Collector) RecordAttempt(duplicate bool) {
	if c == nil {
		return
	}
	if duplicate {
		c.attemptsDuplicate.Inc()
		return
	}
	c.attemptsRecorded.Inc()
}

func (c *Collector) RecordTransition(kind string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordPlannedAttempt(channel string) {
	if c == nil {
		return
	}
	c.plannedAttempts.WithLabelValues(channel).Inc()
}

func (c *Collector) RecordEnrollmentCreated() {
	if c == nil {
		return
	}
	c.enrollmentsCreated.Inc()
}

func (c *Collector) ObserveSnapshotRefresh(seconds float64) {
	if c == nil {
		return
	}
	c.snapshotRefresh.Observe(seconds)
}

// Handler serves the default gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer serves /metrics on its own port.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
