package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	assert.NotNil(t, c.stagedOutcomes)
	assert.NotNil(t, c.attemptsRecorded)
	assert.NotNil(t, c.attemptsDuplicate)
	assert.NotNil(t, c.transitions)
	assert.NotNil(t, c.plannedAttempts)
	assert.NotNil(t, c.enrollmentsCreated)
	assert.NotNil(t, c.snapshotRefresh)
}

func TestRecordCounters(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordAttempt(false)
	c.RecordAttempt(false)
	c.RecordAttempt(true)
	c.RecordTransition("retry")
	c.RecordStagedOutcome("applied")
	c.RecordPlannedAttempt("sms")
	c.RecordEnrollmentCreated()

	assert.Equal(t, float64(2), testutil.ToFloat64(c.attemptsRecorded))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.attemptsDuplicate))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.transitions.WithLabelValues("retry")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.stagedOutcomes.WithLabelValues("applied")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.plannedAttempts.WithLabelValues("sms")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.enrollmentsCreated))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordAttempt(true)
		c.RecordTransition("advance")
		c.RecordStagedOutcome("error")
		c.RecordPlannedAttempt("sms")
		c.RecordEnrollmentCreated()
		c.ObserveSnapshotRefresh(0.2)
	})
}
