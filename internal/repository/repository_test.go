package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/smsleopard-outreach/internal/errors"
	"github.com/unclebandit/smsleopard-outreach/internal/model"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

var (
	enrollmentCols = []string{"id", "contact_id", "campaign_id", "status", "current_step_id", "next_channel",
		"next_run_at", "started_at", "ended_at", "version", "updated_at", "last_attempt_id"}
	attemptCols = []string{"id", "enrollment_id", "campaign_id", "step_id", "channel", "status", "attempt_number",
		"provider_ref", "direction", "outcome_status", "failure_reason", "classification", "result_summary",
		"result_payload", "content", "duration_seconds", "recording_url", "transcript",
		"scheduled_at", "started_at", "sent_at", "completed_at", "created_at"}
	stagedCols = []string{"id", "enrollment_id", "contact_id", "campaign_id", "provider_ref", "direction", "channel",
		"status", "end_reason", "duration_seconds", "recording_url", "transcript", "classification", "result_payload",
		"occurred_at", "processed", "processed_at", "note", "lease_owner", "lease_expires_at", "created_at", "deliveries"}
)

func TestStepRepository_ListSteps(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := &StepRepository{DB: db}

	mock.ExpectQuery("FROM campaign_steps").
		WithArgs("c-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id", "order_index", "channel", "delay_ms", "retry_limit", "template_ref"}).
			AddRow("s-1", "c-1", 1, "voice", int64(0), 3, "").
			AddRow("s-2", "c-1", 2, "SMS", int64(600000), 0, "tpl-sms"))

	steps, err := repo.ListSteps(context.Background(), "c-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, model.ChannelVoice, steps[0].Channel)
	assert.Equal(t, 3, steps[0].RetryLimit)
	assert.Equal(t, model.ChannelSMS, steps[1].Channel)
	assert.Equal(t, 10*time.Minute, steps[1].Delay)
	assert.Equal(t, "tpl-sms", steps[1].TemplateRef)
}

func TestEnrollmentRepository_GetEnrollmentMissing(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := &EnrollmentRepository{DB: db}

	mock.ExpectQuery("FROM enrollments WHERE id").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(enrollmentCols))

	e, err := repo.GetEnrollment(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestEnrollmentRepository_GetEnrollmentScansNullableColumns(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := &EnrollmentRepository{DB: db}
	started := time.Date(2024, 3, 1, 14, 3, 0, 0, time.UTC)

	mock.ExpectQuery("FROM enrollments WHERE id").
		WithArgs("e-1").
		WillReturnRows(sqlmock.NewRows(enrollmentCols).
			AddRow("e-1", "ct-1", "c-1", "active", "s-1", "voice", started.Add(time.Hour), started, nil, 2, started, int64(7)))

	e, err := repo.GetEnrollment(context.Background(), "e-1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.True(t, e.IsActive())
	require.NotNil(t, e.CurrentStepID)
	assert.Equal(t, "s-1", *e.CurrentStepID)
	require.NotNil(t, e.NextChannel)
	assert.Equal(t, model.ChannelVoice, *e.NextChannel)
	assert.Nil(t, e.EndedAt)
	assert.Equal(t, 2, e.Version)
	assert.Equal(t, int64(7), e.LastAttemptID)
	assert.True(t, e.Applied(7))
	assert.False(t, e.Applied(8))
}

func TestEnrollmentRepository_CreateEnrollmentSwitchesPrior(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := &EnrollmentRepository{DB: db}
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE enrollments").
		WithArgs("ct-1", "c-1", now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("old-1"))
	mock.ExpectExec("INSERT INTO enrollments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	switched, err := repo.CreateEnrollment(context.Background(), &model.Enrollment{
		ID: "new-1", ContactID: "ct-1", CampaignID: "c-1", Status: model.EnrollmentActive,
		StartedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"old-1"}, switched)
}

func TestEnrollmentRepository_UpdateEnrollment(t *testing.T) {
	t.Run("bumps version", func(t *testing.T) {
		db, mock := setupTestDB(t)
		repo := &EnrollmentRepository{DB: db}
		mock.ExpectExec("UPDATE enrollments").
			WithArgs("completed", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				sql.NullInt64{Int64: 12, Valid: true}, sqlmock.AnyArg(), "e-1", 4).
			WillReturnResult(sqlmock.NewResult(0, 1))

		e := &model.Enrollment{ID: "e-1", Version: 4, LastAttemptID: 12}
		e.Complete(time.Now())
		require.NoError(t, repo.UpdateEnrollment(context.Background(), e))
		assert.Equal(t, 5, e.Version)
	})

	t.Run("stale version", func(t *testing.T) {
		db, mock := setupTestDB(t)
		repo := &EnrollmentRepository{DB: db}
		mock.ExpectExec("UPDATE enrollments").
			WillReturnResult(sqlmock.NewResult(0, 0))

		e := &model.Enrollment{ID: "e-1", Status: model.EnrollmentActive, Version: 1}
		err := repo.UpdateEnrollment(context.Background(), e)
		assert.ErrorIs(t, err, appErrors.ErrStaleEnrollment)
		assert.Equal(t, 1, e.Version)
	})
}

func TestAttemptRepository_InsertAttemptDuplicate(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := &AttemptRepository{DB: db}

	mock.ExpectQuery("INSERT INTO attempts").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id FROM attempts WHERE provider_ref").
		WithArgs("call-1", "outbound").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	a := &model.Attempt{EnrollmentID: "e-1", StepID: "s-1", Channel: model.ChannelVoice,
		Status: model.AttemptFailed, ProviderRef: "call-1", CreatedAt: time.Now()}
	inserted, err := repo.InsertAttempt(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, int64(7), a.ID)
}

func TestAttemptRepository_InsertAttempt(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := &AttemptRepository{DB: db}

	mock.ExpectQuery("INSERT INTO attempts").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

	a := &model.Attempt{EnrollmentID: "e-1", StepID: "s-1", Channel: model.ChannelSMS,
		Status: model.AttemptPlanned, Result: map[string]any{"policy_denied": true}, CreatedAt: time.Now()}
	inserted, err := repo.InsertAttempt(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(11), a.ID)
	assert.Equal(t, model.DirectionOutbound, a.Direction)
}

func TestAttemptRepository_LatestAttemptDecodesPayload(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := &AttemptRepository{DB: db}
	now := time.Now().UTC()

	mock.ExpectQuery("FROM attempts WHERE enrollment_id").
		WithArgs("e-1").
		WillReturnRows(sqlmock.NewRows(attemptCols).AddRow(
			int64(3), "e-1", "c-1", "s-1", "voice", "failed", 2,
			"call-9", "outbound", "no_answer", "no_answer", "", "",
			[]byte(`{"timeout":true}`), "", 0, "", "",
			nil, now, nil, now, now))

	a, err := repo.LatestAttempt(context.Background(), "e-1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, model.AttemptFailed, a.Status)
	assert.True(t, a.ResultFlag(model.ResultTimeout))
	assert.Nil(t, a.ScheduledAt)
	require.NotNil(t, a.CompletedAt)
}

func TestAttemptRepository_CountAttemptsWithStatusFilter(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := &AttemptRepository{DB: db}

	mock.ExpectQuery(`status = ANY\(\$4\)`).
		WithArgs("e-1", "s-1", "voice", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	n, err := repo.CountAttempts(context.Background(), "e-1", "s-1", model.ChannelVoice, model.AttemptFailed)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPolicyRepository_PolicyRulesSplitsScopes(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := &PolicyRepository{DB: db}

	cols := []string{"campaign_id", "status", "reason", "is_connected", "should_retry", "retry_sms",
		"first_retry_delay_ms", "next_retry_delay_ms", "max_retry_days", "align_same_time"}
	mock.ExpectQuery("FROM policy_rules").
		WithArgs("c-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("", "failed", "*", false, true, nil, int64(600000), int64(1800000), nil, nil).
			AddRow("c-1", "Failed", "", nil, false, nil, nil, nil, 2, false))

	global, campaign, err := repo.PolicyRules(context.Background(), "c-1")
	require.NoError(t, err)
	require.Len(t, global, 1)
	require.Len(t, campaign, 1)

	g := global[0]
	assert.Equal(t, model.PolicyKey{Status: "failed", Reason: "*"}, g.Key)
	require.NotNil(t, g.FirstRetryDelay)
	assert.Equal(t, 10*time.Minute, *g.FirstRetryDelay)
	assert.Nil(t, g.RetryViaSMS)

	c := campaign[0]
	assert.Equal(t, model.PolicyKey{Status: "failed", Reason: "*"}, c.Key)
	require.NotNil(t, c.MaxRetryDays)
	assert.Equal(t, 2, *c.MaxRetryDays)
	assert.Nil(t, c.IsConnected)
}

func TestStagingRepository_StageOutcomeDeduplicates(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := &StagingRepository{DB: db}

	mock.ExpectQuery("INSERT INTO staged_outcomes").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id FROM staged_outcomes").
		WithArgs("call-1", "outbound").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))

	id, created, err := repo.StageOutcome(context.Background(), &model.StagedOutcome{ProviderRef: "call-1", Status: "failed"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(5), id)
}

func TestStagingRepository_ClaimStagedOrdersByCreation(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := &StagingRepository{DB: db}
	now := time.Now().UTC()
	lease := now.Add(time.Minute)

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs("worker-1", now, 10, lease).
		WillReturnRows(sqlmock.NewRows(stagedCols).
			AddRow(int64(2), "e-1", "", "", "call-2", "outbound", "voice", "failed", "", 0, "", "", "", nil,
				nil, false, nil, "", "worker-1", lease, now, 1).
			AddRow(int64(1), "e-1", "", "", "call-1", "outbound", "voice", "completed", "", 30, "", "", "", nil,
				nil, false, nil, "", "worker-1", lease, now.Add(-time.Second), 3))

	claimed, err := repo.ClaimStaged(context.Background(), "worker-1", 10, now, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, int64(1), claimed[0].ID)
	assert.Equal(t, int64(2), claimed[1].ID)
	assert.Equal(t, "worker-1", claimed[0].LeaseOwner)
	assert.Equal(t, 3, claimed[0].Deliveries)
}

func TestStagingRepository_ClaimStagedByID(t *testing.T) {
	now := time.Now().UTC()

	t.Run("not found", func(t *testing.T) {
		db, mock := setupTestDB(t)
		repo := &StagingRepository{DB: db}
		mock.ExpectQuery("UPDATE staged_outcomes").WillReturnRows(sqlmock.NewRows(stagedCols))
		mock.ExpectQuery("SELECT EXISTS").WithArgs(int64(9)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		_, err := repo.ClaimStagedByID(context.Background(), 9, "w", now, time.Minute)
		assert.ErrorIs(t, err, appErrors.ErrStagedNotFound)
	})

	t.Run("already claimed", func(t *testing.T) {
		db, mock := setupTestDB(t)
		repo := &StagingRepository{DB: db}
		mock.ExpectQuery("UPDATE staged_outcomes").WillReturnRows(sqlmock.NewRows(stagedCols))
		mock.ExpectQuery("SELECT EXISTS").WithArgs(int64(9)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		_, err := repo.ClaimStagedByID(context.Background(), 9, "w", now, time.Minute)
		assert.ErrorIs(t, err, appErrors.ErrStagedAlreadyClaimed)
	})
}

func TestStagingRepository_MarkProcessed(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := &StagingRepository{DB: db}
	at := time.Now().UTC()

	mock.ExpectExec("UPDATE staged_outcomes").
		WithArgs(int64(3), at, sql.NullString{String: "no active enrollment", Valid: true}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkProcessed(context.Background(), 3, "no active enrollment", at))
}

func TestSnapshotRepository_ReplaceSnapshotsInOneTransaction(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := &SnapshotRepository{DB: db}
	now := time.Now().UTC()
	attemptID := int64(4)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM state_snapshots").WillReturnResult(sqlmock.NewResult(0, 3))
	prep := mock.ExpectPrepare("COPY")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.ReplaceSnapshots(context.Background(), []model.StateSnapshot{
		{EnrollmentID: "e-1", State: model.DeliveryTimeout, AttemptID: &attemptID, LastEventAt: &now, RefreshedAt: now},
		{EnrollmentID: "e-2", State: model.DeliveryQueued, RefreshedAt: now},
	})
	require.NoError(t, err)
}

func TestSnapshotRepository_ReplaceSnapshotsRollsBack(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := &SnapshotRepository{DB: db}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM state_snapshots").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := repo.ReplaceSnapshots(context.Background(), nil)
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestSnapshotRepository_GetSnapshotMissing(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := &SnapshotRepository{DB: db}
	mock.ExpectQuery("FROM state_snapshots").WithArgs("e-x").
		WillReturnRows(sqlmock.NewRows([]string{"enrollment_id", "delivery_state", "attempt_id", "last_event_at", "refreshed_at"}))

	s, err := repo.GetSnapshot(context.Background(), "e-x")
	require.NoError(t, err)
	assert.Nil(t, s)
}
