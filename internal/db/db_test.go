package db

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsleopard-outreach/internal/catalog"
	"github.com/unclebandit/smsleopard-outreach/internal/policy"
	"github.com/unclebandit/smsleopard-outreach/internal/repository/memory"
)

func TestMigrateAppliesSchema(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS campaigns").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, Migrate(context.Background(), conn))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSchemaDeclaresIdempotencyIndexes(t *testing.T) {
	for _, idx := range []string{
		"enrollments_one_active",
		"attempts_provider_ref",
		"staged_outcomes_provider_ref",
		"policy_rules_key",
	} {
		assert.True(t, strings.Contains(schema, idx), idx)
	}
}

func TestSeedIsRepeatable(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, Seed(ctx, store))
	require.NoError(t, Seed(ctx, store))

	steps, err := catalog.New(store).Steps(ctx, DemoCampaignID)
	require.NoError(t, err)
	assert.Len(t, steps, 2)

	global, _, err := store.PolicyRules(ctx, DemoCampaignID)
	require.NoError(t, err)
	assert.Len(t, global, len(DemoRules()))
	require.NoError(t, policy.Table{Global: global}.Validate())

	p := policy.Resolve(policy.Table{Global: global}, "failed", "no_answer")
	assert.True(t, p.ShouldRetry)
	assert.Equal(t, 2, p.MaxRetryDays)
}
