package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsleopard-outreach/internal/app"
	"github.com/unclebandit/smsleopard-outreach/internal/config"
	"github.com/unclebandit/smsleopard-outreach/internal/db"
	"github.com/unclebandit/smsleopard-outreach/internal/lock"
	"github.com/unclebandit/smsleopard-outreach/internal/repository/memory"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()
	assert.Equal(t, "outreachctl", cmd.Use)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))

	want := []string{"migrate", "seed", "enroll", "log-outcome", "ingest", "refresh-snapshot", "state"}
	var got []string
	for _, c := range cmd.Commands() {
		got = append(got, c.Name())
		assert.NotNil(t, c.RunE, c.Name())
	}
	assert.ElementsMatch(t, want, got)
}

func TestLogOutcomeFlags(t *testing.T) {
	cmd := buildLogOutcomeCommand(nil)
	for _, name := range []string{"enrollment", "contact", "campaign", "ref", "direction", "channel", "status", "reason", "classification", "duration"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "outbound", cmd.Flags().Lookup("direction").DefValue)
}

// memoryOpener hands out engines that share one in-memory store so state
// survives between commands.
func memoryOpener(t *testing.T) Opener {
	t.Helper()
	store := memory.NewStore()
	cfg := config.Default()
	svc, worker, err := app.Build(cfg, app.Components{Store: store, Locker: lock.NewKeyedMutex()})
	require.NoError(t, err)
	return func(ctx context.Context, configFile string) (*app.Engine, error) {
		return &app.Engine{Config: cfg, Store: store, Service: svc, Worker: worker}, nil
	}
}

func execute(t *testing.T, open Opener, args ...string) (string, error) {
	t.Helper()
	root := newRoot(open)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSeedEnrollAndLogOutcome(t *testing.T) {
	open := memoryOpener(t)

	out, err := execute(t, open, "seed")
	require.NoError(t, err)
	assert.Contains(t, out, db.DemoCampaignID)

	out, err = execute(t, open, "enroll", "--campaign", db.DemoCampaignID, "--contact", "contact-1")
	require.NoError(t, err)
	var enrolled map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &enrolled))
	id := enrolled["enrollment_id"]
	require.NotEmpty(t, id)

	out, err = execute(t, open, "log-outcome", "--enrollment", id, "--ref", "call-1", "--status", "completed")
	require.NoError(t, err)
	var logged map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &logged))
	assert.Equal(t, true, logged["processed"])

	out, err = execute(t, open, "state", id)
	require.NoError(t, err)
	var state map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	enrollment := state["enrollment"].(map[string]interface{})
	assert.Equal(t, "active", enrollment["status"])
	assert.Equal(t, db.DemoCampaignID+"-sms", enrollment["current_step_id"])

	out, err = execute(t, open, "refresh-snapshot")
	require.NoError(t, err)
	assert.Contains(t, out, `"refreshed": 1`)
}

func TestIngestEmptyBatch(t *testing.T) {
	out, err := execute(t, memoryOpener(t), "ingest", "-b", "5")
	require.NoError(t, err)
	assert.Contains(t, out, `"processed": 0`)
}

func TestMigrateRequiresPostgres(t *testing.T) {
	_, err := execute(t, memoryOpener(t), "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}

func TestEnrollRequiresFlags(t *testing.T) {
	_, err := execute(t, memoryOpener(t), "enroll", "--campaign", db.DemoCampaignID)
	require.Error(t, err)
}

func TestStateUnknownEnrollment(t *testing.T) {
	_, err := execute(t, memoryOpener(t), "state", "missing")
	require.Error(t, err)
}
