package main

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsleopard-outreach/internal/config"
)

func TestRunStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Ingest.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	require.NoError(t, run(ctx, cfg, prometheus.NewRegistry()))
}

func TestRunFailsWhenLockerUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Locker = "redis"
	cfg.Redis.Addr = "127.0.0.1:1"

	err := run(context.Background(), cfg, prometheus.NewRegistry())
	assert.Error(t, err)
}
