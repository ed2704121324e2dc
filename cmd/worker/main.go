// cmd/worker/main.go runs the staged outcome ingester and the periodic
// snapshot refresh until interrupted.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unclebandit/smsleopard-outreach/internal/app"
	"github.com/unclebandit/smsleopard-outreach/internal/config"
	"github.com/unclebandit/smsleopard-outreach/internal/logger"
	"github.com/unclebandit/smsleopard-outreach/internal/metrics"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromEnv(os.Getenv("OUTREACH_CONFIG_FILE"))
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}
	if err := run(ctx, cfg, nil); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) error {
	engine, err := app.New(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer engine.Close()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	if err := engine.Worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
