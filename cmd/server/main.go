// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

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

	engine, err := app.New(ctx, cfg, nil)
	if err != nil {
		log.Fatal("failed to start engine: ", err)
	}
	defer engine.Close()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: app.NewRouter(engine.Service, app.RouterOptions{
			CORSOrigins: cfg.Server.CORSOrigins,
			Ping:        engine.Ping,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("server running", "addr", srv.Addr, "backend", cfg.Database.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("server stopped")
}
