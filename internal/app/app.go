// Package app wires the engine's components from configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/unclebandit/smsleopard-outreach/internal/catalog"
	"github.com/unclebandit/smsleopard-outreach/internal/config"
	"github.com/unclebandit/smsleopard-outreach/internal/db"
	"github.com/unclebandit/smsleopard-outreach/internal/ledger"
	"github.com/unclebandit/smsleopard-outreach/internal/lock"
	"github.com/unclebandit/smsleopard-outreach/internal/logger"
	"github.com/unclebandit/smsleopard-outreach/internal/metrics"
	"github.com/unclebandit/smsleopard-outreach/internal/policy"
	"github.com/unclebandit/smsleopard-outreach/internal/queue"
	"github.com/unclebandit/smsleopard-outreach/internal/repository"
	"github.com/unclebandit/smsleopard-outreach/internal/repository/memory"
	"github.com/unclebandit/smsleopard-outreach/internal/service"
)

// Engine is a fully wired engine plus the resources it owns.
type Engine struct {
	Config  *config.Config
	Store   repository.Store
	DB      *sql.DB
	Outbox  queue.Queue
	Metrics *metrics.Collector
	Service *service.OutreachService
	Worker  *service.Worker

	closers []func() error
}

// Components holds what Build needs besides configuration.
type Components struct {
	Store   repository.Store
	Locker  lock.Locker
	Outbox  queue.Queue
	Metrics *metrics.Collector
}

// Build assembles the service graph on top of c. Configured policies are
// layered under the rules held by the store.
func Build(cfg *config.Config, c Components) (*service.OutreachService, *service.Worker, error) {
	loc, err := cfg.Engine.Location()
	if err != nil {
		return nil, nil, err
	}
	cat := catalog.New(c.Store)
	led := ledger.New(c.Store, c.Metrics)
	policies := policy.NewResolver(policy.LayeredSource{
		cfg.Policies.Source(),
		policy.RepositorySource{Repo: c.Store},
	})

	machine := &service.StateMachine{
		Enrollments:  c.Store,
		Catalog:      cat,
		Ledger:       led,
		Policies:     policies,
		Locker:       c.Locker,
		Outbox:       c.Outbox,
		Metrics:      c.Metrics,
		Location:     loc,
		LockWait:     cfg.Engine.LockWait,
		StaleRetries: cfg.Engine.StaleRetries,
	}
	projector := &service.Projector{
		Enrollments: c.Store,
		Ledger:      led,
		Snapshots:   c.Store,
		Metrics:     c.Metrics,
	}
	ingester := &service.Ingester{
		Staging:     c.Store,
		Enrollments: c.Store,
		Machine:     machine,
		Projector:   projector,
		Metrics:     c.Metrics,
		Owner:       cfg.Ingest.WorkerID,
		LeaseTTL:    cfg.Ingest.LeaseTTL,

		MaxDeliveries: cfg.Ingest.MaxDeliveries,
	}
	svc := &service.OutreachService{
		Enrollments: c.Store,
		Staging:     c.Store,
		Snapshots:   c.Store,
		Catalog:     cat,
		Ledger:      led,
		Machine:     machine,
		Ingester:    ingester,
		Projector:   projector,
		Locker:      c.Locker,
		Outbox:      c.Outbox,
		Metrics:     c.Metrics,
	}
	worker := service.NewWorker(ingester, projector, cfg.Ingest.BatchSize, cfg.Ingest.PollInterval, cfg.Snapshot.RefreshInterval)
	return svc, worker, nil
}

// New opens the configured store, locker and outbox and builds the engine.
// Metrics register on reg, or the default registerer when reg is nil.
func New(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*Engine, error) {
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(!cfg.Log.DisableRedaction)

	e := &Engine{Config: cfg, Metrics: metrics.NewCollector(reg)}
	ok := false
	defer func() {
		if !ok {
			e.Close()
		}
	}()

	if err := e.openStore(ctx); err != nil {
		return nil, err
	}
	locker, err := e.openLocker(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.openOutbox(); err != nil {
		return nil, err
	}

	e.Service, e.Worker, err = Build(cfg, Components{Store: e.Store, Locker: locker, Outbox: e.Outbox, Metrics: e.Metrics})
	if err != nil {
		return nil, err
	}
	if cfg.AMQP.Enabled && cfg.AMQP.ConsumeOutcomes {
		if err := queue.StartStagedOutcomeSubscriber(ctx, e.Outbox, e.Service); err != nil {
			return nil, fmt.Errorf("subscribe staged outcomes: %w", err)
		}
	}
	ok = true
	return e, nil
}

func (e *Engine) openStore(ctx context.Context) error {
	switch e.Config.Database.Backend {
	case "postgres":
		conn, err := db.Open(ctx, e.Config.Database.DSN, e.Config.Database.MaxOpenConns)
		if err != nil {
			return err
		}
		e.DB = conn
		e.Store = repository.NewPostgresStore(conn)
		e.closers = append(e.closers, conn.Close)
	default:
		e.Store = memory.NewStore()
	}
	logger.Info("store ready", "backend", e.Config.Database.Backend)
	return nil
}

func (e *Engine) openLocker(ctx context.Context) (lock.Locker, error) {
	switch e.Config.Engine.Locker {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     e.Config.Redis.Addr,
			Password: e.Config.Redis.Password,
			DB:       e.Config.Redis.DB,
		})
		e.closers = append(e.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return lock.NewRedisLocker(client, e.Config.Engine.LockTTL), nil
	case "postgres":
		return lock.NewPGAdvisoryLocker(e.DB), nil
	default:
		return lock.NewKeyedMutex(), nil
	}
}

func (e *Engine) openOutbox() error {
	if e.Config.AMQP.Enabled {
		q, err := queue.DialAMQP(e.Config.AMQP.URL)
		if err != nil {
			return err
		}
		e.Outbox = q
		e.closers = append(e.closers, q.Close)
		return nil
	}
	q := queue.NewInMemoryQueue()
	// Nothing sends in-process; planned attempts are logged for the operator.
	if err := queue.StartPlannedAttemptSubscriber(q, queue.LogDispatcher); err != nil {
		return err
	}
	e.Outbox = q
	return nil
}

// Ping checks the store connection.
func (e *Engine) Ping(ctx context.Context) error {
	if e.DB == nil {
		return nil
	}
	return e.DB.PingContext(ctx)
}

// Close releases everything New opened, in reverse order.
func (e *Engine) Close() error {
	if q, ok := e.Outbox.(*queue.InMemoryQueue); ok {
		q.Drain()
	}
	var first error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	e.closers = nil
	return first
}
