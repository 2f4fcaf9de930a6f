// Package control assembles the orchestrator from its subsystems and owns
// their lifecycle.
package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/loginflow/internal/bus"
	"github.com/vietddude/loginflow/internal/core/config"
	"github.com/vietddude/loginflow/internal/httpapi"
	"github.com/vietddude/loginflow/internal/infra/redis"
	"github.com/vietddude/loginflow/internal/infra/storage/postgres"
	"github.com/vietddude/loginflow/internal/integration"
	"github.com/vietddude/loginflow/internal/procmon"
	"github.com/vietddude/loginflow/internal/recovery"
	"github.com/vietddude/loginflow/internal/twofactor"
)

// Options overrides the default external collaborators. Zero values wire the
// bus-backed adapters that dispatch work to automation workers.
type Options struct {
	Driver    recovery.Driver
	Deliverer twofactor.Deliverer
}

// Orchestrator is the assembled application: retry engine, two-factor
// manager, process monitor, bus glue, and the optional infrastructure
// surfaces (HTTP API, Redis event mirror, Postgres audit trail).
type Orchestrator struct {
	cfg        *config.AppConfig
	bus        *bus.Bus
	retry      *recovery.Manager
	twofactor  *twofactor.Manager
	monitor    *procmon.Monitor
	integrator *integration.Integrator
	httpServer *httpapi.Server
	redis      *redis.Client
	db         *postgres.DB
	audit      *postgres.AuditRepo
	log        *slog.Logger
}

// NewOrchestrator creates the orchestrator with all dependencies initialized.
// Redis and Postgres are optional: each is wired only when its URL is set.
func NewOrchestrator(cfg *config.AppConfig, opts Options, log *slog.Logger) (*Orchestrator, error) {
	if log == nil {
		log = slog.Default()
	}

	b := bus.New(log)

	driver := opts.Driver
	if driver == nil {
		driver = integration.NewBusDriver(b, log)
	}
	deliverer := opts.Deliverer
	if deliverer == nil {
		deliverer = integration.NewBusDeliverer(b, log)
	}

	retryMgr := recovery.NewManager(cfg.Retry, driver, b, log)
	tfMgr := twofactor.NewManager(cfg.TwoFactor, deliverer, b, log)
	monitor := procmon.NewMonitor(cfg.Monitor, nil, nil, nil, b, log)
	integrator := integration.NewIntegrator(b, retryMgr, tfMgr, monitor, log)

	o := &Orchestrator{
		cfg:        cfg,
		bus:        b,
		retry:      retryMgr,
		twofactor:  tfMgr,
		monitor:    monitor,
		integrator: integrator,
		log:        log,
	}

	if cfg.Redis.URL != "" {
		client, err := redis.NewClient(cfg.Redis, log)
		if err != nil {
			return nil, fmt.Errorf("init redis: %w", err)
		}
		o.redis = client
		log.Info("redis event mirror enabled", "stream", cfg.Redis.Stream)
	}

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			if o.redis != nil {
				_ = o.redis.Close()
			}
			return nil, fmt.Errorf("init db: %w", err)
		}
		o.db = db
		o.audit = postgres.NewAuditRepo(db, log)
		log.Info("postgres audit store enabled")
	}

	deps := map[string]httpapi.HealthChecker{}
	if o.redis != nil {
		deps["redis"] = o.redis
	}
	if o.db != nil {
		deps["postgres"] = o.db
	}
	o.httpServer = httpapi.NewServer(cfg.Server.Port, retryMgr, tfMgr, monitor, deps)

	return o, nil
}

// Bus exposes the event bus so external collaborators (workers, API layer)
// can publish and subscribe.
func (o *Orchestrator) Bus() *bus.Bus { return o.bus }

// Retry exposes the retry session manager.
func (o *Orchestrator) Retry() *recovery.Manager { return o.retry }

// TwoFactor exposes the two-factor session manager.
func (o *Orchestrator) TwoFactor() *twofactor.Manager { return o.twofactor }

// Monitor exposes the process health monitor.
func (o *Orchestrator) Monitor() *procmon.Monitor { return o.monitor }

// Start launches every background loop. The loops stop when ctx is
// cancelled; Stop shuts down the remaining surfaces.
func (o *Orchestrator) Start(ctx context.Context) error {
	go func() {
		o.log.Info("http server listening", "port", o.cfg.Server.Port)
		if err := o.httpServer.Start(); err != nil {
			o.log.Error("http server failed", "error", err)
		}
	}()

	go o.integrator.Run(ctx)
	go o.monitor.Run(ctx)
	go o.retry.Sweep(ctx)
	go o.retry.Breakers().Sweep(ctx)
	go o.retry.Patterns().Sweep(ctx)
	go o.twofactor.Sweep(ctx)

	if o.redis != nil {
		go o.redis.Mirror(ctx, o.bus)
	}
	if o.audit != nil {
		go o.audit.Sink(ctx, o.bus)
	}

	o.log.Info("orchestrator started")
	return nil
}

// Stop shuts down the HTTP server and closes infrastructure connections.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.log.Info("stopping orchestrator")

	if o.redis != nil {
		if err := o.redis.Close(); err != nil {
			o.log.Warn("failed to close redis", "error", err)
		}
	}
	if o.db != nil {
		if err := o.db.Close(); err != nil {
			o.log.Warn("failed to close db", "error", err)
		}
	}
	return o.httpServer.Stop(ctx)
}
