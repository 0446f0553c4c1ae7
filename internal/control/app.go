// Package control wires the escrow service together and owns its lifecycle.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/escrowd/internal/api"
	"github.com/vietddude/escrowd/internal/core/config"
	"github.com/vietddude/escrowd/internal/core/domain"
	"github.com/vietddude/escrowd/internal/core/escrow"
	"github.com/vietddude/escrowd/internal/core/worker"
	"github.com/vietddude/escrowd/internal/health"
	"github.com/vietddude/escrowd/internal/infra/audit"
	"github.com/vietddude/escrowd/internal/infra/breaker"
	redisclient "github.com/vietddude/escrowd/internal/infra/redis"
	"github.com/vietddude/escrowd/internal/infra/recovery"
	"github.com/vietddude/escrowd/internal/infra/storage"
	"github.com/vietddude/escrowd/internal/infra/storage/memory"
	"github.com/vietddude/escrowd/internal/infra/storage/postgres"
)

// App is the running escrow service.
type App struct {
	cfg *config.AppConfig
	log *slog.Logger

	store    storage.Store
	memStore *memory.Store
	db       *postgres.DB
	redis    *redisclient.Client
	graph    *audit.GraphSink
	rails    []io.Closer

	breakers     *breaker.Registry
	orchestrator *escrow.Orchestrator
	monitor      *health.Monitor
	server       *api.Server
	expiry       *worker.Expiry
	resumer      *worker.Resumer

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New builds the service from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (app *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, log: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	// 1. Storage
	if err := a.initStore(ctx); err != nil {
		return nil, err
	}

	// 2. Redis, locks and audit sinks
	if cfg.Redis.URL != "" {
		a.redis, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			if cfg.Escrow.LockBackend == config.LockBackendRedis {
				return nil, fmt.Errorf("redis lock backend: %w", err)
			}
			logger.Warn("Failed to connect to Redis, event stream disabled", "error", err)
			a.redis = nil
		}
	}
	locker, err := a.locker()
	if err != nil {
		return nil, err
	}
	sink := a.sinks(ctx)

	// 3. Rails, breakers and recovery
	procs, closers, err := buildProcessors(cfg.Processors)
	a.rails = closers
	if err != nil {
		return nil, err
	}
	a.breakers = buildBreakers(cfg.Processors, logger.With("component", "breaker"))
	policies := buildPolicies(cfg.Processors)
	rm := recovery.NewManager(a.breakers, policies, logger.With("component", "recovery"))
	observe(a.breakers, rm)

	// 4. Orchestrator
	fee, err := cfg.Escrow.Fee()
	if err != nil {
		return nil, err
	}
	a.orchestrator = escrow.New(escrow.Config{
		Store:            a.store,
		Processors:       procs,
		Recovery:         rm,
		Locker:           locker,
		Sink:             sink,
		Logger:           logger.With("component", "escrow"),
		EscrowFeePercent: fee,
		HoldTimeout:      cfg.Escrow.HoldTimeout,
		AutoRelease:      cfg.Escrow.AutoRelease,
		Concurrency:      cfg.Escrow.Concurrency,
		ExpiryBatch:      cfg.Escrow.ExpiryBatch,
		PersistTimeout:   cfg.Escrow.PersistTimeout,
	})

	// 5. Health, API and workers
	a.monitor = health.NewMonitor(a.breakers, a.store, a.store.Escrows(), cfg.Escrow.HealthCacheTime)
	a.server = api.NewServer(api.Config{
		Port:       cfg.Server.Port,
		AdminToken: cfg.Server.AdminToken,
	}, a.orchestrator, a.breakers, a.monitor, logger.With("component", "api"))
	a.expiry = worker.NewExpiry(a.orchestrator, cfg.Escrow.ExpiryInterval, logger.With("component", "expiry"))
	a.resumer = worker.NewResumer(a.orchestrator, cfg.Escrow.ResumeInterval, logger.With("component", "resume"))

	logger.Info("Escrow service initialized",
		"processors", procs.Types(),
		"lock_backend", cfg.Escrow.LockBackend,
		"hold_timeout", cfg.Escrow.HoldTimeout,
		"auto_release", cfg.Escrow.AutoRelease,
	)
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.cfg.Database.URL == "" {
		a.memStore = memory.NewStore()
		a.store = a.memStore
		a.log.Warn("No database configured, using memory storage")
		return nil
	}

	db, err := postgres.NewDB(ctx, a.cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to init db: %w", err)
	}
	a.db = db
	if a.cfg.Escrow.MigrateOnStart {
		if err := postgres.Migrate(db); err != nil {
			return fmt.Errorf("failed to migrate db: %w", err)
		}
	}
	a.store = postgres.NewStore(db)
	a.log.Info("Using PostgreSQL storage")
	return nil
}

func (a *App) locker() (escrow.Locker, error) {
	switch a.cfg.Escrow.LockBackend {
	case config.LockBackendRedis:
		if a.redis == nil {
			return nil, errors.New("redis lock backend requires redis.url")
		}
		return redisclient.NewLocker(a.redis, a.cfg.Escrow.LockTTL, a.log.With("component", "lock")), nil
	default:
		return escrow.NewKeyedMutex(), nil
	}
}

func (a *App) sinks(ctx context.Context) audit.Sink {
	sinks := []audit.Sink{audit.NewLogSink(a.log.With("component", "audit"))}

	if a.redis != nil && a.cfg.Events.Stream != "" {
		sinks = append(sinks, redisclient.NewStreamSink(a.redis, a.cfg.Events.Stream, a.cfg.Events.StreamMaxLen))
	}
	if a.cfg.Events.Graph {
		w, err := audit.NewNeo4jWriter(ctx, a.cfg.Neo4j)
		if err != nil {
			a.log.Warn("Failed to connect to Neo4j, money-flow graph disabled", "error", err)
		} else {
			a.graph = audit.NewGraphSink(w)
			sinks = append(sinks, a.graph)
		}
	}
	return audit.NewMultiSink(a.log, sinks...)
}

// Orchestrator returns the saga coordinator.
func (a *App) Orchestrator() *escrow.Orchestrator { return a.orchestrator }

// Server returns the HTTP API server.
func (a *App) Server() *api.Server { return a.server }

// SeedMethods loads payment methods into the memory store. It fails when
// the service runs on postgres, whose methods belong to the wallet service.
func (a *App) SeedMethods(methods ...*domain.PaymentMethod) error {
	if a.memStore == nil {
		return errors.New("payment methods can only be seeded into memory storage")
	}
	for _, m := range methods {
		a.memStore.AddMethod(m)
	}
	return nil
}

// Start binds the API port, then launches the server and the background
// workers. A bind failure is returned before anything runs. Done reports
// when they stop.
func (a *App) Start(ctx context.Context) error {
	if err := a.server.Listen(); err != nil {
		return fmt.Errorf("api server: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)

	if a.db != nil {
		a.db.StartMetricsCollector(gctx)
	}

	g.Go(func() error {
		if err := a.server.Serve(); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.resumer.Start(gctx)
		return nil
	})
	g.Go(func() error {
		a.expiry.Start(gctx)
		return nil
	})

	a.done = make(chan struct{})
	go func() {
		a.err = g.Wait()
		close(a.done)
	}()

	a.log.Info("Escrow service started", "addr", a.server.Addr())
	return nil
}

// Done is closed once the server and every worker have returned, either
// after Stop or because the server failed. Err then holds the cause.
func (a *App) Done() <-chan struct{} { return a.done }

// Err returns the error that ended the run. It is valid after Done closes.
func (a *App) Err() error { return a.err }

// Stop shuts the server down, waits for the workers and releases every
// connection.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop api server: %w", err))
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.done != nil {
		select {
		case <-a.done:
			if a.err != nil {
				errs = append(errs, a.err)
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for workers: %w", ctx.Err()))
		}
	}
	errs = append(errs, a.close(ctx)...)
	return errors.Join(errs...)
}

func (a *App) close(ctx context.Context) []error {
	var errs []error
	for _, c := range a.rails {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.graph != nil {
		if err := a.graph.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close graph: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errs
}

// ShutdownTimeout is how long Stop may take.
func (a *App) ShutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}
