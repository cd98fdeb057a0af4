// Package main provides the snapshot collector entry point.
// Runs one collection cycle, or one per cron tick with -schedule.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"deribit-lab/internal/config"
	"deribit-lab/internal/deribit"
	"deribit-lab/internal/domain"
	"deribit-lab/internal/lock"
	"deribit-lab/internal/logging"
	"deribit-lab/internal/observability"
	"deribit-lab/internal/orchestrator"
	"deribit-lab/internal/storage"
	chstore "deribit-lab/internal/storage/clickhouse"
	"deribit-lab/internal/storage/memory"
	"deribit-lab/internal/storage/migrations"
	pgstore "deribit-lab/internal/storage/postgres"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "YAML config file (optional)")
	envFile := flag.String("env-file", "", "Env file to load (default .env if present)")
	migrate := flag.Bool("migrate", false, "Apply embedded schema migrations before collecting")
	schedule := flag.String("schedule", "", "Cron spec for repeated cycles (overrides SCHEDULE)")
	once := flag.Bool("once", false, "Run a single cycle even if a schedule is configured")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *schedule != "" {
		cfg.Schedule = *schedule
	}
	if *once {
		cfg.Schedule = ""
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals with graceful timeout
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			logger.Infof("Received signal %v, initiating graceful shutdown...", sig)
			cancel()
		case <-done:
			return
		}

		select {
		case sig := <-sigCh:
			logger.Errorf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Error("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	err = run(ctx, cfg, logger, *migrate)
	close(done)

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("Collector failed")
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

// run wires every component and runs cycles until done.
func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger, migrate bool) error {
	if cfg.Metrics.Addr != "" {
		srv := startMetricsServer(cfg.Metrics.Addr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	store, closeStore, err := openStore(ctx, cfg, logger, migrate)
	if err != nil {
		return err
	}
	defer closeStore()

	locker, closeLocker, err := openLocker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLocker()

	transport := newTransport(cfg)
	defer transport.Close()

	opts := []deribit.FetcherOption{
		deribit.WithRetries(cfg.Options.RetryCount),
		deribit.WithBackoff(cfg.Options.Backoff()),
		deribit.WithTimeout(cfg.Options.RequestTimeout()),
		deribit.WithLogger(logger),
	}
	if r := cfg.Deribit.RateLimit; r > 0 {
		burst := int(r)
		if burst < 1 {
			burst = 1
		}
		opts = append(opts, deribit.WithRateLimiter(rate.NewLimiter(rate.Limit(r), burst)))
	}
	client := deribit.NewClient(deribit.NewFetcher(transport, opts...))

	orch := orchestrator.New(orchestrator.Options{
		Config: cfg.Options,
		Market: client,
		Store:  store,
		Locker: locker,
		Logger: logger,
	})
	logger.WithFields(logrus.Fields{
		"assets":        cfg.Options.Assets,
		"store":         cfg.Store,
		"transport":     cfg.Deribit.Transport,
		"cycle_timeout": orch.Timeout().String(),
	}).Info("Collector ready")

	if cfg.Schedule == "" {
		return runOnce(ctx, orch, logger)
	}
	return runScheduled(ctx, orch, cfg.Schedule, logger)
}

// runOnce runs a single cycle. Skipped and locked cycles are not failures.
func runOnce(ctx context.Context, orch *orchestrator.Orchestrator, logger logrus.FieldLogger) error {
	_, err := orch.RunCycle(ctx)
	if errors.Is(err, orchestrator.ErrCycleLocked) {
		logger.WithError(err).Warn("Cycle skipped")
		return nil
	}
	return err
}

// runScheduled runs a cycle per cron tick until ctx is cancelled.
// Overlapping ticks are skipped; cycle errors are logged and do not stop the loop.
func runScheduled(ctx context.Context, orch *orchestrator.Orchestrator, spec string, logger *logrus.Logger) error {
	cronLogger := cron.PrintfLogger(logger)
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	_, err := c.AddFunc(spec, func() {
		if err := runOnce(ctx, orch, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("Cycle failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	logger.WithField("schedule", spec).Info("Scheduler started")
	c.Start()
	<-ctx.Done()

	// Wait for a running cycle to observe cancellation.
	<-c.Stop().Done()
	return nil
}

// openStore builds the configured store and provisions its columns.
func openStore(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger, migrate bool) (storage.CycleStore, func(), error) {
	columns := domain.RecordColumns(cfg.Options.Assets, cfg.Options.Rules())

	var (
		store  storage.CycleStore
		schema storage.SchemaManager
		closer = func() {}
	)

	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("Using in-memory store, records are lost on exit")
		s := memory.NewCycleStore()
		store, schema = s, s

	case config.StorePostgres:
		pool, err := pgstore.NewPool(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, nil, err
		}
		closer = pool.Close
		if migrate {
			if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("postgres migrations: %w", err)
			}
			logger.Info("PostgreSQL migrations applied")
		}
		s, err := pgstore.NewCycleStore(pool, cfg.TableName)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		store, schema = s, s

	case config.StoreClickhouse:
		if migrate {
			if err := chstore.EnsureDatabase(ctx, cfg.ClickHouse.DSN); err != nil {
				return nil, nil, err
			}
		}
		conn, err := chstore.NewConn(ctx, cfg.ClickHouse.DSN)
		if err != nil {
			return nil, nil, err
		}
		closer = func() { conn.Close() }
		if migrate {
			if err := migrations.RunClickhouseMigrations(ctx, conn); err != nil {
				conn.Close()
				return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
			}
			logger.Info("ClickHouse migrations applied")
		}
		s, err := chstore.NewCycleStore(conn, cfg.TableName)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		store, schema = s, s

	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	if err := schema.EnsureColumns(ctx, columns); err != nil {
		closer()
		return nil, nil, fmt.Errorf("ensure columns: %w", err)
	}
	logger.WithField("columns", len(columns)).Debug("Schema columns ensured")

	return store, closer, nil
}

// openLocker returns a Redis locker when configured, a no-op one otherwise.
func openLocker(ctx context.Context, cfg *config.Config) (lock.Locker, func(), error) {
	if cfg.Redis.Addr == "" {
		return lock.NoopLocker{}, func() {}, nil
	}
	l, err := lock.NewRedisLocker(ctx, lock.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.Redis.LockTTL,
	})
	if err != nil {
		return nil, nil, err
	}
	return l, func() { l.Close() }, nil
}

func newTransport(cfg *config.Config) deribit.Transport {
	if cfg.Deribit.Transport == config.TransportWS {
		return deribit.NewWSTransport(cfg.Deribit.WSURL)
	}
	return deribit.NewHTTPTransport(cfg.Deribit.BaseURL, &http.Client{})
}

func startMetricsServer(addr string, logger logrus.FieldLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.Handle("/health", observability.HealthHandler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("Starting metrics server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server error")
		}
	}()
	return srv
}
