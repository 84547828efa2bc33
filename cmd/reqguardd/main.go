// Command reqguardd runs the reqguard admin API: login behind the lockout
// tracker, CSRF-protected administration, and the retention sweeper.
//
// Configuration comes from an optional YAML file (-config or
// REQGUARD_CONFIG) overlaid with environment variables. Without
// DATABASE_URL every record lives in memory; with VALKEY_ADDR login
// attempts are shared through Valkey.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/giantswarm/reqguard"
	"github.com/giantswarm/reqguard/instrumentation"
	"github.com/giantswarm/reqguard/retention"
	"github.com/giantswarm/reqguard/storage"
	"github.com/giantswarm/reqguard/storage/memory"
	"github.com/giantswarm/reqguard/storage/postgres"
	"github.com/giantswarm/reqguard/storage/valkey"
)

const shutdownTimeout = 15 * time.Second

// recordStore is what the primary backend provides.
type recordStore interface {
	storage.AttemptStore
	storage.RecordSweeper
	storage.AdminSessionStore
	storage.AuditEventWriter
}

func main() {
	configPath := flag.String("config", os.Getenv("REQGUARD_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("reqguardd failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := reqguard.LoadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.Logger = logger

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:     "reqguardd",
		ServiceVersion:  cfg.Instrumentation.ServiceVersion,
		Enabled:         cfg.Instrumentation.Enabled,
		MetricsExporter: cfg.Instrumentation.MetricsExporter,
	})
	if err != nil {
		return fmt.Errorf("init instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	store, closeStore, err := openStore(ctx, cfg, inst, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := reqguard.Options{
		Attempts:        store,
		Sweepers:        retention.All(store),
		AuditWriter:     store,
		Instrumentation: inst,
	}

	if cfg.Storage.ValkeyAddr != "" {
		vk, err := valkey.New(valkey.Config{
			Address:   cfg.Storage.ValkeyAddr,
			Password:  cfg.Storage.ValkeyPassword,
			KeyPrefix: cfg.Storage.ValkeyKeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("connect valkey: %w", err)
		}
		defer vk.Close()
		vk.SetInstrumentation(inst)
		opts.Attempts = vk
		opts.Sweepers.LoginAttempts = vk
	}

	guard, err := reqguard.New(cfg, opts)
	if err != nil {
		return err
	}
	defer guard.Close()
	guard.Start(ctx)

	metrics := cfg.Instrumentation.Enabled && cfg.Instrumentation.MetricsExporter == instrumentation.ExporterPrometheus
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newRouter(guard, newAdmin(guard, store, logger), metrics),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", cfg.HTTP.Addr, "metrics", metrics)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStore returns PostgreSQL when a database URL is configured and the
// in-memory store otherwise.
func openStore(ctx context.Context, cfg *reqguard.Config, inst *instrumentation.Instrumentation, logger *slog.Logger) (recordStore, func(), error) {
	if cfg.Storage.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, records are kept in memory and lost on restart")
		mem := memory.New()
		mem.SetLogger(logger)
		mem.SetInstrumentation(inst)
		return mem, func() {}, nil
	}

	pg, err := postgres.Open(ctx, postgres.Config{
		URL:      cfg.Storage.DatabaseURL,
		MaxConns: cfg.Storage.MaxConns,
		Migrate:  true,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}
	pg.SetInstrumentation(inst)
	return pg, func() {
		if err := pg.Close(); err != nil {
			logger.Warn("Failed to close PostgreSQL pool", "error", err)
		}
	}, nil
}
