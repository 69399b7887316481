package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/protoq/protoq/internal/api"
	"github.com/protoq/protoq/internal/engine"
	"github.com/protoq/protoq/internal/logging"
	"github.com/protoq/protoq/internal/resolver"
	"github.com/protoq/protoq/internal/scheduler"
	"github.com/protoq/protoq/internal/store"
	"github.com/protoq/protoq/internal/streaming"
	"github.com/protoq/protoq/internal/tooldriver"
	"github.com/protoq/protoq/internal/validation"
	"github.com/protoq/protoq/internal/variables"
)

// runServe wires the server from config and blocks until shutdown.
func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer queue.Close()

	vars := openVariables(cfg.Variables)
	driver := openDriver(cfg.Driver, logger)
	validator, err := validation.NewValidator()
	if err != nil {
		return err
	}
	hub := streaming.NewMemoryHub()

	eng := engine.New(queue, driver, resolver.New(vars), vars, validator, hub, logger,
		engine.Config{PacingDelay: cfg.pacingDelay()})
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Shutdown()

	sched, err := buildScheduler(eng, cfg.Schedules, logger)
	if err != nil {
		return err
	}
	if sched != nil {
		sched.Start(ctx)
		defer sched.Stop()
	}

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.NewServer(api.Deps{Engine: eng, Hub: hub, Logger: logger}).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("protoq listening", "addr", cfg.ListenAddr,
			"backend", cfg.Store.Backend, "version", version)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}

// openStore selects the persistence backend configured at startup.
func openStore(ctx context.Context, cfg StoreConfig) (store.QueueStore, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "redis":
		return store.NewRedisStore(ctx, store.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	default: // libsql, validated in loadConfig
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, err
		}
		return store.NewLibSQLStore(ctx, cfg.DBPath)
	}
}

func openVariables(cfg VariablesConfig) variables.Store {
	if cfg.BaseURL == "" {
		return variables.NewMemoryStore()
	}
	return variables.NewHTTPStore(cfg.BaseURL, nil)
}

func openDriver(cfg DriverConfig, logger *slog.Logger) tooldriver.Driver {
	if cfg.BaseURL == "" {
		logger.Warn("no driver URL configured, only control commands will execute")
		return tooldriver.NewRegistry()
	}
	return tooldriver.NewHTTPDriver(cfg.BaseURL, nil)
}

// buildScheduler loads each schedule's protocol file and builds the
// scheduler. Returns nil when no schedules are configured.
func buildScheduler(eng *engine.Engine, configs []ScheduleConfig, logger *slog.Logger) (*scheduler.Scheduler, error) {
	if len(configs) == 0 {
		return nil, nil
	}

	schedules := make([]scheduler.Schedule, 0, len(configs))
	for _, sc := range configs {
		req, err := loadProtocol(sc.Protocol)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, scheduler.Schedule{
			Name:    sc.Name,
			Cron:    sc.Cron,
			Request: req,
		})
	}
	return scheduler.New(eng, schedules, logger)
}
