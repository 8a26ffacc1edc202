package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ent0n29/atelier/internal/config"
	"github.com/ent0n29/atelier/internal/durable"
	"github.com/ent0n29/atelier/internal/httpapi"
	"github.com/ent0n29/atelier/internal/observability"
	"github.com/ent0n29/atelier/internal/reliability"
	"github.com/ent0n29/atelier/internal/statestore"
)

type StoreInfo struct {
	Mode string
	// Degraded is set when the configured backend could not be opened and
	// module state lives in memory for this process only.
	Degraded bool
	Detail   string
}

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	State   *statestore.Store
	Metrics *observability.Metrics
	Store   StoreInfo
	Logger  *zap.Logger

	// Cleanup should be called on shutdown to release external resources (DB pools, files).
	Cleanup func(ctx context.Context) error
}

// NewLogger builds the process logger from the logging settings.
func NewLogger(cfg config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.LogDevelopment {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// OpenStore opens the configured durable backend, retrying while it reports
// itself unavailable. When it stays unavailable the process continues on an
// in-memory store and the result is marked degraded.
func OpenStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (durable.Store, StoreInfo, error) {
	var store durable.Store
	policy := reliability.Policy{
		Attempts: cfg.StoreOpenAttempts,
		Base:     cfg.StoreOpenBackoff,
		Cap:      8 * cfg.StoreOpenBackoff,
	}
	err := reliability.Retry(ctx, policy,
		func(err error) bool { return errors.Is(err, durable.ErrUnavailable) },
		func(attempt int, wait time.Duration, err error) {
			logger.Warn("durable store open failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		},
		func(ctx context.Context) error {
			var err error
			store, err = durable.Open(ctx, durable.Options{
				Backend:     cfg.StoreBackend,
				DatabaseURL: cfg.DatabaseURL,
				SQLitePath:  cfg.SQLitePath,
			})
			return err
		})
	if err == nil {
		return store, StoreInfo{Mode: store.Mode()}, nil
	}
	if !errors.Is(err, durable.ErrUnavailable) {
		return nil, StoreInfo{}, fmt.Errorf("durable store init failed: %w", err)
	}
	logger.Error("durable store unavailable, module state will not survive a restart",
		zap.String("backend", cfg.StoreBackend),
		zap.Error(err))
	mem := durable.NewMemoryStore()
	return mem, StoreInfo{Mode: mem.Mode(), Degraded: true, Detail: err.Error()}, nil
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	metrics.SetLatencyWindow(observability.NewSaveLatencyWindow(cfg.PerfWindowSize))

	store, info, err := OpenStore(ctx, cfg, logger.Named("durable"))
	if err != nil {
		return nil, err
	}
	metrics.SetDegraded(info.Degraded)

	state := statestore.New(store, statestore.Options{
		Modules:        cfg.Modules,
		Delay:          cfg.AutosaveDelay,
		WriteTimeout:   cfg.AutosaveWriteTimeout,
		Logger:         logger.Named("statestore"),
		Metrics:        metrics,
		FlushOnDispose: cfg.AutosaveFlushOnShutdown,
	})
	if err := state.Init(ctx); err != nil {
		_ = state.Dispose(ctx)
		_ = store.Close()
		return nil, fmt.Errorf("module state init failed: %w", err)
	}

	api := httpapi.New(cfg, state, httpapi.Options{
		Metrics:  metrics,
		Logger:   logger.Named("httpapi"),
		Degraded: info.Degraded,
	})

	cleanup := func(ctx context.Context) error {
		var errs []string
		if err := state.Dispose(ctx); err != nil {
			errs = append(errs, err.Error())
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:  cfg,
		API:     api,
		State:   state,
		Metrics: metrics,
		Store:   info,
		Logger:  logger,
		Cleanup: cleanup,
	}, nil
}
