package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/galois26/archive-ingester/internal/catalog"
	"github.com/galois26/archive-ingester/internal/config"
	"github.com/galois26/archive-ingester/internal/decode"
	"github.com/galois26/archive-ingester/internal/download"
	"github.com/galois26/archive-ingester/internal/governor"
	"github.com/galois26/archive-ingester/internal/ledger"
	"github.com/galois26/archive-ingester/internal/metrics"
	"github.com/galois26/archive-ingester/internal/model"
	"github.com/galois26/archive-ingester/internal/normalize"
	"github.com/galois26/archive-ingester/internal/orchestrator"
	"github.com/galois26/archive-ingester/internal/sink"
	"github.com/galois26/archive-ingester/internal/store"
	"github.com/galois26/archive-ingester/internal/util"
)

func newLogger(lc config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if strings.EqualFold(lc.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.With(zap.String("service", "archive-ingester")), nil
}

// app owns the long-lived pieces shared by every ingestion pass.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   store.Store
	gov     *governor.Governor
	metrics *metrics.Registry
	server  *metrics.Server
	orch    *orchestrator.Orchestrator
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	p := cfg.Pipeline
	if err := os.MkdirAll(p.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	since, err := cfg.Since()
	if err != nil {
		return nil, err
	}
	until, err := cfg.Until()
	if err != nil {
		return nil, err
	}

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	st, err := store.Open(openCtx, cfg.Store.Driver, cfg.Store.DSN, cfg.Store.MaxConns, logger)
	if err != nil {
		return nil, err
	}
	a.store = st
	if err := a.store.Ping(openCtx); err != nil {
		return nil, fmt.Errorf("store unreachable: %w", err)
	}

	sampler, err := governor.NewHostSampler("", cfg.Governor.DiskPath)
	if err != nil {
		return nil, fmt.Errorf("host sampler: %w", err)
	}
	g := cfg.Governor
	a.gov = governor.New(governor.Config{
		Thresholds: governor.Thresholds{
			MemoryWarning: g.MemoryWarningPct, MemoryCritical: g.MemoryCriticalPct,
			DiskWarning: g.DiskWarningPct, DiskCritical: g.DiskCriticalPct,
			CPUWarning: g.CPUWarningPct, CPUCritical: g.CPUCriticalPct,
		},
		PollInterval: g.PollInterval,
		MaxPause:     g.MaxPause,
		TempDir:      p.TempDir,
		Logger:       logger,
		Metrics:      a.metrics,
	}, sampler)
	if err := a.gov.Start(ctx); err != nil {
		return nil, err
	}

	if addr := cfg.Metrics.ListenAddress; addr != "" {
		a.server = metrics.NewServer(addr, a.metrics)
		go func() {
			logger.Info("serving /metrics", zap.String("addr", addr))
			if err := a.server.Serve(); err != nil {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	limiter := util.NewLimiter(cfg.Source.RequestsPerSecond, cfg.Source.Burst)
	cat, err := catalog.NewFromConfig(cfg.Source, until, util.NewHTTPClient(p.RequestTimeout, 2), limiter, logger)
	if err != nil {
		return nil, err
	}
	rules, err := normalize.NewRules(p.IncludeTypes, p.ExcludeTypes)
	if err != nil {
		return nil, err
	}
	retry := util.RetryPolicy{Attempts: p.MaxRetries, Initial: p.Backoff, Max: p.MaxBackoff}

	// transfers are bounded by the idle timeout, not by a whole-request deadline
	dl := download.New(download.Config{
		Concurrency:      p.Concurrency,
		MaxBytes:         p.MaxSegmentBytes,
		IdleTimeout:      p.RequestTimeout,
		TempDir:          p.TempDir,
		UserAgent:        cfg.Source.UserAgent,
		CheckEveryChunks: p.CheckEveryChunks,
		Retry:            retry,
	}, util.NewHTTPClient(0, p.Concurrency), limiter, a.gov, a.metrics, logger)

	sk := sink.New(sink.Config{BatchSize: p.BatchSize, Retry: retry}, a.store, a.gov, a.metrics, logger)

	a.orch = orchestrator.New(orchestrator.Config{
		Since:           since,
		Concurrency:     p.Concurrency,
		ShutdownTimeout: p.ShutdownTimeout,
		MaxRejectRatio:  p.MaxRejectRatio,
		ListRetry:       retry,
		SummaryPath:     cfg.State.SummaryPath,
	}, orchestrator.Deps{
		Catalog: cat,
		Ledger:  ledger.New(a.store, logger),
		Fetcher: dl,
		Decoder: decode.New(p.MaxLineBytes),
		Rules:   rules,
		Sink:    sk,
		Metrics: a.metrics,
		Logger:  logger,
	})
	ok = true
	return a, nil
}

// RunOnce performs one ingestion pass.
func (a *app) RunOnce(ctx context.Context) (model.RunStats, error) {
	stats, err := a.orch.Run(ctx)
	if a.cfg.Metrics.Snapshot {
		if snap := a.metrics.Dump(); snap != "" {
			a.logger.Info("metrics snapshot", zap.String("metrics", snap))
		}
	}
	return stats, err
}

func (a *app) Close() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown", zap.Error(err))
		}
		cancel()
	}
	if a.gov != nil {
		a.gov.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", zap.Error(err))
		}
	}
}
