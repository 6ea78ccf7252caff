// Package orchestrator drives ingestion runs: list, filter through the
// ledger, then download, decode, normalize and sink each remaining segment
// under a concurrency limit, committing it to the ledger last.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/galois26/archive-ingester/internal/catalog"
	"github.com/galois26/archive-ingester/internal/decode"
	"github.com/galois26/archive-ingester/internal/download"
	"github.com/galois26/archive-ingester/internal/metrics"
	"github.com/galois26/archive-ingester/internal/model"
	"github.com/galois26/archive-ingester/internal/normalize"
	"github.com/galois26/archive-ingester/internal/sink"
	"github.com/galois26/archive-ingester/internal/store"
	"github.com/galois26/archive-ingester/internal/util"
)

// ErrInterrupted marks a segment stopped by shutdown. It is retried on the
// next run and is not counted as a failure.
var ErrInterrupted = errors.New("interrupted by shutdown")

type Fetcher interface {
	Fetch(ctx context.Context, desc model.SegmentDescriptor) (*download.TempSegment, error)
}

type Ledger interface {
	Unprocessed(ctx context.Context, descs []model.SegmentDescriptor) ([]model.SegmentDescriptor, int, error)
	MarkComplete(ctx context.Context, name, fingerprint string, size, eventCount int64) error
}

type Config struct {
	Since           time.Time
	Concurrency     int
	ShutdownTimeout time.Duration // after a shutdown request, how long in-flight batches may take
	MaxRejectRatio  float64       // warn above this share of rejected lines
	ListRetry       util.RetryPolicy
	SummaryPath     string // JSON run summary, empty disables
}

type Deps struct {
	Catalog catalog.Catalog
	Ledger  Ledger
	Fetcher Fetcher
	Decoder *decode.Decoder
	Rules   *normalize.Rules
	Sink    *sink.BatchSink
	Metrics *metrics.Registry
	Logger  *zap.Logger
}

type Orchestrator struct {
	cfg Config
	Deps
	logger *zap.Logger
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if deps.Decoder == nil {
		deps.Decoder = decode.New(0)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, Deps: deps, logger: logger.With(zap.String("component", "orchestrator"))}
}

// Run performs one ingestion pass. Cancelling ctx is the shutdown signal:
// no new segment starts, segments in flight flush their current batch and
// stop, and after ShutdownTimeout the remaining work is cancelled.
// The error is non-nil only when the run could not start (catalog or ledger
// unavailable); per-segment failures are reported in the stats.
func (o *Orchestrator) Run(ctx context.Context) (model.RunStats, error) {
	stats := model.RunStats{
		RunID:            uuid.NewString(),
		StartedAt:        time.Now().UTC(),
		RejectedByReason: map[string]int64{},
	}
	log := o.logger.With(zap.String("run_id", stats.RunID))
	log.Info("run started", zap.Time("since", o.cfg.Since))

	descs, err := o.list(ctx, log)
	if err != nil {
		return stats, err
	}
	stats.SegmentsListed = len(descs)

	todo, skipped, err := o.Ledger.Unprocessed(ctx, descs)
	if err != nil {
		return stats, err
	}
	stats.SegmentsSkipped = skipped
	for i := 0; i < skipped; i++ {
		o.Metrics.IncSegment(string(model.OutcomeSkipped))
	}
	log.Info("segments to process", zap.Int("listed", len(descs)), zap.Int("current", skipped), zap.Int("todo", len(todo)))

	hard, cancelHard := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHard()
	var timerMu sync.Mutex
	var hardTimer *time.Timer
	stopWatch := context.AfterFunc(ctx, func() {
		log.Warn("shutdown requested, finishing current batches", zap.Duration("timeout", o.cfg.ShutdownTimeout))
		timerMu.Lock()
		hardTimer = time.AfterFunc(o.cfg.ShutdownTimeout, cancelHard)
		timerMu.Unlock()
	})
	defer func() {
		stopWatch()
		timerMu.Lock()
		if hardTimer != nil {
			hardTimer.Stop()
		}
		timerMu.Unlock()
	}()

	results := make(chan model.SegmentResult, len(todo))
	sem := make(chan struct{}, o.cfg.Concurrency)
	var wg sync.WaitGroup
	started := 0
admit:
	for _, d := range todo {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break admit
		}
		if ctx.Err() != nil {
			<-sem
			break admit
		}
		started++
		wg.Add(1)
		go func(d model.SegmentDescriptor) {
			defer wg.Done()
			defer func() { <-sem }()
			results <- o.processSegment(ctx, hard, d, log)
		}(d)
	}
	if started < len(todo) {
		log.Info("segments not started due to shutdown", zap.Int("count", len(todo)-started))
	}
	wg.Wait()
	close(results)

	for r := range results {
		stats.Add(r)
		o.Metrics.IncSegment(string(r.Outcome))
		o.Metrics.AddEvents("filtered", r.Filtered)
		for reason, n := range r.Rejected {
			o.Metrics.AddRejections(reason, n)
		}
	}
	stats.FinishedAt = time.Now().UTC()
	o.Metrics.RunFinished(stats.FinishedAt)

	log.Info("run finished",
		zap.Duration("took", stats.FinishedAt.Sub(stats.StartedAt)),
		zap.Int("listed", stats.SegmentsListed),
		zap.Int("processed", stats.SegmentsProcessed),
		zap.Int("skipped", stats.SegmentsSkipped),
		zap.Int("failed", stats.SegmentsFailed),
		zap.Int("not_found", stats.SegmentsNotFound),
		zap.Int("too_large", stats.SegmentsTooLarge),
		zap.Int("interrupted", stats.SegmentsInterrupted),
		zap.Int64("events_written", stats.EventsWritten),
		zap.Int64("events_failed", stats.EventsFailed),
		zap.Int64("events_rejected", stats.EventsRejected),
		zap.Int64("events_filtered", stats.EventsFiltered),
		zap.Int64("bytes", stats.BytesTransferred),
	)
	if o.cfg.SummaryPath != "" {
		if err := store.SaveRunSummary(o.cfg.SummaryPath, stats); err != nil {
			log.Warn("save run summary", zap.String("path", o.cfg.SummaryPath), zap.Error(err))
		}
	}
	return stats, nil
}

// list materializes the catalog, retrying the whole listing on failure.
// Duplicate names keep the last descriptor.
func (o *Orchestrator) list(ctx context.Context, log *zap.Logger) ([]model.SegmentDescriptor, error) {
	policy := o.cfg.ListRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		o.Metrics.IncRetry("list")
		log.Warn("retrying catalog listing", zap.Int("attempt", attempt+1), zap.Duration("backoff", delay), zap.Error(err))
	}
	var descs []model.SegmentDescriptor
	err := util.Retry(ctx, policy, func(int) error {
		descs = descs[:0]
		for d, err := range o.Catalog.List(ctx, o.cfg.Since) {
			if err != nil {
				return err
			}
			descs = append(descs, d)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, catalog.ErrUnavailable) {
			err = fmt.Errorf("%w: %w", catalog.ErrUnavailable, err)
		}
		return nil, err
	}

	index := make(map[string]int, len(descs))
	out := descs[:0]
	for _, d := range descs {
		if i, ok := index[d.Name]; ok {
			out[i] = d
			continue
		}
		index[d.Name] = len(out)
		out = append(out, d)
	}
	return out, nil
}
