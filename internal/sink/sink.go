package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/galois26/archive-ingester/internal/metrics"
	"github.com/galois26/archive-ingester/internal/model"
	"github.com/galois26/archive-ingester/internal/store"
	"github.com/galois26/archive-ingester/internal/util"
)

// ErrSinkUnavailable means a batch could not be written at all; the
// segment must be retried on a later run.
var ErrSinkUnavailable = errors.New("sink unavailable")

// Writer is the store side of the sink.
type Writer interface {
	UpsertEvents(ctx context.Context, events []model.NormalizedEvent) (store.BatchResult, error)
}

// Gate is the part of the governor consulted before each flush.
type Gate interface {
	Wait(ctx context.Context, component string) error
	BatchLimit(n int) int
}

type Config struct {
	BatchSize int
	Retry     util.RetryPolicy
}

// BatchSink writes events in idempotent upsert batches.
type BatchSink struct {
	cfg     Config
	w       Writer
	gate    Gate
	metrics *metrics.Registry
	logger  *zap.Logger
}

func New(cfg Config, w Writer, gate Gate, m *metrics.Registry, logger *zap.Logger) *BatchSink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchSink{cfg: cfg, w: w, gate: gate, metrics: m, logger: logger.With(zap.String("component", "sink"))}
}

// Write upserts events in one transaction after the gate lets it through.
// Store outages are retried; rows the store refuses are returned as failed.
func (s *BatchSink) Write(ctx context.Context, events []model.NormalizedEvent) (int, []int64, error) {
	if len(events) == 0 {
		return 0, nil, nil
	}
	if err := s.gate.Wait(ctx, "sink"); err != nil {
		if ctx.Err() != nil {
			return 0, nil, err
		}
		return 0, nil, fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
	}

	policy := s.cfg.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.metrics.IncRetry("flush")
		s.logger.Warn("retrying batch", zap.Int("attempt", attempt+1), zap.Int("events", len(events)), zap.Duration("backoff", delay), zap.Error(err))
	}
	var res store.BatchResult
	start := time.Now()
	err := util.Retry(ctx, policy, func(int) error {
		r, err := s.w.UpsertEvents(ctx, events)
		if err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				return err
			}
			return util.Stop(err)
		}
		res = r
		return nil
	})
	s.metrics.ObserveFlush(time.Since(start))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
	}
	s.metrics.AddEvents("written", int64(res.Written))
	s.metrics.AddEvents("failed", int64(len(res.Failed)))
	return res.Written, res.Failed, nil
}

// Open starts an accumulator for one segment.
func (s *BatchSink) Open(segment string) *Batch {
	return &Batch{
		sink:   s,
		logger: s.logger.With(zap.String("segment", segment)),
		buf:    make([]model.NormalizedEvent, 0, s.cfg.BatchSize),
	}
}

// Batch buffers a segment's events and flushes once the effective batch
// size is reached. The effective size shrinks while the host is under
// pressure. Not safe for concurrent use.
type Batch struct {
	sink    *BatchSink
	logger  *zap.Logger
	buf     []model.NormalizedEvent
	written int64
	failed  []int64
	flushes int
}

// Add buffers ev, flushing first if the buffer is full.
func (b *Batch) Add(ctx context.Context, ev model.NormalizedEvent) error {
	b.buf = append(b.buf, ev)
	if len(b.buf) >= b.sink.gate.BatchLimit(b.sink.cfg.BatchSize) {
		return b.Flush(ctx)
	}
	return nil
}

// Flush writes whatever is buffered. On error the buffer is kept.
func (b *Batch) Flush(ctx context.Context) error {
	if len(b.buf) == 0 {
		return nil
	}
	n, failed, err := b.sink.Write(ctx, b.buf)
	if err != nil {
		return err
	}
	b.flushes++
	b.written += int64(n)
	if len(failed) > 0 {
		b.failed = append(b.failed, failed...)
		b.logger.Warn("rows rejected by store", zap.Int("count", len(failed)), zap.Int64s("ids", failed[:min(len(failed), 10)]))
	}
	clear(b.buf)
	b.buf = b.buf[:0]
	return nil
}

func (b *Batch) Pending() int { return len(b.buf) }
func (b *Batch) Written() int64 { return b.written }
func (b *Batch) Failed() []int64 { return b.failed }
func (b *Batch) Flushes() int { return b.flushes }
