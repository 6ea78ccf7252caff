package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/galois26/archive-ingester/internal/model"
	"github.com/galois26/archive-ingester/internal/store"
)

// Ledger answers "already ingested?" from the processed_segments table.
// A segment counts as ingested only once MarkComplete has returned.
type Ledger struct {
	store  store.Store
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*nameLock
}

type nameLock struct {
	mu   sync.Mutex
	refs int
}

func New(st store.Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:  st,
		logger: logger.With(zap.String("component", "ledger")),
		locks:  make(map[string]*nameLock),
	}
}

// IsCurrent reports whether a complete record matches d's fingerprint and size.
func (l *Ledger) IsCurrent(ctx context.Context, d model.SegmentDescriptor) (bool, error) {
	recs, err := l.store.GetProcessed(ctx, []string{d.Name})
	if err != nil {
		return false, fmt.Errorf("ledger lookup %s: %w", d.Name, err)
	}
	rec, ok := recs[d.Name]
	return ok && rec.Matches(d), nil
}

// Unprocessed returns the descriptors that still need ingestion, in input
// order, and how many were skipped as current.
func (l *Ledger) Unprocessed(ctx context.Context, descs []model.SegmentDescriptor) ([]model.SegmentDescriptor, int, error) {
	if len(descs) == 0 {
		return nil, 0, nil
	}
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	recs, err := l.store.GetProcessed(ctx, names)
	if err != nil {
		return nil, 0, fmt.Errorf("ledger lookup: %w", err)
	}
	out := make([]model.SegmentDescriptor, 0, len(descs))
	skipped := 0
	for _, d := range descs {
		rec, ok := recs[d.Name]
		switch {
		case ok && rec.Matches(d):
			skipped++
			continue
		case ok:
			l.logger.Info("segment changed since last ingest",
				zap.String("segment", d.Name),
				zap.String("old_fingerprint", rec.Fingerprint), zap.String("new_fingerprint", d.Fingerprint),
				zap.Int64("old_size", rec.Size), zap.Int64("new_size", d.Size))
		}
		out = append(out, d)
	}
	return out, skipped, nil
}

// MarkComplete records the segment as fully ingested. Calls for the same
// name are serialized; the last one wins.
func (l *Ledger) MarkComplete(ctx context.Context, name, fingerprint string, size, eventCount int64) error {
	unlock := l.lock(name)
	defer unlock()

	rec := model.ProcessedRecord{
		Name:        name,
		Fingerprint: fingerprint,
		Size:        size,
		EventCount:  eventCount,
		ProcessedAt: time.Now().UTC(),
		Complete:    true,
	}
	if err := l.store.UpsertProcessed(ctx, rec); err != nil {
		return fmt.Errorf("mark complete %s: %w", name, err)
	}
	l.logger.Debug("segment marked complete", zap.String("segment", name), zap.Int64("events", eventCount))
	return nil
}

// List returns the most recently processed records, newest first.
func (l *Ledger) List(ctx context.Context, limit int) ([]model.ProcessedRecord, error) {
	return l.store.ListProcessed(ctx, limit)
}

func (l *Ledger) lock(name string) func() {
	l.mu.Lock()
	nl, ok := l.locks[name]
	if !ok {
		nl = &nameLock{}
		l.locks[name] = nl
	}
	nl.refs++
	l.mu.Unlock()

	nl.mu.Lock()
	return func() {
		nl.mu.Unlock()
		l.mu.Lock()
		nl.refs--
		if nl.refs == 0 {
			delete(l.locks, name)
		}
		l.mu.Unlock()
	}
}
