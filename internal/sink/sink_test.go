package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/galois26/archive-ingester/internal/governor"
	"github.com/galois26/archive-ingester/internal/model"
	"github.com/galois26/archive-ingester/internal/store"
	"github.com/galois26/archive-ingester/internal/util"
)

type fakeWriter struct {
	mu       sync.Mutex
	failures []error // returned in order before succeeding
	calls    int
	batches  [][]int64
	reject   map[int64]bool
}

func (w *fakeWriter) UpsertEvents(_ context.Context, events []model.NormalizedEvent) (store.BatchResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if len(w.failures) > 0 {
		err := w.failures[0]
		w.failures = w.failures[1:]
		return store.BatchResult{}, err
	}
	var res store.BatchResult
	ids := make([]int64, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
		if w.reject[ev.ID] {
			res.Failed = append(res.Failed, ev.ID)
			continue
		}
		res.Written++
	}
	w.batches = append(w.batches, ids)
	return res, nil
}

type fakeGate struct {
	limit func(n int) int
	err   error
	waits int
}

func (g *fakeGate) Wait(ctx context.Context, _ string) error {
	g.waits++
	if g.err != nil {
		return g.err
	}
	return ctx.Err()
}

func (g *fakeGate) BatchLimit(n int) int {
	if g.limit != nil {
		return g.limit(n)
	}
	return n
}

func testRetry() util.RetryPolicy {
	return util.RetryPolicy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}
}

func event(id int64) model.NormalizedEvent {
	return model.NormalizedEvent{ID: id, Type: "PushEvent", OccurredAt: time.Unix(1704067200, 0).UTC(), Raw: json.RawMessage(`{}`), SourceSegment: "s"}
}

func TestBatch_FlushesAtBatchSize(t *testing.T) {
	w := &fakeWriter{}
	gate := &fakeGate{}
	s := New(Config{BatchSize: 3, Retry: testRetry()}, w, gate, nil, zaptest.NewLogger(t))
	b := s.Open("seg")

	ctx := context.Background()
	for i := int64(1); i <= 7; i++ {
		require.NoError(t, b.Add(ctx, event(i)))
	}
	assert.Equal(t, 1, b.Pending())
	require.NoError(t, b.Flush(ctx))

	assert.Equal(t, [][]int64{{1, 2, 3}, {4, 5, 6}, {7}}, w.batches)
	assert.EqualValues(t, 7, b.Written())
	assert.Equal(t, 3, b.Flushes())
	assert.Equal(t, 3, gate.waits, "gate consulted before every flush")
}

func TestBatch_ShrinksUnderPressure(t *testing.T) {
	w := &fakeWriter{}
	shrunk := false
	gate := &fakeGate{limit: func(n int) int {
		if shrunk {
			return max(1, n/4)
		}
		return n
	}}
	s := New(Config{BatchSize: 8, Retry: testRetry()}, w, gate, nil, zaptest.NewLogger(t))
	b := s.Open("seg")
	ctx := context.Background()

	for i := int64(1); i <= 8; i++ {
		require.NoError(t, b.Add(ctx, event(i)))
	}
	shrunk = true
	for i := int64(9); i <= 12; i++ {
		require.NoError(t, b.Add(ctx, event(i)))
	}
	assert.Equal(t, [][]int64{{1, 2, 3, 4, 5, 6, 7, 8}, {9, 10}, {11, 12}}, w.batches)
}

func TestWrite_RetriesStoreOutage(t *testing.T) {
	outage := fmt.Errorf("begin: %w: connection refused", store.ErrUnavailable)
	w := &fakeWriter{failures: []error{outage, outage}}
	s := New(Config{BatchSize: 10, Retry: testRetry()}, w, &fakeGate{}, nil, zaptest.NewLogger(t))

	n, failed, err := s.Write(context.Background(), []model.NormalizedEvent{event(1), event(2)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, failed)
	assert.Equal(t, 3, w.calls)
}

func TestWrite_OutageExhaustedIsSinkUnavailable(t *testing.T) {
	outage := fmt.Errorf("%w: down", store.ErrUnavailable)
	w := &fakeWriter{failures: []error{outage, outage, outage, outage}}
	s := New(Config{BatchSize: 10, Retry: testRetry()}, w, &fakeGate{}, nil, zaptest.NewLogger(t))
	b := s.Open("seg")

	require.NoError(t, b.Add(context.Background(), event(1)))
	err := b.Flush(context.Background())
	require.ErrorIs(t, err, ErrSinkUnavailable)
	assert.Equal(t, 3, w.calls)
	assert.Equal(t, 1, b.Pending(), "buffer kept on failure")
}

func TestWrite_OtherErrorsNotRetried(t *testing.T) {
	w := &fakeWriter{failures: []error{errors.New("encode failed")}}
	s := New(Config{BatchSize: 10, Retry: testRetry()}, w, &fakeGate{}, nil, zaptest.NewLogger(t))

	_, _, err := s.Write(context.Background(), []model.NormalizedEvent{event(1)})
	require.ErrorIs(t, err, ErrSinkUnavailable)
	assert.Equal(t, 1, w.calls)
}

func TestWrite_RecordFailuresDoNotAbortBatch(t *testing.T) {
	w := &fakeWriter{reject: map[int64]bool{2: true}}
	s := New(Config{BatchSize: 10, Retry: testRetry()}, w, &fakeGate{}, nil, zaptest.NewLogger(t))
	b := s.Open("seg")
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, b.Add(ctx, event(i)))
	}
	require.NoError(t, b.Flush(ctx))
	assert.EqualValues(t, 2, b.Written())
	assert.Equal(t, []int64{2}, b.Failed())
}

func TestWrite_SustainedPressure(t *testing.T) {
	w := &fakeWriter{}
	gate := &fakeGate{err: governor.ErrSustainedPressure}
	s := New(Config{BatchSize: 10, Retry: testRetry()}, w, gate, nil, zaptest.NewLogger(t))

	_, _, err := s.Write(context.Background(), []model.NormalizedEvent{event(1)})
	require.ErrorIs(t, err, ErrSinkUnavailable)
	require.ErrorIs(t, err, governor.ErrSustainedPressure)
	assert.Zero(t, w.calls)
}

func TestBatchSink_UpsertAcrossRunsKeepsLatestPayload(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "sink.db"), logger)
	require.NoError(t, err)
	defer st.Close()

	for i, payload := range []string{`{"v":1}`, `{"v":2}`} {
		s := New(Config{BatchSize: 10, Retry: testRetry()}, st, &fakeGate{}, nil, logger)
		b := s.Open(fmt.Sprintf("run-%d", i))
		ev := event(41234567890)
		ev.Payload = json.RawMessage(payload)
		require.NoError(t, b.Add(ctx, ev))
		require.NoError(t, b.Flush(ctx))
	}

	n, err := st.CountEvents(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	got, err := st.LookupEvent(ctx, 41234567890)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(got.Payload))
}
