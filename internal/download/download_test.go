package download

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/galois26/archive-ingester/internal/model"
	"github.com/galois26/archive-ingester/internal/util"
)

// fakeGate records temp registrations and can hold the blockAt-th Wait.
type fakeGate struct {
	mu       sync.Mutex
	waits    int
	blockAt  int
	held     chan struct{} // closed when the blocking Wait starts
	release  chan struct{}
	temps    map[string]bool
	released []string
}

func newFakeGate() *fakeGate {
	return &fakeGate{temps: map[string]bool{}, held: make(chan struct{}), release: make(chan struct{})}
}

func (g *fakeGate) Wait(ctx context.Context, component string) error {
	g.mu.Lock()
	g.waits++
	block := g.blockAt > 0 && g.waits == g.blockAt
	g.mu.Unlock()
	if !block {
		return ctx.Err()
	}
	close(g.held)
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *fakeGate) RegisterTemp(_ context.Context, path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.temps[path] = true
}

func (g *fakeGate) ReleaseTemp(path string) error {
	g.mu.Lock()
	g.released = append(g.released, path)
	g.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func testConfig(t *testing.T) Config {
	return Config{
		Concurrency:      4,
		TempDir:          t.TempDir(),
		IdleTimeout:      2 * time.Second,
		CheckEveryChunks: 1,
		Retry:            util.RetryPolicy{Attempts: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond},
	}
}

func newTestDownloader(t *testing.T, cfg Config, gate Gate) *Downloader {
	return New(cfg, util.NewHTTPClient(0, cfg.Concurrency), nil, gate, nil, zaptest.NewLogger(t))
}

func segment(url string) model.SegmentDescriptor {
	return model.SegmentDescriptor{Name: "2024-01-01-0", URL: url}
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestFetch_Success(t *testing.T) {
	body := payload(300 << 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	gate := newFakeGate()
	d := newTestDownloader(t, testConfig(t), gate)
	tmp, err := d.Fetch(context.Background(), segment(srv.URL+"/2024-01-01-0.json.gz"))
	require.NoError(t, err)

	got, err := os.ReadFile(tmp.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(body, got))
	assert.EqualValues(t, len(body), tmp.Bytes)
	assert.Equal(t, 1, tmp.Attempts)
	assert.True(t, gate.temps[tmp.Path])
	assert.Greater(t, gate.waits, 1, "gate consulted before and during the transfer")

	require.NoError(t, tmp.Release())
	require.NoError(t, tmp.Release())
	_, err = os.Stat(tmp.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestFetch_NotFoundFirstAttemptNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := newTestDownloader(t, testConfig(t), newFakeGate())
	_, err := d.Fetch(context.Background(), segment(srv.URL))
	require.ErrorIs(t, err, ErrNotFound)
	assert.EqualValues(t, 1, calls.Load())
}

func TestFetch_TimeoutsThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.IdleTimeout = 50 * time.Millisecond
	d := newTestDownloader(t, cfg, newFakeGate())
	tmp, err := d.Fetch(context.Background(), segment(srv.URL))
	require.NoError(t, err)
	defer tmp.Release()
	assert.Equal(t, 3, tmp.Attempts)
	assert.EqualValues(t, 3, calls.Load())
}

func TestFetch_TransientExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	d := newTestDownloader(t, cfg, newFakeGate())
	_, err := d.Fetch(context.Background(), segment(srv.URL))
	require.ErrorIs(t, err, ErrTransferFailed)
	assert.EqualValues(t, 3, calls.Load())

	entries, err := os.ReadDir(cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetch_RetryWaitsOnGate(t *testing.T) {
	var calls atomic.Int32
	body := payload(4 << 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	// the second Wait is the one in front of the retry
	gate := newFakeGate()
	gate.blockAt = 2
	d := newTestDownloader(t, testConfig(t), gate)

	type result struct {
		tmp *TempSegment
		err error
	}
	done := make(chan result, 1)
	go func() {
		tmp, err := d.Fetch(context.Background(), segment(srv.URL))
		done <- result{tmp, err}
	}()

	<-gate.held
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load(), "retry sent while the gate was closed")
	close(gate.release)

	res := <-done
	require.NoError(t, res.err)
	defer res.tmp.Release()
	assert.Equal(t, 2, res.tmp.Attempts)
	assert.EqualValues(t, 2, calls.Load())
}

func TestFetch_PermanentStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	d := newTestDownloader(t, testConfig(t), newFakeGate())
	_, err := d.Fetch(context.Background(), segment(srv.URL))
	require.ErrorIs(t, err, ErrTransferFailed)
	assert.EqualValues(t, 1, calls.Load())
}

func TestFetch_SizeLimit(t *testing.T) {
	body := payload(200 << 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("chunked") == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.Write(body)
			return
		}
		for i := 0; i < len(body); i += 40 << 10 {
			w.Write(body[i : i+40<<10])
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.MaxBytes = 100 << 10
	d := newTestDownloader(t, cfg, newFakeGate())

	desc := segment(srv.URL)
	desc.Size = 200 << 10
	_, err := d.Fetch(context.Background(), desc)
	require.ErrorIs(t, err, ErrSizeLimitExceeded, "listed size")

	_, err = d.Fetch(context.Background(), segment(srv.URL))
	require.ErrorIs(t, err, ErrSizeLimitExceeded, "content length")

	_, err = d.Fetch(context.Background(), segment(srv.URL+"/?chunked=1"))
	require.ErrorIs(t, err, ErrSizeLimitExceeded, "streamed bytes")

	entries, err := os.ReadDir(cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetch_PausesWithoutDataLoss(t *testing.T) {
	body := payload(512 << 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	gate := newFakeGate()
	gate.blockAt = 3
	cfg := testConfig(t)
	cfg.IdleTimeout = 100 * time.Millisecond
	d := newTestDownloader(t, cfg, gate)

	done := make(chan struct{})
	var tmp *TempSegment
	var err error
	go func() {
		defer close(done)
		tmp, err = d.Fetch(context.Background(), segment(srv.URL))
	}()

	<-gate.held
	select {
	case <-done:
		t.Fatal("transfer finished while paused")
	case <-time.After(300 * time.Millisecond):
	}
	close(gate.release)
	<-done

	require.NoError(t, err)
	defer tmp.Release()
	got, rerr := os.ReadFile(tmp.Path)
	require.NoError(t, rerr)
	assert.True(t, bytes.Equal(body, got))
	assert.Equal(t, 1, tmp.Attempts, "pause longer than the idle timeout is not a timeout")
}

func TestFetch_CancelRemovesTempFile(t *testing.T) {
	body := payload(512 << 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	gate := newFakeGate()
	gate.blockAt = 2
	cfg := testConfig(t)
	d := newTestDownloader(t, cfg, gate)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := d.Fetch(ctx, segment(srv.URL))
		errc <- err
	}()
	<-gate.held
	cancel()

	err := <-errc
	require.ErrorIs(t, err, context.Canceled)
	entries, rerr := os.ReadDir(cfg.TempDir)
	require.NoError(t, rerr)
	assert.Empty(t, entries)
	assert.Len(t, gate.released, 1)
}

func TestFetch_BoundedConcurrency(t *testing.T) {
	var inflight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inflight.Add(-1)
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Concurrency = 2
	d := newTestDownloader(t, cfg, newFakeGate())

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tmp, err := d.Fetch(context.Background(), segment(srv.URL))
			if assert.NoError(t, err) {
				tmp.Release()
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}
