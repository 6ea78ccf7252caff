package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/galois26/archive-ingester/internal/governor"
	"github.com/galois26/archive-ingester/internal/metrics"
	"github.com/galois26/archive-ingester/internal/model"
	"github.com/galois26/archive-ingester/internal/util"
)

var (
	// ErrNotFound: the segment answered 404 on the first attempt.
	ErrNotFound = errors.New("segment not found")
	// ErrTransferFailed: retries exhausted or a permanent HTTP error.
	ErrTransferFailed = errors.New("transfer failed")
	// ErrSizeLimitExceeded: the segment is larger than the configured ceiling.
	ErrSizeLimitExceeded = errors.New("segment size limit exceeded")
)

const chunkSize = 64 << 10

// Gate is the part of the governor the downloader depends on.
type Gate interface {
	Wait(ctx context.Context, component string) error
	RegisterTemp(owner context.Context, path string)
	ReleaseTemp(path string) error
}

type Config struct {
	Concurrency      int
	MaxBytes         int64         // 0 disables the ceiling
	IdleTimeout      time.Duration // per attempt, time without progress; paused time is excluded
	TempDir          string
	UserAgent        string
	CheckEveryChunks int
	Retry            util.RetryPolicy
}

// Downloader fetches segments into temp files, at most Concurrency at a time.
type Downloader struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	gate    Gate
	metrics *metrics.Registry
	logger  *zap.Logger
	sem     chan struct{}
}

func New(cfg Config, client *http.Client, limiter *rate.Limiter, gate Gate, m *metrics.Registry, logger *zap.Logger) *Downloader {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.CheckEveryChunks <= 0 {
		cfg.CheckEveryChunks = 64
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if client == nil {
		client = util.NewHTTPClient(0, cfg.Concurrency)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		cfg:     cfg,
		client:  client,
		limiter: limiter,
		gate:    gate,
		metrics: m,
		logger:  logger.With(zap.String("component", "downloader")),
		sem:     make(chan struct{}, cfg.Concurrency),
	}
}

// TempSegment is a downloaded segment on disk. The caller owns it and must
// call Release on every path.
type TempSegment struct {
	Path     string
	Bytes    int64
	Attempts int

	gate Gate
	once sync.Once
	err  error
}

func (t *TempSegment) Open() (*os.File, error) { return os.Open(t.Path) }

// Release deletes the file. Safe to call more than once.
func (t *TempSegment) Release() error {
	t.once.Do(func() { t.err = t.gate.ReleaseTemp(t.Path) })
	return t.err
}

// Fetch downloads desc. The temp file is registered with the gate under
// ctx, so it becomes reclaimable once ctx is done.
func (d *Downloader) Fetch(ctx context.Context, desc model.SegmentDescriptor) (*TempSegment, error) {
	log := d.logger.With(zap.String("segment", desc.Name))
	if d.cfg.MaxBytes > 0 && desc.Size > d.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrSizeLimitExceeded, desc.Name, desc.Size, d.cfg.MaxBytes)
	}

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-d.sem }()

	policy := d.cfg.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		d.metrics.IncRetry("download")
		log.Warn("retrying download", zap.Int("attempt", attempt+1), zap.Duration("backoff", delay), zap.Error(err))
	}
	var tmp *TempSegment
	attempts := 0
	err := util.Retry(ctx, policy, func(attempt int) error {
		attempts = attempt + 1
		// every attempt, retries included, starts only once the host is out of Critical
		if err := d.gate.Wait(ctx, "download"); err != nil {
			return util.Stop(err)
		}
		t, err := d.attempt(ctx, desc, attempt)
		if err != nil {
			return err
		}
		tmp = t
		return nil
	})
	if err != nil {
		return nil, d.classify(ctx, desc, attempts, err)
	}
	tmp.Attempts = attempts
	d.metrics.AddBytes(tmp.Bytes)
	log.Debug("segment downloaded", zap.Int64("bytes", tmp.Bytes), zap.Int("attempts", attempts))
	return tmp, nil
}

func (d *Downloader) classify(ctx context.Context, desc model.SegmentDescriptor, attempts int, err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrSizeLimitExceeded), errors.Is(err, ErrTransferFailed):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("download %s: %w", desc.Name, ctx.Err())
	case errors.Is(err, governor.ErrSustainedPressure):
		return fmt.Errorf("%w: %s: %w", ErrTransferFailed, desc.Name, err)
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrTransferFailed, desc.Name, attempts, err)
}

// attempt performs one GET into a fresh temp file. Errors wrapped with
// util.Stop are not retried.
func (d *Downloader) attempt(ctx context.Context, desc model.SegmentDescriptor, attempt int) (*TempSegment, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	var idle *time.Timer
	if d.cfg.IdleTimeout > 0 {
		idle = time.AfterFunc(d.cfg.IdleTimeout, cancel)
		defer idle.Stop()
	}
	timedOut := func(err error) error {
		if ctx.Err() == nil && actx.Err() != nil {
			return fmt.Errorf("no progress for %s: %w", d.cfg.IdleTimeout, err)
		}
		return err
	}

	req, err := http.NewRequestWithContext(actx, http.MethodGet, desc.URL, nil)
	if err != nil {
		return nil, util.Stop(fmt.Errorf("%w: %w", ErrTransferFailed, err))
	}
	if d.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", d.cfg.UserAgent)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, timedOut(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound && attempt == 0:
		return nil, util.Stop(fmt.Errorf("%w: %s", ErrNotFound, desc.Name))
	case resp.StatusCode == http.StatusNotFound:
		// it existed a moment ago; treat as a flaky mirror
		return nil, fmt.Errorf("status 404 on retry")
	case resp.StatusCode/100 == 2:
	case util.IsTransientStatus(resp.StatusCode):
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	default:
		return nil, util.Stop(fmt.Errorf("%w: status %d", ErrTransferFailed, resp.StatusCode))
	}
	if d.cfg.MaxBytes > 0 && resp.ContentLength > d.cfg.MaxBytes {
		return nil, util.Stop(fmt.Errorf("%w: content length %d, limit %d", ErrSizeLimitExceeded, resp.ContentLength, d.cfg.MaxBytes))
	}

	f, err := os.CreateTemp(d.cfg.TempDir, governor.TempPrefix+"*.json.gz")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	d.gate.RegisterTemp(ctx, f.Name())
	tmp := &TempSegment{Path: f.Name(), gate: d.gate}
	ok := false
	defer func() {
		if !ok {
			f.Close()
			_ = tmp.Release()
		}
	}()

	n, err := d.copy(actx, f, resp.Body, idle)
	if err != nil {
		return nil, timedOut(err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return nil, fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	ok = true
	tmp.Bytes = n
	return tmp, nil
}

// copy streams body to w in chunks, checking the gate every
// CheckEveryChunks chunks. While the gate holds the transfer the idle
// timer is stopped.
func (d *Downloader) copy(ctx context.Context, w io.Writer, body io.Reader, idle *time.Timer) (int64, error) {
	buf := make([]byte, chunkSize)
	var total int64
	chunks := 0
	for {
		nr, rerr := body.Read(buf)
		if nr > 0 {
			total += int64(nr)
			if d.cfg.MaxBytes > 0 && total > d.cfg.MaxBytes {
				return total, util.Stop(fmt.Errorf("%w: more than %d bytes", ErrSizeLimitExceeded, d.cfg.MaxBytes))
			}
			if _, err := w.Write(buf[:nr]); err != nil {
				return total, fmt.Errorf("write temp file: %w", err)
			}
			if idle != nil {
				idle.Reset(d.cfg.IdleTimeout)
			}
			chunks++
			if chunks%d.cfg.CheckEveryChunks == 0 {
				if idle != nil {
					idle.Stop()
				}
				if err := d.gate.Wait(ctx, "download"); err != nil {
					return total, util.Stop(err)
				}
				if idle != nil {
					idle.Reset(d.cfg.IdleTimeout)
				}
			}
		}
		if errors.Is(rerr, io.EOF) {
			return total, nil
		}
		if rerr != nil {
			return total, fmt.Errorf("read body: %w", rerr)
		}
	}
}
