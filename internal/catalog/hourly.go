package catalog

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/galois26/archive-ingester/internal/config"
	"github.com/galois26/archive-ingester/internal/model"
	"github.com/galois26/archive-ingester/internal/util"
)

// HourlyCatalog probes {base}/{YYYY-MM-DD-H}.json.gz for every hour in
// range with a HEAD request, for hosts without a listing endpoint.
// Hours answering 404 are not published yet and are skipped.
type HourlyCatalog struct {
	base      string
	until     time.Time
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
	logger    *zap.Logger
	now       func() time.Time
}

func NewHourlyCatalog(cfg config.SourceConfig, until time.Time, client *http.Client, limiter *rate.Limiter, logger *zap.Logger) *HourlyCatalog {
	if client == nil {
		client = util.NewHTTPClient(30*time.Second, 2)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HourlyCatalog{
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		until:     until,
		userAgent: cfg.UserAgent,
		client:    client,
		limiter:   limiter,
		logger:    logger,
		now:       time.Now,
	}
}

func (c *HourlyCatalog) List(ctx context.Context, since time.Time) iter.Seq2[model.SegmentDescriptor, error] {
	return func(yield func(model.SegmentDescriptor, error) bool) {
		if since.IsZero() {
			yield(model.SegmentDescriptor{}, fmt.Errorf("%w: hourly listing needs a start date", ErrUnavailable))
			return
		}
		// the current hour is still being written
		last := c.now().UTC().Truncate(time.Hour).Add(-time.Hour)
		if !c.until.IsZero() && c.until.Before(last) {
			last = c.until.UTC().Truncate(time.Hour)
		}
		for t := since.UTC().Truncate(time.Hour); !t.After(last); t = t.Add(time.Hour) {
			d, found, err := c.probe(ctx, t)
			if err != nil {
				yield(model.SegmentDescriptor{}, err)
				return
			}
			if !found {
				continue
			}
			if !yield(d, nil) {
				return
			}
		}
	}
}

func (c *HourlyCatalog) probe(ctx context.Context, hour time.Time) (model.SegmentDescriptor, bool, error) {
	name := segmentName(hour)
	d := model.SegmentDescriptor{Name: name, URL: c.base + "/" + name + ".json.gz"}
	if err := wait(ctx, c.limiter); err != nil {
		return d, false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.URL, nil)
	if err != nil {
		return d, false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return d, false, fmt.Errorf("%w: head %s: %w", ErrUnavailable, name, err)
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.logger.Debug("hour not published", zap.String("segment", name))
		return d, false, nil
	case resp.StatusCode/100 != 2:
		return d, false, fmt.Errorf("%w: head %s: status %d", ErrUnavailable, name, resp.StatusCode)
	}
	d.Size = max(0, resp.ContentLength)
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			d.LastModified = t.UTC()
		}
	}
	d.Fingerprint = trimETag(resp.Header.Get("ETag"))
	if d.Fingerprint == "" {
		d.Fingerprint = fallbackFingerprint(d.Size, d.LastModified)
	}
	return d, true, nil
}
