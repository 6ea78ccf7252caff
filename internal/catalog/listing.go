package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/galois26/archive-ingester/internal/config"
	"github.com/galois26/archive-ingester/internal/model"
	"github.com/galois26/archive-ingester/internal/util"
)

// ListingCatalog reads a paginated JSON directory listing.
//
// Accepted shapes: a top-level array of entries, or an object holding the
// entries under "entries", "items", "segments" or "contents" with the next
// page under "next", "next_page_token" or "nextPageToken". A next value
// that looks like a URL is followed as is; anything else is sent back as
// the page_token query parameter.
type ListingCatalog struct {
	base      *url.URL
	listing   *url.URL
	pattern   *regexp.Regexp
	until     time.Time
	userAgent string
	maxPages  int
	client    *http.Client
	limiter   *rate.Limiter
	logger    *zap.Logger
}

func NewListingCatalog(cfg config.SourceConfig, until time.Time, client *http.Client, limiter *rate.Limiter, logger *zap.Logger) (*ListingCatalog, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("source.base_url: %w", err)
	}
	listing, err := base.Parse(strings.TrimLeft(cfg.ListingPath, "/"))
	if err != nil {
		return nil, fmt.Errorf("source.listing_path: %w", err)
	}
	pat := cfg.NamePattern
	if pat == "" {
		pat = config.DefaultNamePattern
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, fmt.Errorf("source.name_pattern: %w", err)
	}
	if client == nil {
		client = util.NewHTTPClient(30*time.Second, 2)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ListingCatalog{
		base:      base,
		listing:   listing,
		pattern:   re,
		until:     until,
		userAgent: cfg.UserAgent,
		maxPages:  max(1, cfg.MaxPages),
		client:    client,
		limiter:   limiter,
		logger:    logger,
	}, nil
}

func (c *ListingCatalog) List(ctx context.Context, since time.Time) iter.Seq2[model.SegmentDescriptor, error] {
	return func(yield func(model.SegmentDescriptor, error) bool) {
		next := c.listing.String()
		for page := 1; next != ""; page++ {
			if page > c.maxPages {
				c.logger.Warn("listing truncated at max pages", zap.Int("max_pages", c.maxPages))
				return
			}
			entries, token, err := c.fetchPage(ctx, next)
			if err != nil {
				yield(model.SegmentDescriptor{}, err)
				return
			}
			matched := 0
			for _, e := range entries {
				d, ok := c.describe(e, since)
				if !ok {
					continue
				}
				matched++
				if !yield(d, nil) {
					return
				}
			}
			c.logger.Debug("listing page", zap.Int("page", page), zap.Int("entries", len(entries)), zap.Int("matched", matched))
			next = c.nextURL(next, token)
		}
	}
}

func (c *ListingCatalog) fetchPage(ctx context.Context, u string) ([]map[string]any, string, error) {
	if err := wait(ctx, c.limiter); err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", fmt.Errorf("%w: listing %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read listing: %w", ErrUnavailable, err)
	}
	entries, token, err := parseListing(raw)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return entries, token, nil
}

func parseListing(raw []byte) ([]map[string]any, string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, "", fmt.Errorf("malformed listing: %w", err)
	}
	switch v := doc.(type) {
	case []any:
		return objects(v), "", nil
	case map[string]any:
		for _, key := range []string{"entries", "items", "segments", "contents", "Contents"} {
			if arr, ok := v[key].([]any); ok {
				return objects(arr), util.PickStr(v, "next", "next_page_token", "nextPageToken", "NextContinuationToken"), nil
			}
		}
	}
	return nil, "", fmt.Errorf("malformed listing: no entries")
}

func objects(arr []any) []map[string]any {
	out := make([]map[string]any, 0, len(arr))
	for _, it := range arr {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func (c *ListingCatalog) describe(e map[string]any, since time.Time) (model.SegmentDescriptor, bool) {
	key := util.PickStr(e, "name", "key", "Key", "path", "filename")
	if key == "" {
		return model.SegmentDescriptor{}, false
	}
	file := path.Base(key)
	name, hour, ok := parseName(c.pattern, file)
	if !ok || !inRange(hour, since, c.until) {
		return model.SegmentDescriptor{}, false
	}

	d := model.SegmentDescriptor{Name: name}
	d.Size, _ = util.PickInt64(e, "size", "Size", "bytes", "content_length")
	if s := util.PickStr(e, "last_modified", "lastModified", "LastModified", "mtime", "modified"); s != "" {
		if t, err := util.ParseTimeFlexible(s); err == nil {
			d.LastModified = t
		}
	}
	d.Fingerprint = trimETag(util.PickStr(e, "etag", "ETag", "fingerprint", "md5", "hash"))
	if d.Fingerprint == "" {
		d.Fingerprint = fallbackFingerprint(d.Size, d.LastModified)
	}

	ref := util.PickStr(e, "url", "href")
	if ref == "" {
		ref = key
	}
	var u *url.URL
	var err error
	if strings.Contains(ref, "://") {
		u, err = url.Parse(ref)
	} else {
		u, err = c.base.Parse(strings.TrimLeft(ref, "/"))
	}
	if err != nil {
		c.logger.Debug("bad entry url", zap.String("entry", key), zap.Error(err))
		return model.SegmentDescriptor{}, false
	}
	d.URL = u.String()
	return d, true
}

func (c *ListingCatalog) nextURL(current, token string) string {
	if token == "" {
		return ""
	}
	if strings.Contains(token, "://") || strings.HasPrefix(token, "/") {
		cur, err := url.Parse(current)
		if err != nil {
			return ""
		}
		u, err := cur.Parse(token)
		if err != nil {
			return ""
		}
		return u.String()
	}
	u := *c.listing
	q := u.Query()
	q.Set("page_token", token)
	u.RawQuery = q.Encode()
	return u.String()
}
