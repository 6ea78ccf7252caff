package catalog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/galois26/archive-ingester/internal/config"
	"github.com/galois26/archive-ingester/internal/model"
)

// ErrUnavailable is returned when the listing endpoint cannot be reached or
// answers with something that is not a listing. Catalogs do not retry.
var ErrUnavailable = errors.New("catalog unavailable")

// Catalog lists remote segments at or after since. Each call starts a fresh
// listing; the sequence stops at the first error.
type Catalog interface {
	List(ctx context.Context, since time.Time) iter.Seq2[model.SegmentDescriptor, error]
}

// NewFromConfig picks the catalog for cfg.Mode.
func NewFromConfig(cfg config.SourceConfig, until time.Time, client *http.Client, limiter *rate.Limiter, logger *zap.Logger) (Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "catalog"), zap.String("mode", cfg.Mode))
	switch cfg.Mode {
	case "listing", "":
		return NewListingCatalog(cfg, until, client, limiter, logger)
	case "hourly":
		return NewHourlyCatalog(cfg, until, client, limiter, logger), nil
	default:
		return nil, fmt.Errorf("unknown source mode: %s", cfg.Mode)
	}
}

// segmentName is the canonical date-hour name, hour without zero padding.
func segmentName(t time.Time) string {
	return t.Format("2006-01-02") + "-" + strconv.Itoa(t.Hour())
}

// parseName matches file against the pattern whose first two groups are
// the date and the hour, returning the canonical name and the hour start.
func parseName(re *regexp.Regexp, file string) (string, time.Time, bool) {
	m := re.FindStringSubmatch(file)
	if len(m) < 3 {
		return "", time.Time{}, false
	}
	day, err := time.Parse("2006-01-02", m[1])
	if err != nil {
		return "", time.Time{}, false
	}
	h, err := strconv.Atoi(m[2])
	if err != nil || h < 0 || h > 23 {
		return "", time.Time{}, false
	}
	t := day.Add(time.Duration(h) * time.Hour)
	return segmentName(t), t, true
}

// inRange keeps hours in [since, until]; zero bounds are open.
func inRange(t, since, until time.Time) bool {
	if !since.IsZero() && t.Before(since.Truncate(time.Hour)) {
		return false
	}
	if !until.IsZero() && t.After(until) {
		return false
	}
	return true
}

func fallbackFingerprint(size int64, lastModified time.Time) string {
	return fmt.Sprintf("%d@%s", size, lastModified.UTC().Format(time.RFC3339))
}

func wait(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

func trimETag(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "W/")
	return strings.Trim(s, `"`)
}
