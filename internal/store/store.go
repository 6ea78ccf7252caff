package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/galois26/archive-ingester/internal/model"
)

// ErrUnavailable marks failures of the store itself (connection lost,
// transaction could not start or commit) as opposed to a single bad row.
var ErrUnavailable = errors.New("store unavailable")

// ErrNotFound is returned by lookups for a missing key.
var ErrNotFound = errors.New("not found")

// BatchResult reports one UpsertEvents call. Failed rows were skipped and
// did not abort the rest of the batch.
type BatchResult struct {
	Written int
	Failed  []int64
}

// Store is the durable destination: events keyed by id and the ledger of
// processed segments keyed by name.
type Store interface {
	Ping(ctx context.Context) error
	// UpsertEvents writes all events in one transaction. On id conflict the
	// payload, raw and source_segment columns are overwritten.
	UpsertEvents(ctx context.Context, events []model.NormalizedEvent) (BatchResult, error)
	LookupEvent(ctx context.Context, id int64) (model.NormalizedEvent, error)
	CountEvents(ctx context.Context) (int64, error)

	GetProcessed(ctx context.Context, names []string) (map[string]model.ProcessedRecord, error)
	UpsertProcessed(ctx context.Context, rec model.ProcessedRecord) error
	ListProcessed(ctx context.Context, limit int) ([]model.ProcessedRecord, error)

	Close() error
}

// Open picks the implementation for driver.
func Open(ctx context.Context, driver, dsn string, maxConns int, logger *zap.Logger) (Store, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgx":
		return OpenPostgres(ctx, dsn, maxConns, logger)
	case "sqlite", "sqlite3":
		return OpenSQLite(ctx, dsn, logger)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", driver)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// eventRow is the column form shared by both implementations.
type eventRow struct {
	actor, repo string
	org         *string
	payload     *string
	raw         string
}

func toRow(ev model.NormalizedEvent) (eventRow, error) {
	var r eventRow
	b, err := json.Marshal(ev.Actor)
	if err != nil {
		return r, fmt.Errorf("encode actor: %w", err)
	}
	r.actor = string(b)
	if b, err = json.Marshal(ev.Repo); err != nil {
		return r, fmt.Errorf("encode repo: %w", err)
	}
	r.repo = string(b)
	if ev.Org != nil {
		if b, err = json.Marshal(ev.Org); err != nil {
			return r, fmt.Errorf("encode org: %w", err)
		}
		s := string(b)
		r.org = &s
	}
	if len(ev.Payload) > 0 {
		s := string(ev.Payload)
		r.payload = &s
	}
	r.raw = string(ev.Raw)
	if r.raw == "" {
		r.raw = "{}"
	}
	return r, nil
}

func fromRow(ev *model.NormalizedEvent, actor, repo []byte, org, payload *string, raw []byte) error {
	if err := json.Unmarshal(actor, &ev.Actor); err != nil {
		return fmt.Errorf("decode actor: %w", err)
	}
	if err := json.Unmarshal(repo, &ev.Repo); err != nil {
		return fmt.Errorf("decode repo: %w", err)
	}
	if org != nil {
		ev.Org = &model.Org{}
		if err := json.Unmarshal([]byte(*org), ev.Org); err != nil {
			return fmt.Errorf("decode org: %w", err)
		}
	}
	if payload != nil {
		ev.Payload = json.RawMessage(*payload)
	}
	ev.Raw = json.RawMessage(raw)
	return nil
}

func nowUTC() time.Time { return time.Now().UTC() }
