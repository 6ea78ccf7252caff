package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/galois26/archive-ingester/internal/model"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS archive_events (
		id             INTEGER PRIMARY KEY CHECK (id > 0),
		type           TEXT NOT NULL,
		occurred_at    TEXT NOT NULL,
		public         INTEGER,
		actor          TEXT NOT NULL,
		repo           TEXT NOT NULL,
		org            TEXT,
		payload        TEXT,
		raw            TEXT NOT NULL,
		source_segment TEXT NOT NULL,
		ingested_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_archive_events_type_time ON archive_events (type, occurred_at)`,
	`CREATE INDEX IF NOT EXISTS idx_archive_events_segment ON archive_events (source_segment)`,
	`CREATE TABLE IF NOT EXISTS processed_segments (
		name         TEXT PRIMARY KEY,
		fingerprint  TEXT NOT NULL,
		size         INTEGER NOT NULL,
		event_count  INTEGER NOT NULL,
		processed_at TEXT NOT NULL,
		complete     INTEGER NOT NULL DEFAULT 1
	)`,
}

const sqliteUpsertEvent = `INSERT INTO archive_events
	(id, type, occurred_at, public, actor, repo, org, payload, raw, source_segment, ingested_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		payload = excluded.payload,
		raw = excluded.raw,
		source_segment = excluded.source_segment,
		ingested_at = excluded.ingested_at`

// fixed width so that text order is time order
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite is the embedded store for single-host deployments and tests.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; concurrent segment tasks queue on the pool
	db.SetMaxOpenConns(1)
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SQLite{db: db, logger: logger.With(zap.String("component", "store"), zap.String("driver", "sqlite"))}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// UpsertEvents runs one transaction. A failing statement does not poison
// an SQLite transaction, so rows rejected for their values are skipped in
// place. Any other statement error aborts the batch as ErrUnavailable.
func (s *SQLite) UpsertEvents(ctx context.Context, events []model.NormalizedEvent) (BatchResult, error) {
	var res BatchResult
	if len(events) == 0 {
		return res, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, unavailable("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertEvent)
	if err != nil {
		return res, unavailable("prepare", err)
	}
	defer stmt.Close()

	ingested := nowUTC().Format(sqliteTime)
	for _, ev := range events {
		r, err := toRow(ev)
		if err != nil {
			s.logger.Debug("row rejected", zap.Int64("id", ev.ID), zap.Error(err))
			res.Failed = append(res.Failed, ev.ID)
			continue
		}
		_, err = stmt.ExecContext(ctx, ev.ID, ev.Type, ev.OccurredAt.UTC().Format(sqliteTime), boolArg(ev.Public),
			r.actor, r.repo, r.org, r.payload, r.raw, ev.SourceSegment, ingested)
		switch {
		case err == nil:
			res.Written++
		case ctx.Err() != nil:
			return BatchResult{}, unavailable("upsert", ctx.Err())
		case isSQLiteRowError(err):
			s.logger.Debug("row rejected", zap.Int64("id", ev.ID), zap.Error(err))
			res.Failed = append(res.Failed, ev.ID)
		default:
			// the database itself refused the write
			return BatchResult{}, unavailable("upsert", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return BatchResult{}, unavailable("commit", err)
	}
	return res, nil
}

// isSQLiteRowError reports errors caused by the row's values. Codes are
// extended, the low byte is the primary result code.
func isSQLiteRowError(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_TOOBIG:
		return true
	}
	return false
}

func boolArg(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}

func (s *SQLite) LookupEvent(ctx context.Context, id int64) (model.NormalizedEvent, error) {
	ev := model.NormalizedEvent{ID: id}
	var occurred, actor, repo, raw string
	var org, payload sql.NullString
	var public sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT type, occurred_at, public, actor, repo, org, payload, raw, source_segment
		FROM archive_events WHERE id = ?`, id).
		Scan(&ev.Type, &occurred, &public, &actor, &repo, &org, &payload, &raw, &ev.SourceSegment)
	if errors.Is(err, sql.ErrNoRows) {
		return ev, fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return ev, unavailable("lookup event", err)
	}
	if ev.OccurredAt, err = time.Parse(sqliteTime, occurred); err != nil {
		return ev, fmt.Errorf("parse occurred_at: %w", err)
	}
	if public.Valid {
		b := public.Int64 != 0
		ev.Public = &b
	}
	return ev, fromRow(&ev, []byte(actor), []byte(repo), nullPtr(org), nullPtr(payload), []byte(raw))
}

func nullPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func (s *SQLite) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM archive_events`).Scan(&n); err != nil {
		return 0, unavailable("count events", err)
	}
	return n, nil
}

// sqlite caps bound parameters; stay well below the limit
const sqliteChunk = 500

func (s *SQLite) GetProcessed(ctx context.Context, names []string) (map[string]model.ProcessedRecord, error) {
	out := make(map[string]model.ProcessedRecord, len(names))
	for i := 0; i < len(names); i += sqliteChunk {
		chunk := names[i:min(i+sqliteChunk, len(names))]
		args := make([]any, len(chunk))
		for j, n := range chunk {
			args[j] = n
		}
		q := `SELECT name, fingerprint, size, event_count, processed_at, complete
			FROM processed_segments WHERE name IN (?` + strings.Repeat(",?", len(chunk)-1) + `)`
		recs, err := s.queryProcessed(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			out[r.Name] = r
		}
	}
	return out, nil
}

func (s *SQLite) queryProcessed(ctx context.Context, q string, args ...any) ([]model.ProcessedRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable("query processed", err)
	}
	defer rows.Close()
	var recs []model.ProcessedRecord
	for rows.Next() {
		var r model.ProcessedRecord
		var at string
		var complete int64
		if err := rows.Scan(&r.Name, &r.Fingerprint, &r.Size, &r.EventCount, &at, &complete); err != nil {
			return nil, fmt.Errorf("scan processed: %w", err)
		}
		if r.ProcessedAt, err = time.Parse(sqliteTime, at); err != nil {
			return nil, fmt.Errorf("parse processed_at: %w", err)
		}
		r.Complete = complete != 0
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query processed", err)
	}
	return recs, nil
}

func (s *SQLite) UpsertProcessed(ctx context.Context, rec model.ProcessedRecord) error {
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = nowUTC()
	}
	complete := 0
	if rec.Complete {
		complete = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO processed_segments (name, fingerprint, size, event_count, processed_at, complete)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			size = excluded.size,
			event_count = excluded.event_count,
			processed_at = excluded.processed_at,
			complete = excluded.complete`,
		rec.Name, rec.Fingerprint, rec.Size, rec.EventCount, rec.ProcessedAt.UTC().Format(sqliteTime), complete)
	if err != nil {
		return unavailable("mark processed", err)
	}
	return nil
}

func (s *SQLite) ListProcessed(ctx context.Context, limit int) ([]model.ProcessedRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryProcessed(ctx, `SELECT name, fingerprint, size, event_count, processed_at, complete
		FROM processed_segments ORDER BY processed_at DESC LIMIT ?`, limit)
}
