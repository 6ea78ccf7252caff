package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/galois26/archive-ingester/internal/model"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS archive_events (
		id             BIGINT PRIMARY KEY CHECK (id > 0),
		type           TEXT NOT NULL,
		occurred_at    TIMESTAMPTZ NOT NULL,
		public         BOOLEAN,
		actor          JSONB NOT NULL,
		repo           JSONB NOT NULL,
		org            JSONB,
		payload        JSONB,
		raw            JSONB NOT NULL,
		source_segment TEXT NOT NULL,
		ingested_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_archive_events_type_time ON archive_events (type, occurred_at)`,
	`CREATE INDEX IF NOT EXISTS idx_archive_events_segment ON archive_events (source_segment)`,
	`CREATE TABLE IF NOT EXISTS processed_segments (
		name         TEXT PRIMARY KEY,
		fingerprint  TEXT NOT NULL,
		size         BIGINT NOT NULL,
		event_count  BIGINT NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL,
		complete     BOOLEAN NOT NULL DEFAULT TRUE
	)`,
}

const pgUpsertEvent = `INSERT INTO archive_events
	(id, type, occurred_at, public, actor, repo, org, payload, raw, source_segment, ingested_at)
	VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7::jsonb, $8::jsonb, $9::jsonb, $10, now())
	ON CONFLICT (id) DO UPDATE SET
		payload = EXCLUDED.payload,
		raw = EXCLUDED.raw,
		source_segment = EXCLUDED.source_segment,
		ingested_at = EXCLUDED.ingested_at`

// Postgres is the production store over a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// OpenPostgres connects, pings and creates the schema if missing.
func OpenPostgres(ctx context.Context, dsn string, maxConns int, logger *zap.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	cfg.MaxConns = int32(maxConns)
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, unavailable("connect", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Postgres{pool: pool, logger: logger.With(zap.String("component", "store"), zap.String("driver", "postgres"))}
	if err := p.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	return p, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// isRowError reports errors caused by the row's values (data exceptions,
// constraint violations) rather than by the connection or the statement.
func isRowError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	class := pgErr.Code[:2]
	return class == "22" || class == "23"
}

func upsertArgs(ev model.NormalizedEvent) ([]any, error) {
	r, err := toRow(ev)
	if err != nil {
		return nil, err
	}
	return []any{ev.ID, ev.Type, ev.OccurredAt, ev.Public, r.actor, r.repo, r.org, r.payload, r.raw, ev.SourceSegment}, nil
}

// UpsertEvents sends the whole batch in one transaction. If any row is
// rejected by the server the transaction is retried row by row under
// savepoints so that only the offending rows are skipped.
func (p *Postgres) UpsertEvents(ctx context.Context, events []model.NormalizedEvent) (BatchResult, error) {
	var res BatchResult
	if len(events) == 0 {
		return res, nil
	}
	args := make([][]any, 0, len(events))
	ids := make([]int64, 0, len(events))
	for _, ev := range events {
		a, err := upsertArgs(ev)
		if err != nil {
			res.Failed = append(res.Failed, ev.ID)
			continue
		}
		args = append(args, a)
		ids = append(ids, ev.ID)
	}

	rowErr, err := p.sendBatch(ctx, args)
	if err != nil {
		return res, err
	}
	if rowErr == nil {
		res.Written = len(args)
		return res, nil
	}
	p.logger.Debug("batch rejected a row, retrying with savepoints", zap.Error(rowErr))

	written, failed, err := p.upsertEach(ctx, args, ids)
	if err != nil {
		return res, err
	}
	res.Written = written
	res.Failed = append(res.Failed, failed...)
	return res, nil
}

func (p *Postgres) sendBatch(ctx context.Context, args [][]any) (rowErr error, err error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	b := &pgx.Batch{}
	for _, a := range args {
		b.Queue(pgUpsertEvent, a...)
	}
	br := tx.SendBatch(ctx, b)
	for range args {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			if isRowError(err) {
				return err, nil
			}
			return nil, unavailable("upsert batch", err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, unavailable("upsert batch", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit", err)
	}
	return nil, nil
}

func (p *Postgres) upsertEach(ctx context.Context, args [][]any, ids []int64) (int, []int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, nil, unavailable("begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	written := 0
	var failed []int64
	for i, a := range args {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return 0, nil, unavailable("savepoint", err)
		}
		if _, err := sp.Exec(ctx, pgUpsertEvent, a...); err != nil {
			_ = sp.Rollback(ctx)
			if !isRowError(err) {
				return 0, nil, unavailable("upsert", err)
			}
			p.logger.Debug("row rejected", zap.Int64("id", ids[i]), zap.Error(err))
			failed = append(failed, ids[i])
			continue
		}
		if err := sp.Commit(ctx); err != nil {
			return 0, nil, unavailable("release savepoint", err)
		}
		written++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, nil, unavailable("commit", err)
	}
	return written, failed, nil
}

func (p *Postgres) LookupEvent(ctx context.Context, id int64) (model.NormalizedEvent, error) {
	ev := model.NormalizedEvent{ID: id}
	var actor, repo, raw []byte
	var org, payload *string
	err := p.pool.QueryRow(ctx, `SELECT type, occurred_at, public, actor::text, repo::text, org::text, payload::text, raw::text, source_segment
		FROM archive_events WHERE id = $1`, id).
		Scan(&ev.Type, &ev.OccurredAt, &ev.Public, &actor, &repo, &org, &payload, &raw, &ev.SourceSegment)
	if errors.Is(err, pgx.ErrNoRows) {
		return ev, fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return ev, unavailable("lookup event", err)
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	return ev, fromRow(&ev, actor, repo, org, payload, raw)
}

func (p *Postgres) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM archive_events`).Scan(&n); err != nil {
		return 0, unavailable("count events", err)
	}
	return n, nil
}

func (p *Postgres) GetProcessed(ctx context.Context, names []string) (map[string]model.ProcessedRecord, error) {
	out := make(map[string]model.ProcessedRecord, len(names))
	if len(names) == 0 {
		return out, nil
	}
	rows, err := p.pool.Query(ctx, `SELECT name, fingerprint, size, event_count, processed_at, complete
		FROM processed_segments WHERE name = ANY($1)`, names)
	if err != nil {
		return nil, unavailable("get processed", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r model.ProcessedRecord
		if err := rows.Scan(&r.Name, &r.Fingerprint, &r.Size, &r.EventCount, &r.ProcessedAt, &r.Complete); err != nil {
			return nil, fmt.Errorf("scan processed: %w", err)
		}
		r.ProcessedAt = r.ProcessedAt.UTC()
		out[r.Name] = r
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("get processed", err)
	}
	return out, nil
}

func (p *Postgres) UpsertProcessed(ctx context.Context, rec model.ProcessedRecord) error {
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = nowUTC()
	}
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO processed_segments (name, fingerprint, size, event_count, processed_at, complete)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (name) DO UPDATE SET
				fingerprint = EXCLUDED.fingerprint,
				size = EXCLUDED.size,
				event_count = EXCLUDED.event_count,
				processed_at = EXCLUDED.processed_at,
				complete = EXCLUDED.complete`,
			rec.Name, rec.Fingerprint, rec.Size, rec.EventCount, rec.ProcessedAt, rec.Complete)
		return err
	})
	if err != nil {
		return unavailable("mark processed", err)
	}
	return nil
}

func (p *Postgres) ListProcessed(ctx context.Context, limit int) ([]model.ProcessedRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `SELECT name, fingerprint, size, event_count, processed_at, complete
		FROM processed_segments ORDER BY processed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, unavailable("list processed", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ProcessedRecord, error) {
		var r model.ProcessedRecord
		err := row.Scan(&r.Name, &r.Fingerprint, &r.Size, &r.EventCount, &r.ProcessedAt, &r.Complete)
		r.ProcessedAt = r.ProcessedAt.UTC()
		return r, err
	})
	if err != nil {
		return nil, unavailable("list processed", err)
	}
	return recs, nil
}
