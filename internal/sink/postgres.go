package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"myco/internal/normalize"
)

// DefaultTable is the raw telemetry table.
const DefaultTable = "telemetry_raw"

// Postgres inserts each batch as one pgx.Batch. The (device_id, msg_id)
// primary key with ON CONFLICT DO NOTHING makes a resent batch harmless.
type Postgres struct {
	pool   *pgxpool.Pool
	table  string
	insert string
	logger *slog.Logger
}

// PostgresOption configures a Postgres sink.
type PostgresOption func(*Postgres)

// WithTable overrides DefaultTable.
func WithTable(table string) PostgresOption {
	return func(p *Postgres) {
		if table != "" {
			p.table = table
		}
	}
}

// WithPostgresLogger sets the logger.
func WithPostgresLogger(logger *slog.Logger) PostgresOption {
	return func(p *Postgres) {
		p.logger = logger
	}
}

// NewPostgres creates a Postgres sink over pool. The pool is owned by the
// caller and is not closed by Close.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	p := &Postgres{
		pool:   pool,
		table:  DefaultTable,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.insert = fmt.Sprintf(`
		INSERT INTO %s (
			device_id, msg_id, proto, seq, time_utc, mono_ms,
			lat, lon, acc_m, stream_partition, stream_offset,
			enqueued_at, ingested_at, body, raw_b64, hash_b64, sig_b64
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (device_id, msg_id) DO NOTHING
	`, pq.QuoteIdentifier(p.table))
	return p, nil
}

// EnsureSchema creates the table when it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			device_id        TEXT             NOT NULL,
			msg_id           TEXT             NOT NULL,
			proto            TEXT             NOT NULL,
			seq              BIGINT           NOT NULL,
			time_utc         TIMESTAMPTZ      NOT NULL,
			mono_ms          BIGINT           NOT NULL,
			lat              DOUBLE PRECISION,
			lon              DOUBLE PRECISION,
			acc_m            BIGINT,
			stream_partition INTEGER          NOT NULL,
			stream_offset    BIGINT           NOT NULL,
			enqueued_at      TIMESTAMPTZ,
			ingested_at      TIMESTAMPTZ      NOT NULL,
			body             JSONB            NOT NULL,
			raw_b64          TEXT             NOT NULL,
			hash_b64         TEXT             NOT NULL,
			sig_b64          TEXT             NOT NULL,
			PRIMARY KEY (device_id, msg_id)
		)
	`, pq.QuoteIdentifier(p.table))
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", p.table, err)
	}
	return nil
}

// Send implements Sink.
func (p *Postgres) Send(ctx context.Context, batch []normalize.Record) error {
	if len(batch) == 0 {
		return nil
	}

	b := &pgx.Batch{}
	for i := range batch {
		args, err := rowArgs(&batch[i])
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSink, err)
		}
		b.Queue(p.insert, args...)
	}

	results := p.pool.SendBatch(ctx, b)
	var inserted int64
	for i := range batch {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return fmt.Errorf("%w: insert %s/%s: %w", ErrSink, batch[i].DeviceID, batch[i].MessageID, err)
		}
		inserted += tag.RowsAffected()
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("%w: close batch: %w", ErrSink, err)
	}

	if skipped := int64(len(batch)) - inserted; skipped > 0 {
		p.logger.DebugContext(ctx, "rows already stored",
			"table", p.table,
			"skipped", skipped,
		)
	}
	return nil
}

// Close implements Sink.
func (p *Postgres) Close() error { return nil }

func rowArgs(r *normalize.Record) ([]any, error) {
	body, err := json.Marshal(r.Body)
	if err != nil {
		return nil, fmt.Errorf("marshal body %s/%s: %w", r.DeviceID, r.MessageID, err)
	}
	ingestedAt, err := time.Parse(time.RFC3339Nano, r.IngestedAt)
	if err != nil {
		return nil, fmt.Errorf("parse ingestedAt: %w", err)
	}
	var enqueuedAt *time.Time
	if r.EnqueuedTime != nil {
		t, err := time.Parse(time.RFC3339Nano, *r.EnqueuedTime)
		if err != nil {
			return nil, fmt.Errorf("parse enqueuedTime: %w", err)
		}
		enqueuedAt = &t
	}
	var accM *int64
	if r.AccM != nil {
		v := clampInt64(*r.AccM)
		accM = &v
	}

	return []any{
		r.DeviceID,
		r.MessageID,
		r.Protocol,
		clampInt64(r.Sequence),
		time.UnixMilli(r.Body.Timestamp.Ms).UTC(),
		clampInt64(r.MonotonicMs),
		r.Lat,
		r.Lon,
		accM,
		r.Partition,
		r.Offset,
		enqueuedAt,
		ingestedAt,
		body,
		r.RawCBORB64,
		r.HashB64,
		r.SigB64,
	}, nil
}

// clampInt64 fits an unsigned counter into BIGINT.
func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
