package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/eduabjr/cartorio-sub002/internal/registry/models"
	"github.com/eduabjr/cartorio-sub002/pkg/platform/sentinel"
	txcontext "github.com/eduabjr/cartorio-sub002/pkg/platform/tx"
)

const schema = `
CREATE TABLE IF NOT EXISTS registry_records (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL DEFAULT '',
    payload     JSONB NOT NULL,
    digest      TEXT NOT NULL,
    source      TEXT NOT NULL DEFAULT '',
    captured_at TIMESTAMPTZ NOT NULL,
    received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_registry_records_kind_received
    ON registry_records (kind, received_at DESC);
`

// PostgresStore persists accepted records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed registry store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the records table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return unavailable("create registry schema", err)
	}
	return nil
}

func (s *PostgresStore) execer(ctx context.Context) txcontext.Executor {
	return txcontext.Exec(ctx, s.db)
}

// Insert stores record unless its id already exists. It reports whether a
// row was created; a duplicate id is a no-op via ON CONFLICT DO NOTHING.
func (s *PostgresStore) Insert(ctx context.Context, record models.Record) (bool, error) {
	res, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO registry_records (id, kind, payload, digest, source, captured_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, record.ID, record.Kind, string(record.Payload), record.Digest, record.Source, record.CapturedAt, record.ReceivedAt)
	if err != nil {
		return false, unavailable("insert registry record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("insert registry record", err)
	}
	return n == 1, nil
}

const selectColumns = `id, kind, payload, digest, source, captured_at, received_at`

// FindByID returns the record or sentinel.ErrNotFound.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (models.Record, error) {
	row := s.execer(ctx).QueryRowContext(ctx, `SELECT `+selectColumns+` FROM registry_records WHERE id = $1`, id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Record{}, fmt.Errorf("registry record %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return models.Record{}, unavailable("find registry record", err)
	}
	return record, nil
}

// FindMany returns the records among ids that exist, in no particular order.
func (s *PostgresStore) FindMany(ctx context.Context, ids []string) ([]models.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT `+selectColumns+` FROM registry_records WHERE id = ANY($1::text[])`, pq.Array(ids))
	if err != nil {
		return nil, unavailable("query registry records", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// List returns the most recently received records, optionally filtered by kind.
func (s *PostgresStore) List(ctx context.Context, kind string, limit int) ([]models.Record, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM registry_records
		WHERE $1 = '' OR kind = $1
		ORDER BY received_at DESC, id DESC
		LIMIT $2
	`, kind, limit)
	if err != nil {
		return nil, unavailable("list registry records", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Ping checks database connectivity for health probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// unavailable marks database failures so the service reports them as retryable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", sentinel.ErrUnavailable, op, err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (models.Record, error) {
	var (
		record  models.Record
		payload []byte
	)
	if err := row.Scan(&record.ID, &record.Kind, &payload, &record.Digest, &record.Source, &record.CapturedAt, &record.ReceivedAt); err != nil {
		return models.Record{}, err
	}
	record.Payload = payload
	record.CapturedAt = record.CapturedAt.UTC()
	record.ReceivedAt = record.ReceivedAt.UTC()
	return record, nil
}

func scanRecords(rows *sql.Rows) ([]models.Record, error) {
	var out []models.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable("scan registry record", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate registry records", err)
	}
	return out, nil
}
