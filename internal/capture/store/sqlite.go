package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/eduabjr/cartorio-sub002/internal/capture/models"
	"github.com/eduabjr/cartorio-sub002/pkg/platform/sentinel"
	txcontext "github.com/eduabjr/cartorio-sub002/pkg/platform/tx"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial records/queue tables
// 1 - index on queue(status, enqueued_at) for the sync scan
const currentSchemaVersion = 1

// payloadSchemaVersion is stamped on every record row so readers can tell
// how a payload was written.
const payloadSchemaVersion = 1

// SQLiteStore is the durable capture store backed by a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the store at path and applies pragmas and
// migrations. Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_queue_status ON queue(status, enqueued_at)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) execer(ctx context.Context) txcontext.Executor {
	return txcontext.Exec(ctx, s.db)
}

// inTx runs fn inside one transaction, reusing a transaction already carried
// by ctx.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	err := txcontext.Run(ctx, s.db, fn)
	var txErr *txcontext.Error
	if errors.As(err, &txErr) {
		return storageErr(txErr.Op+" transaction", txErr.Err)
	}
	return err
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", sentinel.ErrStorage, op, err)
}

// Insert persists the record and its queue entry atomically. A duplicate id
// returns sentinel.ErrConflict.
func (s *SQLiteStore) Insert(ctx context.Context, record models.CapturedRecord, entry models.QueueEntry) error {
	return s.inTx(ctx, func(ctx context.Context) error {
		_, err := s.execer(ctx).ExecContext(ctx, `
			INSERT INTO records (id, kind, payload, schema_version, captured_at, synced, synced_at)
			VALUES (?, ?, ?, ?, ?, 0, NULL)
		`, record.ID, record.Kind, string(record.Payload), payloadSchemaVersion, record.CapturedAt.UnixNano())
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("record %s: %w", record.ID, sentinel.ErrConflict)
			}
			return storageErr("insert record", err)
		}
		_, err = s.execer(ctx).ExecContext(ctx, `
			INSERT INTO queue (id, enqueued_at, attempts, status, last_error)
			VALUES (?, ?, ?, ?, ?)
		`, entry.ID, entry.EnqueuedAt.UnixNano(), entry.Attempts, string(entry.Status), entry.LastError)
		if err != nil {
			return storageErr("insert queue entry", err)
		}
		return nil
	})
}

const recordColumns = `r.id, r.kind, r.payload, r.captured_at, r.synced, r.synced_at`

// ListRecords returns every record, most recently captured first.
func (s *SQLiteStore) ListRecords(ctx context.Context) ([]models.CapturedRecord, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records r ORDER BY r.captured_at DESC, r.id DESC`)
	if err != nil {
		return nil, storageErr("query records", err)
	}
	defer rows.Close()

	var out []models.CapturedRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate records", err)
	}
	return out, nil
}

// GetRecord returns one record or sentinel.ErrNotFound.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (models.CapturedRecord, error) {
	row := s.execer(ctx).QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records r WHERE r.id = ?`, id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CapturedRecord{}, fmt.Errorf("record %s: %w", id, sentinel.ErrNotFound)
	}
	return record, err
}

// GetEntry returns the queue entry for id or sentinel.ErrNotFound once the
// record has been synced.
func (s *SQLiteStore) GetEntry(ctx context.Context, id string) (models.QueueEntry, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT id, enqueued_at, attempts, status, last_error FROM queue WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueEntry{}, fmt.Errorf("queue entry %s: %w", id, sentinel.ErrNotFound)
	}
	return entry, err
}

// ListQueue returns every queue entry, oldest first.
func (s *SQLiteStore) ListQueue(ctx context.Context) ([]models.QueueEntry, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT id, enqueued_at, attempts, status, last_error FROM queue ORDER BY enqueued_at, id`)
	if err != nil {
		return nil, storageErr("query queue", err)
	}
	defer rows.Close()

	var out []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate queue", err)
	}
	return out, nil
}

// PendingEntries returns deliverable entries (pending or error) joined with
// their records, oldest first.
func (s *SQLiteStore) PendingEntries(ctx context.Context) ([]models.PendingItem, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT `+recordColumns+`, q.id, q.enqueued_at, q.attempts, q.status, q.last_error
		FROM queue q
		JOIN records r ON r.id = q.id
		WHERE q.status IN ('pending', 'error')
		ORDER BY q.enqueued_at, q.id
	`)
	if err != nil {
		return nil, storageErr("query pending entries", err)
	}
	defer rows.Close()

	var out []models.PendingItem
	for rows.Next() {
		var (
			item     models.PendingItem
			payload  []byte
			captured int64
			syncedAt sql.NullInt64
			enqueued int64
			status   string
		)
		if err := rows.Scan(
			&item.Record.ID, &item.Record.Kind, &payload, &captured, &item.Record.Synced, &syncedAt,
			&item.Entry.ID, &enqueued, &item.Entry.Attempts, &status, &item.Entry.LastError,
		); err != nil {
			return nil, storageErr("scan pending entry", err)
		}
		fillRecord(&item.Record, payload, captured, syncedAt)
		item.Entry.EnqueuedAt = fromNanos(enqueued)
		item.Entry.Status = models.QueueStatus(status)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate pending entries", err)
	}
	return out, nil
}

// MarkSyncing claims a deliverable entry for an in-flight delivery.
func (s *SQLiteStore) MarkSyncing(ctx context.Context, id string) error {
	res, err := s.execer(ctx).ExecContext(ctx,
		`UPDATE queue SET status = 'syncing' WHERE id = ? AND status IN ('pending', 'error')`, id)
	if err != nil {
		return storageErr("mark syncing", err)
	}
	return expectRow(res, "queue entry "+id, sentinel.ErrInvalidState)
}

// ReleaseClaim returns a syncing entry to status without counting an attempt.
func (s *SQLiteStore) ReleaseClaim(ctx context.Context, id string, status models.QueueStatus) error {
	if !status.Deliverable() {
		return fmt.Errorf("release %s to %q: %w", id, status, sentinel.ErrInvalidState)
	}
	res, err := s.execer(ctx).ExecContext(ctx,
		`UPDATE queue SET status = ? WHERE id = ? AND status = 'syncing'`, string(status), id)
	if err != nil {
		return storageErr("release claim", err)
	}
	return expectRow(res, "queue entry "+id, sentinel.ErrInvalidState)
}

// MarkSynced flags the record synced and removes its queue entry in one
// transaction. Calling it again for an already synced record is a no-op and
// leaves SyncedAt unchanged.
func (s *SQLiteStore) MarkSynced(ctx context.Context, id string, at time.Time) error {
	return s.inTx(ctx, func(ctx context.Context) error {
		res, err := s.execer(ctx).ExecContext(ctx,
			`UPDATE records SET synced = 1, synced_at = ? WHERE id = ? AND synced = 0`, at.UnixNano(), id)
		if err != nil {
			return storageErr("mark record synced", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storageErr("mark record synced", err)
		}
		if n == 0 {
			var exists int
			err := s.execer(ctx).QueryRowContext(ctx, `SELECT 1 FROM records WHERE id = ?`, id).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("record %s: %w", id, sentinel.ErrNotFound)
			}
			if err != nil {
				return storageErr("lookup record", err)
			}
		}
		if _, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id); err != nil {
			return storageErr("delete queue entry", err)
		}
		return nil
	})
}

// MarkFailed records a failed delivery: status error, attempts+1, lastError.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, reason string) error {
	res, err := s.execer(ctx).ExecContext(ctx,
		`UPDATE queue SET status = 'error', attempts = attempts + 1, last_error = ? WHERE id = ?`, reason, id)
	if err != nil {
		return storageErr("mark failed", err)
	}
	return expectRow(res, "queue entry "+id, sentinel.ErrNotFound)
}

// ResetInFlight returns entries left in syncing by an interrupted run to
// pending and reports how many were reset.
func (s *SQLiteStore) ResetInFlight(ctx context.Context) (int, error) {
	res, err := s.execer(ctx).ExecContext(ctx, `UPDATE queue SET status = 'pending' WHERE status = 'syncing'`)
	if err != nil {
		return 0, storageErr("reset in-flight entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("reset in-flight entries", err)
	}
	return int(n), nil
}

// Requeue clears the attempt history of an entry so it is delivered again.
func (s *SQLiteStore) Requeue(ctx context.Context, id string) error {
	res, err := s.execer(ctx).ExecContext(ctx,
		`UPDATE queue SET status = 'pending', attempts = 0, last_error = '' WHERE id = ?`, id)
	if err != nil {
		return storageErr("requeue", err)
	}
	return expectRow(res, "queue entry "+id, sentinel.ErrNotFound)
}

// PurgeSynced deletes synced records captured before cutoff. Unsynced records
// are never touched.
func (s *SQLiteStore) PurgeSynced(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.execer(ctx).ExecContext(ctx,
		`DELETE FROM records WHERE synced = 1 AND captured_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, storageErr("purge synced records", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("purge synced records", err)
	}
	return int(n), nil
}

// Counts returns record totals without loading payloads.
func (s *SQLiteStore) Counts(ctx context.Context) (models.Totals, error) {
	var totals models.Totals
	err := s.execer(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(synced), 0), COALESCE(SUM(1 - synced), 0) FROM records
	`).Scan(&totals.Records, &totals.Synced, &totals.Pending)
	if err != nil {
		return models.Totals{}, storageErr("count records", err)
	}
	return totals, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (models.CapturedRecord, error) {
	var (
		record   models.CapturedRecord
		payload  []byte
		captured int64
		syncedAt sql.NullInt64
	)
	if err := row.Scan(&record.ID, &record.Kind, &payload, &captured, &record.Synced, &syncedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CapturedRecord{}, err
		}
		return models.CapturedRecord{}, storageErr("scan record", err)
	}
	fillRecord(&record, payload, captured, syncedAt)
	return record, nil
}

func scanEntry(row scanner) (models.QueueEntry, error) {
	var (
		entry    models.QueueEntry
		enqueued int64
		status   string
	)
	if err := row.Scan(&entry.ID, &enqueued, &entry.Attempts, &status, &entry.LastError); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.QueueEntry{}, err
		}
		return models.QueueEntry{}, storageErr("scan queue entry", err)
	}
	entry.EnqueuedAt = fromNanos(enqueued)
	entry.Status = models.QueueStatus(status)
	return entry, nil
}

func fillRecord(record *models.CapturedRecord, payload []byte, captured int64, syncedAt sql.NullInt64) {
	record.Payload = payload
	record.CapturedAt = fromNanos(captured)
	if syncedAt.Valid {
		t := fromNanos(syncedAt.Int64)
		record.SyncedAt = &t
	}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func expectRow(res sql.Result, what string, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, missing)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
