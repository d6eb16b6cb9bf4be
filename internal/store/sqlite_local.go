package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	jsync "github.com/hyperengineering/journalsync/internal/sync"
	"github.com/hyperengineering/journalsync/migrations"
)

// Client metadata keys.
const (
	MetaDeviceID    = "device_id"
	MetaLastPullAt  = "last_pull_at"
	MetaSyncQueue   = "sync_queue"
	MetaConflictLog = "conflict_log"
)

// LocalStore is the device-local record store.
type LocalStore struct {
	db *sql.DB
}

// OpenLocal opens (creating if needed) the device store at dbPath.
func OpenLocal(dbPath string) (*LocalStore, error) {
	db, err := openSQLite(dbPath, migrations.LocalDir)
	if err != nil {
		return nil, err
	}
	return &LocalStore{db: db}, nil
}

// Close closes the database connection.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

// GetRecord returns one row, tombstones included.
func (s *LocalStore) GetRecord(ctx context.Context, table jsync.TableName, id string) (*Record, error) {
	return getLocalRecord(ctx, s.db, table, id)
}

func getLocalRecord(ctx context.Context, q queryContext, table jsync.TableName, id string) (*Record, error) {
	var (
		data      sql.NullString
		updatedAt string
		deletedAt sql.NullString
	)
	r := Record{Table: table, ID: id}
	err := q.QueryRowContext(ctx, `
		SELECT data, version, updated_at, deleted_at
		FROM records
		WHERE table_name = ? AND record_id = ?
	`, string(table), id).Scan(&data, &r.Version, &updatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	if r.Data, err = decodeData(data); err != nil {
		return nil, fmt.Errorf("get record %s/%s: %w", table, id, err)
	}
	r.UpdatedAt = parseTime("updated_at", updatedAt)
	r.DeletedAt = scanNullTime("deleted_at", deletedAt)
	return &r, nil
}

// ListRecords returns the live rows of a table ordered by record id.
func (s *LocalStore) ListRecords(ctx context.Context, table jsync.TableName) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, data, version, updated_at
		FROM records
		WHERE table_name = ? AND deleted_at IS NULL
		ORDER BY record_id
	`, string(table))
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var (
			data      sql.NullString
			updatedAt string
		)
		r := Record{Table: table}
		if err := rows.Scan(&r.ID, &data, &r.Version, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if r.Data, err = decodeData(data); err != nil {
			return nil, fmt.Errorf("list records %s/%s: %w", table, r.ID, err)
		}
		r.UpdatedAt = parseTime("updated_at", updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRecords returns live row counts per table.
func (s *LocalStore) CountRecords(ctx context.Context) (map[jsync.TableName]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name, COUNT(*)
		FROM records
		WHERE deleted_at IS NULL
		GROUP BY table_name
	`)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[jsync.TableName]int)
	for rows.Next() {
		var table string
		var n int
		if err := rows.Scan(&table, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[jsync.TableName(table)] = n
	}
	return counts, rows.Err()
}

// LocalEdit is one device-originated mutation. Data is ignored for a
// delete.
type LocalEdit struct {
	Table  jsync.TableName
	ID     string
	Data   map[string]any
	At     time.Time
	Delete bool
}

// RecordLocal writes a local edit and, when queueData is non-nil, the
// serialized sync queue in the same transaction, so the row and its
// pending push are stored together or not at all. A put keeps the
// stored base version (0 for a new row) and clears any tombstone. A
// delete tombstones the row, keeping its data for recovery.
func (s *LocalStore) RecordLocal(ctx context.Context, e LocalEdit, queueData []byte) (*Record, error) {
	if err := checkKey(e.Table, e.ID); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if e.Delete {
		err = deleteLocal(ctx, tx, e.Table, e.ID, e.At)
	} else {
		err = putLocal(ctx, tx, e.Table, e.ID, e.Data, e.At)
	}
	if err != nil {
		return nil, err
	}
	if queueData != nil {
		if err := setMeta(ctx, tx, MetaSyncQueue, string(queueData)); err != nil {
			return nil, fmt.Errorf("save sync queue: %w", err)
		}
	}

	rec, err := getLocalRecord(ctx, tx, e.Table, e.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return rec, nil
}

// PutLocal writes a local edit without touching the sync queue.
func (s *LocalStore) PutLocal(ctx context.Context, table jsync.TableName, id string, data map[string]any, updatedAt time.Time) (*Record, error) {
	return s.RecordLocal(ctx, LocalEdit{Table: table, ID: id, Data: data, At: updatedAt}, nil)
}

// DeleteLocal tombstones a row without touching the sync queue. A
// missing row gets a version-0 tombstone.
func (s *LocalStore) DeleteLocal(ctx context.Context, table jsync.TableName, id string, at time.Time) (*Record, error) {
	return s.RecordLocal(ctx, LocalEdit{Table: table, ID: id, At: at, Delete: true}, nil)
}

func putLocal(ctx context.Context, execer execContext, table jsync.TableName, id string, data map[string]any, updatedAt time.Time) error {
	encoded, err := encodeData(data)
	if err != nil {
		return err
	}
	_, err = execer.ExecContext(ctx, `
		INSERT INTO records (table_name, record_id, data, version, updated_at, deleted_at)
		VALUES (?, ?, ?, 0, ?, NULL)
		ON CONFLICT(table_name, record_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at,
			deleted_at = NULL
	`, string(table), id, encoded, formatTime(updatedAt))
	if err != nil {
		return fmt.Errorf("put local %s/%s: %w", table, id, err)
	}
	return nil
}

func deleteLocal(ctx context.Context, execer execContext, table jsync.TableName, id string, at time.Time) error {
	ts := formatTime(at)
	_, err := execer.ExecContext(ctx, `
		INSERT INTO records (table_name, record_id, data, version, updated_at, deleted_at)
		VALUES (?, ?, NULL, 0, ?, ?)
		ON CONFLICT(table_name, record_id) DO UPDATE SET
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`, string(table), id, ts, ts)
	if err != nil {
		return fmt.Errorf("delete local %s/%s: %w", table, id, err)
	}
	return nil
}

// SetVersion records the server version a row is now based on.
func (s *LocalStore) SetVersion(ctx context.Context, table jsync.TableName, id string, version int) error {
	return setVersion(ctx, s.db, table, id, version)
}

func setVersion(ctx context.Context, execer execContext, table jsync.TableName, id string, version int) error {
	res, err := execer.ExecContext(ctx, `
		UPDATE records SET version = ? WHERE table_name = ? AND record_id = ?
	`, version, string(table), id)
	if err != nil {
		return fmt.Errorf("set version %s/%s: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set version: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set version %s/%s: %w", table, id, ErrNotFound)
	}
	return nil
}

// Apply applies one server-originated change.
func (s *LocalStore) Apply(ctx context.Context, c Change) error {
	return applyChange(ctx, s.db, c)
}

// ApplyBatch applies changes in order and, when watermark is non-zero,
// advances the pull watermark, all in one transaction. On any failure
// nothing is applied and the watermark stays put.
func (s *LocalStore) ApplyBatch(ctx context.Context, changes []Change, watermark time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range changes {
		if err := applyChange(ctx, tx, changes[i]); err != nil {
			return fmt.Errorf("apply change %d: %w", i, err)
		}
	}
	if !watermark.IsZero() {
		if err := setMeta(ctx, tx, MetaLastPullAt, formatTime(watermark)); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func applyChange(ctx context.Context, execer execContext, c Change) error {
	if err := checkKey(c.Table, c.ID); err != nil {
		return err
	}
	updatedAt := c.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	switch c.Kind {
	case ChangeUpsert:
		encoded, err := encodeData(c.Data)
		if err != nil {
			return err
		}
		_, err = execer.ExecContext(ctx, `
			INSERT INTO records (table_name, record_id, data, version, updated_at, deleted_at)
			VALUES (?, ?, ?, ?, ?, NULL)
			ON CONFLICT(table_name, record_id) DO UPDATE SET
				data = excluded.data,
				version = excluded.version,
				updated_at = excluded.updated_at,
				deleted_at = NULL
		`, string(c.Table), c.ID, encoded, c.Version, formatTime(updatedAt))
		if err != nil {
			return fmt.Errorf("upsert %s/%s: %w", c.Table, c.ID, err)
		}
	case ChangeDelete:
		ts := formatTime(updatedAt)
		_, err := execer.ExecContext(ctx, `
			INSERT INTO records (table_name, record_id, data, version, updated_at, deleted_at)
			VALUES (?, ?, NULL, ?, ?, ?)
			ON CONFLICT(table_name, record_id) DO UPDATE SET
				version = excluded.version,
				updated_at = excluded.updated_at,
				deleted_at = excluded.deleted_at
		`, string(c.Table), c.ID, c.Version, ts, ts)
		if err != nil {
			return fmt.Errorf("delete %s/%s: %w", c.Table, c.ID, err)
		}
	case ChangeRebase:
		return setVersion(ctx, execer, c.Table, c.ID, c.Version)
	default:
		return fmt.Errorf("%w: unknown change kind %d", ErrInvalidRecord, c.Kind)
	}
	return nil
}

// Watermark returns the last successful pull time; ok is false before
// the first pull or bootstrap.
func (s *LocalStore) Watermark(ctx context.Context) (time.Time, bool, error) {
	v, err := s.GetMeta(ctx, MetaLastPullAt)
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return parseTime(MetaLastPullAt, v), true, nil
}

// SetWatermark stores the pull watermark.
func (s *LocalStore) SetWatermark(ctx context.Context, t time.Time) error {
	return s.SetMeta(ctx, MetaLastPullAt, formatTime(t))
}

// DeviceID returns this device's source id, generating and storing a
// new one on first use.
func (s *LocalStore) DeviceID(ctx context.Context) (string, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO client_meta (key, value) VALUES (?, ?)
	`, MetaDeviceID, uuid.NewString())
	if err != nil {
		return "", fmt.Errorf("init device id: %w", err)
	}
	return s.GetMeta(ctx, MetaDeviceID)
}

// LoadQueue implements queue.Persister. A never-written queue reads as
// empty.
func (s *LocalStore) LoadQueue(ctx context.Context) ([]byte, error) {
	return s.loadBlob(ctx, MetaSyncQueue)
}

// SaveQueue implements queue.Persister.
func (s *LocalStore) SaveQueue(ctx context.Context, data []byte) error {
	return s.SetMeta(ctx, MetaSyncQueue, string(data))
}

// LoadConflictLog implements conflict.LogStore.
func (s *LocalStore) LoadConflictLog(ctx context.Context) ([]byte, error) {
	return s.loadBlob(ctx, MetaConflictLog)
}

// SaveConflictLog implements conflict.LogStore.
func (s *LocalStore) SaveConflictLog(ctx context.Context, data []byte) error {
	return s.SetMeta(ctx, MetaConflictLog, string(data))
}

func (s *LocalStore) loadBlob(ctx context.Context, key string) ([]byte, error) {
	v, err := s.GetMeta(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

func checkKey(table jsync.TableName, id string) error {
	if !table.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	if id == "" {
		return fmt.Errorf("%w: empty record id", ErrInvalidRecord)
	}
	return nil
}
