package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	jsync "github.com/hyperengineering/journalsync/internal/sync"
	"github.com/hyperengineering/journalsync/migrations"
)

// ServerStore is the endpoint-side versioned record store.
type ServerStore struct {
	db  *sql.DB
	now func() time.Time

	// stampMu guards lastStamp, the newest changed_at or synced_at
	// handed out.
	stampMu   sync.Mutex
	lastStamp time.Time
}

// OpenServer opens (creating if needed) the endpoint store at dbPath.
func OpenServer(dbPath string) (*ServerStore, error) {
	db, err := openSQLite(dbPath, migrations.ServerDir)
	if err != nil {
		return nil, err
	}
	s := &ServerStore{db: db, now: time.Now}

	var last sql.NullString
	if err := db.QueryRow(`SELECT MAX(changed_at) FROM sync_records`).Scan(&last); err != nil {
		db.Close()
		return nil, fmt.Errorf("read last change time: %w", err)
	}
	if last.Valid {
		s.lastStamp = parseTime("changed_at", last.String)
	}
	return s, nil
}

// stamp returns a UTC time strictly after every earlier stamp. Callers
// take it while holding the store's only connection (inside a
// transaction), so stamp order matches commit order: a pull's synced_at
// is never later than a change it did not see.
func (s *ServerStore) stamp() time.Time {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()

	t := s.now().UTC()
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Nanosecond)
	}
	s.lastStamp = t
	return t
}

// Close closes the database connection.
func (s *ServerStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *ServerStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type serverRow struct {
	data      map[string]any
	version   int
	updatedAt time.Time
	deletedAt *time.Time
}

// payload is the record object exposed on the wire.
func (r *serverRow) payload(id string) map[string]any {
	out := cloneData(r.data)
	if out == nil {
		out = make(map[string]any, 4)
	}
	out[jsync.FieldID] = id
	out[jsync.FieldVersion] = r.version
	out[jsync.FieldUpdatedAt] = r.updatedAt.UTC().Format(time.RFC3339Nano)
	if r.deletedAt != nil {
		out[jsync.FieldDeletedAt] = r.deletedAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func getServerRow(ctx context.Context, q queryContext, userID string, table jsync.TableName, id string) (*serverRow, error) {
	var (
		data      sql.NullString
		updatedAt string
		deletedAt sql.NullString
		row       serverRow
	)
	err := q.QueryRowContext(ctx, `
		SELECT data, version, updated_at, deleted_at
		FROM sync_records
		WHERE user_id = ? AND table_name = ? AND record_id = ?
	`, userID, string(table), id).Scan(&data, &row.version, &updatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get server record: %w", err)
	}
	if row.data, err = decodeData(data); err != nil {
		return nil, fmt.Errorf("get server record %s/%s: %w", table, id, err)
	}
	row.updatedAt = parseTime("updated_at", updatedAt)
	row.deletedAt = scanNullTime("deleted_at", deletedAt)
	return &row, nil
}

// ApplyPush applies a batch of pushed records for one user in a single
// transaction. Each record is accepted only when its client_version
// equals the stored version (0 for a missing row); otherwise the result
// is a conflict carrying the stored state, which always wins.
func (s *ServerStore) ApplyPush(ctx context.Context, userID, sourceID string, records []jsync.PushRecord) (*jsync.PushResponse, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.stamp()
	resp := &jsync.PushResponse{
		Results:   make([]jsync.PushResult, 0, len(records)),
		Conflicts: make([]jsync.ServerConflict, 0),
		SyncedAt:  now,
	}

	for _, rec := range records {
		if err := checkKey(rec.TableName, rec.RecordID); err != nil {
			return nil, err
		}

		current, err := getServerRow(ctx, tx, userID, rec.TableName, rec.RecordID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		stored := 0
		if current != nil {
			stored = current.version
		}

		if stored != rec.ClientVersion {
			c := jsync.ServerConflict{
				TableName:        rec.TableName,
				RecordID:         rec.RecordID,
				ClientVersion:    rec.ClientVersion,
				ServerVersion:    stored,
				ClientData:       rec.Data,
				Resolution:       jsync.ResolutionServerWins,
				IsDeleteConflict: rec.Operation == jsync.OperationDelete,
			}
			if current != nil {
				c.ServerData = current.payload(rec.RecordID)
				c.IsDeleteConflict = c.IsDeleteConflict || current.deletedAt != nil
			}
			resp.Conflicts = append(resp.Conflicts, c)
			resp.Results = append(resp.Results, jsync.PushResult{
				TableName:   rec.TableName,
				RecordID:    rec.RecordID,
				Success:     false,
				HasConflict: jsync.BoolPtr(true),
				Error:       jsync.StringPtr(fmt.Sprintf("version mismatch: client %d, server %d", rec.ClientVersion, stored)),
			})
			continue
		}

		newVersion := stored + 1
		if err := writeServerRow(ctx, tx, userID, sourceID, rec, newVersion, now); err != nil {
			return nil, err
		}
		resp.Results = append(resp.Results, jsync.PushResult{
			TableName:  rec.TableName,
			RecordID:   rec.RecordID,
			Success:    true,
			NewVersion: jsync.IntPtr(newVersion),
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	resp.HasConflicts = len(resp.Conflicts) > 0
	slog.Debug("push applied",
		"component", "store",
		"action", "apply_push",
		"user_id", userID,
		"records", len(records),
		"conflicts", len(resp.Conflicts),
	)
	return resp, nil
}

func writeServerRow(ctx context.Context, execer execContext, userID, sourceID string, rec jsync.PushRecord, version int, now time.Time) error {
	changedAt := formatTime(now)

	if rec.Operation == jsync.OperationDelete {
		_, err := execer.ExecContext(ctx, `
			INSERT INTO sync_records (user_id, table_name, record_id, data, version, updated_at, changed_at, deleted_at, source_id)
			VALUES (?, ?, ?, NULL, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, table_name, record_id) DO UPDATE SET
				version = excluded.version,
				updated_at = excluded.updated_at,
				changed_at = excluded.changed_at,
				deleted_at = excluded.deleted_at,
				source_id = excluded.source_id
		`, userID, string(rec.TableName), rec.RecordID, version, changedAt, changedAt, changedAt, sourceID)
		if err != nil {
			return fmt.Errorf("delete %s/%s: %w", rec.TableName, rec.RecordID, err)
		}
		return nil
	}

	data := cloneData(rec.Data)
	delete(data, jsync.FieldVersion)
	delete(data, jsync.FieldDeletedAt)
	encoded, err := encodeData(data)
	if err != nil {
		return err
	}
	updatedAt := now
	if s, ok := rec.Data[jsync.FieldUpdatedAt].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			updatedAt = t
		}
	}

	_, err = execer.ExecContext(ctx, `
		INSERT INTO sync_records (user_id, table_name, record_id, data, version, updated_at, changed_at, deleted_at, source_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?)
		ON CONFLICT(user_id, table_name, record_id) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			updated_at = excluded.updated_at,
			changed_at = excluded.changed_at,
			deleted_at = NULL,
			source_id = excluded.source_id
	`, userID, string(rec.TableName), rec.RecordID, encoded, version, formatTime(updatedAt), changedAt, sourceID)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", rec.TableName, rec.RecordID, err)
	}
	return nil
}

// Pull returns the user's changes with changed_at strictly after since,
// oldest first. synced_at is stamped inside the read transaction: any
// push committed later gets a later changed_at, so a client using
// synced_at as its next since never skips it.
func (s *ServerStore) Pull(ctx context.Context, userID string, since time.Time) (*jsync.PullResponse, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	syncedAt := s.stamp()

	rows, err := tx.QueryContext(ctx, `
		SELECT table_name, record_id, data, version, updated_at, changed_at, deleted_at
		FROM sync_records
		WHERE user_id = ? AND changed_at > ?
		ORDER BY changed_at ASC, table_name ASC, record_id ASC
	`, userID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	resp := &jsync.PullResponse{Records: make([]jsync.PullRecord, 0), SyncedAt: syncedAt}
	for rows.Next() {
		var (
			table, id, updatedAt, changedAt string
			data, deletedAt                 sql.NullString
			row                             serverRow
		)
		if err := rows.Scan(&table, &id, &data, &row.version, &updatedAt, &changedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		rec := jsync.PullRecord{
			TableName: jsync.TableName(table),
			RecordID:  id,
			ChangedAt: parseTime("changed_at", changedAt),
			Version:   row.version,
		}
		if deletedAt.Valid {
			rec.Operation = jsync.OperationDelete
		} else {
			if row.data, err = decodeData(data); err != nil {
				return nil, fmt.Errorf("pull %s/%s: %w", table, id, err)
			}
			row.updatedAt = parseTime("updated_at", updatedAt)
			rec.Operation = jsync.OperationUpdate
			if row.version == 1 {
				rec.Operation = jsync.OperationInsert
			}
			rec.Data = row.payload(id)
		}
		resp.Records = append(resp.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return resp, nil
}

// FullSnapshot returns every live record of the user grouped by table.
// Every table is present, empty ones as empty arrays. downloaded_at is
// stamped like Pull's synced_at so it is a safe pull watermark.
func (s *ServerStore) FullSnapshot(ctx context.Context, userID string) (*jsync.FullDownloadResponse, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	resp := &jsync.FullDownloadResponse{
		Data:         make(map[jsync.TableName][]map[string]any, len(jsync.AllTables)),
		DownloadedAt: s.stamp(),
		Tables:       append([]jsync.TableName(nil), jsync.AllTables...),
		RecordCounts: make(map[jsync.TableName]int, len(jsync.AllTables)),
	}
	for _, t := range jsync.AllTables {
		resp.Data[t] = make([]map[string]any, 0)
		resp.RecordCounts[t] = 0
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT table_name, record_id, data, version, updated_at
		FROM sync_records
		WHERE user_id = ? AND deleted_at IS NULL
		ORDER BY table_name ASC, record_id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			table, id, updatedAt string
			data                 sql.NullString
			row                  serverRow
		)
		if err := rows.Scan(&table, &id, &data, &row.version, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		t := jsync.TableName(table)
		if !t.Valid() {
			continue
		}
		if row.data, err = decodeData(data); err != nil {
			return nil, fmt.Errorf("snapshot %s/%s: %w", table, id, err)
		}
		row.updatedAt = parseTime("updated_at", updatedAt)
		resp.Data[t] = append(resp.Data[t], row.payload(id))
		resp.RecordCounts[t]++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot: %w", err)
	}
	return resp, nil
}
