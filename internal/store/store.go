// Package store persists synchronized records in SQLite.
//
// LocalStore is the device-side copy: one row per (table, record) with
// the base version the device last saw from the server, plus client
// metadata (device id, pull watermark, the serialized sync queue and
// conflict log). ServerStore is the endpoint-side copy, partitioned by
// user, with optimistic-concurrency versions and a change timeline for
// incremental pulls.
package store

import (
	"time"

	jsync "github.com/hyperengineering/journalsync/internal/sync"
)

// Record is one stored row.
type Record struct {
	Table     jsync.TableName
	ID        string
	Data      map[string]any
	Version   int
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Deleted reports whether the record is a tombstone.
func (r *Record) Deleted() bool {
	return r.DeletedAt != nil
}

// Payload returns a copy of Data with id, version and updated_at set
// from the row, the shape exchanged with the conflict resolver.
func (r *Record) Payload() map[string]any {
	out := cloneData(r.Data)
	if out == nil {
		out = make(map[string]any, 3)
	}
	out[jsync.FieldID] = r.ID
	out[jsync.FieldVersion] = r.Version
	out[jsync.FieldUpdatedAt] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return out
}

// ChangeKind selects how a Change is applied to the local store.
type ChangeKind int

const (
	// ChangeUpsert writes server data and version.
	ChangeUpsert ChangeKind = iota
	// ChangeDelete tombstones the row and records the server version.
	ChangeDelete
	// ChangeRebase keeps local data and only adopts the server version.
	ChangeRebase
)

// Change is a server-originated mutation applied to the local store.
type Change struct {
	Kind      ChangeKind
	Table     jsync.TableName
	ID        string
	Data      map[string]any
	Version   int
	UpdatedAt time.Time
}
