package conflict

import (
	"time"

	"github.com/hyperengineering/journalsync/internal/queue"
)

// SyncConflict pairs the local and server versions of one entity.
// It is built at resolution time and never stored.
type SyncConflict struct {
	EntityID        string
	EntityType      queue.EntityType
	LocalData       map[string]any
	ServerData      map[string]any
	LocalVersion    int
	ServerVersion   int
	LocalUpdatedAt  time.Time
	ServerUpdatedAt time.Time
}

// Resolution is the outcome of resolving one SyncConflict.
type Resolution struct {
	WinningData         map[string]any
	LosingData          map[string]any
	LocalWon            bool
	NotificationMessage string
	Entry               ConflictLogEntry
}

// ConflictLogEntry is an audit record of a conflict loser, kept for
// manual recovery. Entries are never modified after creation.
type ConflictLogEntry struct {
	ID              string           `json:"id"`
	EntityID        string           `json:"entity_id"`
	EntityType      queue.EntityType `json:"entity_type"`
	OverwrittenData map[string]any   `json:"overwritten_data"`
	WinningData     map[string]any   `json:"winning_data"`
	LocalWon        bool             `json:"local_won"`
	ResolvedAt      time.Time        `json:"resolved_at"`
}

// Message returns the fixed user notification for an entity kind.
func Message(et queue.EntityType) string {
	return "This " + et.Label() + " was also edited on another device. Showing most recent version."
}
