package queue

import (
	"fmt"
	"time"

	jsync "github.com/hyperengineering/journalsync/internal/sync"
)

// EntityType is the closed set of locally mutated entity kinds.
type EntityType string

const (
	EntityJournalEntry            EntityType = "journal_entry"
	EntityWeeklyDigest            EntityType = "weekly_digest"
	EntityProblem                 EntityType = "problem"
	EntityBoardMember             EntityType = "board_member"
	EntityBet                     EntityType = "bet"
	EntityEvidenceItem            EntityType = "evidence_item"
	EntityGovernanceSession       EntityType = "governance_session"
	EntityPortfolioHealthSnapshot EntityType = "portfolio_health_snapshot"
	EntityPortfolioVersion        EntityType = "portfolio_version"
	EntityUserPreferences         EntityType = "user_preferences"
	EntityResetupTrigger          EntityType = "resetup_trigger"
)

type entityInfo struct {
	table jsync.TableName
	label string
}

var entities = map[EntityType]entityInfo{
	EntityJournalEntry:            {jsync.TableDailyEntries, "journal entry"},
	EntityWeeklyDigest:            {jsync.TableWeeklyDigests, "weekly digest"},
	EntityProblem:                 {jsync.TableProblems, "problem"},
	EntityBoardMember:             {jsync.TableBoardMembers, "board member"},
	EntityBet:                     {jsync.TableBets, "bet"},
	EntityEvidenceItem:            {jsync.TableEvidenceItems, "evidence item"},
	EntityGovernanceSession:       {jsync.TableGovernanceSessions, "governance session"},
	EntityPortfolioHealthSnapshot: {"", "portfolio health snapshot"},
	EntityPortfolioVersion:        {jsync.TablePortfolioVersions, "portfolio version"},
	EntityUserPreferences:         {jsync.TableUserPreferences, "user preferences"},
	EntityResetupTrigger:          {jsync.TableResetupTriggers, "re-setup trigger"},
}

// Valid reports whether e belongs to the closed entity set.
func (e EntityType) Valid() bool {
	_, ok := entities[e]
	return ok
}

// Table returns the wire table an entity is stored in.
// Portfolio health snapshots are computed locally and have no table.
func (e EntityType) Table() (jsync.TableName, bool) {
	info, ok := entities[e]
	if !ok || info.table == "" {
		return "", false
	}
	return info.table, true
}

// Label returns the human-readable entity kind.
func (e EntityType) Label() string {
	if info, ok := entities[e]; ok {
		return info.label
	}
	return "item"
}

// EntityForTable maps a wire table back to its entity type.
func EntityForTable(t jsync.TableName) (EntityType, bool) {
	for e, info := range entities {
		if info.table == t && info.table != "" {
			return e, true
		}
	}
	return "", false
}

// ParseEntityType validates an entity type string.
func ParseEntityType(s string) (EntityType, error) {
	e := EntityType(s)
	if !e.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return e, nil
}

// OperationType is the kind of pending work a QueueItem describes.
type OperationType string

const (
	OpCreate              OperationType = "create"
	OpUpdate              OperationType = "update"
	OpDelete              OperationType = "delete"
	OpFullDownload        OperationType = "full_download"
	OpIncrementalPull     OperationType = "incremental_pull"
	OpAsyncProcessRequest OperationType = "async_process_request"
)

// Valid reports whether op belongs to the closed operation set.
func (op OperationType) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete, OpFullDownload, OpIncrementalPull, OpAsyncProcessRequest:
		return true
	}
	return false
}

// WireOperation maps local mutations onto wire operations.
// Non-mutation operations return ok=false.
func (op OperationType) WireOperation() (jsync.Operation, bool) {
	switch op {
	case OpCreate:
		return jsync.OperationInsert, true
	case OpUpdate:
		return jsync.OperationUpdate, true
	case OpDelete:
		return jsync.OperationDelete, true
	default:
		return "", false
	}
}

// Priority ranks queue items; a lower rank is served first.
type Priority int

const (
	PriorityAuthRefresh      Priority = 1
	PriorityTranscription    Priority = 2
	PrioritySignalExtraction Priority = 3
	PriorityLocalEdit        Priority = 4
	PriorityServerDownload   Priority = 5
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityAuthRefresh:
		return "auth_refresh"
	case PriorityTranscription:
		return "transcription"
	case PrioritySignalExtraction:
		return "signal_extraction"
	case PriorityLocalEdit:
		return "local_edit"
	case PriorityServerDownload:
		return "server_download"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// QueueItem describes one pending local mutation. Only the retry
// metadata (Attempts, LastError, LastAttemptAt) changes after creation.
type QueueItem struct {
	ID            string         `json:"id"`
	EntityID      string         `json:"entity_id"`
	EntityType    EntityType     `json:"entity_type"`
	OperationType OperationType  `json:"operation_type"`
	Priority      Priority       `json:"priority"`
	Payload       map[string]any `json:"payload,omitempty"`
	QueuedAt      time.Time      `json:"queued_at"`
	Attempts      int            `json:"attempts"`
	LastError     *string        `json:"last_error,omitempty"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
}

// key identifies the entity an item mutates.
type key struct {
	entityID   string
	entityType EntityType
}

func (it QueueItem) key() key {
	return key{entityID: it.EntityID, entityType: it.EntityType}
}

// less orders items by (priority asc, queued_at asc).
func less(a, b QueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.QueuedAt.Before(b.QueuedAt)
}

// Stats summarizes queue contents.
type Stats struct {
	Total     int `json:"total"`
	Eligible  int `json:"eligible"`
	Exhausted int `json:"exhausted"`
}
