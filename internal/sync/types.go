package sync

import (
	"fmt"
	"time"
)

// TableName identifies a synchronized table on the wire.
// The set is closed; anything outside it is a client error.
type TableName string

const (
	TableDailyEntries       TableName = "daily_entries"
	TableWeeklyDigests      TableName = "weekly_digests"
	TableProblems           TableName = "problems"
	TablePortfolioVersions  TableName = "portfolio_versions"
	TableBoardMembers       TableName = "board_members"
	TableGovernanceSessions TableName = "governance_sessions"
	TableBets               TableName = "bets"
	TableEvidenceItems      TableName = "evidence_items"
	TableResetupTriggers    TableName = "resetup_triggers"
	TableUserPreferences    TableName = "user_preferences"
)

// AllTables lists every synchronized table in a stable order.
var AllTables = []TableName{
	TableDailyEntries,
	TableWeeklyDigests,
	TableProblems,
	TablePortfolioVersions,
	TableBoardMembers,
	TableGovernanceSessions,
	TableBets,
	TableEvidenceItems,
	TableResetupTriggers,
	TableUserPreferences,
}

// Valid reports whether t is one of the synchronized tables.
func (t TableName) Valid() bool {
	switch t {
	case TableDailyEntries, TableWeeklyDigests, TableProblems, TablePortfolioVersions,
		TableBoardMembers, TableGovernanceSessions, TableBets, TableEvidenceItems,
		TableResetupTriggers, TableUserPreferences:
		return true
	}
	return false
}

// ParseTableName validates a wire table name.
func ParseTableName(s string) (TableName, error) {
	t := TableName(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTable, s)
	}
	return t, nil
}

// TableNames returns AllTables as plain strings (for validation messages).
func TableNames() []string {
	names := make([]string, len(AllTables))
	for i, t := range AllTables {
		names[i] = string(t)
	}
	return names
}

// Operation is a wire mutation kind. Values are case-sensitive.
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// Valid reports whether op is INSERT, UPDATE or DELETE.
func (op Operation) Valid() bool {
	switch op {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// ParseOperation validates a wire operation.
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if !op.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, s)
	}
	return op, nil
}

// OperationNames returns the valid operations as plain strings.
func OperationNames() []string {
	return []string{string(OperationInsert), string(OperationUpdate), string(OperationDelete)}
}

// ResolutionServerWins is the only resolution the endpoint emits for
// push-time version mismatches.
const ResolutionServerWins = "server_wins"

// PushRecord is one mutation sent to POST /sync/push.
// Data is present for INSERT/UPDATE and absent for DELETE.
type PushRecord struct {
	TableName     TableName      `json:"table_name"`
	RecordID      string         `json:"record_id"`
	Operation     Operation      `json:"operation"`
	ClientVersion int            `json:"client_version"`
	Data          map[string]any `json:"data,omitempty"`
}

// PushResult is the per-record outcome of a push.
type PushResult struct {
	TableName   TableName `json:"table_name"`
	RecordID    string    `json:"record_id"`
	Success     bool      `json:"success"`
	NewVersion  *int      `json:"new_version,omitempty"`
	HasConflict *bool     `json:"has_conflict,omitempty"`
	Error       *string   `json:"error,omitempty"`
}

// Conflicted reports whether the result carries has_conflict=true.
func (r PushResult) Conflicted() bool {
	return r.HasConflict != nil && *r.HasConflict
}

// ServerConflict describes a push rejected for version mismatch.
// The server state always wins (Resolution == "server_wins").
type ServerConflict struct {
	TableName        TableName      `json:"table_name"`
	RecordID         string         `json:"record_id"`
	ClientVersion    int            `json:"client_version"`
	ServerVersion    int            `json:"server_version"`
	ServerData       map[string]any `json:"server_data"`
	ClientData       map[string]any `json:"client_data,omitempty"`
	Resolution       string         `json:"resolution"`
	IsDeleteConflict bool           `json:"is_delete_conflict"`
}

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	Records []PushRecord `json:"records"`
}

// PushResponse is the body of a push response (200 or 409).
type PushResponse struct {
	Results      []PushResult     `json:"results"`
	Conflicts    []ServerConflict `json:"conflicts"`
	HasConflicts bool             `json:"has_conflicts"`
	SyncedAt     time.Time        `json:"synced_at"`
}

// ConflictFor returns the conflict entry matching a result, if any.
func (r *PushResponse) ConflictFor(table TableName, recordID string) (ServerConflict, bool) {
	for _, c := range r.Conflicts {
		if c.TableName == table && c.RecordID == recordID {
			return c, true
		}
	}
	return ServerConflict{}, false
}

// PullRecord is one change returned by GET /sync/pull.
// DELETE records omit Data.
type PullRecord struct {
	TableName TableName      `json:"table_name"`
	RecordID  string         `json:"record_id"`
	Operation Operation      `json:"operation"`
	ChangedAt time.Time      `json:"changed_at"`
	Version   int            `json:"version"`
	Data      map[string]any `json:"data,omitempty"`
}

// PullResponse is the body of GET /sync/pull.
type PullResponse struct {
	Records  []PullRecord `json:"records"`
	SyncedAt time.Time    `json:"synced_at"`
}

// FullDownloadResponse is the body of GET /sync/full.
// Each record object carries at least "id" and "version".
type FullDownloadResponse struct {
	Data         map[TableName][]map[string]any `json:"data"`
	DownloadedAt time.Time                      `json:"downloaded_at"`
	Tables       []TableName                    `json:"tables"`
	RecordCounts map[TableName]int              `json:"record_counts"`
}

// Well-known record fields.
const (
	FieldID        = "id"
	FieldVersion   = "version"
	FieldUpdatedAt = "updated_at"
	FieldDeletedAt = "deleted_at"
)

// ParseSince parses the pull watermark query parameter (RFC 3339).
func ParseSince(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidSince, s)
	}
	return t, nil
}

// IntPtr, BoolPtr and StringPtr build optional wire fields.
func IntPtr(v int) *int          { return &v }
func BoolPtr(v bool) *bool       { return &v }
func StringPtr(v string) *string { return &v }
