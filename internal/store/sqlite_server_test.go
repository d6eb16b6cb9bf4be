package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	jsync "github.com/hyperengineering/journalsync/internal/sync"
)

// fakeClock advances by one millisecond on every read.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newServer(t *testing.T) (*ServerStore, *fakeClock) {
	t.Helper()
	s, err := OpenServer(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("OpenServer error = %v", err)
	}
	clock := &fakeClock{t: t0}
	s.now = clock.now
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func insert(id string, data map[string]any) jsync.PushRecord {
	return jsync.PushRecord{TableName: jsync.TableDailyEntries, RecordID: id, Operation: jsync.OperationInsert, Data: data}
}

func mustPush(t *testing.T, s *ServerStore, user string, recs ...jsync.PushRecord) *jsync.PushResponse {
	t.Helper()
	resp, err := s.ApplyPush(context.Background(), user, "dev-1", recs)
	if err != nil {
		t.Fatalf("ApplyPush error = %v", err)
	}
	return resp
}

func TestServer_InsertAssignsVersionOne(t *testing.T) {
	s, _ := newServer(t)
	resp := mustPush(t, s, "u1", insert("e1", map[string]any{"text": "A"}))

	if resp.HasConflicts || len(resp.Conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %+v", resp.Conflicts)
	}
	r := resp.Results[0]
	if !r.Success || r.NewVersion == nil || *r.NewVersion != 1 {
		t.Errorf("result = %+v, want success new_version=1", r)
	}
	if r.Conflicted() {
		t.Error("result marked conflicted")
	}
}

func TestServer_StaleUpdateConflicts(t *testing.T) {
	s, _ := newServer(t)
	mustPush(t, s, "u1", insert("e1", map[string]any{"text": "v1"}))
	for v := 1; v <= 2; v++ {
		mustPush(t, s, "u1", jsync.PushRecord{
			TableName: jsync.TableDailyEntries, RecordID: "e1", Operation: jsync.OperationUpdate,
			ClientVersion: v, Data: map[string]any{"text": "server"},
		})
	}

	stale := jsync.PushRecord{
		TableName: jsync.TableDailyEntries, RecordID: "e1", Operation: jsync.OperationUpdate,
		ClientVersion: 1, Data: map[string]any{"text": "stale"},
	}
	resp := mustPush(t, s, "u1", stale)

	if !resp.HasConflicts {
		t.Fatal("HasConflicts = false")
	}
	r := resp.Results[0]
	if r.Success || !r.Conflicted() {
		t.Errorf("result = %+v, want conflict", r)
	}
	c, ok := resp.ConflictFor(jsync.TableDailyEntries, "e1")
	if !ok {
		t.Fatal("conflict entry missing")
	}
	if c.ServerVersion != 3 || c.ClientVersion != 1 {
		t.Errorf("versions = server %d client %d, want 3/1", c.ServerVersion, c.ClientVersion)
	}
	if c.Resolution != jsync.ResolutionServerWins {
		t.Errorf("Resolution = %q", c.Resolution)
	}
	if c.IsDeleteConflict {
		t.Error("IsDeleteConflict = true for update")
	}
	if c.ServerData["text"] != "server" || c.ServerData["version"] != 3 {
		t.Errorf("ServerData = %v", c.ServerData)
	}
	if c.ClientData["text"] != "stale" {
		t.Errorf("ClientData = %v", c.ClientData)
	}
}

func TestServer_DeleteConflicts(t *testing.T) {
	s, _ := newServer(t)
	mustPush(t, s, "u1", insert("e1", map[string]any{"text": "A"}))
	mustPush(t, s, "u1", insert("e2", map[string]any{"text": "B"}))
	mustPush(t, s, "u1", jsync.PushRecord{TableName: jsync.TableDailyEntries, RecordID: "e2", Operation: jsync.OperationDelete, ClientVersion: 1})

	tests := []struct {
		name string
		rec  jsync.PushRecord
	}{
		{"client delete against newer row", jsync.PushRecord{TableName: jsync.TableDailyEntries, RecordID: "e1", Operation: jsync.OperationDelete, ClientVersion: 0}},
		{"update against tombstone", jsync.PushRecord{TableName: jsync.TableDailyEntries, RecordID: "e2", Operation: jsync.OperationUpdate, ClientVersion: 1, Data: map[string]any{"text": "x"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := mustPush(t, s, "u1", tt.rec)
			c, ok := resp.ConflictFor(tt.rec.TableName, tt.rec.RecordID)
			if !ok {
				t.Fatal("no conflict")
			}
			if !c.IsDeleteConflict {
				t.Error("IsDeleteConflict = false")
			}
		})
	}
}

func TestServer_MixedBatch(t *testing.T) {
	s, _ := newServer(t)
	mustPush(t, s, "u1", insert("e1", map[string]any{"text": "A"}))

	resp := mustPush(t, s, "u1",
		insert("e2", map[string]any{"text": "B"}),
		insert("e1", map[string]any{"text": "dup"}),
	)
	if len(resp.Results) != 2 {
		t.Fatalf("len(Results) = %d", len(resp.Results))
	}
	if !resp.Results[0].Success {
		t.Error("independent record was not applied")
	}
	if resp.Results[1].Success || len(resp.Conflicts) != 1 {
		t.Errorf("duplicate insert not conflicted: %+v", resp)
	}
}

func TestServer_UsersIsolated(t *testing.T) {
	s, _ := newServer(t)
	mustPush(t, s, "u1", insert("e1", map[string]any{"text": "A"}))
	resp := mustPush(t, s, "u2", insert("e1", map[string]any{"text": "other"}))
	if resp.HasConflicts {
		t.Error("users share records")
	}

	full, err := s.FullSnapshot(context.Background(), "u2")
	if err != nil {
		t.Fatal(err)
	}
	rows := full.Data[jsync.TableDailyEntries]
	if len(rows) != 1 || rows[0]["text"] != "other" {
		t.Errorf("u2 snapshot = %v", rows)
	}
}

func TestServer_PullSince(t *testing.T) {
	s, _ := newServer(t)
	ctx := context.Background()

	mustPush(t, s, "u1", insert("e1", map[string]any{"text": "A"}))
	first, err := s.Pull(ctx, "u1", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Records) != 1 || first.Records[0].Operation != jsync.OperationInsert {
		t.Fatalf("first pull = %+v", first.Records)
	}
	if first.Records[0].Data["id"] != "e1" || first.Records[0].Version != 1 {
		t.Errorf("record = %+v", first.Records[0])
	}

	mustPush(t, s, "u1",
		jsync.PushRecord{TableName: jsync.TableDailyEntries, RecordID: "e1", Operation: jsync.OperationUpdate, ClientVersion: 1, Data: map[string]any{"text": "B"}},
		insert("e2", map[string]any{"text": "C"}),
	)
	mustPush(t, s, "u1", jsync.PushRecord{TableName: jsync.TableDailyEntries, RecordID: "e2", Operation: jsync.OperationDelete, ClientVersion: 1})

	second, err := s.Pull(ctx, "u1", first.SyncedAt)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Records) != 2 {
		t.Fatalf("second pull = %+v", second.Records)
	}
	if second.Records[0].RecordID != "e1" || second.Records[0].Operation != jsync.OperationUpdate {
		t.Errorf("records[0] = %+v", second.Records[0])
	}
	del := second.Records[1]
	if del.RecordID != "e2" || del.Operation != jsync.OperationDelete || del.Data != nil || del.Version != 2 {
		t.Errorf("records[1] = %+v, want DELETE e2 v2 without data", del)
	}

	third, err := s.Pull(ctx, "u1", second.SyncedAt)
	if err != nil {
		t.Fatal(err)
	}
	if len(third.Records) != 0 {
		t.Errorf("third pull returned %d records", len(third.Records))
	}
}

func TestServer_PullWatermarkNeverSkipsLaterCommit(t *testing.T) {
	s, _ := newServer(t)
	ctx := context.Background()

	// The pull reads the clock at T1; the push that commits after it
	// read the clock earlier, at T0.
	t1 := t0.Add(time.Hour)
	s.now = func() time.Time { return t1 }
	first, err := s.Pull(ctx, "u1", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Records) != 0 {
		t.Fatalf("first pull = %+v, want empty", first.Records)
	}

	s.now = func() time.Time { return t0 }
	resp := mustPush(t, s, "u1", insert("e1", map[string]any{"text": "late"}))
	if !resp.SyncedAt.After(first.SyncedAt) {
		t.Errorf("push synced_at %v not after pull synced_at %v", resp.SyncedAt, first.SyncedAt)
	}

	second, err := s.Pull(ctx, "u1", first.SyncedAt)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Records) != 1 || second.Records[0].RecordID != "e1" {
		t.Fatalf("second pull = %+v, want e1", second.Records)
	}
	if !second.SyncedAt.After(resp.SyncedAt) {
		t.Errorf("pull synced_at %v not after push %v", second.SyncedAt, resp.SyncedAt)
	}
}

func TestServer_StampsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.db")
	s, err := OpenServer(path)
	if err != nil {
		t.Fatal(err)
	}
	later := t0.Add(24 * time.Hour)
	s.now = func() time.Time { return later }
	first := mustPush(t, s, "u1", insert("e1", map[string]any{"text": "A"}))
	s.Close()

	s, err = OpenServer(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	s.now = func() time.Time { return t0 }
	second := mustPush(t, s, "u1", insert("e2", map[string]any{"text": "B"}))
	if !second.SyncedAt.After(first.SyncedAt) {
		t.Errorf("after reopen synced_at %v not after %v", second.SyncedAt, first.SyncedAt)
	}
}

func TestServer_FullSnapshot(t *testing.T) {
	s, _ := newServer(t)
	mustPush(t, s, "u1",
		insert("e1", map[string]any{"text": "A"}),
		jsync.PushRecord{TableName: jsync.TableBets, RecordID: "b1", Operation: jsync.OperationInsert, Data: map[string]any{"title": "t"}},
		jsync.PushRecord{TableName: jsync.TableBets, RecordID: "b2", Operation: jsync.OperationInsert, Data: map[string]any{"title": "gone"}},
	)
	mustPush(t, s, "u1", jsync.PushRecord{TableName: jsync.TableBets, RecordID: "b2", Operation: jsync.OperationDelete, ClientVersion: 1})

	full, err := s.FullSnapshot(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(full.Tables) != len(jsync.AllTables) {
		t.Errorf("Tables = %v", full.Tables)
	}
	for _, table := range jsync.AllTables {
		if full.Data[table] == nil {
			t.Errorf("table %s missing from data", table)
		}
	}
	if full.RecordCounts[jsync.TableBets] != 1 || len(full.Data[jsync.TableBets]) != 1 {
		t.Errorf("bets = %v (count %d), want tombstone excluded", full.Data[jsync.TableBets], full.RecordCounts[jsync.TableBets])
	}
	row := full.Data[jsync.TableBets][0]
	if row["id"] != "b1" || row["version"] != 1 {
		t.Errorf("row = %v, want id and version", row)
	}
	if full.RecordCounts[jsync.TableProblems] != 0 {
		t.Errorf("problems count = %d", full.RecordCounts[jsync.TableProblems])
	}
}
