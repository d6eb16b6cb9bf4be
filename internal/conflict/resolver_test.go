package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/journalsync/internal/queue"
)

var t0 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

type memLogStore struct {
	mu      sync.Mutex
	data    []byte
	saveErr error
}

func (m *memLogStore) LoadConflictLog(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data, nil
}

func (m *memLogStore) SaveConflictLog(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.data = append([]byte(nil), data...)
	return nil
}

func conflictAt(id string, local, server time.Time) SyncConflict {
	return SyncConflict{
		EntityID:        id,
		EntityType:      queue.EntityJournalEntry,
		LocalData:       map[string]any{"id": id, "text": "local"},
		ServerData:      map[string]any{"id": id, "text": "server"},
		LocalUpdatedAt:  local,
		ServerUpdatedAt: server,
	}
}

func TestResolve_LastWriteWins(t *testing.T) {
	tests := []struct {
		name     string
		local    time.Time
		server   time.Time
		localWon bool
	}{
		{"local newer", t0.Add(time.Second), t0, true},
		{"server newer", t0, t0.Add(time.Second), false},
		{"tie goes to server", t0, t0, false},
		{"nanosecond newer", t0.Add(time.Nanosecond), t0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			res := r.Resolve(context.Background(), conflictAt("e1", tt.local, tt.server))
			if res.LocalWon != tt.localWon {
				t.Errorf("LocalWon = %v, want %v", res.LocalWon, tt.localWon)
			}
			wantText := "server"
			if tt.localWon {
				wantText = "local"
			}
			if res.WinningData["text"] != wantText {
				t.Errorf("winning text = %v, want %s", res.WinningData["text"], wantText)
			}
		})
	}
}

func TestResolve_TieIsServerAcrossZones(t *testing.T) {
	r := New()
	loc := time.FixedZone("UTC+2", 2*60*60)
	c := conflictAt("e1", t0.In(loc), t0)
	if r.Resolve(context.Background(), c).LocalWon {
		t.Error("equal instants in different zones resolved to local")
	}
}

func TestResolve_LocalNewerScenario(t *testing.T) {
	var messages []string
	r := New(WithNotifier(func(m string) { messages = append(messages, m) }))

	c := SyncConflict{
		EntityID:        "E1",
		EntityType:      queue.EntityJournalEntry,
		LocalData:       map[string]any{"id": "E1", "text": "A"},
		ServerData:      map[string]any{"id": "E1", "text": "B"},
		LocalUpdatedAt:  t0.Add(2 * time.Second),
		ServerUpdatedAt: t0,
	}
	res := r.Resolve(context.Background(), c)

	if !res.LocalWon {
		t.Fatal("LocalWon = false, want true")
	}
	if res.WinningData["text"] != "A" {
		t.Errorf("winning text = %v, want A", res.WinningData["text"])
	}

	entry, ok := r.GetMostRecentConflict("E1")
	if !ok {
		t.Fatal("no log entry for E1")
	}
	if entry.OverwrittenData["text"] != "B" {
		t.Errorf("overwritten text = %v, want B", entry.OverwrittenData["text"])
	}
	if !entry.LocalWon {
		t.Error("entry.LocalWon = false")
	}

	want := "This journal entry was also edited on another device. Showing most recent version."
	if len(messages) != 1 || messages[0] != want {
		t.Errorf("messages = %q, want [%q]", messages, want)
	}
	if res.NotificationMessage != want {
		t.Errorf("NotificationMessage = %q", res.NotificationMessage)
	}
}

func TestAcceptServer_AlwaysServer(t *testing.T) {
	r := New()
	c := conflictAt("e1", t0.Add(time.Hour), t0)
	res := r.AcceptServer(context.Background(), c)

	if res.LocalWon {
		t.Error("AcceptServer reported local win")
	}
	if res.WinningData["text"] != "server" || res.LosingData["text"] != "local" {
		t.Errorf("resolution = %+v", res)
	}
	if n := len(r.GetConflictLog()); n != 1 {
		t.Errorf("log length = %d, want 1", n)
	}
}

func TestResolve_BoundedLog(t *testing.T) {
	r := New()
	ctx := context.Background()
	for i := 0; i < 150; i++ {
		r.Resolve(ctx, conflictAt(fmt.Sprintf("e%d", i), t0, t0))
	}

	log := r.GetConflictLog()
	if len(log) != DefaultLogSize {
		t.Fatalf("log length = %d, want %d", len(log), DefaultLogSize)
	}
	if log[0].EntityID != "e50" {
		t.Errorf("oldest entry = %s, want e50", log[0].EntityID)
	}
	if log[len(log)-1].EntityID != "e149" {
		t.Errorf("newest entry = %s, want e149", log[len(log)-1].EntityID)
	}
	if _, ok := r.GetMostRecentConflict("e10"); ok {
		t.Error("evicted entry still queryable")
	}
}

func TestResolveAll_Independent(t *testing.T) {
	r := New()
	conflicts := []SyncConflict{
		conflictAt("a", t0.Add(time.Second), t0),
		conflictAt("b", t0, t0.Add(time.Second)),
	}
	res := r.ResolveAll(context.Background(), conflicts)
	if len(res) != 2 || !res[0].LocalWon || res[1].LocalWon {
		t.Errorf("ResolveAll = %+v", res)
	}
}

func TestGetConflictsForEntity(t *testing.T) {
	r := New()
	ctx := context.Background()
	r.Resolve(ctx, conflictAt("a", t0, t0))
	r.Resolve(ctx, conflictAt("b", t0, t0))
	second := r.Resolve(ctx, conflictAt("a", t0.Add(time.Second), t0))

	got := r.GetConflictsForEntity("a")
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	recent, _ := r.GetMostRecentConflict("a")
	if recent.ID != second.Entry.ID {
		t.Errorf("most recent = %s, want %s", recent.ID, second.Entry.ID)
	}
	if len(r.GetConflictsForEntity("missing")) != 0 {
		t.Error("unexpected entries for missing entity")
	}
}

func TestConflictLogEntry_JSONRoundTrip(t *testing.T) {
	entries := []ConflictLogEntry{
		{
			ID:              "01HMXYZ",
			EntityID:        "e1",
			EntityType:      queue.EntityBet,
			OverwrittenData: map[string]any{"text": "B", "version": float64(3), "tags": []any{"x"}},
			WinningData:     map[string]any{"text": "A"},
			LocalWon:        true,
			ResolvedAt:      time.Date(2024, 1, 15, 10, 0, 0, 123456789, time.UTC),
		},
		{
			ID:         "01HMXZZ",
			EntityID:   "e2",
			EntityType: queue.EntityProblem,
			ResolvedAt: t0,
		},
	}

	for _, want := range entries {
		raw, err := json.Marshal(want)
		if err != nil {
			t.Fatal(err)
		}
		var got ConflictLogEntry
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, want)
		}
	}
}

func TestResolve_EntrySurvivesPersistedLog(t *testing.T) {
	ctx := context.Background()
	store := &memLogStore{}
	r := New(WithLogStore(store))

	c := conflictAt("e1", t0.Add(time.Minute), t0)
	c.LocalData = map[string]any{"id": "e1", "text": "mine", "version": 1, "tags": []string{"a"}}
	c.ServerData = map[string]any{"id": "e1", "text": "theirs", "version": 3, "score": int64(7)}
	res := r.Resolve(ctx, c)

	raw, err := json.Marshal(res.Entry)
	if err != nil {
		t.Fatal(err)
	}
	var decoded ConflictLogEntry
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(decoded, res.Entry) {
		t.Errorf("entry changed in JSON round trip:\n got  %#v\n want %#v", decoded, res.Entry)
	}

	reloaded := New(WithLogStore(store))
	reloaded.Load(ctx)
	before := r.GetConflictsForEntity("e1")
	after := reloaded.GetConflictsForEntity("e1")
	if !reflect.DeepEqual(before, after) {
		t.Errorf("entries differ across reload:\n before %#v\n after  %#v", before, after)
	}
	if v := after[0].OverwrittenData["version"]; v != float64(3) {
		t.Errorf("overwritten version = %#v, want 3", v)
	}
}

func TestLogStore_PersistAndLoad(t *testing.T) {
	store := &memLogStore{}
	ctx := context.Background()

	r := New(WithLogStore(store), WithLogSize(3))
	for i := 0; i < 5; i++ {
		r.Resolve(ctx, conflictAt(fmt.Sprintf("e%d", i), t0, t0))
	}

	reloaded := New(WithLogStore(store), WithLogSize(3))
	reloaded.Load(ctx)
	log := reloaded.GetConflictLog()
	if len(log) != 3 || log[0].EntityID != "e2" {
		t.Errorf("reloaded log = %+v", log)
	}
}

func TestLogStore_SaveFailureKeepsMemoryLog(t *testing.T) {
	store := &memLogStore{saveErr: errors.New("disk full")}
	r := New(WithLogStore(store))
	res := r.Resolve(context.Background(), conflictAt("e1", t0, t0))

	if res.WinningData == nil {
		t.Fatal("resolution missing data")
	}
	if len(r.GetConflictLog()) != 1 {
		t.Error("entry lost from in-memory log")
	}
}

func TestLoad_CorruptLog(t *testing.T) {
	r := New(WithLogStore(&memLogStore{data: []byte("nope")}))
	r.Load(context.Background())
	if len(r.GetConflictLog()) != 0 {
		t.Error("corrupt log produced entries")
	}
}

func TestSubscribe_ReceivesAndCancels(t *testing.T) {
	r := New()
	ch, cancel := r.Subscribe(4)

	r.Resolve(context.Background(), conflictAt("e1", t0, t0))
	select {
	case c := <-ch:
		if c.EntityID != "e1" {
			t.Errorf("EntityID = %s, want e1", c.EntityID)
		}
	default:
		t.Fatal("no event delivered")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel open after cancel")
	}
	// Broadcasting after cancel must not panic.
	r.Resolve(context.Background(), conflictAt("e2", t0, t0))
}

func TestSubscribe_FullBufferDrops(t *testing.T) {
	r := New()
	ch, cancel := r.Subscribe(1)
	defer cancel()

	ctx := context.Background()
	r.Resolve(ctx, conflictAt("e1", t0, t0))
	r.Resolve(ctx, conflictAt("e2", t0, t0))

	if got := len(ch); got != 1 {
		t.Errorf("buffered = %d, want 1", got)
	}
	if c := <-ch; c.EntityID != "e1" {
		t.Errorf("first event = %s, want e1", c.EntityID)
	}
}

func TestClose_ClosesSubscribers(t *testing.T) {
	r := New()
	ch, cancel := r.Subscribe(1)
	r.Close()
	if _, ok := <-ch; ok {
		t.Error("channel open after Close")
	}
	cancel()

	late, _ := r.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("Subscribe after Close returned open channel")
	}
}

func TestHasVersionConflict(t *testing.T) {
	if HasVersionConflict(3, 3) {
		t.Error("equal versions reported conflict")
	}
	if !HasVersionConflict(1, 3) {
		t.Error("diverging versions not reported")
	}
}

func TestCreateConflict_Defaults(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	r := New(WithClock(func() time.Time { return now }))

	local := map[string]any{"text": "A"}
	server := map[string]any{"text": "B", "version": float64(4), "updated_at": "2024-01-15T10:00:00Z"}
	c := r.CreateConflict("e1", queue.EntityBet, local, server)

	if c.LocalVersion != 0 || c.ServerVersion != 4 {
		t.Errorf("versions = %d/%d, want 0/4", c.LocalVersion, c.ServerVersion)
	}
	if !c.LocalUpdatedAt.Equal(now) {
		t.Errorf("LocalUpdatedAt = %v, want now", c.LocalUpdatedAt)
	}
	if !c.ServerUpdatedAt.Equal(t0) {
		t.Errorf("ServerUpdatedAt = %v, want %v", c.ServerUpdatedAt, t0)
	}

	// Missing timestamp defaults to now, so it beats an older server edit.
	if !r.Resolve(context.Background(), c).LocalWon {
		t.Error("local without timestamp lost to older server edit")
	}

	bad := r.CreateConflict("e1", queue.EntityBet, map[string]any{"updated_at": "yesterday"}, nil)
	if !bad.LocalUpdatedAt.Equal(now) || !bad.ServerUpdatedAt.Equal(now) {
		t.Errorf("unparseable timestamps = %v/%v, want now", bad.LocalUpdatedAt, bad.ServerUpdatedAt)
	}
	if r.Resolve(context.Background(), bad).LocalWon {
		t.Error("tie of defaulted timestamps resolved to local")
	}
}

func TestVersionOf(t *testing.T) {
	tests := []struct {
		in   any
		want int
	}{
		{nil, 0},
		{3, 3},
		{int64(4), 4},
		{float64(5), 5},
		{json.Number("6"), 6},
		{"7", 7},
		{"x", 0},
		{true, 0},
	}
	for _, tt := range tests {
		if got := VersionOf(map[string]any{"version": tt.in}); got != tt.want {
			t.Errorf("VersionOf(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMessage_Labels(t *testing.T) {
	got := Message(queue.EntityResetupTrigger)
	want := "This re-setup trigger was also edited on another device. Showing most recent version."
	if got != want {
		t.Errorf("Message = %q, want %q", got, want)
	}
}
