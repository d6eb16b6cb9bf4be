// Package conflict resolves divergent local and server versions of an
// entity with last-write-wins by timestamp, keeps a bounded audit log of
// the losing payloads, and broadcasts every resolution to subscribers.
package conflict

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/journalsync/internal/queue"
	jsync "github.com/hyperengineering/journalsync/internal/sync"
)

// DefaultLogSize bounds the audit log.
const DefaultLogSize = 100

// LogStore persists the serialized audit log.
type LogStore interface {
	LoadConflictLog(ctx context.Context) ([]byte, error)
	SaveConflictLog(ctx context.Context, data []byte) error
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogStore persists the audit log after every append.
func WithLogStore(s LogStore) Option {
	return func(r *Resolver) { r.store = s }
}

// WithLogSize overrides DefaultLogSize.
func WithLogSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.logSize = n
		}
	}
}

// WithNotifier registers a callback that receives the notification
// message of every resolution.
func WithNotifier(fn func(message string)) Option {
	return func(r *Resolver) { r.notify = fn }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// Resolver is safe for concurrent use.
type Resolver struct {
	mu      sync.Mutex
	log     []ConflictLogEntry
	logSize int
	store   LogStore
	notify  func(string)
	now     func() time.Time

	subMu  sync.Mutex
	subs   map[int]chan SyncConflict
	nextID int
	closed bool
}

// New creates a Resolver with an empty log. Call Load to restore a
// persisted log.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		logSize: DefaultLogSize,
		now:     time.Now,
		subs:    make(map[int]chan SyncConflict),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load restores the audit log from the LogStore. Corrupt data is logged
// and discarded; the log is an audit aid, not a decision input.
func (r *Resolver) Load(ctx context.Context) {
	if r.store == nil {
		return
	}
	data, err := r.store.LoadConflictLog(ctx)
	if err != nil || len(data) == 0 {
		if err != nil {
			slog.Warn("conflict log unreadable, starting empty",
				"component", "conflict",
				"action", "load_reset",
				"error", err,
			)
		}
		return
	}

	var entries []ConflictLogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		slog.Warn("conflict log corrupt, starting empty",
			"component", "conflict",
			"action", "load_reset",
			"error", err,
		)
		return
	}
	if len(entries) > r.logSize {
		entries = entries[len(entries)-r.logSize:]
	}

	r.mu.Lock()
	r.log = entries
	r.mu.Unlock()
}

// Resolve applies last-write-wins: the local side wins only when its
// timestamp is strictly after the server's. Ties go to the server.
func (r *Resolver) Resolve(ctx context.Context, c SyncConflict) Resolution {
	return r.record(ctx, c, LocalWins(c), "last_write_wins")
}

// LocalWins reports the last-write-wins outcome of c without recording
// it. Resolve on the same conflict reaches the same outcome.
func LocalWins(c SyncConflict) bool {
	return c.LocalUpdatedAt.After(c.ServerUpdatedAt)
}

// AcceptServer records a server-authoritative outcome, used when the
// endpoint rejected a push with resolution "server_wins". It is audited
// and broadcast exactly like Resolve.
func (r *Resolver) AcceptServer(ctx context.Context, c SyncConflict) Resolution {
	return r.record(ctx, c, false, jsync.ResolutionServerWins)
}

// ResolveAll resolves each conflict independently.
func (r *Resolver) ResolveAll(ctx context.Context, conflicts []SyncConflict) []Resolution {
	out := make([]Resolution, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, r.Resolve(ctx, c))
	}
	return out
}

func (r *Resolver) record(ctx context.Context, c SyncConflict, localWon bool, strategy string) Resolution {
	res := Resolution{
		LocalWon:            localWon,
		NotificationMessage: Message(c.EntityType),
	}
	if localWon {
		res.WinningData, res.LosingData = c.LocalData, c.ServerData
	} else {
		res.WinningData, res.LosingData = c.ServerData, c.LocalData
	}

	res.Entry = ConflictLogEntry{
		ID:              ulid.Make().String(),
		EntityID:        c.EntityID,
		EntityType:      c.EntityType,
		OverwrittenData: auditCopy(res.LosingData),
		WinningData:     auditCopy(res.WinningData),
		LocalWon:        localWon,
		ResolvedAt:      r.now().UTC(),
	}
	r.appendEntry(ctx, res.Entry)

	slog.Info("conflict resolved",
		"component", "conflict",
		"action", "resolve",
		"strategy", strategy,
		"entity_type", c.EntityType,
		"entity_id", c.EntityID,
		"local_version", c.LocalVersion,
		"server_version", c.ServerVersion,
		"local_won", localWon,
	)

	r.broadcast(c)
	if r.notify != nil {
		r.notify(res.NotificationMessage)
	}
	return res
}

// auditCopy returns data as it reads back from the persisted log
// (numbers as float64, nested values as []any and map[string]any), so
// an entry compares equal before and after a restart.
func auditCopy(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err == nil {
		var out map[string]any
		if err = json.Unmarshal(raw, &out); err == nil {
			return out
		}
	}
	slog.Warn("conflict data not JSON encodable, stored as is",
		"component", "conflict",
		"action", "audit_copy",
		"error", err,
	)
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func (r *Resolver) appendEntry(ctx context.Context, e ConflictLogEntry) {
	r.mu.Lock()
	r.log = append(r.log, e)
	if over := len(r.log) - r.logSize; over > 0 {
		r.log = append([]ConflictLogEntry(nil), r.log[over:]...)
	}
	var data []byte
	var err error
	if r.store != nil {
		data, err = json.Marshal(r.log)
	}
	r.mu.Unlock()

	if r.store == nil {
		return
	}
	if err == nil {
		err = r.store.SaveConflictLog(ctx, data)
	}
	if err != nil {
		slog.Warn("conflict log not persisted",
			"component", "conflict",
			"action", "persist",
			"entity_id", e.EntityID,
			"error", err,
		)
	}
}

// GetConflictLog returns the audit log, oldest first.
func (r *Resolver) GetConflictLog() []ConflictLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConflictLogEntry(nil), r.log...)
}

// GetConflictsForEntity returns the entries for one entity, oldest first.
func (r *Resolver) GetConflictsForEntity(entityID string) []ConflictLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ConflictLogEntry
	for _, e := range r.log {
		if e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out
}

// GetMostRecentConflict returns the latest entry for one entity.
func (r *Resolver) GetMostRecentConflict(entityID string) (ConflictLogEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.log) - 1; i >= 0; i-- {
		if r.log[i].EntityID == entityID {
			return r.log[i], true
		}
	}
	return ConflictLogEntry{}, false
}

// Subscribe registers a bounded channel that receives every resolved
// conflict. A full channel drops the event. The returned cancel func
// unregisters and closes the channel; it is safe to call more than once.
// After Close, Subscribe returns an already closed channel.
func (r *Resolver) Subscribe(buffer int) (<-chan SyncConflict, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan SyncConflict, buffer)

	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	id := r.nextID
	r.nextID++
	r.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.subMu.Lock()
			defer r.subMu.Unlock()
			if c, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

func (r *Resolver) broadcast(c SyncConflict) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- c:
		default:
			slog.Warn("conflict subscriber full, event dropped",
				"component", "conflict",
				"action", "broadcast",
				"subscriber", id,
				"entity_id", c.EntityID,
			)
		}
	}
}

// Close closes every subscriber channel.
func (r *Resolver) Close() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
}

// HasVersionConflict reports whether two versions diverge.
func HasVersionConflict(localVersion, serverVersion int) bool {
	return localVersion != serverVersion
}

// CreateConflict builds a SyncConflict from two raw payloads. A missing
// version reads as 0; a missing or unparseable updated_at reads as now,
// so malformed data never blocks resolution.
func (r *Resolver) CreateConflict(entityID string, entityType queue.EntityType, localData, serverData map[string]any) SyncConflict {
	now := r.now()
	return SyncConflict{
		EntityID:        entityID,
		EntityType:      entityType,
		LocalData:       localData,
		ServerData:      serverData,
		LocalVersion:    VersionOf(localData),
		ServerVersion:   VersionOf(serverData),
		LocalUpdatedAt:  updatedAtOf(localData, now),
		ServerUpdatedAt: updatedAtOf(serverData, now),
	}
}

// VersionOf reads the "version" field of a payload, defaulting to 0.
func VersionOf(data map[string]any) int {
	switch v := data[jsync.FieldVersion].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

func updatedAtOf(data map[string]any, fallback time.Time) time.Time {
	switch v := data[jsync.FieldUpdatedAt].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return fallback
}
