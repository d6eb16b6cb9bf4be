// Package queue implements the persistent sync queue: an ordered replay
// list of pending local mutations that survives process restarts.
//
// The queue performs no network I/O. Every mutation rewrites the full
// persisted queue before returning, so a crash never loses an accepted
// item. Ordering is (priority asc, queued_at asc) and at most one item
// exists per (entity_id, entity_type).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultMaxAttempts is the retry ceiling after which an item is no
// longer returned by GetNext.
const DefaultMaxAttempts = 5

// Persister stores the serialized queue.
type Persister interface {
	LoadQueue(ctx context.Context) ([]byte, error)
	SaveQueue(ctx context.Context, data []byte) error
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue is safe for concurrent use.
type Queue struct {
	mu          sync.Mutex
	items       []QueueItem
	persister   Persister
	maxAttempts int
	now         func() time.Time
}

// New creates an empty queue. Call Load to restore persisted items.
// A nil persister keeps the queue in memory only.
func New(p Persister, opts ...Option) *Queue {
	q := &Queue{
		persister:   p,
		maxAttempts: DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// MaxAttempts returns the configured retry ceiling.
func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

// Load restores the persisted queue. Unreadable or corrupt data resets
// the queue to empty instead of failing: the local store holds the
// authoritative data, the queue is only a replay list.
func (q *Queue) Load(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
	if q.persister == nil {
		return
	}

	data, err := q.persister.LoadQueue(ctx)
	if err != nil {
		slog.Warn("sync queue unreadable, starting empty",
			"component", "queue",
			"action", "load_reset",
			"error", err,
		)
		return
	}
	if len(data) == 0 {
		return
	}

	var items []QueueItem
	if err := json.Unmarshal(data, &items); err != nil {
		slog.Warn("sync queue corrupt, starting empty",
			"component", "queue",
			"action", "load_reset",
			"error", err,
		)
		return
	}

	// Restore the one-item-per-entity invariant even if the stored
	// list violates it; the latest queued item wins.
	byKey := make(map[key]int, len(items))
	for _, it := range items {
		if i, ok := byKey[it.key()]; ok {
			if !it.QueuedAt.Before(q.items[i].QueuedAt) {
				q.items[i] = it
			}
			continue
		}
		byKey[it.key()] = len(q.items)
		q.items = append(q.items, it)
	}
	sortItems(q.items)

	slog.Debug("sync queue loaded",
		"component", "queue",
		"action", "load",
		"items", len(q.items),
	)
}

// Enqueue adds item, superseding any pending item for the same entity.
// A missing ID or QueuedAt is filled in. The stored item is returned.
func (q *Queue) Enqueue(ctx context.Context, item QueueItem) (QueueItem, error) {
	return q.enqueue(ctx, item, nil)
}

// EnqueueWith is Enqueue with the commit handed to write. write gets the
// serialized queue and must store it, together with its own changes, in
// one transaction and where the Persister reads it back. The queue only
// changes when write succeeds.
func (q *Queue) EnqueueWith(ctx context.Context, item QueueItem, write func(ctx context.Context, queueData []byte) error) (QueueItem, error) {
	return q.enqueue(ctx, item, write)
}

func (q *Queue) enqueue(ctx context.Context, item QueueItem, write func(context.Context, []byte) error) (QueueItem, error) {
	if err := validate(item); err != nil {
		return QueueItem{}, err
	}
	if item.ID == "" {
		item.ID = ulid.Make().String()
	}
	if item.QueuedAt.IsZero() {
		item.QueuedAt = q.now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	next := q.snapshot()
	superseded := ""
	replaced := false
	for i := range next {
		if next[i].key() == item.key() {
			superseded = next[i].ID
			next[i] = item
			replaced = true
			break
		}
	}
	if !replaced {
		next = append(next, item)
	}
	sortItems(next)

	if write != nil {
		if err := q.commitWith(ctx, next, write); err != nil {
			return QueueItem{}, err
		}
	} else if err := q.commit(ctx, next); err != nil {
		return QueueItem{}, err
	}

	if replaced {
		slog.Debug("queue item superseded",
			"component", "queue",
			"action", "supersede",
			"entity_type", item.EntityType,
			"entity_id", item.EntityID,
			"superseded_id", superseded,
			"id", item.ID,
		)
	}
	return item, nil
}

// Dequeue removes the item with the given id.
func (q *Queue) Dequeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return fmt.Errorf("dequeue %s: %w", id, ErrItemNotFound)
	}
	next := q.snapshot()
	next = append(next[:i], next[i+1:]...)
	return q.commit(ctx, next)
}

// GetNext returns the first item with attempts below the retry ceiling
// without removing it.
func (q *Queue) GetNext() (QueueItem, bool) {
	return q.NextExcept(nil)
}

// NextExcept is GetNext skipping the given ids. A push cycle uses it to
// move past items it already attempted in the same cycle.
func (q *Queue) NextExcept(skip map[string]bool) (QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.items {
		if it.Attempts >= q.maxAttempts || skip[it.ID] {
			continue
		}
		return cloneItem(it), true
	}
	return QueueItem{}, false
}

// MarkFailed records a failed attempt. The item stays queued, even
// past the retry ceiling.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	return q.markFailed(ctx, id, cause, false)
}

// MarkFailedPermanent records a failure that must not be retried
// (validation errors): attempts jump to the retry ceiling. The item is
// kept for inspection until ClearFailedItems.
func (q *Queue) MarkFailedPermanent(ctx context.Context, id string, cause error) error {
	return q.markFailed(ctx, id, cause, true)
}

func (q *Queue) markFailed(ctx context.Context, id string, cause error, permanent bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return fmt.Errorf("mark failed %s: %w", id, ErrItemNotFound)
	}

	next := q.snapshot()
	it := &next[i]
	it.Attempts++
	if permanent && it.Attempts < q.maxAttempts {
		it.Attempts = q.maxAttempts
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	now := q.now()
	it.LastError = &msg
	it.LastAttemptAt = &now

	if err := q.commit(ctx, next); err != nil {
		return err
	}

	level := slog.LevelInfo
	if it.Attempts >= q.maxAttempts {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "queue item failed",
		"component", "queue",
		"action", "mark_failed",
		"id", id,
		"entity_type", it.EntityType,
		"entity_id", it.EntityID,
		"attempts", it.Attempts,
		"max_attempts", q.maxAttempts,
		"error", msg,
	)
	return nil
}

// ClearFailedItems removes and returns every item at or past the retry
// ceiling. It is the only way pending work is ever discarded and is
// never called by a sync cycle.
func (q *Queue) ClearFailedItems(ctx context.Context) ([]QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var kept, cleared []QueueItem
	for _, it := range q.items {
		if it.Attempts >= q.maxAttempts {
			cleared = append(cleared, cloneItem(it))
			continue
		}
		kept = append(kept, cloneItem(it))
	}
	if len(cleared) == 0 {
		return nil, nil
	}
	if err := q.commit(ctx, kept); err != nil {
		return nil, err
	}

	slog.Info("failed queue items cleared",
		"component", "queue",
		"action", "clear_failed",
		"count", len(cleared),
	)
	return cleared, nil
}

// GetAll returns every item in queue order, including exhausted ones.
func (q *Queue) GetAll() []QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshot()
}

// Get returns the item with the given id.
func (q *Queue) Get(id string) (QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexOf(id); i >= 0 {
		return cloneItem(q.items[i]), true
	}
	return QueueItem{}, false
}

// Pending returns the item queued for an entity, if any.
func (q *Queue) Pending(entityType EntityType, entityID string) (QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := key{entityID: entityID, entityType: entityType}
	for _, it := range q.items {
		if it.key() == k {
			return cloneItem(it), true
		}
	}
	return QueueItem{}, false
}

// Len returns the number of items, exhausted ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns item counts by eligibility.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Total: len(q.items)}
	for _, it := range q.items {
		if it.Attempts >= q.maxAttempts {
			s.Exhausted++
		} else {
			s.Eligible++
		}
	}
	return s
}

// commit persists next and, only on success, makes it the live queue.
// Callers hold q.mu.
func (q *Queue) commit(ctx context.Context, next []QueueItem) error {
	if q.persister == nil {
		q.items = next
		return nil
	}
	return q.commitWith(ctx, next, q.persister.SaveQueue)
}

func (q *Queue) commitWith(ctx context.Context, next []QueueItem, write func(context.Context, []byte) error) error {
	if next == nil {
		next = []QueueItem{}
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrPersistFailed, err)
	}
	if err := write(ctx, data); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	q.items = next
	return nil
}

func (q *Queue) snapshot() []QueueItem {
	out := make([]QueueItem, len(q.items))
	for i, it := range q.items {
		out[i] = cloneItem(it)
	}
	return out
}

func (q *Queue) indexOf(id string) int {
	for i, it := range q.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func sortItems(items []QueueItem) {
	sort.SliceStable(items, func(i, j int) bool { return less(items[i], items[j]) })
}

// cloneItem copies the retry metadata pointers so callers cannot mutate
// queue state. Payload maps are shared; items are immutable by contract.
func cloneItem(it QueueItem) QueueItem {
	if it.LastError != nil {
		v := *it.LastError
		it.LastError = &v
	}
	if it.LastAttemptAt != nil {
		v := *it.LastAttemptAt
		it.LastAttemptAt = &v
	}
	return it
}

func validate(it QueueItem) error {
	switch {
	case it.EntityID == "":
		return fmt.Errorf("%w: entity_id is required", ErrInvalidItem)
	case !it.EntityType.Valid():
		return fmt.Errorf("%w: unknown entity_type %q", ErrInvalidItem, it.EntityType)
	case !it.OperationType.Valid():
		return fmt.Errorf("%w: unknown operation_type %q", ErrInvalidItem, it.OperationType)
	case it.Priority < PriorityAuthRefresh || it.Priority > PriorityServerDownload:
		return fmt.Errorf("%w: priority %d out of range", ErrInvalidItem, it.Priority)
	case it.Attempts < 0:
		return fmt.Errorf("%w: attempts must be >= 0", ErrInvalidItem)
	}
	return nil
}
