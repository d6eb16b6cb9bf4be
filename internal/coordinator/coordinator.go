// Package coordinator drives synchronization between the device store
// and the sync endpoint: it drains the sync queue to the endpoint,
// streams remote changes into the device store, and routes conflicts
// through the conflict resolver.
//
// At most one sync step (push, pull, bootstrap, or a full Sync) runs at
// a time per Coordinator. Local edits are not blocked by network I/O;
// they only wait for the short store-and-queue critical sections.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/journalsync/internal/conflict"
	"github.com/hyperengineering/journalsync/internal/queue"
	"github.com/hyperengineering/journalsync/internal/store"
	jsync "github.com/hyperengineering/journalsync/internal/sync"
)

// DefaultBatchSize is the number of records sent per push request.
const DefaultBatchSize = 50

// Coordinator orchestrates push, pull and bootstrap cycles.
type Coordinator struct {
	store     LocalStore
	queue     *queue.Queue
	resolver  *conflict.Resolver
	remote    Remote
	processor AsyncProcessor
	batchSize int
	now       func() time.Time

	// syncMu admits one sync step at a time.
	syncMu sync.Mutex
	// stateMu makes "inspect queue, then write store" steps atomic with
	// respect to local edits.
	stateMu sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithAsyncProcessor handles async_process_request queue items.
func WithAsyncProcessor(p AsyncProcessor) Option {
	return func(c *Coordinator) { c.processor = p }
}

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator.
func New(s LocalStore, q *queue.Queue, r *conflict.Resolver, rem Remote, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     s,
		queue:     q,
		resolver:  r,
		remote:    rem,
		batchSize: DefaultBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RecordLocalChange applies a local mutation to the device store and
// enqueues it for push. The row and the queue are committed in one
// transaction. updated_at is stamped with the current time. Delete
// tombstones the row.
func (c *Coordinator) RecordLocalChange(ctx context.Context, et queue.EntityType, entityID string, op queue.OperationType, data map[string]any) (queue.QueueItem, error) {
	table, ok := et.Table()
	if !ok {
		return queue.QueueItem{}, fmt.Errorf("record %s/%s: %w", et, entityID, ErrNoTable)
	}
	if _, ok := op.WireOperation(); !ok {
		return queue.QueueItem{}, fmt.Errorf("record %s/%s: %w: %q is not a local edit", et, entityID, queue.ErrInvalidItem, op)
	}

	now := c.now()
	payload := make(map[string]any, len(data)+2)
	for k, v := range data {
		payload[k] = v
	}
	payload[jsync.FieldID] = entityID
	payload[jsync.FieldUpdatedAt] = now.Format(time.RFC3339Nano)
	delete(payload, jsync.FieldVersion)

	edit := store.LocalEdit{
		Table:  table,
		ID:     entityID,
		Data:   payload,
		At:     now,
		Delete: op == queue.OpDelete,
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	item, err := c.queue.EnqueueWith(ctx, queue.QueueItem{
		EntityID:      entityID,
		EntityType:    et,
		OperationType: op,
		Priority:      queue.PriorityLocalEdit,
		Payload:       payload,
		QueuedAt:      now,
	}, func(ctx context.Context, queueData []byte) error {
		_, err := c.store.RecordLocal(ctx, edit, queueData)
		return err
	})
	if err != nil {
		return queue.QueueItem{}, fmt.Errorf("record %s/%s: %w", et, entityID, err)
	}

	slog.Debug("local change recorded",
		"component", "coordinator",
		"action", "record_local_change",
		"entity_type", et,
		"entity_id", entityID,
		"operation", op,
	)
	return item, nil
}

// Push drains the queue once.
func (c *Coordinator) Push(ctx context.Context) (PushStats, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	return c.push(ctx)
}

// Pull applies remote changes since the watermark. Without a watermark
// it bootstraps instead.
func (c *Coordinator) Pull(ctx context.Context) (PullStats, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	return c.pull(ctx)
}

// Bootstrap downloads the full remote state.
func (c *Coordinator) Bootstrap(ctx context.Context) (PullStats, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	return c.bootstrap(ctx)
}

// Sync bootstraps when the device has never pulled, then pushes, then
// pulls.
func (c *Coordinator) Sync(ctx context.Context) (SyncStats, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	start := time.Now()
	var stats SyncStats

	_, ok, err := c.store.Watermark(ctx)
	if err != nil {
		return stats, fmt.Errorf("read watermark: %w", err)
	}
	if !ok {
		b, err := c.bootstrap(ctx)
		if err != nil {
			return stats, err
		}
		stats.Bootstrap = &b
	}

	if stats.Push, err = c.push(ctx); err != nil {
		return stats, err
	}
	if stats.Pull, err = c.pull(ctx); err != nil {
		return stats, err
	}

	slog.Info("sync completed",
		"component", "coordinator",
		"action", "sync",
		"bootstrapped", stats.Bootstrap != nil,
		"pushed", stats.Push.Pushed,
		"push_conflicts", stats.Push.Conflicts,
		"push_failed", stats.Push.Failed,
		"pulled", stats.Pull.Applied+stats.Pull.Deleted,
		"pull_conflicts", stats.Pull.Conflicts,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return stats, nil
}

// localPayload returns the resolver view of a local row, falling back
// to the queued payload when the row is gone.
func (c *Coordinator) localPayload(ctx context.Context, table jsync.TableName, item queue.QueueItem) (map[string]any, int, error) {
	rec, err := c.store.GetRecord(ctx, table, item.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		return item.Payload, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return rec.Payload(), rec.Version, nil
}

// requeue replaces a pending item with a fresh copy (attempts reset)
// so it is pushed again on its new base version.
func (c *Coordinator) requeue(ctx context.Context, item queue.QueueItem) (queue.QueueItem, error) {
	return c.queue.Enqueue(ctx, queue.QueueItem{
		EntityID:      item.EntityID,
		EntityType:    item.EntityType,
		OperationType: item.OperationType,
		Priority:      item.Priority,
		Payload:       item.Payload,
	})
}

// serverChange converts a server payload into a store change.
func serverChange(table jsync.TableName, id string, version int, data map[string]any, deleted bool, fallback time.Time) store.Change {
	ch := store.Change{
		Table:     table,
		ID:        id,
		Version:   version,
		UpdatedAt: timeField(data, jsync.FieldUpdatedAt, fallback),
	}
	if deleted {
		ch.Kind = store.ChangeDelete
		ch.UpdatedAt = timeField(data, jsync.FieldDeletedAt, ch.UpdatedAt)
		return ch
	}
	ch.Kind = store.ChangeUpsert
	ch.Data = make(map[string]any, len(data))
	for k, v := range data {
		if k != jsync.FieldVersion {
			ch.Data[k] = v
		}
	}
	return ch
}

func timeField(data map[string]any, field string, fallback time.Time) time.Time {
	if s, ok := data[field].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return fallback
}

func isMutation(op queue.OperationType) bool {
	_, ok := op.WireOperation()
	return ok
}
