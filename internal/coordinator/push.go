package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/journalsync/internal/conflict"
	"github.com/hyperengineering/journalsync/internal/queue"
	"github.com/hyperengineering/journalsync/internal/remote"
	"github.com/hyperengineering/journalsync/internal/store"
	jsync "github.com/hyperengineering/journalsync/internal/sync"
)

// outgoing pairs a queue item with the record built from it.
type outgoing struct {
	item   queue.QueueItem
	table  jsync.TableName
	record jsync.PushRecord
	local  map[string]any
}

// push drains eligible items in (priority, queued_at) order. Each item
// is attempted at most once per cycle. Transient and auth failures stop
// the cycle; validation failures and per-record failures do not.
func (c *Coordinator) push(ctx context.Context) (PushStats, error) {
	start := time.Now()
	var stats PushStats
	tried := make(map[string]bool)

	defer func() {
		stats.Duration = time.Since(start)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		item, ok := c.queue.NextExcept(tried)
		if !ok {
			break
		}

		if !isMutation(item.OperationType) {
			tried[item.ID] = true
			if err := c.runTask(ctx, item, &stats); err != nil {
				return stats, err
			}
			continue
		}

		batch := []queue.QueueItem{item}
		tried[item.ID] = true
		for len(batch) < c.batchSize {
			next, ok := c.queue.NextExcept(tried)
			if !ok || !isMutation(next.OperationType) {
				break
			}
			batch = append(batch, next)
			tried[next.ID] = true
		}

		if err := c.pushBatch(ctx, batch, tried, &stats); err != nil {
			return stats, err
		}
	}

	if stats.Pushed+stats.Conflicts+stats.Failed+stats.Processed > 0 {
		slog.Info("push completed",
			"component", "coordinator",
			"action", "push",
			"pushed", stats.Pushed,
			"conflicts", stats.Conflicts,
			"local_wins", stats.LocalWins,
			"failed", stats.Failed,
			"processed", stats.Processed,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return stats, nil
}

// pushBatch sends one request. A validation rejection of a multi-record
// batch is retried record by record so one bad record does not fail
// its neighbours.
func (c *Coordinator) pushBatch(ctx context.Context, batch []queue.QueueItem, tried map[string]bool, stats *PushStats) error {
	out := make([]outgoing, 0, len(batch))
	for _, item := range batch {
		o, err := c.buildRecord(ctx, item)
		if err != nil {
			if errors.Is(err, ErrNoTable) || errors.Is(err, store.ErrUnknownTable) {
				stats.Failed++
				if merr := c.markFailed(ctx, item, err, true); merr != nil {
					return merr
				}
				continue
			}
			return err
		}
		out = append(out, o)
	}
	if len(out) == 0 {
		return nil
	}

	records := make([]jsync.PushRecord, len(out))
	for i, o := range out {
		records[i] = o.record
	}

	resp, err := c.remote.Push(ctx, records)
	if err != nil {
		if remote.IsValidation(err) && len(out) > 1 {
			for _, o := range out {
				if err := c.pushBatch(ctx, []queue.QueueItem{o.item}, tried, stats); err != nil {
					return err
				}
			}
			return nil
		}
		items := make([]queue.QueueItem, len(out))
		for i, o := range out {
			items[i] = o.item
		}
		return c.handleFailure(ctx, items, err, &stats.Failed)
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	for _, o := range out {
		if err := c.applyResult(ctx, o, resp, tried, stats); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) buildRecord(ctx context.Context, item queue.QueueItem) (outgoing, error) {
	table, ok := item.EntityType.Table()
	if !ok {
		return outgoing{}, fmt.Errorf("%s/%s: %w", item.EntityType, item.EntityID, ErrNoTable)
	}
	op, _ := item.OperationType.WireOperation()

	local, version, err := c.localPayload(ctx, table, item)
	if err != nil {
		return outgoing{}, fmt.Errorf("read local %s/%s: %w", table, item.EntityID, err)
	}

	rec := jsync.PushRecord{
		TableName:     table,
		RecordID:      item.EntityID,
		Operation:     op,
		ClientVersion: version,
	}
	if op != jsync.OperationDelete {
		data := make(map[string]any, len(local))
		for k, v := range local {
			data[k] = v
		}
		delete(data, jsync.FieldVersion)
		rec.Data = data
	}
	return outgoing{item: item, table: table, record: rec, local: local}, nil
}

// applyResult handles one record's outcome. Callers hold stateMu.
func (c *Coordinator) applyResult(ctx context.Context, o outgoing, resp *jsync.PushResponse, tried map[string]bool, stats *PushStats) error {
	result, ok := findResult(resp, o.table, o.item.EntityID)
	if !ok {
		stats.Failed++
		return c.markFailed(ctx, o.item, errors.New("no result for record in push response"), false)
	}

	_, stillQueued := c.queue.Get(o.item.ID)

	switch {
	case result.Success:
		stats.Pushed++
		if result.NewVersion != nil {
			if err := c.store.SetVersion(ctx, o.table, o.item.EntityID, *result.NewVersion); err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("store new version: %w", err)
			}
		}
		return c.dequeue(ctx, o.item)

	case result.Conflicted():
		stats.Conflicts++
		sc, ok := resp.ConflictFor(o.table, o.item.EntityID)
		if !ok {
			stats.Failed++
			return c.markFailed(ctx, o.item, errors.New("conflict reported without server state"), false)
		}
		return c.resolvePushConflict(ctx, o, sc, stillQueued, tried, stats)

	default:
		stats.Failed++
		msg := "push rejected"
		if result.Error != nil {
			msg = *result.Error
		}
		return c.markFailed(ctx, o.item, errors.New(msg), false)
	}
}

// resolvePushConflict applies a push-time conflict. The endpoint marks
// version mismatches "server_wins"; those are accepted as authoritative.
// Any other resolution goes through last-write-wins. The outcome is
// audited only once the store and queue reflect it.
func (c *Coordinator) resolvePushConflict(ctx context.Context, o outgoing, sc jsync.ServerConflict, stillQueued bool, tried map[string]bool, stats *PushStats) error {
	serverData := sc.ServerData
	if serverData == nil {
		serverData = map[string]any{jsync.FieldID: sc.RecordID}
	}
	if _, ok := serverData[jsync.FieldVersion]; !ok {
		serverData[jsync.FieldVersion] = sc.ServerVersion
	}

	sc2 := c.resolver.CreateConflict(o.item.EntityID, o.item.EntityType, o.local, serverData)
	serverWins := sc.Resolution == jsync.ResolutionServerWins
	localWon := !serverWins && conflict.LocalWins(sc2)

	if err := c.settlePushConflict(ctx, o, sc, serverData, localWon, stillQueued, tried, stats); err != nil {
		return err
	}

	if serverWins {
		c.resolver.AcceptServer(ctx, sc2)
	} else {
		c.resolver.Resolve(ctx, sc2)
	}
	return nil
}

func (c *Coordinator) settlePushConflict(ctx context.Context, o outgoing, sc jsync.ServerConflict, serverData map[string]any, localWon, stillQueued bool, tried map[string]bool, stats *PushStats) error {
	// A newer local edit superseded the item while the push was in
	// flight: keep it and rebase it on the server version.
	if !stillQueued {
		return c.rebase(ctx, o.table, o.item.EntityID, sc.ServerVersion)
	}

	if localWon {
		stats.LocalWins++
		if err := c.rebase(ctx, o.table, o.item.EntityID, sc.ServerVersion); err != nil {
			return err
		}
		fresh, err := c.requeue(ctx, o.item)
		if err != nil {
			return fmt.Errorf("requeue %s: %w", o.item.EntityID, err)
		}
		tried[fresh.ID] = true
		return nil
	}

	deleted := sc.ServerData == nil || serverData[jsync.FieldDeletedAt] != nil
	ch := serverChange(o.table, o.item.EntityID, sc.ServerVersion, serverData, deleted, c.now())
	if err := c.store.Apply(ctx, ch); err != nil {
		return fmt.Errorf("apply server state %s/%s: %w", o.table, o.item.EntityID, err)
	}
	return c.dequeue(ctx, o.item)
}

func (c *Coordinator) rebase(ctx context.Context, table jsync.TableName, id string, version int) error {
	err := c.store.SetVersion(ctx, table, id, version)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("rebase %s/%s: %w", table, id, err)
	}
	return nil
}

// runTask executes a non-mutation queue item.
func (c *Coordinator) runTask(ctx context.Context, item queue.QueueItem, stats *PushStats) error {
	var err error
	switch item.OperationType {
	case queue.OpFullDownload:
		_, err = c.bootstrap(ctx)
	case queue.OpIncrementalPull:
		_, err = c.pull(ctx)
	case queue.OpAsyncProcessRequest:
		if c.processor == nil {
			stats.Failed++
			return c.markFailed(ctx, item, ErrNoProcessor, true)
		}
		err = c.processor.Process(ctx, item)
		if err != nil && remote.KindOf(err) == 0 && ctx.Err() == nil {
			stats.Failed++
			return c.markFailed(ctx, item, err, false)
		}
	}
	if err != nil {
		return c.handleFailure(ctx, []queue.QueueItem{item}, err, &stats.Failed)
	}
	stats.Processed++
	return c.dequeue(ctx, item)
}

// handleFailure records a transport failure against items. It returns
// a non-nil error when the cycle must stop.
func (c *Coordinator) handleFailure(ctx context.Context, items []queue.QueueItem, err error, failed *int) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case remote.IsAuth(err):
		// Credentials, not the items, are at fault: leave them untouched.
		slog.Warn("push stopped: re-authentication required",
			"component", "coordinator",
			"action", "push",
			"pending", len(items),
			"error", err,
		)
		return err
	case remote.IsValidation(err):
		for _, it := range items {
			*failed++
			if merr := c.markFailed(ctx, it, err, true); merr != nil {
				return merr
			}
		}
		return nil
	default:
		for _, it := range items {
			*failed++
			if merr := c.markFailed(ctx, it, err, false); merr != nil {
				return merr
			}
		}
		return err
	}
}

func (c *Coordinator) markFailed(ctx context.Context, item queue.QueueItem, cause error, permanent bool) error {
	var err error
	if permanent {
		err = c.queue.MarkFailedPermanent(ctx, item.ID, cause)
	} else {
		err = c.queue.MarkFailed(ctx, item.ID, cause)
	}
	if err != nil && !errors.Is(err, queue.ErrItemNotFound) {
		return fmt.Errorf("record failure of %s: %w", item.ID, err)
	}
	return nil
}

func (c *Coordinator) dequeue(ctx context.Context, item queue.QueueItem) error {
	err := c.queue.Dequeue(ctx, item.ID)
	if err != nil && !errors.Is(err, queue.ErrItemNotFound) {
		return fmt.Errorf("dequeue %s: %w", item.ID, err)
	}
	return nil
}

func findResult(resp *jsync.PushResponse, table jsync.TableName, id string) (jsync.PushResult, bool) {
	for _, r := range resp.Results {
		if r.TableName == table && r.RecordID == id {
			return r, true
		}
	}
	return jsync.PushResult{}, false
}
