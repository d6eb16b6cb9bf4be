package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/journalsync/internal/conflict"
	"github.com/hyperengineering/journalsync/internal/queue"
	"github.com/hyperengineering/journalsync/internal/store"
	jsync "github.com/hyperengineering/journalsync/internal/sync"
)

// pull applies remote changes made since the watermark. Records that
// collide with a pending local edit go through last-write-wins; the
// rest are applied when they are at least as new as the local row.
// Changes and the new watermark commit together.
func (c *Coordinator) pull(ctx context.Context) (PullStats, error) {
	since, ok, err := c.store.Watermark(ctx)
	if err != nil {
		return PullStats{}, fmt.Errorf("read watermark: %w", err)
	}
	if !ok {
		return c.bootstrap(ctx)
	}

	start := time.Now()
	resp, err := c.remote.Pull(ctx, since)
	if err != nil {
		return PullStats{}, fmt.Errorf("pull: %w", err)
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	var stats PullStats
	changes := make([]store.Change, 0, len(resp.Records))
	var settled, rebased []queue.QueueItem
	var resolved []conflict.SyncConflict

	for _, rec := range resp.Records {
		et, ok := queue.EntityForTable(rec.TableName)
		if !ok {
			stats.Skipped++
			slog.Warn("pulled record for unknown table",
				"component", "coordinator",
				"action", "pull",
				"table", rec.TableName,
				"record_id", rec.RecordID,
			)
			continue
		}

		local, err := c.store.GetRecord(ctx, rec.TableName, rec.RecordID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return stats, fmt.Errorf("read local %s/%s: %w", rec.TableName, rec.RecordID, err)
		}

		pending, hasPending := c.queue.Pending(et, rec.RecordID)
		if hasPending && !isMutation(pending.OperationType) {
			hasPending = false
		}

		if local != nil && rec.Version < local.Version {
			stats.Skipped++
			continue
		}

		if !hasPending || local == nil {
			changes = append(changes, pulledChange(rec))
			countChange(&stats, rec)
			continue
		}

		if rec.Version == local.Version {
			stats.Skipped++
			continue
		}

		stats.Conflicts++
		sc := c.resolver.CreateConflict(rec.RecordID, et, local.Payload(), pulledPayload(rec))
		resolved = append(resolved, sc)
		if conflict.LocalWins(sc) {
			changes = append(changes, store.Change{
				Kind:    store.ChangeRebase,
				Table:   rec.TableName,
				ID:      rec.RecordID,
				Version: rec.Version,
			})
			rebased = append(rebased, pending)
			continue
		}
		changes = append(changes, pulledChange(rec))
		countChange(&stats, rec)
		settled = append(settled, pending)
	}

	if err := c.store.ApplyBatch(ctx, changes, resp.SyncedAt); err != nil {
		return stats, fmt.Errorf("apply pulled changes: %w", err)
	}
	// Audit only what was committed; a failed batch is pulled again.
	c.resolver.ResolveAll(ctx, resolved)
	for _, item := range settled {
		if err := c.dequeue(ctx, item); err != nil {
			return stats, err
		}
	}
	for _, item := range rebased {
		if _, err := c.requeue(ctx, item); err != nil {
			return stats, fmt.Errorf("requeue %s: %w", item.EntityID, err)
		}
	}

	stats.Watermark = resp.SyncedAt
	stats.Duration = time.Since(start)
	slog.Info("pull completed",
		"component", "coordinator",
		"action", "pull",
		"received", len(resp.Records),
		"applied", stats.Applied,
		"deleted", stats.Deleted,
		"skipped", stats.Skipped,
		"conflicts", stats.Conflicts,
		"duration_ms", stats.Duration.Milliseconds(),
	)
	return stats, nil
}

// bootstrap replaces local state with a full download. Entities with a
// pending local edit keep their local data; the edit is pushed later.
func (c *Coordinator) bootstrap(ctx context.Context) (PullStats, error) {
	start := time.Now()
	resp, err := c.remote.FullDownload(ctx)
	if err != nil {
		return PullStats{}, fmt.Errorf("full download: %w", err)
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	stats := PullStats{Bootstrapped: true}
	var changes []store.Change

	for _, table := range jsync.AllTables {
		rows := resp.Data[table]
		et, ok := queue.EntityForTable(table)
		if !ok {
			continue
		}
		for _, row := range rows {
			id, _ := row[jsync.FieldID].(string)
			if id == "" {
				stats.Skipped++
				continue
			}
			if p, ok := c.queue.Pending(et, id); ok && isMutation(p.OperationType) {
				stats.Skipped++
				continue
			}
			version := conflict.VersionOf(row)
			changes = append(changes, serverChange(table, id, version, row, false, resp.DownloadedAt))
			stats.Applied++
		}
	}

	watermark := resp.DownloadedAt
	if watermark.IsZero() {
		watermark = c.now()
	}
	if err := c.store.ApplyBatch(ctx, changes, watermark); err != nil {
		return stats, fmt.Errorf("apply full download: %w", err)
	}

	stats.Watermark = watermark
	stats.Duration = time.Since(start)
	slog.Info("bootstrap completed",
		"component", "coordinator",
		"action", "bootstrap",
		"applied", stats.Applied,
		"skipped", stats.Skipped,
		"duration_ms", stats.Duration.Milliseconds(),
	)
	return stats, nil
}

// pulledPayload is the resolver view of a pulled record. A delete has
// no data, so its change time stands in for updated_at.
func pulledPayload(rec jsync.PullRecord) map[string]any {
	out := make(map[string]any, len(rec.Data)+3)
	for k, v := range rec.Data {
		out[k] = v
	}
	out[jsync.FieldID] = rec.RecordID
	out[jsync.FieldVersion] = rec.Version
	if _, ok := out[jsync.FieldUpdatedAt]; !ok || rec.Operation == jsync.OperationDelete {
		out[jsync.FieldUpdatedAt] = rec.ChangedAt.UTC().Format(time.RFC3339Nano)
	}
	if rec.Operation == jsync.OperationDelete {
		out[jsync.FieldDeletedAt] = rec.ChangedAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func pulledChange(rec jsync.PullRecord) store.Change {
	deleted := rec.Operation == jsync.OperationDelete
	data := rec.Data
	if deleted {
		data = map[string]any{jsync.FieldDeletedAt: rec.ChangedAt.UTC().Format(time.RFC3339Nano)}
	}
	return serverChange(rec.TableName, rec.RecordID, rec.Version, data, deleted, rec.ChangedAt)
}

func countChange(stats *PullStats, rec jsync.PullRecord) {
	if rec.Operation == jsync.OperationDelete {
		stats.Deleted++
		return
	}
	stats.Applied++
}
