package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/journalsync/internal/coordinator"
)

// Defaults for SyncWorker cadence.
const (
	DefaultPushDebounce = 2 * time.Second
	DefaultPullInterval = 5 * time.Minute
)

// Syncer runs sync steps. *coordinator.Coordinator implements it.
type Syncer interface {
	Sync(ctx context.Context) (coordinator.SyncStats, error)
	Push(ctx context.Context) (coordinator.PushStats, error)
	Pull(ctx context.Context) (coordinator.PullStats, error)
}

// SyncWorker keeps a device in sync in the background: one full sync on
// start, a pull every pull interval, and a push shortly after local
// edits settle.
type SyncWorker struct {
	syncer       Syncer
	pushDebounce time.Duration
	pullInterval time.Duration
	notify       chan struct{}
}

// NewSyncWorker creates a worker. Non-positive durations fall back to
// the defaults.
func NewSyncWorker(syncer Syncer, pushDebounce, pullInterval time.Duration) *SyncWorker {
	if pushDebounce <= 0 {
		pushDebounce = DefaultPushDebounce
	}
	if pullInterval <= 0 {
		pullInterval = DefaultPullInterval
	}
	return &SyncWorker{
		syncer:       syncer,
		pushDebounce: pushDebounce,
		pullInterval: pullInterval,
		notify:       make(chan struct{}, 1),
	}
}

// Notify signals a local edit. It never blocks; signals arriving before
// the worker picks one up are coalesced.
func (w *SyncWorker) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Run starts the worker loop and returns when ctx is cancelled.
func (w *SyncWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "sync",
		"action", "worker_started",
		"push_debounce", w.pushDebounce.String(),
		"pull_interval", w.pullInterval.String(),
	)

	ticker := time.NewTicker(w.pullInterval)
	defer ticker.Stop()

	// Debounce timer; nil channel while disarmed.
	var debounce *time.Timer
	var debounceC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	w.runSync(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "sync",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-w.notify:
			if debounce == nil {
				debounce = time.NewTimer(w.pushDebounce)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(w.pushDebounce)
			}
			debounceC = debounce.C
		case <-debounceC:
			debounceC = nil
			w.runPush(ctx)
		case <-ticker.C:
			w.runPull(ctx)
		}
	}
}

func (w *SyncWorker) runSync(ctx context.Context) {
	start := time.Now()
	if _, err := w.syncer.Sync(ctx); err != nil {
		w.logFailure(ctx, "sync_failed", err)
		return
	}
	slog.Debug("initial sync finished",
		"component", "worker",
		"worker", "sync",
		"action", "sync_complete",
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (w *SyncWorker) runPush(ctx context.Context) {
	stats, err := w.syncer.Push(ctx)
	if err != nil {
		w.logFailure(ctx, "push_failed", err)
		return
	}
	if stats.Pushed > 0 || stats.Failed > 0 {
		slog.Info("debounced push finished",
			"component", "worker",
			"worker", "sync",
			"action", "push_complete",
			"pushed", stats.Pushed,
			"failed", stats.Failed,
			"duration_ms", stats.Duration.Milliseconds(),
		)
	}
}

func (w *SyncWorker) runPull(ctx context.Context) {
	if _, err := w.syncer.Pull(ctx); err != nil {
		w.logFailure(ctx, "pull_failed", err)
	}
}

func (w *SyncWorker) logFailure(ctx context.Context, action string, err error) {
	if ctx.Err() != nil {
		return // shutting down
	}
	slog.Warn("sync step failed",
		"component", "worker",
		"worker", "sync",
		"action", action,
		"error", err,
	)
}
