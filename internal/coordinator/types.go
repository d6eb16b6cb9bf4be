package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/hyperengineering/journalsync/internal/queue"
	"github.com/hyperengineering/journalsync/internal/store"
	jsync "github.com/hyperengineering/journalsync/internal/sync"
)

var (
	// ErrNoTable is returned for entity kinds that are computed locally
	// and never synchronized.
	ErrNoTable = errors.New("entity type has no synchronized table")
	// ErrNoProcessor marks async requests when no processor is configured.
	ErrNoProcessor = errors.New("no async processor configured")
)

// LocalStore is the subset of the device store the coordinator needs.
// *store.LocalStore implements it.
type LocalStore interface {
	GetRecord(ctx context.Context, table jsync.TableName, id string) (*store.Record, error)
	RecordLocal(ctx context.Context, e store.LocalEdit, queueData []byte) (*store.Record, error)
	SetVersion(ctx context.Context, table jsync.TableName, id string, version int) error
	Apply(ctx context.Context, c store.Change) error
	ApplyBatch(ctx context.Context, changes []store.Change, watermark time.Time) error
	Watermark(ctx context.Context) (time.Time, bool, error)
}

// Remote is the sync endpoint. *remote.Client implements it.
type Remote interface {
	Push(ctx context.Context, records []jsync.PushRecord) (*jsync.PushResponse, error)
	Pull(ctx context.Context, since time.Time) (*jsync.PullResponse, error)
	FullDownload(ctx context.Context) (*jsync.FullDownloadResponse, error)
}

// AsyncProcessor runs async_process_request items (transcription,
// signal extraction). Returning nil dequeues the item.
type AsyncProcessor interface {
	Process(ctx context.Context, item queue.QueueItem) error
}

// AsyncProcessorFunc adapts a function to AsyncProcessor.
type AsyncProcessorFunc func(ctx context.Context, item queue.QueueItem) error

// Process calls f.
func (f AsyncProcessorFunc) Process(ctx context.Context, item queue.QueueItem) error {
	return f(ctx, item)
}

// PushStats summarizes one push cycle.
type PushStats struct {
	Pushed    int           `json:"pushed"`
	Conflicts int           `json:"conflicts"`
	LocalWins int           `json:"local_wins"`
	Failed    int           `json:"failed"`
	Processed int           `json:"processed"`
	Duration  time.Duration `json:"duration"`
}

// PullStats summarizes one pull or bootstrap.
type PullStats struct {
	Applied      int           `json:"applied"`
	Deleted      int           `json:"deleted"`
	Skipped      int           `json:"skipped"`
	Conflicts    int           `json:"conflicts"`
	Bootstrapped bool          `json:"bootstrapped"`
	Watermark    time.Time     `json:"watermark"`
	Duration     time.Duration `json:"duration"`
}

// SyncStats summarizes a full Sync.
type SyncStats struct {
	Bootstrap *PullStats `json:"bootstrap,omitempty"`
	Push      PushStats  `json:"push"`
	Pull      PullStats  `json:"pull"`
}
