package interfaces

import (
	"context"
	"encoding/json"

	"github.com/ternarybob/dossier/internal/models"
)

// Dispatcher maps logical stages to physical pools, applies admission
// control, and drives the per-document state machine via event coupling.
type Dispatcher interface {
	// EnqueueStage places a stage job for a document on the stage's pool
	// with stage-appropriate priority. Returns ErrPoolUnavailable when the
	// pool fails admission (stale or GPU-absent).
	EnqueueStage(ctx context.Context, stage string, payload json.RawMessage, correlationID string) (string, error)

	// Ingest content-addresses a file and starts the pipeline. Re-ingest
	// of an identical file short-circuits to the existing document id.
	Ingest(ctx context.Context, filePath, tenant string) (*models.Document, bool, error)

	// Pools returns the declared pools with live worker counts
	Pools(ctx context.Context) ([]PoolStatus, error)

	// PoolFor returns the pool declaration serving a stage
	PoolFor(stage string) (*models.Pool, bool)

	// Start subscribes the dispatcher to stage completion events
	Start() error
	Stop() error
}

// PoolStatus pairs a pool declaration with its observed workers
type PoolStatus struct {
	Pool        models.Pool `json:"pool"`
	LiveWorkers int         `json:"live_workers"`
	QueueDepth  int         `json:"queue_depth"`
}

// StageHandler executes one pipeline stage for one job. Implementations
// honor ctx cancellation at every suspension point; the worker runtime
// derives ctx from the pool's job_timeout.
type StageHandler func(ctx context.Context, job *models.Job) (json.RawMessage, error)
