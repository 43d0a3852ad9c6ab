package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ternarybob/dossier/internal/models"
)

// JobListOptions filters job record listings
type JobListOptions struct {
	Pool   string
	Status models.JobStatus
	Limit  int
	Offset int
}

// JobStore is the canonical record of every job ever created. It is
// separate from the broker so records survive broker flushes. Terminal
// records are purged after the retention window.
type JobStore interface {
	Save(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, jobID string) (*models.Job, error)
	List(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	Count(ctx context.Context, opts *JobListOptions) (int, error)

	// UpdateStatus updates status and, for terminal states, finalized_at
	UpdateStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg string, class models.ErrorClass) error

	// RecordResult stores the handler result on a completed job
	RecordResult(ctx context.Context, jobID string, result json.RawMessage) error

	// ResetRequeues zeroes worker_requeue_count for an operator-initiated
	// manual re-attempt, distinct from automatic retry.
	ResetRequeues(ctx context.Context, jobID string) error

	// Purge removes terminal records finalized before the cutoff,
	// returning the number removed.
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// WorkerRegistry tracks live workers via TTL heartbeats
type WorkerRegistry interface {
	Register(ctx context.Context, w *models.WorkerInfo) error
	Deregister(ctx context.Context, workerID string) error
	Heartbeat(ctx context.Context, workerID string, currentJobID string) error
	Get(ctx context.Context, workerID string) (*models.WorkerInfo, error)
	ListByPool(ctx context.Context, pool string) ([]*models.WorkerInfo, error)
	ListAll(ctx context.Context) ([]*models.WorkerInfo, error)

	// LastLiveWorker returns the most recent heartbeat seen for a pool,
	// zero time if the pool never had a worker this session.
	LastLiveWorker(ctx context.Context, pool string) (time.Time, error)
}
