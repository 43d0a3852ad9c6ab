package interfaces

import (
	"context"
	"encoding/json"

	"github.com/ternarybob/dossier/internal/models"
)

// Broker is the durable priority queue plus job-state map. One queue per
// pool; operations are atomic at job-id granularity.
type Broker interface {
	// Enqueue places a job on a pool queue. Higher priority is served first;
	// ties break by FIFO enqueue order.
	Enqueue(ctx context.Context, pool, jobID string, payload json.RawMessage, priority int) error

	// Claim atomically transitions the best pending job to claimed and
	// returns it. Returns ErrNoJob when the queue is empty. Two concurrent
	// claims on the same job produce exactly one winner.
	Claim(ctx context.Context, pool, workerID string) (*models.Job, error)

	// Ack finalizes a job as completed with its result
	Ack(ctx context.Context, jobID string, result json.RawMessage) error

	// Nack records a failure. With requeue the job returns to pending;
	// without it the job is dead-lettered.
	Nack(ctx context.Context, jobID string, errMsg string, requeue bool) error

	// MarkRunning transitions a claimed job to running. Only the claiming
	// worker calls this.
	MarkRunning(ctx context.Context, jobID string) error

	// Requeue returns a claimed/running job to pending, incrementing its
	// worker requeue count. Used by the supervisor after a worker death.
	Requeue(ctx context.Context, jobID string) error

	// Peek returns up to limit pending job ids in claim order without
	// claiming them.
	Peek(ctx context.Context, pool string, limit int) ([]string, error)

	// Deadletter forces a job to the dead state
	Deadletter(ctx context.Context, jobID string, reason string) error

	// GetJob reads the broker's job hash
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// QueueLength returns the number of pending jobs on a pool queue
	QueueLength(ctx context.Context, pool string) (int, error)

	Close() error
}
