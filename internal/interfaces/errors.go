package interfaces

import "errors"

// Sentinel errors shared across components. Callers branch on these with
// errors.Is; wrapped messages carry the detail.
var (
	// ErrNoJob is returned by Claim when the pool queue is empty
	ErrNoJob = errors.New("no job available")

	// ErrJobNotFound is returned for lookups of unknown job ids
	ErrJobNotFound = errors.New("job not found")

	// ErrPoolUnavailable is returned at enqueue when a pool has had no live
	// workers for longer than the stale-pool threshold, or a gpu-* pool has
	// no registered workers. Callers choose to skip or fail the document.
	ErrPoolUnavailable = errors.New("pool_unavailable")

	// ErrUnknownPool is returned for operations on undeclared pools
	ErrUnknownPool = errors.New("unknown pool")

	// ErrFileNotFound is terminal: missing payload files are never retried
	ErrFileNotFound = errors.New("file_not_found")

	// ErrBrokerUnavailable is retryable; callers apply jittered backoff
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrEngineUnavailable is returned when an ML engine is not registered
	// or fails to initialize
	ErrEngineUnavailable = errors.New("engine unavailable")

	// ErrDocumentNotFound is returned for lookups of unknown document ids
	ErrDocumentNotFound = errors.New("document not found")
)
