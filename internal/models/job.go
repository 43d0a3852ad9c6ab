// -----------------------------------------------------------------------
// Job - Unit of work addressed to a pool
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus tracks the job lifecycle
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusDead      JobStatus = "dead"
)

// IsTerminal returns true for statuses that never transition again
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusDead
}

// ErrorClass classifies job failures for retry policy and operator triage
type ErrorClass string

const (
	ErrorClassTransient ErrorClass = "transient" // Broker/network unavailability - retry with backoff
	ErrorClassPayload   ErrorClass = "payload"   // Malformed input - terminal, dead-letter
	ErrorClassResource  ErrorClass = "resource"  // No workers for pool, GPU absent
	ErrorClassStage     ErrorClass = "stage"     // Handler-specific, triggers fallback path
	ErrorClassPoison    ErrorClass = "poison"    // Crashed successive workers, requeue cap hit
)

// Job is the canonical record of a unit of work. The broker holds a copy in
// its job hash for queue operations; the job store holds the durable record.
type Job struct {
	ID       string          `json:"id" badgerhold:"key"`
	Pool     string          `json:"pool" badgerholdIndex:"Pool"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`

	Status            JobStatus  `json:"status" badgerholdIndex:"Status"`
	Attempts          int        `json:"attempts"`
	WorkerRequeues    int        `json:"worker_requeue_count"`
	MaxWorkerRequeues int        `json:"max_worker_requeues"`
	Classification    ErrorClass `json:"classification,omitempty"`

	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	ClaimedBy string `json:"claimed_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`

	// CorrelationID ties the job to a document pipeline run
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ToJSON serializes the job for broker storage
func (j *Job) ToJSON() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}

// JobFromJSON deserializes a job from broker storage
func JobFromJSON(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}
