package models

import "time"

// Resource tiers. The dispatcher never places CPU work on gpu-* pools
// or vice versa.
const (
	TierCPULight   = "cpu-light"
	TierCPUNER     = "cpu-ner"
	TierCPUExtract = "cpu-extract"
	TierGPUEmbed   = "gpu-embed"
	TierGPUPaddle  = "gpu-paddle"
	TierGPUQwen    = "gpu-qwen"
)

// IsGPUTier reports whether a resource tier requires accelerator access
func IsGPUTier(tier string) bool {
	switch tier {
	case TierGPUEmbed, TierGPUPaddle, TierGPUQwen:
		return true
	}
	return false
}

// Pool is a declarative worker class: one queue, many workers draining it.
type Pool struct {
	Name           string        `json:"name" badgerhold:"key"`
	ResourceTier   string        `json:"resource_tier"`
	MaxConcurrency int           `json:"max_concurrency"`
	JobTimeout     time.Duration `json:"job_timeout"`
}

// WorkerInfo is the registration record of an executor. CurrentJobID is
// non-empty iff the job's claimed_by equals this worker id.
type WorkerInfo struct {
	ID            string    `json:"id" badgerhold:"key"`
	Pool          string    `json:"pool" badgerholdIndex:"Pool"`
	Host          string    `json:"host"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CurrentJobID  string    `json:"current_job_id,omitempty"`
}

// Alive reports whether the worker's heartbeat is within ttl of now
func (w *WorkerInfo) Alive(now time.Time, ttl time.Duration) bool {
	return now.Sub(w.LastHeartbeat) <= ttl
}
