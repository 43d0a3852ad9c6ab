package common

import (
	"math/rand"
	"time"
)

const (
	// BackoffBase is the first retry delay for transient broker failures
	BackoffBase = 250 * time.Millisecond
	// BackoffCap bounds the exponential growth
	BackoffCap = 30 * time.Second
)

// Backoff returns the delay before the given attempt (0-based) using
// full-jitter exponential backoff: a uniform random duration in
// [0, min(cap, base*2^attempt)].
func Backoff(attempt int) time.Duration {
	max := BackoffBase << uint(attempt)
	if max > BackoffCap || max <= 0 {
		max = BackoffCap
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}
