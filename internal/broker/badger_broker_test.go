package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

func setupBroker(t *testing.T) *BadgerBroker {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	b, err := NewBadgerBroker(db, "test", arbor.NewLogger())
	require.NoError(t, err)
	return b
}

func TestBroker_EnqueueClaimAck(t *testing.T) {
	b := setupBroker(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"doc_id":"doc_1"}`)
	require.NoError(t, b.Enqueue(ctx, "extract", "job_1", payload, 1))

	n, err := b.QueueLength(ctx, "extract")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := b.Claim(ctx, "extract", "wrk_a")
	require.NoError(t, err)
	assert.Equal(t, "job_1", job.ID)
	assert.Equal(t, models.JobStatusClaimed, job.Status)
	assert.Equal(t, "wrk_a", job.ClaimedBy)
	assert.Equal(t, 1, job.Attempts)

	// The queue index entry is consumed by the claim
	n, err = b.QueueLength(ctx, "extract")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, b.Ack(ctx, "job_1", json.RawMessage(`{"ok":true}`)))
	final, err := b.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.NotNil(t, final.FinalizedAt)
	assert.Empty(t, final.ClaimedBy)
}

func TestBroker_ClaimEmptyQueue(t *testing.T) {
	b := setupBroker(t)

	job, err := b.Claim(context.Background(), "extract", "wrk_a")
	assert.Nil(t, job)
	assert.ErrorIs(t, err, interfaces.ErrNoJob)
}

func TestBroker_PriorityThenFIFO(t *testing.T) {
	b := setupBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "extract", "job_low_1", nil, 1))
	require.NoError(t, b.Enqueue(ctx, "extract", "job_high", nil, 5))
	require.NoError(t, b.Enqueue(ctx, "extract", "job_low_2", nil, 1))

	ids, err := b.Peek(ctx, "extract", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"job_high", "job_low_1", "job_low_2"}, ids)

	for _, want := range []string{"job_high", "job_low_1", "job_low_2"} {
		job, err := b.Claim(ctx, "extract", "wrk_a")
		require.NoError(t, err)
		assert.Equal(t, want, job.ID)
	}
}

func TestBroker_NegativePriorityOrdersLast(t *testing.T) {
	b := setupBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "extract", "job_bg", nil, -10))
	require.NoError(t, b.Enqueue(ctx, "extract", "job_fg", nil, 0))

	ids, err := b.Peek(ctx, "extract", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job_fg", "job_bg"}, ids)
}

// Concurrent claimers must each win a distinct job: the pending->claimed
// transition happens inside one transaction, so no job is claimed twice.
func TestBroker_ConcurrentClaimsAreExclusive(t *testing.T) {
	b := setupBroker(t)
	ctx := context.Background()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		require.NoError(t, b.Enqueue(ctx, "extract", jobID(i), nil, 0))
	}

	var mu sync.Mutex
	seen := make(map[string]int)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, err := b.Claim(ctx, "extract", worker)
				if errors.Is(err, interfaces.ErrNoJob) {
					return
				}
				if errors.Is(err, interfaces.ErrBrokerUnavailable) {
					// Transaction conflict between claimers, try again
					continue
				}
				if err != nil {
					t.Errorf("claim failed: %v", err)
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}(jobID(100 + w))
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, count := range seen {
		assert.Equal(t, 1, count, "job %s claimed %d times", id, count)
	}
}

func TestBroker_NackRequeueAndDead(t *testing.T) {
	b := setupBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "ner", "job_1", nil, 0))
	_, err := b.Claim(ctx, "ner", "wrk_a")
	require.NoError(t, err)

	// Requeue: back to pending and claimable again
	require.NoError(t, b.Nack(ctx, "job_1", "transient failure", true))
	job, err := b.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "transient failure", job.Error)
	assert.Empty(t, job.ClaimedBy)

	claimed, err := b.Claim(ctx, "ner", "wrk_b")
	require.NoError(t, err)
	assert.Equal(t, "job_1", claimed.ID)
	assert.Equal(t, 2, claimed.Attempts)

	// Terminal: dead-lettered, never claimable
	require.NoError(t, b.Nack(ctx, "job_1", "bad payload", false))
	job, err = b.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDead, job.Status)
	assert.NotNil(t, job.FinalizedAt)

	_, err = b.Claim(ctx, "ner", "wrk_c")
	assert.ErrorIs(t, err, interfaces.ErrNoJob)
}

func TestBroker_RequeueIncrementsCount(t *testing.T) {
	b := setupBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "chunk", "job_1", nil, 0))
	_, err := b.Claim(ctx, "chunk", "wrk_dead")
	require.NoError(t, err)

	require.NoError(t, b.Requeue(ctx, "job_1"))
	job, err := b.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.WorkerRequeues)
	assert.Empty(t, job.ClaimedBy)
	assert.Nil(t, job.ClaimedAt)
}

func TestBroker_RequeueTerminalRejected(t *testing.T) {
	b := setupBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "chunk", "job_1", nil, 0))
	_, err := b.Claim(ctx, "chunk", "wrk_a")
	require.NoError(t, err)
	require.NoError(t, b.Ack(ctx, "job_1", nil))

	assert.Error(t, b.Requeue(ctx, "job_1"))
}

func TestBroker_DeadletterRemovesPendingEntry(t *testing.T) {
	b := setupBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "embed", "job_1", nil, 0))
	require.NoError(t, b.Deadletter(ctx, "job_1", "poison"))

	n, err := b.QueueLength(ctx, "embed")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	job, err := b.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDead, job.Status)
	assert.Equal(t, "poison", job.Error)
}

func TestBroker_MarkRunningRequiresClaimed(t *testing.T) {
	b := setupBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "extract", "job_1", nil, 0))
	assert.Error(t, b.MarkRunning(ctx, "job_1"))

	_, err := b.Claim(ctx, "extract", "wrk_a")
	require.NoError(t, err)
	require.NoError(t, b.MarkRunning(ctx, "job_1"))

	job, err := b.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)
}

func TestBroker_GetJobNotFound(t *testing.T) {
	b := setupBroker(t)
	_, err := b.GetJob(context.Background(), "job_missing")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}

func TestBroker_QueuesAreIsolated(t *testing.T) {
	b := setupBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "extract", "job_e", nil, 0))
	require.NoError(t, b.Enqueue(ctx, "ner", "job_n", nil, 0))

	job, err := b.Claim(ctx, "ner", "wrk_a")
	require.NoError(t, err)
	assert.Equal(t, "job_n", job.ID)

	n, err := b.QueueLength(ctx, "extract")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func jobID(i int) string {
	return "job_" + string(rune('a'+i/10)) + string(rune('0'+i%10))
}
