package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dossier/internal/broker"
	"github.com/ternarybob/dossier/internal/contentstore"
	"github.com/ternarybob/dossier/internal/events"
	"github.com/ternarybob/dossier/internal/jobstore"
	"github.com/ternarybob/dossier/internal/models"
)

type supervisorFixture struct {
	broker   *broker.BadgerBroker
	jobs     *jobstore.Store
	registry *jobstore.Registry
	events   *events.Service
	sup      *Supervisor
}

func setupSupervisor(t *testing.T) *supervisorFixture {
	t.Helper()
	logger := arbor.NewLogger()

	brokerDB, err := broker.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { brokerDB.Close() })
	b, err := broker.NewBadgerBroker(brokerDB, "test", logger)
	require.NoError(t, err)

	storeDB, err := contentstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { storeDB.Close() })

	jobs := jobstore.NewStore(storeDB, time.Hour, logger)
	registry := jobstore.NewRegistry(storeDB, logger)
	bus, err := events.NewService(nil, logger)
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })

	return &supervisorFixture{
		broker:   b,
		jobs:     jobs,
		registry: registry,
		events:   bus,
		sup:      NewSupervisor(b, jobs, registry, bus, 50*time.Millisecond, logger),
	}
}

// claimAsDead enqueues a job, claims it under a worker id that is never
// registered, and mirrors the claim into the job record store.
func (f *supervisorFixture) claimAsDead(t *testing.T, jobID, workerID string, maxRequeues int) {
	t.Helper()
	ctx := context.Background()

	brokerJob, err := f.broker.Claim(ctx, "extract", workerID)
	require.NoError(t, err)
	require.Equal(t, jobID, brokerJob.ID)

	record, err := f.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	record.Status = models.JobStatusClaimed
	record.ClaimedBy = workerID
	record.MaxWorkerRequeues = maxRequeues
	require.NoError(t, f.jobs.Save(ctx, record))
}

func seedJob(t *testing.T, f *supervisorFixture, jobID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.broker.Enqueue(ctx, "extract", jobID, []byte(`{"doc_id":"doc_1"}`), 1))
	require.NoError(t, f.jobs.Save(ctx, &models.Job{
		ID:        jobID,
		Pool:      "extract",
		Payload:   []byte(`{"doc_id":"doc_1"}`),
		Status:    models.JobStatusPending,
		CreatedAt: time.Now(),
	}))
}

func TestSupervisor_RequeuesOrphanedJob(t *testing.T) {
	f := setupSupervisor(t)
	ctx := context.Background()

	seedJob(t, f, "job_1")
	f.claimAsDead(t, "job_1", "wrk_dead", 3)

	f.sup.Sweep(ctx)

	brokerJob, err := f.broker.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, brokerJob.Status)
	assert.Equal(t, 1, brokerJob.WorkerRequeues)
	assert.Empty(t, brokerJob.ClaimedBy)

	record, err := f.jobs.Get(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, record.Status)
	assert.Equal(t, 1, record.WorkerRequeues)
}

func TestSupervisor_PoisonJobDeadlettered(t *testing.T) {
	f := setupSupervisor(t)
	ctx := context.Background()

	deadlettered := make(chan models.Event, 1)
	_, err := f.events.Subscribe(models.EventJobDeadlettered, func(_ context.Context, e models.Event) error {
		deadlettered <- e
		return nil
	})
	require.NoError(t, err)

	seedJob(t, f, "job_1")

	// First crash: requeued. Second crash: cap of one reached, poison.
	f.claimAsDead(t, "job_1", "wrk_dead_1", 1)
	f.sup.Sweep(ctx)
	f.claimAsDead(t, "job_1", "wrk_dead_2", 1)
	f.sup.Sweep(ctx)

	brokerJob, err := f.broker.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDead, brokerJob.Status)

	record, err := f.jobs.Get(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDead, record.Status)
	assert.Equal(t, models.ErrorClassPoison, record.Classification)

	select {
	case e := <-deadlettered:
		assert.Equal(t, "job_1", e.Payload["job_id"])
		assert.Equal(t, string(models.ErrorClassPoison), e.Payload["class"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected job.deadlettered event")
	}

	// Dead jobs are not claimable
	_, err = f.broker.Claim(ctx, "extract", "wrk_new")
	assert.Error(t, err)
}

func TestSupervisor_LiveOwnerUntouched(t *testing.T) {
	f := setupSupervisor(t)
	ctx := context.Background()

	seedJob(t, f, "job_1")

	require.NoError(t, f.registry.Register(ctx, &models.WorkerInfo{
		ID:   "wrk_live",
		Pool: "extract",
	}))
	f.claimAsDead(t, "job_1", "wrk_live", 3)

	f.sup.Sweep(ctx)

	brokerJob, err := f.broker.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusClaimed, brokerJob.Status)
	assert.Equal(t, "wrk_live", brokerJob.ClaimedBy)
	assert.Equal(t, 0, brokerJob.WorkerRequeues)
}

// The record store can lag the broker: a job listed as running whose
// worker already finished must be mirrored, not requeued.
func TestSupervisor_FinishedJobMirroredNotRequeued(t *testing.T) {
	f := setupSupervisor(t)
	ctx := context.Background()

	seedJob(t, f, "job_1")
	f.claimAsDead(t, "job_1", "wrk_dead", 3)
	require.NoError(t, f.broker.Ack(ctx, "job_1", []byte(`{"ok":true}`)))

	f.sup.Sweep(ctx)

	record, err := f.jobs.Get(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, record.Status)
}
