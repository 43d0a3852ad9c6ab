package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dossier/internal/common"
	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

func testWorkerConfig() common.WorkerConfig {
	return common.WorkerConfig{
		HeartbeatInterval: 20 * time.Millisecond,
		MaxWorkerRequeues: 3,
		PollInterval:      10 * time.Millisecond,
		GraceWindow:       50 * time.Millisecond,
	}
}

func startRuntime(t *testing.T, f *supervisorFixture, pool models.Pool, handler interfaces.StageHandler) *Runtime {
	t.Helper()
	rt := NewRuntime(pool, f.broker, f.jobs, f.registry, f.events, handler, testWorkerConfig(), arbor.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		rt.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Log("runtime did not stop in time")
		}
	})
	return rt
}

func awaitEvent(t *testing.T, ch <-chan models.Event, what string) models.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return models.Event{}
	}
}

func TestRuntime_CompletesJob(t *testing.T) {
	f := setupSupervisor(t)
	ctx := context.Background()

	completed := make(chan models.Event, 1)
	_, err := f.events.Subscribe("stage.extract.completed", func(_ context.Context, e models.Event) error {
		completed <- e
		return nil
	})
	require.NoError(t, err)

	seedJob(t, f, "job_1")

	handler := func(_ context.Context, job *models.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"text":"extracted"}`), nil
	}
	startRuntime(t, f, models.Pool{Name: "extract", JobTimeout: time.Minute}, handler)

	e := awaitEvent(t, completed, "stage.extract.completed")
	assert.Equal(t, "job_1", e.Payload["job_id"])
	assert.Equal(t, "doc_1", e.Payload["document_id"])

	brokerJob, err := f.broker.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, brokerJob.Status)

	record, err := f.jobs.Get(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, record.Status)
	assert.JSONEq(t, `{"text":"extracted"}`, string(record.Result))
}

func TestRuntime_TerminalFailureDeadletters(t *testing.T) {
	f := setupSupervisor(t)
	ctx := context.Background()

	deadlettered := make(chan models.Event, 1)
	_, err := f.events.Subscribe(models.EventJobDeadlettered, func(_ context.Context, e models.Event) error {
		deadlettered <- e
		return nil
	})
	require.NoError(t, err)

	seedJob(t, f, "job_1")

	handler := func(_ context.Context, job *models.Job) (json.RawMessage, error) {
		return nil, errors.New("malformed pdf structure")
	}
	startRuntime(t, f, models.Pool{Name: "extract", JobTimeout: time.Minute}, handler)

	e := awaitEvent(t, deadlettered, "job.deadlettered")
	assert.Equal(t, "job_1", e.Payload["job_id"])
	assert.Equal(t, string(models.ErrorClassStage), e.Payload["class"])

	brokerJob, err := f.broker.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDead, brokerJob.Status)

	record, err := f.jobs.Get(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDead, record.Status)
	assert.Equal(t, models.ErrorClassStage, record.Classification)
	assert.Contains(t, record.Error, "malformed pdf")
}

func TestRuntime_TransientFailureRetries(t *testing.T) {
	f := setupSupervisor(t)
	ctx := context.Background()

	completed := make(chan models.Event, 1)
	_, err := f.events.Subscribe("stage.extract.completed", func(_ context.Context, e models.Event) error {
		completed <- e
		return nil
	})
	require.NoError(t, err)

	seedJob(t, f, "job_1")

	var calls int32
	handler := func(_ context.Context, job *models.Job) (json.RawMessage, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, fmt.Errorf("enqueue next: %w", interfaces.ErrBrokerUnavailable)
		}
		return json.RawMessage(`{"ok":true}`), nil
	}
	startRuntime(t, f, models.Pool{Name: "extract", JobTimeout: time.Minute}, handler)

	awaitEvent(t, completed, "stage.extract.completed")
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))

	brokerJob, err := f.broker.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, brokerJob.Status)
	assert.Equal(t, 2, brokerJob.Attempts)
}

// A handler that ignores cancellation past the grace window forces the
// runtime to requeue the job and replace its worker identity.
func TestRuntime_StuckHandlerReplaced(t *testing.T) {
	f := setupSupervisor(t)
	ctx := context.Background()

	completed := make(chan models.Event, 1)
	_, err := f.events.Subscribe("stage.extract.completed", func(_ context.Context, e models.Event) error {
		completed <- e
		return nil
	})
	require.NoError(t, err)

	seedJob(t, f, "job_1")

	block := make(chan struct{})
	var calls int32
	handler := func(_ context.Context, job *models.Job) (json.RawMessage, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-block // Deliberately ignores ctx
		}
		return json.RawMessage(`{"ok":true}`), nil
	}
	t.Cleanup(func() { close(block) })

	rt := startRuntime(t, f, models.Pool{Name: "extract", JobTimeout: 50 * time.Millisecond}, handler)
	firstID := rt.ID()

	awaitEvent(t, completed, "stage.extract.completed")

	brokerJob, err := f.broker.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, brokerJob.Status)
	assert.Equal(t, 1, brokerJob.WorkerRequeues)
	assert.NotEqual(t, firstID, rt.ID())
}

// A handler that gets stuck on every attempt must not cycle through
// workers forever; once the requeue cap is reached the job is parked as
// poison, matching what the supervisor does for orphaned jobs.
func TestRuntime_StuckHandlerDeadlettersAtCap(t *testing.T) {
	f := setupSupervisor(t)
	ctx := context.Background()

	deadlettered := make(chan models.Event, 1)
	_, err := f.events.Subscribe(models.EventJobDeadlettered, func(_ context.Context, e models.Event) error {
		deadlettered <- e
		return nil
	})
	require.NoError(t, err)

	seedJob(t, f, "job_1")
	record, err := f.jobs.Get(ctx, "job_1")
	require.NoError(t, err)
	record.MaxWorkerRequeues = 1
	require.NoError(t, f.jobs.Save(ctx, record))

	block := make(chan struct{})
	handler := func(_ context.Context, job *models.Job) (json.RawMessage, error) {
		<-block // Deliberately ignores ctx on every attempt
		return nil, nil
	}
	t.Cleanup(func() { close(block) })

	startRuntime(t, f, models.Pool{Name: "extract", JobTimeout: 50 * time.Millisecond}, handler)

	e := awaitEvent(t, deadlettered, "job.deadlettered")
	assert.Equal(t, "job_1", e.Payload["job_id"])
	assert.Equal(t, "doc_1", e.Payload["document_id"])
	assert.Equal(t, string(models.ErrorClassPoison), e.Payload["class"])

	brokerJob, err := f.broker.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDead, brokerJob.Status)
	assert.Equal(t, 1, brokerJob.WorkerRequeues)

	record, err = f.jobs.Get(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDead, record.Status)
	assert.Equal(t, models.ErrorClassPoison, record.Classification)
}

// A handler that fails the same retryable way on every attempt exhausts
// its budget and is dead-lettered instead of requeuing without bound.
func TestRuntime_RetryableFailureDeadlettersAtCap(t *testing.T) {
	f := setupSupervisor(t)
	ctx := context.Background()

	deadlettered := make(chan models.Event, 1)
	_, err := f.events.Subscribe(models.EventJobDeadlettered, func(_ context.Context, e models.Event) error {
		deadlettered <- e
		return nil
	})
	require.NoError(t, err)

	docFailed := make(chan models.Event, 1)
	_, err = f.events.Subscribe(models.EventDocumentFailed, func(_ context.Context, e models.Event) error {
		docFailed <- e
		return nil
	})
	require.NoError(t, err)

	seedJob(t, f, "job_1")
	record, err := f.jobs.Get(ctx, "job_1")
	require.NoError(t, err)
	record.MaxWorkerRequeues = 2
	require.NoError(t, f.jobs.Save(ctx, record))

	var calls int32
	handler := func(_ context.Context, job *models.Job) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return nil, fmt.Errorf("ocr fast: %w", interfaces.ErrEngineUnavailable)
	}
	startRuntime(t, f, models.Pool{Name: "extract", JobTimeout: time.Minute}, handler)

	e := awaitEvent(t, deadlettered, "job.deadlettered")
	assert.Equal(t, "job_1", e.Payload["job_id"])
	assert.Equal(t, string(models.ErrorClassPoison), e.Payload["class"])

	fe := awaitEvent(t, docFailed, "document.failed")
	assert.Equal(t, "doc_1", fe.Payload["document_id"])

	// Initial attempt plus one retry per requeue budget unit
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	brokerJob, err := f.broker.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDead, brokerJob.Status)

	record, err = f.jobs.Get(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDead, record.Status)
	assert.Equal(t, models.ErrorClassPoison, record.Classification)
	assert.Contains(t, record.Error, "retry budget exhausted")
}

func TestRuntime_RegistersAndHeartbeats(t *testing.T) {
	f := setupSupervisor(t)
	ctx := context.Background()

	handler := func(_ context.Context, job *models.Job) (json.RawMessage, error) {
		return nil, nil
	}
	rt := startRuntime(t, f, models.Pool{Name: "extract"}, handler)

	require.Eventually(t, func() bool {
		workers, err := f.registry.ListByPool(ctx, "extract")
		return err == nil && len(workers) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		last, err := f.registry.LastLiveWorker(ctx, "extract")
		return err == nil && time.Since(last) < 100*time.Millisecond
	}, 2*time.Second, 10*time.Millisecond)

	w, err := f.registry.Get(ctx, rt.ID())
	require.NoError(t, err)
	assert.Equal(t, "extract", w.Pool)
}
