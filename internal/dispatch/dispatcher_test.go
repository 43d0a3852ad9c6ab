package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dossier/internal/broker"
	"github.com/ternarybob/dossier/internal/common"
	"github.com/ternarybob/dossier/internal/contentstore"
	"github.com/ternarybob/dossier/internal/events"
	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/jobstore"
	"github.com/ternarybob/dossier/internal/models"
)

type dispatcherFixture struct {
	broker     *broker.BadgerBroker
	jobs       *jobstore.Store
	registry   *jobstore.Registry
	events     *events.Service
	store      *contentstore.Manager
	cfg        *common.Config
	dispatcher *Dispatcher
}

func setupDispatcher(t *testing.T) *dispatcherFixture {
	t.Helper()
	logger := arbor.NewLogger()

	brokerDB, err := broker.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { brokerDB.Close() })
	b, err := broker.NewBadgerBroker(brokerDB, "test", logger)
	require.NoError(t, err)

	store, err := contentstore.NewManagerAt(t.TempDir(), t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	storeDB, err := contentstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { storeDB.Close() })

	jobs := jobstore.NewStore(storeDB, time.Hour, logger)
	registry := jobstore.NewRegistry(storeDB, logger)

	bus, err := events.NewService(nil, logger)
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })

	cfg := common.DefaultConfig()
	cfg.DataRoot = t.TempDir()

	return &dispatcherFixture{
		broker:     b,
		jobs:       jobs,
		registry:   registry,
		events:     bus,
		store:      store,
		cfg:        cfg,
		dispatcher: New(b, jobs, registry, bus, store, cfg, logger),
	}
}

func TestDispatcher_EnqueueStageUnknownPool(t *testing.T) {
	f := setupDispatcher(t)

	_, err := f.dispatcher.EnqueueStage(context.Background(), "translate", json.RawMessage(`{}`), "")
	assert.ErrorIs(t, err, interfaces.ErrUnknownPool)
}

func TestDispatcher_GPUPoolWithoutWorkersRejected(t *testing.T) {
	f := setupDispatcher(t)

	// embed runs on a GPU tier; with no worker ever seen it cannot make progress
	_, err := f.dispatcher.EnqueueStage(context.Background(), "embed", json.RawMessage(`{}`), "")
	assert.ErrorIs(t, err, interfaces.ErrPoolUnavailable)
}

func TestDispatcher_GPUPoolWithLiveWorkerAdmitted(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()

	require.NoError(t, f.registry.Register(ctx, &models.WorkerInfo{ID: "wrk_gpu", Pool: "embed"}))

	jobID, err := f.dispatcher.EnqueueStage(ctx, "embed", json.RawMessage(`{}`), "doc_1")
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)
}

func TestDispatcher_CPUPoolStartupGrace(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()

	// No extract worker has ever heartbeated; CPU pools are assumed to be
	// coming up, so the enqueue is admitted.
	jobID, err := f.dispatcher.EnqueueStage(ctx, "extract", json.RawMessage(`{"doc_id":"doc_1"}`), "doc_1")
	require.NoError(t, err)

	// Record exists before any worker touches the queue
	record, err := f.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, "extract", record.Pool)
	assert.Equal(t, models.JobStatusPending, record.Status)
	assert.Equal(t, "doc_1", record.CorrelationID)
	assert.Equal(t, f.cfg.Worker.MaxWorkerRequeues, record.MaxWorkerRequeues)

	depth, err := f.broker.QueueLength(ctx, "extract")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestDispatcher_StaleCPUPoolRejected(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()
	f.cfg.Dispatcher.StalePoolThreshold = time.Millisecond

	require.NoError(t, f.registry.Register(ctx, &models.WorkerInfo{ID: "wrk_1", Pool: "extract"}))
	time.Sleep(20 * time.Millisecond)

	_, err := f.dispatcher.EnqueueStage(ctx, "extract", json.RawMessage(`{}`), "")
	assert.ErrorIs(t, err, interfaces.ErrPoolUnavailable)
}

func TestDispatcher_DefinePool(t *testing.T) {
	f := setupDispatcher(t)

	pool := models.Pool{Name: "translate", ResourceTier: "cpu-light", MaxConcurrency: 2, JobTimeout: time.Minute}
	require.NoError(t, f.dispatcher.DefinePool(pool))
	assert.Error(t, f.dispatcher.DefinePool(pool))

	got, ok := f.dispatcher.PoolFor("translate")
	require.True(t, ok)
	assert.Equal(t, "cpu-light", got.ResourceTier)

	// Extension pools are enqueueable like built-in ones
	_, err := f.dispatcher.EnqueueStage(context.Background(), "translate", json.RawMessage(`{}`), "")
	require.NoError(t, err)
}

func TestDispatcher_IngestStartsPipeline(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()

	ingested := make(chan models.Event, 1)
	_, err := f.events.Subscribe(models.EventDocumentIngested, func(_ context.Context, e models.Event) error {
		ingested <- e
		return nil
	})
	require.NoError(t, err)

	path := filepath.Join(f.cfg.DataRoot, "contract.txt")
	require.NoError(t, os.WriteFile(path, []byte("agreement between parties"), 0o644))

	doc, created, err := f.dispatcher.Ingest(ctx, "contract.txt", "tenant_a")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "contract.txt", doc.FileName)
	assert.Equal(t, "tenant_a", doc.Tenant)
	assert.NotEmpty(t, doc.FileHash)
	assert.Equal(t, int64(25), doc.Forensics.SizeBytes)

	depth, err := f.broker.QueueLength(ctx, "extract")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	select {
	case e := <-ingested:
		assert.Equal(t, doc.ID, e.CorrelationID)
		assert.Equal(t, doc.ID, e.Payload["document_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected document.ingested event")
	}
}

func TestDispatcher_DuplicateIngestShortCircuits(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()

	path := filepath.Join(f.cfg.DataRoot, "contract.txt")
	require.NoError(t, os.WriteFile(path, []byte("agreement between parties"), 0o644))

	first, created, err := f.dispatcher.Ingest(ctx, "contract.txt", "")
	require.NoError(t, err)
	require.True(t, created)

	// Same bytes under a different name resolve to the same document
	copyPath := filepath.Join(f.cfg.DataRoot, "contract-copy.txt")
	require.NoError(t, os.WriteFile(copyPath, []byte("agreement between parties"), 0o644))

	second, created, err := f.dispatcher.Ingest(ctx, "contract-copy.txt", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// No second extract job was enqueued
	depth, err := f.broker.QueueLength(ctx, "extract")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestDispatcher_IngestMissingFile(t *testing.T) {
	f := setupDispatcher(t)

	_, _, err := f.dispatcher.Ingest(context.Background(), "nope.pdf", "")
	assert.ErrorIs(t, err, interfaces.ErrFileNotFound)
}

func TestDispatcher_PoolsReportDepthAndWorkers(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()

	require.NoError(t, f.registry.Register(ctx, &models.WorkerInfo{ID: "wrk_1", Pool: "extract"}))
	_, err := f.dispatcher.EnqueueStage(ctx, "extract", json.RawMessage(`{}`), "")
	require.NoError(t, err)

	statuses, err := f.dispatcher.Pools(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, len(f.cfg.Pools))

	byName := make(map[string]interfaces.PoolStatus, len(statuses))
	for _, s := range statuses {
		byName[s.Pool.Name] = s
	}
	assert.Equal(t, 1, byName["extract"].LiveWorkers)
	assert.Equal(t, 1, byName["extract"].QueueDepth)
	assert.Equal(t, 0, byName["embed"].LiveWorkers)
	assert.Equal(t, 0, byName["embed"].QueueDepth)
}
