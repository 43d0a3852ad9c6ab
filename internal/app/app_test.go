package app

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/dossier/internal/common"
	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

func setupApp(t *testing.T) (*App, *common.Config) {
	t.Helper()

	cfg := common.DefaultConfig()
	cfg.DataRoot = t.TempDir()
	cfg.Broker.URL = "badger://" + t.TempDir()
	cfg.Store.URL = "badger://" + t.TempDir()
	cfg.Extensions.ManifestDir = filepath.Join(t.TempDir(), "absent")

	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, cfg
}

// translateExtension contributes a pool with its own handler, exercising
// the full extension worker path: DefinePool, Enqueue, claim, complete.
type translateExtension struct {
	host interfaces.ExtensionHost
}

func (x *translateExtension) Manifest() interfaces.ExtensionManifest {
	return interfaces.ExtensionManifest{
		Name:       "translate",
		Version:    "1.0.0",
		APIPrefix:  "/api/translate",
		SchemaName: "translate",
		Pools: []interfaces.PoolContribution{
			{Name: "translate", ResourceTier: "cpu", MaxConcurrency: 1, JobTimeout: time.Minute},
		},
	}
}

func (x *translateExtension) Initialize(ctx context.Context, h interfaces.ExtensionHost) error {
	x.host = h
	pool := interfaces.PoolContribution{
		Name:           "translate",
		ResourceTier:   "cpu",
		MaxConcurrency: 1,
		JobTimeout:     time.Minute,
	}
	return h.DefinePool(pool, func(ctx context.Context, job *models.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"translated":true}`), nil
	})
}

func (x *translateExtension) Routes() []interfaces.Route        { return nil }
func (x *translateExtension) Shutdown(ctx context.Context) error { return nil }

func TestApp_StartWorkersServesContributedPool(t *testing.T) {
	a, _ := setupApp(t)
	ctx := context.Background()

	ext := &translateExtension{}
	require.NoError(t, a.Extensions.Register(ext))
	require.NoError(t, a.Start(ctx))

	jobID, err := ext.host.Enqueue(ctx, "translate", json.RawMessage(`{"doc_id":"doc_1"}`), 5)
	require.NoError(t, err)

	require.NoError(t, a.StartWorkers(ctx, ""))
	t.Cleanup(a.StopWorkers)

	require.Eventually(t, func() bool {
		record, err := a.JobStore.Get(ctx, jobID)
		return err == nil && record.Status == models.JobStatusCompleted
	}, 10*time.Second, 20*time.Millisecond)

	record, err := a.JobStore.Get(ctx, jobID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"translated":true}`, string(record.Result))
}

func TestApp_StartWorkersByContributedPoolName(t *testing.T) {
	a, _ := setupApp(t)
	ctx := context.Background()

	ext := &translateExtension{}
	require.NoError(t, a.Extensions.Register(ext))
	require.NoError(t, a.Start(ctx))

	require.NoError(t, a.StartWorkers(ctx, "translate"))
	t.Cleanup(a.StopWorkers)

	require.Eventually(t, func() bool {
		workers, err := a.Registry.ListByPool(ctx, "translate")
		return err == nil && len(workers) == 1
	}, 5*time.Second, 20*time.Millisecond)
}
