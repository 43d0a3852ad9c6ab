// -----------------------------------------------------------------------
// Dispatcher - maps logical stages to physical pools, applies admission
// control, and advances documents through the pipeline by reacting to
// stage completion events. Stages never call each other directly.
// -----------------------------------------------------------------------

package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dossier/internal/common"
	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

// stagePriorities orders pipeline work so in-flight documents drain ahead
// of fresh extracts.
var stagePriorities = map[string]int{
	"extract":   1,
	"normalize": 2,
	"ner":       3,
	"chunk":     4,
	"embed":     5,
	"ocr":       3,
	"ocr-heavy": 4,
}

const defaultPriority = 1

// Dispatcher implements the Dispatcher interface
type Dispatcher struct {
	broker   interfaces.Broker
	jobs     interfaces.JobStore
	registry interfaces.WorkerRegistry
	events   interfaces.EventService
	store    interfaces.StorageManager
	cfg      *common.Config
	logger   arbor.ILogger

	mu    sync.RWMutex
	pools map[string]models.Pool // Stage name == pool name

	// Normalized text is carried between stages through the core schema
	// store rather than through event payloads.
	core interfaces.SchemaStore

	subs []interfaces.Subscription
}

var _ interfaces.Dispatcher = (*Dispatcher)(nil)

// New creates the dispatcher with the configured pool declarations
func New(broker interfaces.Broker, jobs interfaces.JobStore, registry interfaces.WorkerRegistry, events interfaces.EventService, store interfaces.StorageManager, cfg *common.Config, logger arbor.ILogger) *Dispatcher {
	pools := make(map[string]models.Pool, len(cfg.Pools))
	for _, p := range cfg.Pools {
		pools[p.Name] = models.Pool{
			Name:           p.Name,
			ResourceTier:   p.ResourceTier,
			MaxConcurrency: p.MaxConcurrency,
			JobTimeout:     p.JobTimeout,
		}
	}

	return &Dispatcher{
		broker:   broker,
		jobs:     jobs,
		registry: registry,
		events:   events,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		pools:    pools,
		core:     store.SchemaStore("core"),
	}
}

// Start subscribes the dispatcher to the events that advance documents
func (d *Dispatcher) Start() error {
	subscriptions := []struct {
		pattern string
		handler interfaces.EventHandler
	}{
		{"stage.*.completed", d.onStageCompleted},
		{models.EventDocumentOCRRequired, d.onOCRRequired},
		{models.EventJobDeadlettered, d.onJobDeadlettered},
	}
	for _, s := range subscriptions {
		sub, err := d.events.Subscribe(s.pattern, s.handler)
		if err != nil {
			return fmt.Errorf("dispatcher subscription failed: %w", err)
		}
		d.subs = append(d.subs, sub)
	}

	d.logger.Info().Int("pools", len(d.pools)).Msg("Dispatcher started")
	return nil
}

// Stop cancels the dispatcher's subscriptions
func (d *Dispatcher) Stop() error {
	for _, sub := range d.subs {
		sub.Cancel()
	}
	d.subs = nil
	return nil
}

// DefinePool registers an extension-contributed pool
func (d *Dispatcher) DefinePool(pool models.Pool) error {
	if pool.Name == "" {
		return errors.New("pool name is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.pools[pool.Name]; exists {
		return fmt.Errorf("pool %q already declared", pool.Name)
	}
	d.pools[pool.Name] = pool

	d.logger.Info().
		Str("pool", pool.Name).
		Str("tier", pool.ResourceTier).
		Msg("Pool defined")
	return nil
}

// PoolFor returns the pool declaration serving a stage
func (d *Dispatcher) PoolFor(stage string) (*models.Pool, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	pool, ok := d.pools[stage]
	if !ok {
		return nil, false
	}
	return &pool, true
}

// EnqueueStage places a stage job after admission control. The job record
// is created before the broker enqueue so a crash between the two leaves
// an inert record, never an untracked queue entry.
func (d *Dispatcher) EnqueueStage(ctx context.Context, stage string, payload json.RawMessage, correlationID string) (string, error) {
	pool, ok := d.PoolFor(stage)
	if !ok {
		return "", fmt.Errorf("%w: %s", interfaces.ErrUnknownPool, stage)
	}

	if err := d.admit(ctx, pool); err != nil {
		return "", err
	}

	priority, ok := stagePriorities[stage]
	if !ok {
		priority = defaultPriority
	}

	job := &models.Job{
		ID:                common.NewJobID(),
		Pool:              pool.Name,
		Payload:           payload,
		Priority:          priority,
		Status:            models.JobStatusPending,
		MaxWorkerRequeues: d.cfg.Worker.MaxWorkerRequeues,
		CreatedAt:         time.Now(),
		CorrelationID:     correlationID,
	}
	if err := d.jobs.Save(ctx, job); err != nil {
		return "", err
	}
	if err := d.broker.Enqueue(ctx, pool.Name, job.ID, payload, priority); err != nil {
		return "", err
	}

	d.logger.Debug().
		Str("job_id", job.ID).
		Str("stage", stage).
		Int("priority", priority).
		Str("correlation_id", correlationID).
		Msg("Stage enqueued")

	return job.ID, nil
}

// admit rejects enqueues to pools that cannot make progress: GPU pools
// with no live worker, and any pool whose last heartbeat is older than
// the stale threshold.
func (d *Dispatcher) admit(ctx context.Context, pool *models.Pool) error {
	threshold := d.cfg.Dispatcher.StalePoolThreshold
	if threshold <= 0 {
		return nil
	}

	lastLive, err := d.registry.LastLiveWorker(ctx, pool.Name)
	if err != nil {
		return err
	}

	if models.IsGPUTier(pool.ResourceTier) {
		if lastLive.IsZero() || time.Since(lastLive) > threshold {
			return fmt.Errorf("%w: %s", interfaces.ErrPoolUnavailable, pool.Name)
		}
		return nil
	}

	// CPU pools get startup grace: a pool that never saw a worker is
	// assumed to be coming up.
	if !lastLive.IsZero() && time.Since(lastLive) > threshold {
		return fmt.Errorf("%w: %s", interfaces.ErrPoolUnavailable, pool.Name)
	}
	return nil
}

// Ingest content-addresses a file and starts the pipeline for it.
// Re-ingesting identical content returns the existing document.
func (d *Dispatcher) Ingest(ctx context.Context, filePath, tenant string) (*models.Document, bool, error) {
	resolved := filePath
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(d.cfg.DataRoot, resolved)
	}

	hash, size, err := hashFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, fmt.Errorf("%w: %s", interfaces.ErrFileNotFound, filePath)
		}
		return nil, false, err
	}

	doc := &models.Document{
		ID:       common.NewDocumentID(),
		FileHash: hash,
		FilePath: filePath,
		FileName: filepath.Base(filePath),
		Status:   models.DocumentStatusPending,
		Tenant:   tenant,
		Forensics: models.DocumentForensics{
			SizeBytes: size,
		},
	}

	doc, created, err := d.store.Documents().CreateIfAbsent(ctx, doc)
	if err != nil {
		return nil, false, err
	}
	if !created {
		d.logger.Info().
			Str("document_id", doc.ID).
			Str("file_hash", hash).
			Msg("Duplicate ingest short-circuited")
		return doc, false, nil
	}

	payload, err := json.Marshal(models.ExtractPayload{
		FilePath:   filePath,
		DocumentID: doc.ID,
		Tenant:     tenant,
	})
	if err != nil {
		return nil, false, err
	}

	if _, err := d.EnqueueStage(ctx, "extract", payload, doc.ID); err != nil {
		return nil, false, err
	}
	d.setStage(ctx, doc.ID, "extract")

	d.events.Publish(ctx, models.Event{
		Type:          models.EventDocumentIngested,
		CorrelationID: doc.ID,
		Payload: map[string]interface{}{
			"document_id": doc.ID,
			"file_name":   doc.FileName,
			"file_hash":   hash,
			"tenant":      tenant,
		},
	})

	return doc, true, nil
}

// Pools returns the declared pools with live worker counts and queue depth
func (d *Dispatcher) Pools(ctx context.Context) ([]interfaces.PoolStatus, error) {
	d.mu.RLock()
	declared := make([]models.Pool, 0, len(d.pools))
	for _, p := range d.pools {
		declared = append(declared, p)
	}
	d.mu.RUnlock()

	ttl := d.cfg.Worker.HeartbeatInterval * 3
	now := time.Now()

	statuses := make([]interfaces.PoolStatus, 0, len(declared))
	for _, pool := range declared {
		workers, err := d.registry.ListByPool(ctx, pool.Name)
		if err != nil {
			return nil, err
		}
		live := 0
		for _, w := range workers {
			if w.Alive(now, ttl) {
				live++
			}
		}
		depth, err := d.broker.QueueLength(ctx, pool.Name)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, interfaces.PoolStatus{
			Pool:        pool,
			LiveWorkers: live,
			QueueDepth:  depth,
		})
	}
	return statuses, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
