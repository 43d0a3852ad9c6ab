package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

// Registry tracks live workers via TTL heartbeat records
type Registry struct {
	db     *badgerhold.Store
	logger arbor.ILogger
}

var _ interfaces.WorkerRegistry = (*Registry)(nil)

// NewRegistry creates a worker registry
func NewRegistry(db *badgerhold.Store, logger arbor.ILogger) *Registry {
	return &Registry{db: db, logger: logger}
}

// Register records a worker. Registration is an upsert so a worker that
// self-terminated and restarted with the same id re-registers cleanly.
func (r *Registry) Register(ctx context.Context, w *models.WorkerInfo) error {
	if w.ID == "" {
		return errors.New("worker ID is required")
	}
	if w.Pool == "" {
		return errors.New("worker pool is required")
	}
	now := time.Now()
	if w.RegisteredAt.IsZero() {
		w.RegisteredAt = now
	}
	w.LastHeartbeat = now

	if err := r.db.Upsert(w.ID, w); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	r.logger.Info().
		Str("worker_id", w.ID).
		Str("pool", w.Pool).
		Str("host", w.Host).
		Msg("Worker registered")

	return nil
}

// Deregister removes a worker record
func (r *Registry) Deregister(ctx context.Context, workerID string) error {
	if err := r.db.Delete(workerID, &models.WorkerInfo{}); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("failed to deregister worker: %w", err)
	}
	return nil
}

// Heartbeat refreshes the worker TTL and records its current job
func (r *Registry) Heartbeat(ctx context.Context, workerID string, currentJobID string) error {
	var w models.WorkerInfo
	if err := r.db.Get(workerID, &w); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("worker %s is not registered", workerID)
		}
		return fmt.Errorf("failed to read worker record: %w", err)
	}

	w.LastHeartbeat = time.Now()
	w.CurrentJobID = currentJobID

	if err := r.db.Upsert(workerID, &w); err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return nil
}

// Get returns a worker record
func (r *Registry) Get(ctx context.Context, workerID string) (*models.WorkerInfo, error) {
	var w models.WorkerInfo
	if err := r.db.Get(workerID, &w); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("worker not found: %s", workerID)
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return &w, nil
}

// ListByPool returns all workers registered to a pool
func (r *Registry) ListByPool(ctx context.Context, pool string) ([]*models.WorkerInfo, error) {
	var workers []models.WorkerInfo
	if err := r.db.Find(&workers, badgerhold.Where("Pool").Eq(pool)); err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	result := make([]*models.WorkerInfo, len(workers))
	for i := range workers {
		result[i] = &workers[i]
	}
	return result, nil
}

// ListAll returns every registered worker
func (r *Registry) ListAll(ctx context.Context) ([]*models.WorkerInfo, error) {
	var workers []models.WorkerInfo
	if err := r.db.Find(&workers, badgerhold.Where("ID").Ne("")); err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	result := make([]*models.WorkerInfo, len(workers))
	for i := range workers {
		result[i] = &workers[i]
	}
	return result, nil
}

// LastLiveWorker returns the most recent heartbeat seen for a pool
func (r *Registry) LastLiveWorker(ctx context.Context, pool string) (time.Time, error) {
	workers, err := r.ListByPool(ctx, pool)
	if err != nil {
		return time.Time{}, err
	}
	var latest time.Time
	for _, w := range workers {
		if w.LastHeartbeat.After(latest) {
			latest = w.LastHeartbeat
		}
	}
	return latest, nil
}
