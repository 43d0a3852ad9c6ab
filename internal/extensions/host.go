// -----------------------------------------------------------------------
// Extension Host - the capability surface injected into extensions.
// Each extension gets its own host instance, scoped to its schema.
// -----------------------------------------------------------------------

package extensions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dossier/internal/common"
	"github.com/ternarybob/dossier/internal/dispatch"
	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

// host scopes the shared services to a single extension
type host struct {
	manager    *Manager
	manifest   interfaces.ExtensionManifest
	events     interfaces.EventService
	store      interfaces.SchemaStore
	broker     interfaces.Broker
	jobs       interfaces.JobStore
	dispatcher *dispatch.Dispatcher
	maxRequeue int
	logger     arbor.ILogger
}

var _ interfaces.ExtensionHost = (*host)(nil)

func (h *host) Events() interfaces.EventService { return h.events }
func (h *host) Store() interfaces.SchemaStore   { return h.store }

// Enqueue places a job on any declared pool at the given priority
func (h *host) Enqueue(ctx context.Context, pool string, payload json.RawMessage, priority int) (string, error) {
	if _, ok := h.dispatcher.PoolFor(pool); !ok {
		return "", fmt.Errorf("%w: %s", interfaces.ErrUnknownPool, pool)
	}

	job := &models.Job{
		ID:                common.NewJobID(),
		Pool:              pool,
		Payload:           payload,
		Priority:          priority,
		Status:            models.JobStatusPending,
		MaxWorkerRequeues: h.maxRequeue,
		CreatedAt:         time.Now(),
	}
	if err := h.jobs.Save(ctx, job); err != nil {
		return "", err
	}
	if err := h.broker.Enqueue(ctx, pool, job.ID, payload, priority); err != nil {
		return "", err
	}

	h.logger.Debug().
		Str("job_id", job.ID).
		Str("pool", pool).
		Str("extension", h.manifest.Name).
		Msg("Extension job enqueued")
	return job.ID, nil
}

// DefinePool registers an extension-contributed pool and its handler
func (h *host) DefinePool(pool interfaces.PoolContribution, handler interfaces.StageHandler) error {
	if handler == nil {
		return fmt.Errorf("pool %q needs a handler", pool.Name)
	}
	declared := models.Pool{
		Name:           pool.Name,
		ResourceTier:   pool.ResourceTier,
		MaxConcurrency: pool.MaxConcurrency,
		JobTimeout:     pool.JobTimeout,
	}
	if err := h.dispatcher.DefinePool(declared); err != nil {
		return err
	}
	h.manager.registerHandler(pool.Name, declared, handler)
	return nil
}

// Extension returns another loaded extension's typed surface
func (h *host) Extension(name string) interfaces.Extension {
	return h.manager.extension(name)
}
