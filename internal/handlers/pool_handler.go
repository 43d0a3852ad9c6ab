// -----------------------------------------------------------------------
// Pool Handler - pool declarations, live workers and queue depths
// -----------------------------------------------------------------------

package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

// PoolHandler serves pool and worker status endpoints
type PoolHandler struct {
	dispatcher interfaces.Dispatcher
	registry   interfaces.WorkerRegistry
	logger     arbor.ILogger
}

// NewPoolHandler creates a pool handler
func NewPoolHandler(dispatcher interfaces.Dispatcher, registry interfaces.WorkerRegistry, logger arbor.ILogger) *PoolHandler {
	return &PoolHandler{dispatcher: dispatcher, registry: registry, logger: logger}
}

// List handles GET /api/core/pools
func (h *PoolHandler) List(w http.ResponseWriter, r *http.Request) {
	pools, err := h.dispatcher.Pools(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pools": pools,
		"count": len(pools),
	})
}

// Workers handles GET /api/core/workers
func (h *PoolHandler) Workers(w http.ResponseWriter, r *http.Request) {
	pool := r.URL.Query().Get("pool")

	workers, err := h.listWorkers(r, pool)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workers": workers,
		"count":   len(workers),
	})
}

func (h *PoolHandler) listWorkers(r *http.Request, pool string) ([]*models.WorkerInfo, error) {
	if pool != "" {
		return h.registry.ListByPool(r.Context(), pool)
	}
	return h.registry.ListAll(r.Context())
}
