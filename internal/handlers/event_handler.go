// -----------------------------------------------------------------------
// Event Handler - session event log queries
// -----------------------------------------------------------------------

package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dossier/internal/interfaces"
)

// EventHandler serves the session event log
type EventHandler struct {
	events interfaces.EventService
	logger arbor.ILogger
}

// NewEventHandler creates an event handler
func NewEventHandler(events interfaces.EventService, logger arbor.ILogger) *EventHandler {
	return &EventHandler{events: events, logger: logger}
}

// List handles GET /api/core/events, newest first
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("type")
	limit := queryInt(r, "limit", 100)

	events, err := h.events.SessionLog(r.Context(), eventType, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}
