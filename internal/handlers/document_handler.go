// -----------------------------------------------------------------------
// Document Handler - ingest, document lookup and search endpoints
// -----------------------------------------------------------------------

package handlers

import (
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

// DocumentHandler serves document ingest and retrieval
type DocumentHandler struct {
	dispatcher interfaces.Dispatcher
	store      interfaces.StorageManager
	logger     arbor.ILogger
}

// NewDocumentHandler creates a document handler
func NewDocumentHandler(dispatcher interfaces.Dispatcher, store interfaces.StorageManager, logger arbor.ILogger) *DocumentHandler {
	return &DocumentHandler{dispatcher: dispatcher, store: store, logger: logger}
}

type ingestRequest struct {
	FilePath string `json:"file_path"`
	Tenant   string `json:"tenant,omitempty"`
}

// Ingest handles POST /api/core/documents. Returns 202 with the document
// for a new ingest, 200 for a duplicate short-circuit.
func (h *DocumentHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "file_path is required")
		return
	}

	doc, created, err := h.dispatcher.Ingest(r.Context(), req.FilePath, req.Tenant)
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrFileNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, interfaces.ErrPoolUnavailable):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			h.logger.Error().Err(err).Str("file_path", req.FilePath).Msg("Ingest failed")
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]interface{}{
		"document": doc,
		"created":  created,
	})
}

// Get handles GET /api/core/documents/{id}
func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	docID := pathSegment(r, "/api/core/documents/", 0)
	if docID == "" {
		writeError(w, http.StatusBadRequest, "document id is required")
		return
	}

	doc, err := h.store.Documents().Get(r.Context(), docID)
	if err != nil {
		if errors.Is(err, interfaces.ErrDocumentNotFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// List handles GET /api/core/documents
func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	status := models.DocumentStatus(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	docs, err := h.store.Documents().List(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents": docs,
		"count":     len(docs),
	})
}

// Chunks handles GET /api/core/documents/{id}/chunks
func (h *DocumentHandler) Chunks(w http.ResponseWriter, r *http.Request) {
	docID := pathSegment(r, "/api/core/documents/", 0)
	if docID == "" {
		writeError(w, http.StatusBadRequest, "document id is required")
		return
	}

	chunks, err := h.store.Chunks().ListByDocument(r.Context(), docID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chunks": chunks,
		"count":  len(chunks),
	})
}

// Search handles GET /api/core/search?q=. Keyword search over chunk text,
// which keeps partial (un-embedded) documents reachable.
func (h *DocumentHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := queryInt(r, "limit", 20)

	chunks, err := h.store.Chunks().Search(r.Context(), query, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": chunks,
		"count":   len(chunks),
	})
}
