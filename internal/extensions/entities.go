// -----------------------------------------------------------------------
// Entities extension - built-in canonical entity aggregation.
// Subscribes to NER completions, merges mentions into canonical entities
// and serves them under /api/entities. Other extensions read entities
// through GetEntity rather than touching its schema.
// -----------------------------------------------------------------------

package extensions

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

// EntitiesExtension aggregates entity mentions into canonical entities
type EntitiesExtension struct {
	store  interfaces.StorageManager
	logger arbor.ILogger

	mu     sync.Mutex
	sub    interfaces.Subscription
	wg     sync.WaitGroup
	init   bool
	closed bool
}

var _ interfaces.Extension = (*EntitiesExtension)(nil)

// NewEntitiesExtension creates the built-in entities extension
func NewEntitiesExtension(store interfaces.StorageManager, logger arbor.ILogger) *EntitiesExtension {
	return &EntitiesExtension{store: store, logger: logger}
}

func (e *EntitiesExtension) Manifest() interfaces.ExtensionManifest {
	return interfaces.ExtensionManifest{
		Name:       "entities",
		Version:    "1.0.0",
		APIPrefix:  "/api/entities",
		SchemaName: "entities",
		Subscribes: []string{"stage.ner.completed"},
		Publishes:  []string{"entities.canonicalized"},
	}
}

// Initialize subscribes to NER completions. Idempotent.
func (e *EntitiesExtension) Initialize(ctx context.Context, h interfaces.ExtensionHost) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.init {
		return nil
	}

	sub, err := h.Events().Subscribe("stage.ner.completed", func(ctx context.Context, event models.Event) error {
		if !e.beginWork() {
			return nil
		}
		defer e.wg.Done()
		return e.canonicalize(ctx, h, event)
	})
	if err != nil {
		return err
	}
	e.sub = sub
	e.init = true
	return nil
}

// canonicalize merges a document's new mentions into canonical entities
func (e *EntitiesExtension) canonicalize(ctx context.Context, h interfaces.ExtensionHost, event models.Event) error {
	docID, _ := event.Payload["document_id"].(string)
	if docID == "" {
		return nil
	}

	mentions, err := e.store.Entities().ListMentionsByDocument(ctx, docID)
	if err != nil {
		return err
	}

	merged := 0
	for _, mention := range mentions {
		if mention.EntityID != "" {
			continue // Already canonicalized; handlers must be idempotent
		}
		canonical, err := e.store.Entities().UpsertCanonical(ctx, mention.Text, mention.Label)
		if err != nil {
			e.logger.Warn().Err(err).Str("mention", mention.Text).Msg("Canonicalization failed")
			continue
		}
		mention.EntityID = canonical.ID
		if err := e.store.Entities().SaveMentions(ctx, []*models.EntityMention{mention}); err != nil {
			return err
		}
		merged++
	}

	if merged > 0 {
		h.Events().Publish(ctx, models.Event{
			Type:          "entities.canonicalized",
			Source:        "entities",
			CorrelationID: event.CorrelationID,
			Payload: map[string]interface{}{
				"document_id": docID,
				"mentions":    merged,
			},
		})
	}
	return nil
}

// GetEntity is the typed surface other extensions use for entity lookups
func (e *EntitiesExtension) GetEntity(ctx context.Context, entityID string) (*models.CanonicalEntity, error) {
	return e.store.Entities().GetCanonical(ctx, entityID)
}

// Routes serves canonical entity lookups under the api prefix
func (e *EntitiesExtension) Routes() []interfaces.Route {
	return []interfaces.Route{
		{Method: http.MethodGet, Path: "/", Handler: e.handleList},
		{Method: http.MethodGet, Path: "/{id}", Handler: e.handleGet},
	}
}

func (e *EntitiesExtension) handleList(w http.ResponseWriter, r *http.Request) {
	label := r.URL.Query().Get("label")
	entities, err := e.store.Entities().ListCanonical(r.Context(), label, 100)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entities": entities, "count": len(entities)})
}

func (e *EntitiesExtension) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		// Fallback for routers without path values
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		id = parts[len(parts)-1]
	}
	entity, err := e.store.Entities().GetCanonical(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

// beginWork registers an in-flight handler unless shutdown has begun.
// The closed flag and the wg.Add share a lock so no Add can race the
// Wait in Shutdown.
func (e *EntitiesExtension) beginWork() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	return true
}

// Shutdown cancels the subscription and awaits in-flight handlers
func (e *EntitiesExtension) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
