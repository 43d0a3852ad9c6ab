// -----------------------------------------------------------------------
// Embed stage - encodes chunk text and stores vectors. Vector ids are
// derived deterministically from chunk ids so re-embedding overwrites
// instead of duplicating.
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

// ChunkCollection is the vector collection holding chunk embeddings
const ChunkCollection = "chunks"

// Embedder is the embed stage handler
type Embedder struct {
	engine interfaces.EmbeddingEngine
	store  interfaces.StorageManager
	logger arbor.ILogger
}

// NewEmbedder creates the embed stage
func NewEmbedder(engine interfaces.EmbeddingEngine, store interfaces.StorageManager, logger arbor.ILogger) *Embedder {
	return &Embedder{engine: engine, store: store, logger: logger}
}

// VectorIDForChunk derives the stable vector id for a chunk
func VectorIDForChunk(chunkID string) string {
	return "vec_" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String()
}

// Handle embeds the payload text(s). Batch payloads encode all texts in
// one engine call and store one vector per chunk.
func (e *Embedder) Handle(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var payload models.EmbedPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid embed payload: %w", err)
	}

	if err := e.store.Vectors().EnsureCollection(ctx, ChunkCollection, e.engine.Dimensions()); err != nil {
		return nil, err
	}

	if payload.Batch || len(payload.Texts) > 0 {
		return e.handleBatch(ctx, &payload)
	}
	return e.handleSingle(ctx, &payload)
}

func (e *Embedder) handleSingle(ctx context.Context, payload *models.EmbedPayload) (json.RawMessage, error) {
	if payload.Text == "" {
		return nil, fmt.Errorf("embed payload has no text")
	}

	vector, err := e.engine.Encode(ctx, payload.Text)
	if err != nil {
		return nil, err
	}

	vectorID, err := e.storeVector(ctx, payload.ChunkID, payload.DocumentID, vector)
	if err != nil {
		return nil, err
	}

	result := models.EmbedResult{
		Embedding:  vector,
		Dimensions: len(vector),
		Model:      e.engine.ModelName(),
		VectorID:   vectorID,
	}
	return json.Marshal(result)
}

func (e *Embedder) handleBatch(ctx context.Context, payload *models.EmbedPayload) (json.RawMessage, error) {
	if len(payload.Texts) == 0 {
		return nil, fmt.Errorf("batch embed payload has no texts")
	}
	if len(payload.ChunkIDs) > 0 && len(payload.ChunkIDs) != len(payload.Texts) {
		return nil, fmt.Errorf("batch embed payload has %d chunk ids for %d texts", len(payload.ChunkIDs), len(payload.Texts))
	}

	vectors, err := e.engine.EncodeBatch(ctx, payload.Texts)
	if err != nil {
		return nil, err
	}

	vectorIDs := make([]string, len(vectors))
	for i, vector := range vectors {
		chunkID := ""
		if len(payload.ChunkIDs) > 0 {
			chunkID = payload.ChunkIDs[i]
		}
		vectorIDs[i], err = e.storeVector(ctx, chunkID, payload.DocumentID, vector)
		if err != nil {
			return nil, err
		}
	}

	e.logger.Debug().
		Str("document_id", payload.DocumentID).
		Int("vectors", len(vectors)).
		Str("model", e.engine.ModelName()).
		Msg("Batch embedded")

	result := models.EmbedBatchResult{
		Embeddings: vectors,
		Count:      len(vectors),
		Model:      e.engine.ModelName(),
		VectorIDs:  vectorIDs,
	}
	return json.Marshal(result)
}

// storeVector upserts the vector and back-references it on the chunk
func (e *Embedder) storeVector(ctx context.Context, chunkID, docID string, vector []float32) (string, error) {
	vectorID := VectorIDForChunk(chunkID)
	if chunkID == "" {
		vectorID = "vec_" + uuid.New().String()
	}

	rec := interfaces.VectorRecord{
		ID:         vectorID,
		Collection: ChunkCollection,
		Vector:     vector,
		Payload: map[string]string{
			"document_id": docID,
			"chunk_id":    chunkID,
			"model":       e.engine.ModelName(),
		},
	}
	if err := e.store.Vectors().Upsert(ctx, rec); err != nil {
		return "", err
	}

	if chunkID != "" {
		if err := e.store.Chunks().UpdateVectorID(ctx, chunkID, vectorID); err != nil {
			return "", err
		}
	}
	return vectorID, nil
}
