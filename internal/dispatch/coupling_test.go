package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/dossier/internal/models"
)

func seedDocument(t *testing.T, f *dispatcherFixture, docID string) *models.Document {
	t.Helper()
	doc := &models.Document{
		ID:              docID,
		FileHash:        "hash_" + docID,
		FileName:        docID + ".pdf",
		Status:          models.DocumentStatusProcessing,
		StagesCompleted: make(map[string]time.Time),
	}
	require.NoError(t, f.store.Documents().Save(context.Background(), doc))
	return doc
}

func stageEvent(t *testing.T, stage, docID string, result interface{}) models.Event {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	return models.Event{
		Type:          "stage." + stage + ".completed",
		CorrelationID: docID,
		Payload: map[string]interface{}{
			"document_id": docID,
			"result":      json.RawMessage(raw),
		},
	}
}

func TestCoupling_NormalizeCompletionEnqueuesNER(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()
	seedDocument(t, f, "doc_1")

	event := stageEvent(t, "normalize", "doc_1", models.NormalizeResult{
		Text:      "Alice met Bob in Paris.",
		Language:  "en",
		WordCount: 5,
	})
	require.NoError(t, f.dispatcher.onStageCompleted(ctx, event))

	depth, err := f.broker.QueueLength(ctx, "ner")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	doc, err := f.store.Documents().Get(ctx, "doc_1")
	require.NoError(t, err)
	assert.Equal(t, "ner", doc.CurrentStage)
	assert.Contains(t, doc.StagesCompleted, "normalize")

	// Normalized text is carried through the core schema store
	var text string
	require.NoError(t, f.store.SchemaStore("core").Get(ctx, "normalized/doc_1", &text))
	assert.Equal(t, "Alice met Bob in Paris.", text)
}

func TestCoupling_NERCompletionReadsCarriedText(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()
	seedDocument(t, f, "doc_1")
	require.NoError(t, f.store.SchemaStore("core").Put(ctx, "normalized/doc_1", "carried text"))

	event := stageEvent(t, "ner", "doc_1", models.NERResult{})
	require.NoError(t, f.dispatcher.onStageCompleted(ctx, event))

	depth, err := f.broker.QueueLength(ctx, "chunk")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	job, err := f.broker.Claim(ctx, "chunk", "wrk_test")
	require.NoError(t, err)
	var payload models.ChunkPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "carried text", payload.Text)
}

func TestCoupling_ChunkCompletionWithNoChunksCompletes(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()
	seedDocument(t, f, "doc_1")

	processed := make(chan models.Event, 1)
	_, err := f.events.Subscribe(models.EventDocumentProcessed, func(_ context.Context, e models.Event) error {
		processed <- e
		return nil
	})
	require.NoError(t, err)

	event := stageEvent(t, "chunk", "doc_1", models.ChunkResult{Count: 0})
	require.NoError(t, f.dispatcher.onStageCompleted(ctx, event))

	doc, err := f.store.Documents().Get(ctx, "doc_1")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusComplete, doc.Status)
	assert.Empty(t, doc.CurrentStage)

	select {
	case e := <-processed:
		assert.Equal(t, "doc_1", e.Payload["document_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected document.processed event")
	}
}

func TestCoupling_EmbedUnavailableDegradesToPartial(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()
	seedDocument(t, f, "doc_1")

	require.NoError(t, f.store.Chunks().SaveAll(ctx, []*models.Chunk{
		{ID: "chunk_1", DocumentID: "doc_1", Text: "some text", ChunkIndex: 0},
	}))

	// No embed worker has ever heartbeated, and skip_embed_on_no_gpu is on
	event := stageEvent(t, "chunk", "doc_1", models.ChunkResult{ChunkIDs: []string{"chunk_1"}, Count: 1})
	require.NoError(t, f.dispatcher.onStageCompleted(ctx, event))

	doc, err := f.store.Documents().Get(ctx, "doc_1")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusPartial, doc.Status)
}

func TestCoupling_EmbedUnavailableFailsWhenSkipDisabled(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()
	f.cfg.Dispatcher.SkipEmbedOnNoGPU = false
	seedDocument(t, f, "doc_1")

	require.NoError(t, f.store.Chunks().SaveAll(ctx, []*models.Chunk{
		{ID: "chunk_1", DocumentID: "doc_1", Text: "some text", ChunkIndex: 0},
	}))

	event := stageEvent(t, "chunk", "doc_1", models.ChunkResult{ChunkIDs: []string{"chunk_1"}, Count: 1})
	assert.Error(t, f.dispatcher.onStageCompleted(ctx, event))

	doc, err := f.store.Documents().Get(ctx, "doc_1")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusFailed, doc.Status)
}

func TestCoupling_EmbedCompletionFinishesDocument(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()
	seedDocument(t, f, "doc_1")
	require.NoError(t, f.store.SchemaStore("core").Put(ctx, "normalized/doc_1", "text"))

	event := stageEvent(t, "embed", "doc_1", models.EmbedBatchResult{Count: 1})
	require.NoError(t, f.dispatcher.onStageCompleted(ctx, event))

	doc, err := f.store.Documents().Get(ctx, "doc_1")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusComplete, doc.Status)

	// The carried normalized text is cleaned up on completion
	var text string
	assert.Error(t, f.store.SchemaStore("core").Get(ctx, "normalized/doc_1", &text))
}

func TestCoupling_OCRRequiredEnqueuesDetour(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()
	seedDocument(t, f, "doc_1")

	require.NoError(t, f.registry.Register(ctx, &models.WorkerInfo{ID: "wrk_ocr", Pool: "ocr"}))

	err := f.dispatcher.onOCRRequired(ctx, models.Event{
		Type: models.EventDocumentOCRRequired,
		Payload: map[string]interface{}{
			"document_id": "doc_1",
			"file_path":   "scans/page_1.png",
		},
	})
	require.NoError(t, err)

	depth, err := f.broker.QueueLength(ctx, "ocr")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	doc, err := f.store.Documents().Get(ctx, "doc_1")
	require.NoError(t, err)
	assert.Equal(t, "ocr", doc.CurrentStage)
}

func TestCoupling_DeadletterFailsDocument(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()
	seedDocument(t, f, "doc_1")

	err := f.dispatcher.onJobDeadlettered(ctx, models.Event{
		Type: models.EventJobDeadlettered,
		Payload: map[string]interface{}{
			"document_id": "doc_1",
			"error":       "handler panicked twice",
		},
	})
	require.NoError(t, err)

	doc, err := f.store.Documents().Get(ctx, "doc_1")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusFailed, doc.Status)
	assert.Equal(t, "handler panicked twice", doc.FailureReason)
}

func TestCoupling_StragglerAfterFailureIgnored(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()

	doc := seedDocument(t, f, "doc_1")
	doc.Status = models.DocumentStatusFailed
	require.NoError(t, f.store.Documents().Save(ctx, doc))

	event := stageEvent(t, "normalize", "doc_1", models.NormalizeResult{Text: "late result"})
	require.NoError(t, f.dispatcher.onStageCompleted(ctx, event))

	depth, err := f.broker.QueueLength(ctx, "ner")
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestCoupling_NonPipelineCompletionIgnored(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()

	// Extension pool completions carry no document, and pipeline-shaped
	// events for unknown stages are not advanced.
	require.NoError(t, f.dispatcher.onStageCompleted(ctx, models.Event{
		Type:    "stage.translate.completed",
		Payload: map[string]interface{}{"result": json.RawMessage(`{}`)},
	}))
}
