// -----------------------------------------------------------------------
// Stage coupling - event handlers that advance the per-document state
// machine. Completion of stage k enqueues stage k+1; no stage calls the
// next one directly, so extensions can reshape the DAG.
// -----------------------------------------------------------------------

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

// successors maps each stage to the one the dispatcher enqueues next.
// The OCR detour (extract -> ocr -> normalize) is driven by the
// document.ocr_required event, not this table.
var successors = map[string]string{
	"extract":   "normalize",
	"ocr":       "normalize",
	"ocr-heavy": "normalize",
	"normalize": "ner",
	"ner":       "chunk",
	"chunk":     "embed",
	"embed":     "",
}

func normalizedTextKey(docID string) string {
	return "normalized/" + docID
}

// onStageCompleted advances a document when one of its stage jobs finishes
func (d *Dispatcher) onStageCompleted(ctx context.Context, event models.Event) error {
	stage := stageFromEvent(event.Type)
	docID, _ := event.Payload["document_id"].(string)
	if docID == "" {
		return nil // Not a pipeline job (extension pool or ad hoc enqueue)
	}
	if _, pipelineStage := successors[stage]; !pipelineStage {
		return nil
	}

	result, err := resultFromEvent(event)
	if err != nil {
		return fmt.Errorf("stage %s completion for %s has malformed result: %w", stage, docID, err)
	}

	doc, err := d.store.Documents().Get(ctx, docID)
	if err != nil {
		return err
	}
	if doc.Status == models.DocumentStatusFailed {
		return nil // Stragglers after a terminal failure are ignored
	}

	switch stage {
	case "extract":
		return d.afterExtract(ctx, doc, result)
	case "ocr", "ocr-heavy":
		return d.afterOCR(ctx, doc, stage, result)
	case "normalize":
		return d.afterNormalize(ctx, doc, result)
	case "ner":
		return d.afterNER(ctx, doc)
	case "chunk":
		return d.afterChunk(ctx, doc)
	case "embed":
		return d.afterEmbed(ctx, doc)
	}
	return nil
}

func (d *Dispatcher) afterExtract(ctx context.Context, doc *models.Document, result json.RawMessage) error {
	d.markStageComplete(ctx, doc, "extract")

	// The extract handler routes image content to OCR before completing;
	// in that case the ocr_required event drives the next enqueue.
	if doc.CurrentStage == "ocr" {
		return nil
	}

	var extracted models.ExtractResult
	if err := json.Unmarshal(result, &extracted); err != nil {
		return fmt.Errorf("invalid extract result for %s: %w", doc.ID, err)
	}
	return d.enqueueNormalize(ctx, doc, extracted.Text)
}

func (d *Dispatcher) afterOCR(ctx context.Context, doc *models.Document, stage string, result json.RawMessage) error {
	d.markStageComplete(ctx, doc, stage)

	var recognized models.OCRResult
	if err := json.Unmarshal(result, &recognized); err != nil {
		return fmt.Errorf("invalid ocr result for %s: %w", doc.ID, err)
	}
	return d.enqueueNormalize(ctx, doc, recognized.Text)
}

func (d *Dispatcher) enqueueNormalize(ctx context.Context, doc *models.Document, text string) error {
	payload, err := json.Marshal(models.NormalizePayload{Text: text, DocumentID: doc.ID})
	if err != nil {
		return err
	}
	if _, err := d.EnqueueStage(ctx, "normalize", payload, doc.ID); err != nil {
		return d.handleEnqueueFailure(ctx, doc, "normalize", err)
	}
	d.setStage(ctx, doc.ID, "normalize")
	return nil
}

func (d *Dispatcher) afterNormalize(ctx context.Context, doc *models.Document, result json.RawMessage) error {
	d.markStageComplete(ctx, doc, "normalize")

	var normalized models.NormalizeResult
	if err := json.Unmarshal(result, &normalized); err != nil {
		return fmt.Errorf("invalid normalize result for %s: %w", doc.ID, err)
	}

	// Downstream stages read the normalized text from the core schema
	// store instead of hauling it through event payloads.
	if err := d.core.Put(ctx, normalizedTextKey(doc.ID), normalized.Text); err != nil {
		return err
	}

	payload, err := json.Marshal(models.NERPayload{Text: normalized.Text, DocumentID: doc.ID})
	if err != nil {
		return err
	}
	if _, err := d.EnqueueStage(ctx, "ner", payload, doc.ID); err != nil {
		return d.handleEnqueueFailure(ctx, doc, "ner", err)
	}
	d.setStage(ctx, doc.ID, "ner")
	return nil
}

func (d *Dispatcher) afterNER(ctx context.Context, doc *models.Document) error {
	d.markStageComplete(ctx, doc, "ner")

	var text string
	if err := d.core.Get(ctx, normalizedTextKey(doc.ID), &text); err != nil {
		return fmt.Errorf("normalized text missing for %s: %w", doc.ID, err)
	}

	payload, err := json.Marshal(models.ChunkPayload{Text: text, DocumentID: doc.ID})
	if err != nil {
		return err
	}
	if _, err := d.EnqueueStage(ctx, "chunk", payload, doc.ID); err != nil {
		return d.handleEnqueueFailure(ctx, doc, "chunk", err)
	}
	d.setStage(ctx, doc.ID, "chunk")
	return nil
}

func (d *Dispatcher) afterChunk(ctx context.Context, doc *models.Document) error {
	d.markStageComplete(ctx, doc, "chunk")

	chunks, err := d.store.Chunks().ListByDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		// Nothing to embed; an empty document is complete once chunked
		return d.completeDocument(ctx, doc.ID, models.DocumentStatusComplete)
	}

	texts := make([]string, len(chunks))
	chunkIDs := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
		chunkIDs[i] = chunk.ID
	}

	payload, err := json.Marshal(models.EmbedPayload{
		Texts:      texts,
		ChunkIDs:   chunkIDs,
		Batch:      true,
		DocumentID: doc.ID,
	})
	if err != nil {
		return err
	}
	if _, err := d.EnqueueStage(ctx, "embed", payload, doc.ID); err != nil {
		return d.handleEnqueueFailure(ctx, doc, "embed", err)
	}
	d.setStage(ctx, doc.ID, "embed")
	return nil
}

func (d *Dispatcher) afterEmbed(ctx context.Context, doc *models.Document) error {
	d.markStageComplete(ctx, doc, "embed")
	return d.completeDocument(ctx, doc.ID, models.DocumentStatusComplete)
}

// handleEnqueueFailure degrades or fails a document when its next stage
// cannot be placed. An unavailable embed pool degrades to partial when
// configured; everything else fails the document.
func (d *Dispatcher) handleEnqueueFailure(ctx context.Context, doc *models.Document, stage string, err error) error {
	if errors.Is(err, interfaces.ErrPoolUnavailable) && stage == "embed" && d.cfg.Dispatcher.SkipEmbedOnNoGPU {
		d.logger.Warn().
			Str("document_id", doc.ID).
			Msg("Embed pool unavailable, degrading document to partial")
		return d.completeDocument(ctx, doc.ID, models.DocumentStatusPartial)
	}
	d.failDocument(ctx, doc.ID, fmt.Sprintf("cannot enqueue %s: %v", stage, err))
	return err
}

// onOCRRequired enqueues the OCR detour for a document whose extract
// found no usable text layer.
func (d *Dispatcher) onOCRRequired(ctx context.Context, event models.Event) error {
	docID, _ := event.Payload["document_id"].(string)
	filePath, _ := event.Payload["file_path"].(string)
	if docID == "" || filePath == "" {
		return nil
	}

	payload, err := json.Marshal(models.OCRPayload{
		ImagePath:  filePath,
		DocumentID: docID,
	})
	if err != nil {
		return err
	}

	doc, err := d.store.Documents().Get(ctx, docID)
	if err != nil {
		return err
	}
	if _, err := d.EnqueueStage(ctx, "ocr", payload, docID); err != nil {
		return d.handleEnqueueFailure(ctx, doc, "ocr", err)
	}
	d.setStage(ctx, docID, "ocr")
	return nil
}

// onJobDeadlettered fails the owning document when a pipeline job dies
func (d *Dispatcher) onJobDeadlettered(ctx context.Context, event models.Event) error {
	docID, _ := event.Payload["document_id"].(string)
	if docID == "" {
		return nil
	}
	reason, _ := event.Payload["error"].(string)
	if reason == "" {
		reason = "pipeline job dead-lettered"
	}
	d.failDocument(ctx, docID, reason)
	return nil
}

// markStageComplete records a stage completion timestamp on the document
func (d *Dispatcher) markStageComplete(ctx context.Context, doc *models.Document, stage string) {
	if doc.StagesCompleted == nil {
		doc.StagesCompleted = make(map[string]time.Time)
	}
	doc.StagesCompleted[stage] = time.Now()
	if doc.Status == models.DocumentStatusPending {
		doc.Status = models.DocumentStatusProcessing
	}
	if err := d.store.Documents().Save(ctx, doc); err != nil {
		d.logger.Warn().Err(err).Str("document_id", doc.ID).Msg("Failed to record stage completion")
	}
}

func (d *Dispatcher) setStage(ctx context.Context, docID, stage string) {
	doc, err := d.store.Documents().Get(ctx, docID)
	if err != nil {
		d.logger.Warn().Err(err).Str("document_id", docID).Msg("Failed to read document")
		return
	}
	doc.CurrentStage = stage
	if doc.Status == models.DocumentStatusPending {
		doc.Status = models.DocumentStatusProcessing
	}
	if err := d.store.Documents().Save(ctx, doc); err != nil {
		d.logger.Warn().Err(err).Str("document_id", docID).Msg("Failed to update document stage")
	}
}

// completeDocument finalizes a document as complete or partial and
// publishes document.processed.
func (d *Dispatcher) completeDocument(ctx context.Context, docID string, status models.DocumentStatus) error {
	doc, err := d.store.Documents().Get(ctx, docID)
	if err != nil {
		return err
	}
	doc.Status = status
	doc.CurrentStage = ""
	if err := d.store.Documents().Save(ctx, doc); err != nil {
		return err
	}

	// The carried normalized text is no longer needed
	d.core.Delete(ctx, normalizedTextKey(docID))

	d.events.Publish(ctx, models.Event{
		Type:          models.EventDocumentProcessed,
		CorrelationID: docID,
		Payload: map[string]interface{}{
			"document_id": docID,
			"status":      string(status),
		},
	})

	d.logger.Info().
		Str("document_id", docID).
		Str("status", string(status)).
		Msg("Document pipeline finished")
	return nil
}

func (d *Dispatcher) failDocument(ctx context.Context, docID, reason string) {
	doc, err := d.store.Documents().Get(ctx, docID)
	if err != nil {
		d.logger.Warn().Err(err).Str("document_id", docID).Msg("Failed to read document")
		return
	}
	if doc.Status == models.DocumentStatusFailed {
		return
	}
	doc.Status = models.DocumentStatusFailed
	doc.FailureReason = reason
	doc.CurrentStage = ""
	if err := d.store.Documents().Save(ctx, doc); err != nil {
		d.logger.Warn().Err(err).Str("document_id", docID).Msg("Failed to mark document failed")
		return
	}

	d.events.Publish(ctx, models.Event{
		Type:          models.EventDocumentFailed,
		CorrelationID: docID,
		Payload: map[string]interface{}{
			"document_id": docID,
			"reason":      reason,
		},
	})

	d.logger.Warn().
		Str("document_id", docID).
		Str("reason", reason).
		Msg("Document failed")
}

func stageFromEvent(eventType string) string {
	parts := strings.Split(eventType, ".")
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}

// resultFromEvent recovers the stage result from an event payload whether
// it is still the in-process raw message or a decoded map.
func resultFromEvent(event models.Event) (json.RawMessage, error) {
	raw, ok := event.Payload["result"]
	if !ok || raw == nil {
		return nil, errors.New("no result in payload")
	}
	if rm, ok := raw.(json.RawMessage); ok {
		return rm, nil
	}
	return json.Marshal(raw)
}
