package models

import (
	"time"
)

// Core event types. Extensions publish under <extension>.<noun>.<verb>.
const (
	EventDocumentIngested    = "document.ingested"
	EventDocumentOCRRequired = "document.ocr_required"
	EventDocumentProcessed   = "document.processed"
	EventDocumentFailed      = "document.failed"
	EventOCRAttempted        = "ocr.attempted"
	EventOCREscalated        = "ocr.escalated"
	EventJobDeadlettered     = "job.deadlettered"
)

// StageCompletedEvent returns the event type emitted when a stage finishes
// for a document, e.g. "stage.extract.completed".
func StageCompletedEvent(stage string) string {
	return "stage." + stage + ".completed"
}

// Event is a session-scoped bus message. Delivery is at-least-once;
// subscribers must be idempotent. Ordering holds per source, not globally.
type Event struct {
	ID            string                 `json:"id" badgerhold:"key"`
	Type          string                 `json:"type" badgerholdIndex:"Type"` // Dotted, e.g. "document.ingested"
	Source        string                 `json:"source"`
	Payload       map[string]interface{} `json:"payload"`
	Timestamp     time.Time              `json:"timestamp"`
	Sequence      uint64                 `json:"sequence"` // Monotonic per source
	CorrelationID string                 `json:"correlation_id,omitempty"`
}
