package models

import (
	"time"
)

// DocumentStatus tracks a document through the pipeline
type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusComplete   DocumentStatus = "complete"
	DocumentStatusPartial    DocumentStatus = "partial" // Keyword-searchable but un-embedded
	DocumentStatusFailed     DocumentStatus = "failed"
)

// Document is the core pipeline artifact. Mutated only by pipeline stages
// via the dispatcher; derived artifacts (chunks, mentions, vectors) are
// read-only after their owning stage completes.
type Document struct {
	ID       string `json:"id" badgerhold:"key"`
	FileHash string `json:"file_hash" badgerholdIndex:"FileHash"` // SHA-256 content address, globally unique
	FilePath string `json:"file_path"`
	FileName string `json:"file_name"`

	Status   DocumentStatus `json:"status" badgerholdIndex:"Status"`
	NumPages int            `json:"num_pages"`

	// Stage bookkeeping: stage name -> completion time. A document reaches
	// complete only when every mandatory stage has exactly one entry here.
	StagesCompleted map[string]time.Time `json:"stages_completed"`
	CurrentStage    string               `json:"current_stage,omitempty"`
	FailureReason   string               `json:"failure_reason,omitempty"`

	Forensics DocumentForensics `json:"forensics"`

	// Tenant is a payload tag only, not a security boundary
	Tenant string `json:"tenant,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DocumentForensics holds provenance metadata extracted at ingest
type DocumentForensics struct {
	Author       string     `json:"author,omitempty"`
	Producer     string     `json:"producer,omitempty"`
	CreationDate *time.Time `json:"creation_date,omitempty"`
	Encrypted    bool       `json:"encrypted"`
	SizeBytes    int64      `json:"size_bytes"`
	ContentType  string     `json:"content_type,omitempty"`
}

// Chunk is an ordered slice of a document's normalized text.
// Indices are dense: chunks of a document form [0, N) with no gaps.
type Chunk struct {
	ID         string `json:"id" badgerhold:"key"`
	DocumentID string `json:"document_id" badgerholdIndex:"DocumentID"`
	Text       string `json:"text"`
	ChunkIndex int    `json:"chunk_index"`
	PageNumber int    `json:"page_number,omitempty"`
	VectorID   string `json:"vector_id,omitempty"`
}
