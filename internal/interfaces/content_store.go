package interfaces

import (
	"context"

	"github.com/ternarybob/dossier/internal/models"
)

// DocumentStorage persists core documents, keyed by id with a unique
// file-hash content address.
type DocumentStorage interface {
	Save(ctx context.Context, doc *models.Document) error
	Get(ctx context.Context, docID string) (*models.Document, error)

	// GetByHash resolves the content address; ErrDocumentNotFound if absent
	GetByHash(ctx context.Context, fileHash string) (*models.Document, error)

	// CreateIfAbsent inserts the document unless its file hash already
	// exists, returning the surviving document and true when it was
	// created. Concurrent duplicate ingests resolve to one document.
	CreateIfAbsent(ctx context.Context, doc *models.Document) (*models.Document, bool, error)

	List(ctx context.Context, status models.DocumentStatus, limit, offset int) ([]*models.Document, error)
	Delete(ctx context.Context, docID string) error
}

// ChunkStorage persists document chunks. Chunks cascade-delete with their
// document.
type ChunkStorage interface {
	SaveAll(ctx context.Context, chunks []*models.Chunk) error
	Get(ctx context.Context, chunkID string) (*models.Chunk, error)
	ListByDocument(ctx context.Context, docID string) ([]*models.Chunk, error)
	UpdateVectorID(ctx context.Context, chunkID, vectorID string) error
	DeleteByDocument(ctx context.Context, docID string) error

	// Search performs keyword search over chunk text, so degraded
	// documents stay searchable without embeddings.
	Search(ctx context.Context, query string, limit int) ([]*models.Chunk, error)
}

// EntityStorage persists mentions and canonical entities
type EntityStorage interface {
	SaveMentions(ctx context.Context, mentions []*models.EntityMention) error
	ListMentionsByDocument(ctx context.Context, docID string) ([]*models.EntityMention, error)

	// UpsertCanonical merges a mention into its canonical entity
	// (case-insensitive name+label match), incrementing mention count.
	UpsertCanonical(ctx context.Context, name, label string) (*models.CanonicalEntity, error)
	GetCanonical(ctx context.Context, entityID string) (*models.CanonicalEntity, error)
	ListCanonical(ctx context.Context, label string, limit int) ([]*models.CanonicalEntity, error)
}

// VectorRecord is a stored embedding keyed by an external id, tagged with
// its collection and a JSON payload (document_id, chunk_id, model).
type VectorRecord struct {
	ID         string
	Collection string
	Vector     []float32
	Payload    map[string]string
}

// VectorMatch is a search hit with cosine similarity score
type VectorMatch struct {
	Record VectorRecord
	Score  float64
}

// VectorStore holds embeddings in named collections. Collections are
// auto-created on first insert with dimensions inferred from the model;
// creation is an idempotent upsert, safe across concurrent first-embedders.
type VectorStore interface {
	EnsureCollection(ctx context.Context, collection string, dimensions int) error
	Upsert(ctx context.Context, rec VectorRecord) error
	UpsertBatch(ctx context.Context, recs []VectorRecord) error
	Get(ctx context.Context, collection, id string) (*VectorRecord, error)
	Search(ctx context.Context, collection string, query []float32, limit int) ([]VectorMatch, error)
	Count(ctx context.Context, collection string) (int, error)
}

// SchemaStore is the schema-scoped key/value surface handed to extensions.
// An extension sees only its own schema; cross-schema access goes through
// typed extension interfaces.
type SchemaStore interface {
	Schema() string
	Put(ctx context.Context, key string, value interface{}) error
	Get(ctx context.Context, key string, out interface{}) error
	Delete(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// StorageManager aggregates the content store schemas
type StorageManager interface {
	Documents() DocumentStorage
	Chunks() ChunkStorage
	Entities() EntityStorage
	Vectors() VectorStore

	// SchemaStore returns (creating if needed) the named extension schema
	SchemaStore(schema string) SchemaStore

	// SchemaVersion returns the migration version applied for a schema
	SchemaVersion(ctx context.Context, schema string) (int, error)
	SetSchemaVersion(ctx context.Context, schema string, version int) error

	// ArtifactPath resolves DATA_ROOT/<schema>/<hash[:2]>/<name>
	ArtifactPath(schema, fileHash, name string) string

	Close() error
}
