package contentstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

type documentStore struct {
	db     *badgerhold.Store
	logger arbor.ILogger

	// Serializes CreateIfAbsent so concurrent ingests of the same content
	// resolve to exactly one document.
	createMu sync.Mutex
}

var _ interfaces.DocumentStorage = (*documentStore)(nil)

func (d *documentStore) Save(ctx context.Context, doc *models.Document) error {
	if doc.ID == "" {
		return errors.New("document ID is required")
	}
	doc.UpdatedAt = time.Now()
	if err := d.db.Upsert(doc.ID, doc); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

func (d *documentStore) Get(ctx context.Context, docID string) (*models.Document, error) {
	var doc models.Document
	if err := d.db.Get(docID, &doc); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, interfaces.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

func (d *documentStore) GetByHash(ctx context.Context, fileHash string) (*models.Document, error) {
	var docs []models.Document
	if err := d.db.Find(&docs, badgerhold.Where("FileHash").Eq(fileHash).Index("FileHash").Limit(1)); err != nil {
		return nil, fmt.Errorf("failed to query documents by hash: %w", err)
	}
	if len(docs) == 0 {
		return nil, interfaces.ErrDocumentNotFound
	}
	return &docs[0], nil
}

// CreateIfAbsent inserts the document unless the file hash is already
// known. The existing document wins on a duplicate.
func (d *documentStore) CreateIfAbsent(ctx context.Context, doc *models.Document) (*models.Document, bool, error) {
	if doc.FileHash == "" {
		return nil, false, errors.New("document file hash is required")
	}

	d.createMu.Lock()
	defer d.createMu.Unlock()

	existing, err := d.GetByHash(ctx, doc.FileHash)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, interfaces.ErrDocumentNotFound) {
		return nil, false, err
	}

	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	if doc.StagesCompleted == nil {
		doc.StagesCompleted = make(map[string]time.Time)
	}

	if err := d.db.Insert(doc.ID, doc); err != nil {
		return nil, false, fmt.Errorf("failed to create document: %w", err)
	}

	d.logger.Info().
		Str("document_id", doc.ID).
		Str("file_hash", doc.FileHash).
		Str("file_name", doc.FileName).
		Msg("Document created")

	return doc, true, nil
}

func (d *documentStore) List(ctx context.Context, status models.DocumentStatus, limit, offset int) ([]*models.Document, error) {
	query := badgerhold.Where("ID").Ne("")
	if status != "" {
		query = query.And("Status").Eq(status)
	}
	query = query.SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Skip(offset)
	}

	var docs []models.Document
	if err := d.db.Find(&docs, query); err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	result := make([]*models.Document, len(docs))
	for i := range docs {
		result[i] = &docs[i]
	}
	return result, nil
}

func (d *documentStore) Delete(ctx context.Context, docID string) error {
	if err := d.db.Delete(docID, &models.Document{}); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}
