package contentstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

type chunkStore struct {
	db     *badgerhold.Store
	logger arbor.ILogger
}

var _ interfaces.ChunkStorage = (*chunkStore)(nil)

func (c *chunkStore) SaveAll(ctx context.Context, chunks []*models.Chunk) error {
	for _, chunk := range chunks {
		if chunk.ID == "" {
			return errors.New("chunk ID is required")
		}
		if err := c.db.Upsert(chunk.ID, chunk); err != nil {
			return fmt.Errorf("failed to save chunk %s: %w", chunk.ID, err)
		}
	}
	return nil
}

func (c *chunkStore) Get(ctx context.Context, chunkID string) (*models.Chunk, error) {
	var chunk models.Chunk
	if err := c.db.Get(chunkID, &chunk); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("chunk not found: %s", chunkID)
		}
		return nil, fmt.Errorf("failed to get chunk: %w", err)
	}
	return &chunk, nil
}

// ListByDocument returns a document's chunks ordered by chunk index
func (c *chunkStore) ListByDocument(ctx context.Context, docID string) ([]*models.Chunk, error) {
	var chunks []models.Chunk
	if err := c.db.Find(&chunks, badgerhold.Where("DocumentID").Eq(docID).Index("DocumentID")); err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].ChunkIndex < chunks[j].ChunkIndex
	})

	result := make([]*models.Chunk, len(chunks))
	for i := range chunks {
		result[i] = &chunks[i]
	}
	return result, nil
}

func (c *chunkStore) UpdateVectorID(ctx context.Context, chunkID, vectorID string) error {
	chunk, err := c.Get(ctx, chunkID)
	if err != nil {
		return err
	}
	chunk.VectorID = vectorID
	if err := c.db.Upsert(chunkID, chunk); err != nil {
		return fmt.Errorf("failed to update chunk vector id: %w", err)
	}
	return nil
}

func (c *chunkStore) DeleteByDocument(ctx context.Context, docID string) error {
	if err := c.db.DeleteMatching(&models.Chunk{}, badgerhold.Where("DocumentID").Eq(docID)); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// Search performs case-insensitive keyword search over chunk text. Chunks
// matching more query terms rank higher. This keeps partially processed
// documents searchable without embeddings.
func (c *chunkStore) Search(ctx context.Context, query string, limit int) ([]*models.Chunk, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	type scored struct {
		chunk models.Chunk
		hits  int
	}
	var matches []scored

	err := c.db.ForEach(badgerhold.Where("ID").Ne(""), func(chunk *models.Chunk) error {
		text := strings.ToLower(chunk.Text)
		hits := 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				hits++
			}
		}
		if hits > 0 {
			matches = append(matches, scored{chunk: *chunk, hits: hits})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].hits > matches[j].hits
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	result := make([]*models.Chunk, len(matches))
	for i := range matches {
		result[i] = &matches[i].chunk
	}
	return result, nil
}
