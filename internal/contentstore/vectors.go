package contentstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/dossier/internal/interfaces"
)

// storedVector is the persisted form of a VectorRecord. The badgerhold key
// is collection-qualified so ids only need to be unique per collection.
type storedVector struct {
	Key        string `badgerhold:"key"`
	ID         string
	Collection string `badgerholdIndex:"Collection"`
	Vector     []float32
	Payload    map[string]string
}

type vectorCollection struct {
	Name       string `badgerhold:"key"`
	Dimensions int
	CreatedAt  time.Time
}

type vectorStore struct {
	db     *badgerhold.Store
	logger arbor.ILogger

	mu sync.Mutex // Guards collection creation
}

var _ interfaces.VectorStore = (*vectorStore)(nil)

func vectorKey(collection, id string) string {
	return collection + "/" + id
}

// EnsureCollection creates the collection if it does not exist. Creation is
// idempotent; a dimension mismatch against an existing collection is an error.
func (v *vectorStore) EnsureCollection(ctx context.Context, collection string, dimensions int) error {
	if collection == "" {
		return errors.New("collection name is required")
	}
	if dimensions <= 0 {
		return fmt.Errorf("invalid dimensions %d for collection %s", dimensions, collection)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	var existing vectorCollection
	err := v.db.Get(collection, &existing)
	if err == nil {
		if existing.Dimensions != dimensions {
			return fmt.Errorf("collection %s has dimensions %d, requested %d", collection, existing.Dimensions, dimensions)
		}
		return nil
	}
	if !errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("failed to read collection %s: %w", collection, err)
	}

	rec := vectorCollection{Name: collection, Dimensions: dimensions, CreatedAt: time.Now()}
	if err := v.db.Upsert(collection, &rec); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", collection, err)
	}

	v.logger.Info().
		Str("collection", collection).
		Int("dimensions", dimensions).
		Msg("Vector collection created")

	return nil
}

func (v *vectorStore) Upsert(ctx context.Context, rec interfaces.VectorRecord) error {
	if rec.ID == "" || rec.Collection == "" {
		return errors.New("vector id and collection are required")
	}

	var coll vectorCollection
	if err := v.db.Get(rec.Collection, &coll); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("collection %s does not exist", rec.Collection)
		}
		return fmt.Errorf("failed to read collection: %w", err)
	}
	if len(rec.Vector) != coll.Dimensions {
		return fmt.Errorf("vector has %d dimensions, collection %s expects %d", len(rec.Vector), rec.Collection, coll.Dimensions)
	}

	stored := storedVector{
		Key:        vectorKey(rec.Collection, rec.ID),
		ID:         rec.ID,
		Collection: rec.Collection,
		Vector:     rec.Vector,
		Payload:    rec.Payload,
	}
	if err := v.db.Upsert(stored.Key, &stored); err != nil {
		return fmt.Errorf("failed to upsert vector: %w", err)
	}
	return nil
}

func (v *vectorStore) UpsertBatch(ctx context.Context, recs []interfaces.VectorRecord) error {
	for _, rec := range recs {
		if err := v.Upsert(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (v *vectorStore) Get(ctx context.Context, collection, id string) (*interfaces.VectorRecord, error) {
	var stored storedVector
	if err := v.db.Get(vectorKey(collection, id), &stored); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("vector not found: %s/%s", collection, id)
		}
		return nil, fmt.Errorf("failed to get vector: %w", err)
	}
	return &interfaces.VectorRecord{
		ID:         stored.ID,
		Collection: stored.Collection,
		Vector:     stored.Vector,
		Payload:    stored.Payload,
	}, nil
}

// Search scans the collection and ranks by cosine similarity. Brute force
// is adequate at the corpus sizes a single node handles.
func (v *vectorStore) Search(ctx context.Context, collection string, query []float32, limit int) ([]interfaces.VectorMatch, error) {
	if limit <= 0 {
		limit = 10
	}

	var matches []interfaces.VectorMatch
	err := v.db.ForEach(badgerhold.Where("Collection").Eq(collection).Index("Collection"), func(stored *storedVector) error {
		score := cosineSimilarity(query, stored.Vector)
		matches = append(matches, interfaces.VectorMatch{
			Record: interfaces.VectorRecord{
				ID:         stored.ID,
				Collection: stored.Collection,
				Vector:     stored.Vector,
				Payload:    stored.Payload,
			},
			Score: score,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search collection %s: %w", collection, err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (v *vectorStore) Count(ctx context.Context, collection string) (int, error) {
	n, err := v.db.Count(&storedVector{}, badgerhold.Where("Collection").Eq(collection))
	if err != nil {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	return int(n), nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
