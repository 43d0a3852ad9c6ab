package contentstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/dossier/internal/common"
	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

type entityStore struct {
	db     *badgerhold.Store
	logger arbor.ILogger

	// Serializes canonical upserts so two mentions of the same entity
	// cannot race into two canonical records.
	upsertMu sync.Mutex
}

var _ interfaces.EntityStorage = (*entityStore)(nil)

func (e *entityStore) SaveMentions(ctx context.Context, mentions []*models.EntityMention) error {
	for _, m := range mentions {
		if m.ID == "" {
			return errors.New("mention ID is required")
		}
		if err := e.db.Upsert(m.ID, m); err != nil {
			return fmt.Errorf("failed to save mention %s: %w", m.ID, err)
		}
	}
	return nil
}

func (e *entityStore) ListMentionsByDocument(ctx context.Context, docID string) ([]*models.EntityMention, error) {
	var mentions []models.EntityMention
	if err := e.db.Find(&mentions, badgerhold.Where("DocumentID").Eq(docID).Index("DocumentID")); err != nil {
		return nil, fmt.Errorf("failed to list mentions: %w", err)
	}
	result := make([]*models.EntityMention, len(mentions))
	for i := range mentions {
		result[i] = &mentions[i]
	}
	return result, nil
}

// UpsertCanonical merges a mention into its canonical entity. Matching is
// case-insensitive on name within the same label.
func (e *entityStore) UpsertCanonical(ctx context.Context, name, label string) (*models.CanonicalEntity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("entity name is required")
	}

	e.upsertMu.Lock()
	defer e.upsertMu.Unlock()

	var candidates []models.CanonicalEntity
	if err := e.db.Find(&candidates, badgerhold.Where("Label").Eq(label)); err != nil {
		return nil, fmt.Errorf("failed to query canonical entities: %w", err)
	}

	now := time.Now()
	for i := range candidates {
		if strings.EqualFold(candidates[i].Name, name) {
			candidates[i].MentionCount++
			candidates[i].LastSeen = now
			if err := e.db.Upsert(candidates[i].ID, &candidates[i]); err != nil {
				return nil, fmt.Errorf("failed to update canonical entity: %w", err)
			}
			return &candidates[i], nil
		}
	}

	entity := models.CanonicalEntity{
		ID:           common.NewEntityID(),
		Name:         name,
		Label:        label,
		MentionCount: 1,
		FirstSeen:    now,
		LastSeen:     now,
	}
	if err := e.db.Insert(entity.ID, &entity); err != nil {
		return nil, fmt.Errorf("failed to create canonical entity: %w", err)
	}

	e.logger.Debug().
		Str("entity_id", entity.ID).
		Str("name", name).
		Str("label", label).
		Msg("Canonical entity created")

	return &entity, nil
}

func (e *entityStore) GetCanonical(ctx context.Context, entityID string) (*models.CanonicalEntity, error) {
	var entity models.CanonicalEntity
	if err := e.db.Get(entityID, &entity); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("entity not found: %s", entityID)
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return &entity, nil
}

// ListCanonical returns canonical entities, most-mentioned first
func (e *entityStore) ListCanonical(ctx context.Context, label string, limit int) ([]*models.CanonicalEntity, error) {
	if limit <= 0 {
		limit = 100
	}
	query := badgerhold.Where("ID").Ne("")
	if label != "" {
		query = query.And("Label").Eq(label)
	}
	query = query.SortBy("MentionCount").Reverse().Limit(limit)

	var entities []models.CanonicalEntity
	if err := e.db.Find(&entities, query); err != nil {
		return nil, fmt.Errorf("failed to list canonical entities: %w", err)
	}
	result := make([]*models.CanonicalEntity, len(entities))
	for i := range entities {
		result[i] = &entities[i]
	}
	return result, nil
}
