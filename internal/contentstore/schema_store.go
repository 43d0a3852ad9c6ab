package contentstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/dossier/internal/interfaces"
)

// schemaRecord holds one extension key/value pair. Values are stored as
// JSON so extensions can persist arbitrary shapes without registering types.
type schemaRecord struct {
	StoreKey string `badgerhold:"key"`
	Schema   string `badgerholdIndex:"Schema"`
	Key      string
	Value    []byte
}

// schemaStore is the schema-scoped store handed to an extension. All keys
// are namespaced under the extension's schema; it cannot reach other schemas.
type schemaStore struct {
	db     *badgerhold.Store
	schema string
}

var _ interfaces.SchemaStore = (*schemaStore)(nil)

func (s *schemaStore) Schema() string { return s.schema }

func (s *schemaStore) storeKey(key string) string {
	return s.schema + "/" + key
}

func (s *schemaStore) Put(ctx context.Context, key string, value interface{}) error {
	if key == "" {
		return errors.New("key is required")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for %s: %w", key, err)
	}
	rec := schemaRecord{
		StoreKey: s.storeKey(key),
		Schema:   s.schema,
		Key:      key,
		Value:    data,
	}
	if err := s.db.Upsert(rec.StoreKey, &rec); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (s *schemaStore) Get(ctx context.Context, key string, out interface{}) error {
	var rec schemaRecord
	if err := s.db.Get(s.storeKey(key), &rec); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("key not found: %s", key)
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(rec.Value, out); err != nil {
		return fmt.Errorf("failed to decode value for %s: %w", key, err)
	}
	return nil
}

func (s *schemaStore) Delete(ctx context.Context, key string) error {
	if err := s.db.Delete(s.storeKey(key), &schemaRecord{}); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *schemaStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.ForEach(badgerhold.Where("Schema").Eq(s.schema).Index("Schema"), func(rec *schemaRecord) error {
		if prefix == "" || strings.HasPrefix(rec.Key, prefix) {
			keys = append(keys, rec.Key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}
