// -----------------------------------------------------------------------
// Content Store - documents, chunks, entities, vectors and the
// schema-scoped stores handed to extensions, all on one badgerhold store.
// -----------------------------------------------------------------------

package contentstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/dossier/internal/interfaces"
)

// Manager implements the StorageManager interface
type Manager struct {
	db       *badgerhold.Store
	dataRoot string
	logger   arbor.ILogger

	documents *documentStore
	chunks    *chunkStore
	entities  *entityStore
	vectors   *vectorStore

	mu      sync.Mutex
	schemas map[string]*schemaStore
	ownsDB  bool
}

var _ interfaces.StorageManager = (*Manager)(nil)

// NewManager creates a content store manager on an already-open store
func NewManager(db *badgerhold.Store, dataRoot string, logger arbor.ILogger) *Manager {
	return &Manager{
		db:        db,
		dataRoot:  dataRoot,
		logger:    logger,
		documents: &documentStore{db: db, logger: logger},
		chunks:    &chunkStore{db: db, logger: logger},
		entities:  &entityStore{db: db, logger: logger},
		vectors:   &vectorStore{db: db, logger: logger},
		schemas:   make(map[string]*schemaStore),
	}
}

// NewManagerAt opens the store at path and owns its lifecycle
func NewManagerAt(path, dataRoot string, logger arbor.ILogger) (*Manager, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	m := NewManager(db, dataRoot, logger)
	m.ownsDB = true
	return m, nil
}

func (m *Manager) Documents() interfaces.DocumentStorage { return m.documents }
func (m *Manager) Chunks() interfaces.ChunkStorage       { return m.chunks }
func (m *Manager) Entities() interfaces.EntityStorage    { return m.entities }
func (m *Manager) Vectors() interfaces.VectorStore       { return m.vectors }

// SchemaStore returns the named extension schema, creating it on first use
func (m *Manager) SchemaStore(schema string) interfaces.SchemaStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.schemas[schema]; ok {
		return s
	}
	s := &schemaStore{db: m.db, schema: schema}
	m.schemas[schema] = s
	return s
}

// schemaVersionRecord tracks the migration version applied per schema
type schemaVersionRecord struct {
	Schema  string `badgerhold:"key"`
	Version int
}

// SchemaVersion returns the migration version for a schema, zero if never set
func (m *Manager) SchemaVersion(ctx context.Context, schema string) (int, error) {
	var rec schemaVersionRecord
	if err := m.db.Get(schema, &rec); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return rec.Version, nil
}

// SetSchemaVersion records the migration version for a schema
func (m *Manager) SetSchemaVersion(ctx context.Context, schema string, version int) error {
	rec := schemaVersionRecord{Schema: schema, Version: version}
	if err := m.db.Upsert(schema, &rec); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	m.logger.Info().
		Str("schema", schema).
		Int("version", version).
		Msg("Schema version updated")
	return nil
}

// ArtifactPath resolves a file-system artifact location under the data
// root, sharded by the first two hash characters.
func (m *Manager) ArtifactPath(schema, fileHash, name string) string {
	shard := fileHash
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(m.dataRoot, schema, shard, name)
}

// Close closes the underlying store when the manager owns it
func (m *Manager) Close() error {
	if !m.ownsDB {
		return nil
	}
	return m.db.Close()
}
