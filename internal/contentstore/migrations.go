package contentstore

import (
	"context"
	"fmt"
)

// coreSchemaVersion is the migration version the core schema is expected
// to be at. Bump it when adding an entry to coreMigrations.
const coreSchemaVersion = 1

// coreMigrations upgrade the core schema in order; entry i migrates from
// version i to i+1. Extensions version their own schemas.
var coreMigrations = []func(ctx context.Context, m *Manager) error{
	// v0 -> v1: initial layout. badgerhold builds indexes lazily on first
	// use, so there is nothing to transform.
	func(ctx context.Context, m *Manager) error { return nil },
}

// MigrateCore applies pending core schema migrations. Safe to call on
// every startup; a store already at the current version is a no-op.
func (m *Manager) MigrateCore(ctx context.Context) error {
	current, err := m.SchemaVersion(ctx, "core")
	if err != nil {
		return err
	}
	if current > coreSchemaVersion {
		return fmt.Errorf("core schema version %d is newer than this build supports (%d)", current, coreSchemaVersion)
	}

	for v := current; v < coreSchemaVersion; v++ {
		if err := coreMigrations[v](ctx, m); err != nil {
			return fmt.Errorf("core schema migration %d -> %d failed: %w", v, v+1, err)
		}
		if err := m.SetSchemaVersion(ctx, "core", v+1); err != nil {
			return err
		}
		m.logger.Info().
			Int("from", v).
			Int("to", v+1).
			Msg("Core schema migrated")
	}
	return nil
}
