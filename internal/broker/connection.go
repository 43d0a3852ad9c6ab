package broker

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// Open opens (creating if needed) the broker's Badger database at path
// with its chatty default logger silenced.
func Open(path string) (*badger.DB, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create broker directory %s: %w", path, err)
	}

	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open broker at %s: %w", path, err)
	}
	return db, nil
}
