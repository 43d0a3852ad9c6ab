package contentstore

import (
	"fmt"
	"os"

	"github.com/timshannon/badgerhold/v4"
)

// Open opens (creating if needed) a badgerhold store at path with the
// badger logger silenced. Callers own Close.
func Open(path string) (*badgerhold.Store, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", path, err)
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	opts.Logger = nil

	store, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", path, err)
	}
	return store, nil
}
