package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Supported backend names for Open.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// Open returns the database for the named backend. Persistent backends require
// a path; missing parent directories are created with 0700 permissions.
func Open(backend, path string) (Database, error) {
	name := strings.ToLower(strings.TrimSpace(backend))
	if name == "" {
		name = BackendLevelDB
	}
	if name == BackendMemory {
		return NewMemDB(), nil
	}
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("storage: path required for %s backend", name)
	}
	switch name {
	case BackendLevelDB:
		if err := os.MkdirAll(trimmed, 0o700); err != nil {
			return nil, fmt.Errorf("storage: create data dir: %w", err)
		}
		return NewLevelDB(trimmed)
	case BackendBolt:
		if err := os.MkdirAll(filepath.Dir(trimmed), 0o700); err != nil {
			return nil, fmt.Errorf("storage: create data dir: %w", err)
		}
		return NewBoltDB(trimmed)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}
