package store

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Store persists whole JSON documents by key. Every Save rewrites the
// full document; there is no incremental diffing.
type Store interface {
	Load(key string, v any) (bool, error)
	Save(key string, v any) error
	Close() error
}

const (
	BackendFile   = "file"
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
)

var errNotFound = errors.New("document not found")

func Open(backend, dir string, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch strings.ToLower(backend) {
	case "", BackendFile:
		return NewFileStore(dir, logger)
	case BackendBolt:
		return OpenBolt(dir, logger)
	case BackendSQLite:
		return OpenSQLite(dir, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// LoadOrCreate loads key into v. When the document does not exist yet the
// current contents of v are saved as the initial document.
func LoadOrCreate(s Store, key string, v any) (bool, error) {
	found, err := s.Load(key, v)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}

	if err := s.Save(key, v); err != nil {
		return false, err
	}
	return true, nil
}

func validKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty document key")
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid document key %q", key)
		}
	}
	return nil
}
