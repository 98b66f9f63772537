package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	bbolt "go.etcd.io/bbolt"
)

var bucketDocuments = []byte("documents")

// BoltStore keeps every document in a single bbolt bucket.
type BoltStore struct {
	bolt   *bbolt.DB
	logger *slog.Logger
}

func OpenBolt(dir string, logger *slog.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(dir, "gridhost.db")
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDocuments)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{bolt: db, logger: logger}, nil
}

func (b *BoltStore) Load(key string, v any) (bool, error) {
	if err := validKey(key); err != nil {
		return false, err
	}

	var data []byte
	err := b.bolt.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketDocuments).Get([]byte(key))
		if raw == nil {
			return errNotFound
		}
		// bbolt memory is only valid inside the transaction.
		data = append([]byte(nil), raw...)
		return nil
	})
	if err == errNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return true, nil
}

func (b *BoltStore) Save(key string, v any) error {
	if err := validKey(key); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	err = b.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocuments).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	b.logger.Debug("document saved", "key", key, "size", humanize.Bytes(uint64(len(data))))
	return nil
}

func (b *BoltStore) Close() error {
	if b.bolt != nil {
		return b.bolt.Close()
	}
	return nil
}
