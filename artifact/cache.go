// Copyright 2026 ManaSmart
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// ErrNotCached is returned when an artifact key has no pinned
// archive.
var ErrNotCached = errors.New("artifact not cached")

// Cache pins backup archives by artifact key so a previously
// downloaded backup can be re-materialized without a fresh signed
// URL.
type Cache struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewCache opens the archive cache. An empty dataDir uses an
// in-memory store, useful for testing.
func NewCache(dataDir string, logger *slog.Logger) (*Cache, error) {
	var cacheDb *badger.DB
	var err error
	if dataDir == "" {
		badgerOpts := badger.DefaultOptions("").
			WithLogger(NewBadgerLogger(logger)).
			// The default INFO logging is a bit verbose
			WithLoggingLevel(badger.WARNING).
			WithInMemory(true)
		cacheDb, err = badger.Open(badgerOpts)
		if err != nil {
			return nil, err
		}
	} else {
		if _, err := os.Stat(dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		cacheDir := filepath.Join(dataDir, "artifacts")
		badgerOpts := badger.DefaultOptions(cacheDir).
			WithLogger(NewBadgerLogger(logger)).
			WithLoggingLevel(badger.WARNING).
			WithCompression(options.Snappy)
		cacheDb, err = badger.Open(badgerOpts)
		if err != nil {
			return nil, err
		}
	}
	return &Cache{db: cacheDb, logger: logger}, nil
}

// Close closes the underlying store.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Pin stores archive bytes under an artifact key.
func (c *Cache) Pin(artifactKey string, data []byte) error {
	if artifactKey == "" {
		return errors.New("artifact key is empty")
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(artifactKey), data)
	})
}

// PinFile stores the contents of a downloaded archive file under
// an artifact key.
func (c *Cache) PinFile(artifactKey string, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading archive for pinning: %w", err)
	}
	return c.Pin(artifactKey, data)
}

// Get returns the pinned archive bytes for an artifact key, or
// ErrNotCached.
func (c *Cache) Get(artifactKey string) ([]byte, error) {
	var data []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(artifactKey))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotCached
			}
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WriteTo materializes a pinned archive to a file.
func (c *Cache) WriteTo(artifactKey string, path string) error {
	data, err := c.Get(artifactKey)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	return os.WriteFile(path, data, 0o640)
}

// Has reports whether an artifact key is pinned.
func (c *Cache) Has(artifactKey string) (bool, error) {
	err := c.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(artifactKey))
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Unpin drops a pinned archive. Unpinning an absent key is not an
// error.
func (c *Cache) Unpin(artifactKey string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(artifactKey))
	})
}

// Keys lists the pinned artifact keys.
func (c *Cache) Keys() ([]string, error) {
	var keys []string
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}
