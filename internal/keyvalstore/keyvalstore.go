// Package keyvalstore wraps the badger database that holds the
// deduplication index and the manifest records. A single process owns
// the store at a time; badger's own lock file enforces that.
package keyvalstore

import (
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// ErrKeyNotFound is returned by Get for absent keys.
var ErrKeyNotFound = errors.New("key not found")

type StoreConfig struct {
	// Path is the badger data directory.
	Path string
	// MinimumFreeGB is a free-space threshold checked before opening.
	// Zero disables the check.
	MinimumFreeGB int
	Logger        *logrus.Logger
}

type Store struct {
	config StoreConfig
	db     *badger.DB
	log    *logrus.Logger
}

func Open(config StoreConfig) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	if err := config.check(); err != nil {
		return nil, fmt.Errorf("keyvalstore config: %w", err)
	}

	if err := os.MkdirAll(config.Path, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", config.Path, err)
	}

	return &Store{
		config: config,
		db:     db,
		log:    config.Logger,
	}, nil
}

func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		s.log.WithError(err).Warn("sync on close")
	}
	return s.db.Close()
}

func (s *Store) Set(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *Store) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read key %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) Has(key []byte) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// IteratePrefix calls fn for every key with the given prefix. Returning
// an error from fn stops the iteration.
func (s *Store) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), value); err != nil {
				return err
			}
		}
		return nil
	})
}
