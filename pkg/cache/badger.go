package cache

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig contains configuration for the BadgerDB-backed store.
type BadgerConfig struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk. Cached upstream
	// responses are cheap to refetch, so async is the default.
	SyncWrites bool

	// Logger is an optional badger logger. Nil disables badger's own logs.
	Logger badger.Logger
}

// DefaultBadgerConfig returns the default store configuration.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:       path,
		SyncWrites: false,
		Logger:     nil,
	}
}

// BadgerStore is a BadgerDB-backed Store. Badger handles TTL expiry natively:
// entries are written with WithTTL and vanish from reads once stale, which is
// exactly the "no explicit delete" contract the proxy relies on.
type BadgerStore struct {
	db     *badger.DB
	closed atomic.Bool
}

// NewBadgerStore opens (or creates) a badger-backed cache store.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Get returns the entry stored under key, or found=false when the key is
// missing or its TTL has lapsed.
func (s *BadgerStore) Get(key string) (*Entry, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}

	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}

	entry, err := decodeEntry(raw)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

// Put stores the entry under key with the given TTL.
func (s *BadgerStore) Put(key string, entry *Entry, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}

	encoded, err := encodeEntry(entry)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), encoded).WithTTL(ttl))
	})
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
