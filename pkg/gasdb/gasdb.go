// Package gasdb provides persistent storage for collected gas observations.
//
// Observations are keyed by timestamp then block number, both big-endian,
// so a cursor scan yields them in time order for range queries.
package gasdb

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/gasline/gasline/internal/types"
)

var (
	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("gasdb closed")

	// bucketObservations stores observations keyed by timestamp|block.
	bucketObservations = []byte("observations")
)

// keySize is 8 bytes of timestamp plus 8 bytes of block number.
const keySize = 16

// Store is a bbolt-backed gas observation store.
type Store struct {
	db     *bolt.DB
	closed atomic.Bool
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open gasdb: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketObservations)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// observationKey builds the composite timestamp|block key.
func observationKey(obs types.GasObservation) []byte {
	key := make([]byte, keySize)
	binary.BigEndian.PutUint64(key[:8], uint64(obs.Timestamp))
	binary.BigEndian.PutUint64(key[8:], obs.BlockNumber)
	return key
}

// Put stores one observation. Re-storing the same timestamp and block is an
// overwrite, keeping the store free of duplicates.
func (s *Store) Put(obs types.GasObservation) error {
	if s.closed.Load() {
		return ErrClosed
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(obs); err != nil {
		return fmt.Errorf("encode observation: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObservations).Put(observationKey(obs), buf.Bytes())
	})
}

// Range returns observations with timestamps in [from, to], ascending.
func (s *Store) Range(from, to time.Time) ([]types.GasObservation, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	min := make([]byte, keySize)
	binary.BigEndian.PutUint64(min[:8], uint64(from.Unix()))
	max := make([]byte, keySize)
	binary.BigEndian.PutUint64(max[:8], uint64(to.Unix()))
	for i := 8; i < keySize; i++ {
		max[i] = 0xff
	}

	var out []types.GasObservation
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketObservations).Cursor()
		for k, v := c.Seek(min); k != nil && bytes.Compare(k, max) <= 0; k, v = c.Next() {
			var obs types.GasObservation
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&obs); err != nil {
				return fmt.Errorf("decode observation: %w", err)
			}
			out = append(out, obs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Latest returns the most recent observation, if any.
func (s *Store) Latest() (types.GasObservation, bool, error) {
	if s.closed.Load() {
		return types.GasObservation{}, false, ErrClosed
	}

	var obs types.GasObservation
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(bucketObservations).Cursor().Last()
		if v == nil {
			return nil
		}
		found = true
		return gob.NewDecoder(bytes.NewReader(v)).Decode(&obs)
	})
	return obs, found, err
}

// Count returns the number of stored observations.
func (s *Store) Count() (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketObservations).Stats().KeyN
		return nil
	})
	return n, err
}

// Prune deletes observations older than before. Returns the number removed.
func (s *Store) Prune(before time.Time) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	cutoff := make([]byte, keySize)
	binary.BigEndian.PutUint64(cutoff[:8], uint64(before.Unix()))

	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketObservations)

		// Collect first: deleting while iterating invalidates the cursor.
		var stale [][]byte
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}

		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
