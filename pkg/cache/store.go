// Package cache provides the TTL key-value store behind the edge proxy.
//
// Keys are the exact request path+query concatenation. Entries are written
// on cache miss after a successful upstream fetch and simply overwritten on
// the next miss after expiry; nothing is ever explicitly deleted, expiry is
// the store's job. Concurrent misses for one key may each write the entry —
// last write wins, an accepted race.
package cache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
	"time"
)

// ErrClosed is returned when operating on a closed store.
var ErrClosed = errors.New("cache store closed")

// Entry is one cached upstream response.
type Entry struct {
	// Key is the request path plus query string.
	Key string

	// Payload is the upstream response body, stored verbatim.
	Payload []byte

	// ContentType is the upstream Content-Type header.
	ContentType string

	// ETag is a digest of Payload, see ETagFor.
	ETag string

	// StoredAt is the Unix second the entry was written.
	StoredAt int64

	// TTLSeconds is the category TTL the entry was stored with.
	TTLSeconds int
}

// Store is the key-value cache interface. Get returns found=false for both
// missing and expired keys.
type Store interface {
	Get(key string) (*Entry, bool, error)
	Put(key string, entry *Entry, ttl time.Duration) error
	Close() error
}

// ETagFor computes the entity tag for a payload: a base58-encoded blake3
// digest truncated to 16 bytes.
func ETagFor(payload []byte) string {
	sum := blake3.Sum256(payload)
	return base58.Encode(sum[:16])
}

// Entry encoding: gob envelope prefixed by a marker byte. Payloads past the
// compression threshold are zstd-compressed; small ones aren't worth it.
const (
	markerRaw  = 0x00
	markerZstd = 0x01

	compressThreshold = 1 << 10 // 1KB
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// encodeEntry serializes an entry for storage.
func encodeEntry(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}

	encoded := buf.Bytes()
	if len(encoded) < compressThreshold {
		return append([]byte{markerRaw}, encoded...), nil
	}

	compressed := zstdEncoder.EncodeAll(encoded, make([]byte, 0, len(encoded)/2))
	return append([]byte{markerZstd}, compressed...), nil
}

// decodeEntry deserializes an entry from storage.
func decodeEntry(data []byte) (*Entry, error) {
	if len(data) < 1 {
		return nil, errors.New("decode entry: empty value")
	}

	body := data[1:]
	switch data[0] {
	case markerRaw:
	case markerZstd:
		decompressed, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress entry: %w", err)
		}
		body = decompressed
	default:
		return nil, fmt.Errorf("decode entry: unknown marker 0x%02x", data[0])
	}

	var entry Entry
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&entry); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &entry, nil
}
