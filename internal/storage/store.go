// Package storage holds the key-value backend that mirrors the verified
// contract storage. The access-pattern hiding of a production oblivious store
// lives behind the Backend interface; the implementations here are the plain
// memory and LevelDB stores plus a read cache.
package storage

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("storage: backend closed")

// Backend is the key-value store drained by the synchronizer and read by
// queries. Get reports absence through the bool, never through the error.
// Reset removes every key, leaving the backend as freshly created.
type Backend interface {
	Insert(key, value []byte) error
	Get(key []byte) ([]byte, bool, error)
	Reset() error
	Meta() Meta
	Close() error
}

// Meta is the backend's progress/metadata view, logged during drains.
type Meta struct {
	Kind       string `json:"kind"`
	Entries    uint64 `json:"entries"`
	Inserts    uint64 `json:"inserts"`
	Overwrites uint64 `json:"overwrites"`
	Reads      uint64 `json:"reads"`
	Misses     uint64 `json:"misses"`
	CacheHits  uint64 `json:"cache_hits"`
}

func (m Meta) String() string {
	return fmt.Sprintf("kind=%s entries=%d inserts=%d overwrites=%d reads=%d misses=%d cache_hits=%d",
		m.Kind, m.Entries, m.Inserts, m.Overwrites, m.Reads, m.Misses, m.CacheHits)
}

// Open builds the configured backend: LevelDB when dir is set, memory
// otherwise, fronted by a read cache. cacheMB < 0 disables the cache and
// cacheMB == 0 sizes it from system memory. A dir that cannot be opened is
// an error rather than a silent fallback to memory.
func Open(dir string, cacheMB int) (Backend, error) {
	var inner Backend
	if dir != "" {
		ldb, err := NewLevelDBStore(dir)
		if err != nil {
			return nil, err
		}
		inner = ldb
	} else {
		inner = NewMemoryStore()
	}
	if cacheMB < 0 {
		return inner, nil
	}
	return NewCachedStore(inner, cacheMB), nil
}
