package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/log"
)

const (
	// LevelDBCacheMB is the LevelDB block cache size in MB. The fastcache
	// layer in front of the store absorbs most hot reads.
	LevelDBCacheMB = 64

	// LevelDBHandles is the maximum number of open file handles for LevelDB.
	LevelDBHandles = 64
)

var (
	slotPrefix = []byte("slot:")
	// entriesKey persists the distinct-key count so Meta survives restarts.
	entriesKey = []byte("meta:entries")
)

// LevelDBStore persists slots in LevelDB through go-ethereum's ethdb
// wrapper. With no path it runs on an in-memory ethdb.
type LevelDBStore struct {
	db     ethdb.Database
	mu     sync.RWMutex
	meta   Meta
	closed bool
	logger log.Logger
}

// NewLevelDBStore opens the store at path. A path that cannot be created or
// opened is an error.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	logger := log.New("module", "storage")
	var db ethdb.Database
	kind := "leveldb"

	if path != "" {
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", path, err)
		}
		ldb, err := leveldb.New(path, LevelDBCacheMB, LevelDBHandles, "", false)
		if err != nil {
			return nil, fmt.Errorf("storage: open leveldb %s: %w", path, err)
		}
		db = rawdb.NewDatabase(ldb)
		logger.Info("Opened persistent slot storage", "path", path)
	} else {
		db = rawdb.NewMemoryDatabase()
		kind = "leveldb-memory"
		logger.Info("Using in-memory slot storage (no path specified)")
	}

	s := &LevelDBStore{
		db:     db,
		meta:   Meta{Kind: kind},
		logger: logger,
	}
	if raw, err := db.Get(entriesKey); err == nil && len(raw) == 8 {
		s.meta.Entries = decodeUint64(raw)
	}
	return s, nil
}

func slotKey(key []byte) []byte {
	return append(append([]byte{}, slotPrefix...), key...)
}

// Insert writes value under key. The entry counter is only bumped for keys
// that were not present yet.
func (s *LevelDBStore) Insert(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	k := slotKey(key)
	exists, err := s.db.Has(k)
	if err != nil {
		return fmt.Errorf("storage: has %x: %w", key, err)
	}
	batch := s.db.NewBatch()
	if err := batch.Put(k, value); err != nil {
		return fmt.Errorf("storage: put %x: %w", key, err)
	}
	entries := s.meta.Entries
	if !exists {
		entries++
		if err := batch.Put(entriesKey, encodeUint64(entries)); err != nil {
			return fmt.Errorf("storage: put entry count: %w", err)
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("storage: write %x: %w", key, err)
	}
	s.meta.Entries = entries
	s.meta.Inserts++
	if exists {
		s.meta.Overwrites++
	}
	return nil
}

func (s *LevelDBStore) Get(key []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, ErrClosed
	}
	s.meta.Reads++
	k := slotKey(key)
	ok, err := s.db.Has(k)
	if err != nil {
		return nil, false, fmt.Errorf("storage: has %x: %w", key, err)
	}
	if !ok {
		s.meta.Misses++
		return nil, false, nil
	}
	data, err := s.db.Get(k)
	if err != nil {
		return nil, false, fmt.Errorf("storage: get %x: %w", key, err)
	}
	// Return a copy to avoid aliasing
	result := make([]byte, len(data))
	copy(result, data)
	return result, true, nil
}

func (s *LevelDBStore) Meta() Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

// Reset deletes every slot left over from an earlier run, in batches of
// ethdb.IdealBatchSize.
func (s *LevelDBStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	it := s.db.NewIterator(slotPrefix, nil)
	defer it.Release()

	batch := s.db.NewBatch()
	var deleted uint64
	for it.Next() {
		if err := batch.Delete(it.Key()); err != nil {
			return fmt.Errorf("storage: delete %x: %w", it.Key(), err)
		}
		deleted++
		if batch.ValueSize() >= ethdb.IdealBatchSize {
			if err := batch.Write(); err != nil {
				return fmt.Errorf("storage: reset: %w", err)
			}
			batch.Reset()
		}
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("storage: reset: %w", err)
	}
	if err := batch.Delete(entriesKey); err != nil {
		return fmt.Errorf("storage: delete entry count: %w", err)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("storage: reset: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("Cleared stale slots", "slots", deleted)
	}
	s.meta.Entries = 0
	return nil
}

// Close gracefully closes the underlying database
func (s *LevelDBStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func encodeUint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func decodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
