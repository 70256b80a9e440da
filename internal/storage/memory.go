package storage

import (
	"bytes"
	"sync"
)

// MemoryStore is a map-backed Backend.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	meta   Meta
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
		meta: Meta{Kind: "memory"},
	}
}

// Insert stores a copy of value under key, replacing any previous value.
func (m *MemoryStore) Insert(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.meta.Inserts++
	if old, ok := m.data[string(key)]; ok {
		m.meta.Overwrites++
		if bytes.Equal(old, value) {
			return nil
		}
	} else {
		m.meta.Entries++
	}
	m.data[string(key)] = bytes.Clone(value)
	return nil
}

func (m *MemoryStore) Get(key []byte) ([]byte, bool, error) {
	m.mu.Lock() // counters are mutated on read
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, ErrClosed
	}
	m.meta.Reads++
	v, ok := m.data[string(key)]
	if !ok {
		m.meta.Misses++
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (m *MemoryStore) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.data = make(map[string][]byte)
	m.meta.Entries = 0
	return nil
}

func (m *MemoryStore) Meta() Meta {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
