package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

// backends lists every Backend flavour exercised by the shared tests.
func backends(t *testing.T) map[string]func() Backend {
	t.Helper()
	return map[string]func() Backend{
		"memory":         func() Backend { return NewMemoryStore() },
		"leveldb-memory": func() Backend { return openLevelDB(t, "") },
		"leveldb-disk":   func() Backend { return openLevelDB(t, filepath.Join(t.TempDir(), "slots")) },
		"cached-memory":  func() Backend { return NewCachedStore(NewMemoryStore(), minCacheMB) },
	}
}

func openLevelDB(t *testing.T, path string) *LevelDBStore {
	t.Helper()
	store, err := NewLevelDBStore(path)
	if err != nil {
		t.Fatalf("NewLevelDBStore(%q) failed: %v", path, err)
	}
	return store
}

func TestBackend_InsertGet(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := open()
			defer store.Close()

			key := common.HexToHash("0x01").Bytes()
			value := common.HexToHash("0x2a").Bytes()

			// Initially absent, reported through the bool
			if got, ok, err := store.Get(key); err != nil || ok || got != nil {
				t.Fatalf("Get() on empty store = (%x, %v, %v), want (nil, false, nil)", got, ok, err)
			}

			if err := store.Insert(key, value); err != nil {
				t.Fatalf("Insert() failed: %v", err)
			}
			got, ok, err := store.Get(key)
			if err != nil || !ok {
				t.Fatalf("Get() after Insert = (%v, %v)", ok, err)
			}
			if !bytes.Equal(got, value) {
				t.Errorf("Get() = %x, want %x", got, value)
			}
		})
	}
}

func TestBackend_LastWriteWinsAndIdempotent(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := open()
			defer store.Close()

			key := []byte("k")
			for _, v := range [][]byte{{1}, {2}, {3}} {
				if err := store.Insert(key, v); err != nil {
					t.Fatalf("Insert() failed: %v", err)
				}
			}
			got, _, _ := store.Get(key)
			if !bytes.Equal(got, []byte{3}) {
				t.Errorf("Get() = %x, want 03", got)
			}

			// Reapplying the same pair leaves content and entry count unchanged
			before := store.Meta().Entries
			if err := store.Insert(key, []byte{3}); err != nil {
				t.Fatalf("Insert() failed: %v", err)
			}
			if after := store.Meta().Entries; after != before {
				t.Errorf("Entries changed on re-insert: %d -> %d", before, after)
			}
			if before != 1 {
				t.Errorf("Entries = %d, want 1", before)
			}
		})
	}
}

func TestBackend_GetReturnsCopy(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := open()
			defer store.Close()

			if err := store.Insert([]byte("k"), []byte{0x01, 0x02}); err != nil {
				t.Fatalf("Insert() failed: %v", err)
			}
			got, _, _ := store.Get([]byte("k"))
			got[0] = 0xFF

			got2, _, _ := store.Get([]byte("k"))
			if got2[0] == 0xFF {
				t.Error("Modifying returned slice affected stored data - Get() should return a copy")
			}
		})
	}
}

func TestBackend_ConcurrentAccess(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := open()
			defer store.Close()

			var wg sync.WaitGroup
			numWorkers := 8
			numOps := 100
			for i := 0; i < numWorkers; i++ {
				wg.Add(1)
				go func(workerID int) {
					defer wg.Done()
					for j := 0; j < numOps; j++ {
						key := []byte(fmt.Sprintf("%d-%d", workerID, j))
						_ = store.Insert(key, []byte{byte(workerID), byte(j)})
						_, _, _ = store.Get(key)
					}
				}(i)
			}
			wg.Wait()

			if got := store.Meta().Entries; got != uint64(numWorkers*numOps) {
				t.Errorf("Entries = %d, want %d", got, numWorkers*numOps)
			}
		})
	}
}

func TestBackend_Closed(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := open()
			if err := store.Close(); err != nil {
				t.Fatalf("Close() failed: %v", err)
			}
			if err := store.Insert([]byte("k"), []byte{1}); !errors.Is(err, ErrClosed) {
				t.Errorf("Insert() on closed store = %v, want ErrClosed", err)
			}
		})
	}
}

func TestBackend_Reset(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := open()
			defer store.Close()

			for i := byte(0); i < 5; i++ {
				if err := store.Insert([]byte{i}, []byte{i + 1}); err != nil {
					t.Fatalf("Insert() failed: %v", err)
				}
				// Populate the read cache where there is one
				store.Get([]byte{i})
			}
			if err := store.Reset(); err != nil {
				t.Fatalf("Reset() failed: %v", err)
			}
			for i := byte(0); i < 5; i++ {
				if got, ok, err := store.Get([]byte{i}); err != nil || ok {
					t.Errorf("Get(%d) after Reset = (%x, %v, %v), want absent", i, got, ok, err)
				}
			}
			if entries := store.Meta().Entries; entries != 0 {
				t.Errorf("Entries after Reset = %d, want 0", entries)
			}

			// Still usable afterwards
			if err := store.Insert([]byte{9}, []byte{9}); err != nil {
				t.Fatalf("Insert() after Reset failed: %v", err)
			}
			if entries := store.Meta().Entries; entries != 1 {
				t.Errorf("Entries = %d, want 1", entries)
			}
		})
	}
}

func TestLevelDBStore_ResetPersists(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "slots")

	store := openLevelDB(t, dbPath)
	for i := 0; i < 300; i++ {
		if err := store.Insert([]byte(fmt.Sprintf("key-%03d", i)), bytes.Repeat([]byte{byte(i)}, 512)); err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
	}
	if err := store.Reset(); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	store = openLevelDB(t, dbPath)
	defer store.Close()
	if entries := store.Meta().Entries; entries != 0 {
		t.Errorf("Entries after reopen = %d, want 0", entries)
	}
	if _, ok, _ := store.Get([]byte("key-000")); ok {
		t.Error("cleared slot came back after reopen")
	}
}

func TestLevelDBStore_Persistent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "slots")
	key := common.HexToHash("0xbeef").Bytes()
	value := common.HexToHash("0x64").Bytes()

	// Create store, insert, close
	{
		store := openLevelDB(t, dbPath)
		if store.Meta().Kind != "leveldb" {
			t.Fatalf("expected on-disk store, got kind %q", store.Meta().Kind)
		}
		if err := store.Insert(key, value); err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("Close() failed: %v", err)
		}
	}

	// Reopen and verify data and entry count persisted
	{
		store := openLevelDB(t, dbPath)
		defer store.Close()

		got, ok, err := store.Get(key)
		if err != nil || !ok {
			t.Fatalf("Get() after reopen = (%v, %v)", ok, err)
		}
		if !bytes.Equal(got, value) {
			t.Errorf("Get() = %x, want %x", got, value)
		}
		if entries := store.Meta().Entries; entries != 1 {
			t.Errorf("Entries after reopen = %d, want 1", entries)
		}
	}
}

func TestCachedStore_HitsAndMeta(t *testing.T) {
	inner := NewMemoryStore()
	store := NewCachedStore(inner, minCacheMB)
	defer store.Close()

	if err := store.Insert([]byte("k"), []byte{7}); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, ok, _ := store.Get([]byte("k")); !ok {
			t.Fatal("expected cached key to be present")
		}
	}
	meta := store.Meta()
	if meta.CacheHits != 3 {
		t.Errorf("CacheHits = %d, want 3", meta.CacheHits)
	}
	if meta.Kind != "cached-memory" {
		t.Errorf("Kind = %q, want cached-memory", meta.Kind)
	}
	// Hits never reach the inner store
	if inner.Meta().Reads != 0 {
		t.Errorf("inner Reads = %d, want 0", inner.Meta().Reads)
	}
}

func TestAutoCacheMB_Clamped(t *testing.T) {
	tests := []struct {
		total uint64
		want  int
	}{
		{0, minCacheMB},
		{512 << 20, minCacheMB},
		{64 << 30, 2048},
		{1 << 40, maxCacheMB},
	}
	for _, tt := range tests {
		if got := autoCacheMB(tt.total); got != tt.want {
			t.Errorf("autoCacheMB(%d) = %d, want %d", tt.total, got, tt.want)
		}
	}
}

func TestOpen_SelectsBackend(t *testing.T) {
	store, err := Open("", -1)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if store.Meta().Kind != "memory" {
		t.Errorf("Kind = %q, want memory", store.Meta().Kind)
	}
	store.Close()

	store, err = Open(filepath.Join(t.TempDir(), "db"), minCacheMB)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer store.Close()
	if store.Meta().Kind != "cached-leveldb" {
		t.Errorf("Kind = %q, want cached-leveldb", store.Meta().Kind)
	}
}

func TestOpen_UnusableDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	store, err := Open(filepath.Join(file, "db"), -1)
	if err == nil {
		store.Close()
		t.Fatal("Open() under a regular file succeeded, want error")
	}
}
