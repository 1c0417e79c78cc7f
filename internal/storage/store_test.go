package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// TestMemoryStore tests the in-memory store implementation
func TestMemoryStore(t *testing.T) {
	t.Run("new store is empty", func(t *testing.T) {
		store := NewMemoryStore()

		if keys := store.List(); len(keys) != 0 {
			t.Errorf("Expected empty store, got %d keys", len(keys))
		}

		_, version, err := store.Get("nonexistent")
		if !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Expected ErrKeyNotFound, got %v", err)
		}
		if version != 0 {
			t.Errorf("Expected version 0 for missing key, got %d", version)
		}
	})

	t.Run("create and get", func(t *testing.T) {
		store := NewMemoryStore()

		version, err := store.Put("key1", []byte("value1"), 0)
		if err != nil {
			t.Fatalf("Failed to put value: %v", err)
		}
		if version != 1 {
			t.Errorf("Expected version 1 after create, got %d", version)
		}

		value, got, err := store.Get("key1")
		if err != nil {
			t.Fatalf("Failed to get value: %v", err)
		}
		if !bytes.Equal(value, []byte("value1")) {
			t.Errorf("Expected 'value1', got %s", string(value))
		}
		if got != 1 {
			t.Errorf("Expected version 1, got %d", got)
		}
	})

	t.Run("create fails when key exists", func(t *testing.T) {
		store := NewMemoryStore()
		store.Put("key1", []byte("value1"), 0)

		current, err := store.Put("key1", []byte("value2"), 0)
		if !errors.Is(err, ErrVersionMismatch) {
			t.Fatalf("Expected ErrVersionMismatch, got %v", err)
		}
		if current != 1 {
			t.Errorf("Expected current version 1 on mismatch, got %d", current)
		}

		value, _, _ := store.Get("key1")
		if !bytes.Equal(value, []byte("value1")) {
			t.Errorf("Value changed by a failed put: %s", string(value))
		}
	})

	t.Run("update with current version", func(t *testing.T) {
		store := NewMemoryStore()
		v1, _ := store.Put("key1", []byte("value1"), 0)

		v2, err := store.Put("key1", []byte("value2"), v1)
		if err != nil {
			t.Fatalf("Failed to update value: %v", err)
		}
		if v2 != v1+1 {
			t.Errorf("Expected version %d, got %d", v1+1, v2)
		}

		// the old version is now stale
		if _, err := store.Put("key1", []byte("value3"), v1); !errors.Is(err, ErrVersionMismatch) {
			t.Errorf("Expected ErrVersionMismatch for stale version, got %v", err)
		}

		value, _, _ := store.Get("key1")
		if !bytes.Equal(value, []byte("value2")) {
			t.Errorf("Expected 'value2', got %s", string(value))
		}
	})

	t.Run("update of missing key", func(t *testing.T) {
		store := NewMemoryStore()

		if _, err := store.Put("key1", []byte("value1"), 3); !errors.Is(err, ErrVersionMismatch) {
			t.Errorf("Expected ErrVersionMismatch, got %v", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		store := NewMemoryStore()
		v1, _ := store.Put("key1", []byte("value1"), 0)

		if err := store.Delete("key1", v1+1); !errors.Is(err, ErrVersionMismatch) {
			t.Errorf("Expected ErrVersionMismatch for wrong version, got %v", err)
		}
		if err := store.Delete("key1", v1); err != nil {
			t.Fatalf("Failed to delete value: %v", err)
		}
		if _, _, err := store.Get("key1"); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Expected ErrKeyNotFound after delete, got %v", err)
		}
		if err := store.Delete("key1", v1); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Expected ErrKeyNotFound for second delete, got %v", err)
		}

		// a deleted key is created again from version 0 but never reuses
		// an earlier version number
		v3, err := store.Put("key1", []byte("again"), 0)
		if err != nil || v3 != v1+1 {
			t.Errorf("Expected re-create at version %d, got %d, %v", v1+1, v3, err)
		}
		if _, err := store.Put("key1", []byte("stale"), v1); !errors.Is(err, ErrVersionMismatch) {
			t.Errorf("Expected ErrVersionMismatch for a version from before the delete, got %v", err)
		}
		value, _, _ := store.Get("key1")
		if !bytes.Equal(value, []byte("again")) {
			t.Errorf("Expected 'again', got %s", string(value))
		}
	})

	t.Run("deleted keys are hidden", func(t *testing.T) {
		store := NewMemoryStore()
		v, _ := store.Put("gone", []byte("12345"), 0)
		store.Put("kept", []byte("1"), 0)
		store.Delete("gone", v)

		if keys := store.List(); fmt.Sprint(keys) != "[kept]" {
			t.Errorf("Expected [kept], got %v", keys)
		}
		if stats := store.Stats(); stats.Keys != 1 || stats.Bytes != 1 {
			t.Errorf("Expected 1 key of 1 byte, got %+v", stats)
		}
		current, err := store.Put("gone", []byte("x"), v)
		if !errors.Is(err, ErrVersionMismatch) || current != 0 {
			t.Errorf("Expected mismatch reporting absent key, got %d, %v", current, err)
		}
	})

	t.Run("list keys sorted", func(t *testing.T) {
		store := NewMemoryStore()
		for _, k := range []string{"c", "a", "b"} {
			store.Put(k, []byte(k), 0)
		}

		keys := store.List()
		want := []string{"a", "b", "c"}
		if fmt.Sprint(keys) != fmt.Sprint(want) {
			t.Errorf("Expected %v, got %v", want, keys)
		}
	})

	t.Run("values are copied", func(t *testing.T) {
		store := NewMemoryStore()
		original := []byte("value")
		store.Put("key", original, 0)

		original[0] = 'X'
		got, _, _ := store.Get("key")
		if string(got) != "value" {
			t.Errorf("Stored value changed through the caller's slice: %s", got)
		}

		got[0] = 'Y'
		again, _, _ := store.Get("key")
		if string(again) != "value" {
			t.Errorf("Stored value changed through a returned slice: %s", again)
		}
	})
}

// TestMemoryStoreConcurrency checks that concurrent compare-and-swap writers
// never lose an update.
func TestMemoryStoreConcurrency(t *testing.T) {
	store := NewMemoryStore()
	store.Put("counter", []byte{0}, 0)

	const workers = 20
	const increments = 25

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < increments; {
				value, version, err := store.Get("counter")
				if err != nil {
					t.Errorf("Get failed: %v", err)
					return
				}
				next := []byte{value[0] + 1}
				if _, err := store.Put("counter", next, version); err == nil {
					n++
				} else if !errors.Is(err, ErrVersionMismatch) {
					t.Errorf("Put failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	value, version, _ := store.Get("counter")
	// byte overflow: 500 increments wrap modulo 256
	if int(value[0]) != (workers*increments)%256 {
		t.Errorf("Expected counter %d, got %d", (workers*increments)%256, value[0])
	}
	if version != workers*increments+1 {
		t.Errorf("Expected version %d, got %d", workers*increments+1, version)
	}
}

// TestStoreInterface verifies MemoryStore implements Store
func TestStoreInterface(t *testing.T) {
	var _ Store = (*MemoryStore)(nil)
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()

	if stats := store.Stats(); stats.Keys != 0 || stats.Bytes != 0 || stats.Writes != 0 {
		t.Errorf("Expected empty stats, got %+v", stats)
	}

	v, _ := store.Put("key1", []byte("12345"), 0)
	store.Put("key2", []byte("123"), 0)
	store.Put("key1", []byte("1"), v)
	store.Put("key2", []byte("rejected"), 0)

	stats := store.Stats()
	if stats.Keys != 2 {
		t.Errorf("Expected 2 keys, got %d", stats.Keys)
	}
	if stats.Bytes != 4 {
		t.Errorf("Expected 4 bytes, got %d", stats.Bytes)
	}
	if stats.Writes != 3 {
		t.Errorf("Expected 3 writes, got %d", stats.Writes)
	}
}
