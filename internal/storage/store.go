package storage

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrKeyNotFound is returned when a key doesn't exist in the store
	ErrKeyNotFound = errors.New("key not found")
	// ErrVersionMismatch is returned when a write names a version other than
	// the key's current one
	ErrVersionMismatch = errors.New("version mismatch")
)

// Store defines a versioned key-value store.
// Every successful write bumps the key's version. Version 0 means "absent".
// Versions of a key keep increasing across deletes: recreating a deleted key
// continues from its last version, so a version number is never reused for
// a different value.
// All implementations must be thread-safe for concurrent access.
type Store interface {
	// Get retrieves a value and its version.
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(key string) ([]byte, uint64, error)

	// Put stores value if the key is currently at expectedVersion and
	// returns the new version. expectedVersion 0 requires the key to be absent.
	// On mismatch it returns the current version (0 when absent).
	Put(key string, value []byte, expectedVersion uint64) (uint64, error)

	// Delete removes a key currently at expectedVersion.
	// Returns ErrKeyNotFound if the key doesn't exist
	Delete(key string, expectedVersion uint64) error

	// List returns all keys in the store, sorted
	List() []string

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys   int    `json:"keys"`   // Number of keys
	Bytes  int    `json:"bytes"`  // Total size of all values in bytes
	Writes uint64 `json:"writes"` // Successful puts and deletes
}

// entry is a stored value. A deleted key stays behind as a tombstone that
// only remembers its last version.
type entry struct {
	value   []byte
	version uint64
	deleted bool
}

// current is the version writers must name, 0 for absent keys.
func (e entry) current() uint64 {
	if e.deleted {
		return 0
	}
	return e.version
}

// MemoryStore implements Store with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]entry
	writes uint64
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]entry),
	}
}

// Get returns a copy of the value to prevent external modification
func (m *MemoryStore) Get(key string) ([]byte, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.data[key]
	if !exists || e.deleted {
		return nil, 0, ErrKeyNotFound
	}

	result := make([]byte, len(e.value))
	copy(result, e.value)
	return result, e.version, nil
}

func (m *MemoryStore) Put(key string, value []byte, expectedVersion uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.data[key]
	if cur := e.current(); cur != expectedVersion {
		return cur, ErrVersionMismatch
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	next := e.version + 1
	m.data[key] = entry{value: stored, version: next}
	m.writes++

	return next, nil
}

func (m *MemoryStore) Delete(key string, expectedVersion uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.data[key]
	if !exists || e.deleted {
		return ErrKeyNotFound
	}
	if e.version != expectedVersion {
		return ErrVersionMismatch
	}
	m.data[key] = entry{version: e.version, deleted: true}
	m.writes++
	return nil
}

func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key, e := range m.data {
		if !e.deleted {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys, totalBytes := 0, 0
	for _, e := range m.data {
		if e.deleted {
			continue
		}
		keys++
		totalBytes += len(e.value)
	}

	return StoreStats{
		Keys:   keys,
		Bytes:  totalBytes,
		Writes: m.writes,
	}
}
