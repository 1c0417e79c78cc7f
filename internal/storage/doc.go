// Package storage provides the versioned key-value store that table configs
// are persisted in.
//
// # Versions
//
// Every key carries a version that starts at 1 on creation and increases by
// one on each successful Put. Writers name the version they read:
//
//	value, version, err := store.Get("table/t1")
//	...
//	next, err := store.Put("table/t1", updated, version)
//	if errors.Is(err, storage.ErrVersionMismatch) {
//		// someone else wrote first; re-read and retry
//	}
//
// Version 0 stands for "absent", so Put(key, value, 0) creates a key and
// fails if it already exists. This is enough to build compare-and-swap
// updates on top without holding a lock across the read-modify-write.
//
// # Implementations
//
// MemoryStore keeps everything in a map behind a sync.RWMutex. Values are
// copied on the way in and out so callers can't mutate stored data.
package storage
