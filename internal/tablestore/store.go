// Package tablestore persists table configs in a versioned key-value store.
//
// Every write is a compare-and-swap against the version the caller read, so
// two administrators editing the same table can never silently overwrite
// each other: the slower one gets ErrConfigConflict and must re-read.
package tablestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/dreamware/shardplane/internal/storage"
	"github.com/dreamware/shardplane/internal/table"
)

var (
	// ErrConfigConflict means the stored version moved since the caller read it.
	ErrConfigConflict = errors.New("config version conflict")
	// ErrTableNotFound is returned for ids with no stored config.
	ErrTableNotFound = errors.New("table not found")
	// ErrTableExists is returned when creating a table id that is taken.
	ErrTableExists = errors.New("table already exists")
)

const keyPrefix = "table/"

func key(id string) string { return keyPrefix + id }

// Validator is an extra check run on every config before it is written,
// after table.Validate has passed.
type Validator func(*table.Config) error

// Versioned is a config together with the store version it was read at.
type Versioned struct {
	Config  *table.Config `json:"config"`
	Version uint64        `json:"version"`
}

// Change describes one successful write. Old is nil for creations and New is
// nil for deletions.
type Change struct {
	Old     *table.Config
	New     *table.Config
	Version uint64
}

// Store reads and writes table configs.
type Store struct {
	kv       storage.Store
	validate Validator
}

// Option customizes a Store.
type Option func(*Store)

// WithValidator installs an additional check on written configs.
func WithValidator(v Validator) Option {
	return func(s *Store) { s.validate = v }
}

// New creates a store over kv.
func New(kv storage.Store, opts ...Option) *Store {
	s := &Store{kv: kv}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the config of id and its version.
func (s *Store) Get(id string) (*table.Config, uint64, error) {
	data, version, err := s.kv.Get(key(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, 0, fmt.Errorf("table %s: %w", id, ErrTableNotFound)
	}
	if err != nil {
		return nil, 0, err
	}
	var cfg table.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, 0, fmt.Errorf("decode table %s: %w", id, err)
	}
	return &cfg, version, nil
}

// List returns every stored config ordered by id.
func (s *Store) List() ([]Versioned, error) {
	var out []Versioned
	for _, k := range s.kv.List() {
		id, ok := strings.CutPrefix(k, keyPrefix)
		if !ok {
			continue
		}
		cfg, version, err := s.Get(id)
		if errors.Is(err, ErrTableNotFound) {
			// deleted between List and Get
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Versioned{Config: cfg, Version: version})
	}
	return out, nil
}

func (s *Store) check(cfg *table.Config) error {
	if err := table.Validate(cfg); err != nil {
		return err
	}
	if s.validate != nil {
		return s.validate(cfg)
	}
	return nil
}

// Create stores a new table. A table recreated after a delete continues the
// version sequence of the deleted one, so stale versions stay stale.
func (s *Store) Create(cfg *table.Config) (Change, error) {
	if cfg.ID == "" {
		return Change{}, fmt.Errorf("%w: id is required", table.ErrInvalidConfig)
	}
	if err := s.check(cfg); err != nil {
		return Change{}, err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return Change{}, err
	}
	version, err := s.kv.Put(key(cfg.ID), data, 0)
	if errors.Is(err, storage.ErrVersionMismatch) {
		return Change{}, fmt.Errorf("table %s: %w", cfg.ID, ErrTableExists)
	}
	if err != nil {
		return Change{}, err
	}
	log.Printf("[tablestore] created %s (v%d)", cfg.ID, version)
	return Change{New: cfg.Clone(), Version: version}, nil
}

// Delete removes a table. expected 0 deletes whatever version is current.
func (s *Store) Delete(id string, expected uint64) (Change, error) {
	cur, version, err := s.Get(id)
	if err != nil {
		return Change{}, err
	}
	if expected != 0 && expected != version {
		return Change{}, conflict(id, expected, version)
	}
	err = s.kv.Delete(key(id), version)
	switch {
	case errors.Is(err, storage.ErrVersionMismatch):
		return Change{}, conflict(id, version, 0)
	case errors.Is(err, storage.ErrKeyNotFound):
		return Change{}, fmt.Errorf("table %s: %w", id, ErrTableNotFound)
	case err != nil:
		return Change{}, err
	}
	log.Printf("[tablestore] deleted %s (was v%d)", id, version)
	return Change{Old: cur, Version: version}, nil
}

func conflict(id string, expected, actual uint64) error {
	if actual == 0 {
		return fmt.Errorf("table %s: %w: expected v%d", id, ErrConfigConflict, expected)
	}
	return fmt.Errorf("table %s: %w: expected v%d, found v%d", id, ErrConfigConflict, expected, actual)
}

// Update reads id, applies transform to a copy and writes the result if the
// stored version is still the one read. Nothing is written when transform or
// validation fails.
//
// Parameters:
//   - id: Table to update
//   - expected: Version the caller read; 0 means "whatever version this
//     call reads", otherwise it must match the stored version up front
//   - transform: Receives a private copy of the stored config and returns
//     the config to write; id and primary_key must not change
//
// Returns:
//   - The change with the old and new configs and the new version
//   - ErrConfigConflict when another writer got there first
//   - ErrTableNotFound, ErrInvalidConfig or the transform's own error
//
// Example:
//
//	ch, err := s.Update("users", 7, func(cfg *table.Config) (*table.Config, error) {
//	    cfg.Durability = table.DurabilitySoft
//	    return cfg, nil
//	})
//	if errors.Is(err, ErrConfigConflict) {
//	    // re-read and retry
//	}
func (s *Store) Update(id string, expected uint64, transform func(*table.Config) (*table.Config, error)) (Change, error) {
	cur, version, err := s.Get(id)
	if err != nil {
		return Change{}, err
	}
	if expected != 0 && expected != version {
		return Change{}, conflict(id, expected, version)
	}
	next, err := transform(cur.Clone())
	if err != nil {
		return Change{}, err
	}
	if next.ID != cur.ID {
		return Change{}, fmt.Errorf("%w: id is immutable", table.ErrInvalidConfig)
	}
	if next.PrimaryKey != cur.PrimaryKey {
		return Change{}, fmt.Errorf("%w: primary_key is immutable", table.ErrInvalidConfig)
	}
	if err := s.check(next); err != nil {
		return Change{}, err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return Change{}, err
	}
	written, err := s.kv.Put(key(id), data, version)
	if errors.Is(err, storage.ErrVersionMismatch) {
		return Change{}, conflict(id, version, written)
	}
	if err != nil {
		return Change{}, err
	}
	log.Printf("[tablestore] updated %s v%d -> v%d", id, version, written)
	return Change{Old: cur, New: next.Clone(), Version: written}, nil
}

// PatchConfig merges a partial document into the stored config. Allowed keys
// are name, db, durability, write_acks and shards (merged by index).
func (s *Store) PatchConfig(id string, expected uint64, patch map[string]any) (Change, error) {
	p, err := table.DecodePatch(patch)
	if err != nil {
		return Change{}, err
	}
	return s.Update(id, expected, func(cur *table.Config) (*table.Config, error) {
		return table.Apply(cur, p)
	})
}

// ReplaceConfig swaps the stored config for cfg wholesale.
func (s *Store) ReplaceConfig(id string, expected uint64, cfg *table.Config) (Change, error) {
	return s.Update(id, expected, func(*table.Config) (*table.Config, error) {
		return cfg.Clone(), nil
	})
}

// Stats exposes the underlying store statistics.
func (s *Store) Stats() storage.StoreStats {
	return s.kv.Stats()
}
