// Package store provides the per-butler key-value state API described in
// spec §4.2/§4.3: get, set, compare_and_set, delete, list, each backed by
// the state table in internal/infra/sqlite. Grounded on the teacher's
// repository-over-DB shape (internal/infra/sqlite/db.go's Model repository
// methods), narrowed to the domain.StateEntry vocabulary.
package store

import "github.com/butlerfleet/butlers/internal/domain"

// DB is the subset of *sqlite.DB the state store needs.
type DB interface {
	GetState(key string) (*domain.StateEntry, error)
	ListState(prefix string, keysOnly bool) ([]domain.StateEntry, error)
	SetState(key, value string) (domain.StateEntry, error)
	CompareAndSetState(key, value string, expectedVersion int64) (domain.StateEntry, error)
	DeleteState(key string) error
}

// Store is the per-butler key-value state store (spec §3 StateEntry).
type Store struct {
	db DB
}

// New wraps db in the Store API.
func New(db DB) *Store {
	return &Store{db: db}
}

// Get returns the entry for key, or nil if absent.
func (s *Store) Get(key string) (*domain.StateEntry, error) {
	return s.db.GetState(key)
}

// List returns keys matching prefix (every key if prefix is ""), in
// lexicographic order. When keysOnly is true, entries carry only Key (spec
// §4.2 "list(prefix?, keys_only?)").
func (s *Store) List(prefix string, keysOnly bool) ([]domain.StateEntry, error) {
	return s.db.ListState(prefix, keysOnly)
}

// Set unconditionally overwrites key, bumping its version.
func (s *Store) Set(key, value string) (domain.StateEntry, error) {
	return s.db.SetState(key, value)
}

// CompareAndSet writes value only if the stored version equals
// expectedVersion (0 for "must not already exist"). Returns
// *domain.ErrCASConflict on mismatch (spec §4.2 optimistic concurrency).
func (s *Store) CompareAndSet(key, value string, expectedVersion int64) (domain.StateEntry, error) {
	return s.db.CompareAndSetState(key, value, expectedVersion)
}

// Delete removes key. Idempotent: deleting a key that doesn't exist (or no
// longer exists) succeeds rather than erroring (spec §4.2).
func (s *Store) Delete(key string) error {
	return s.db.DeleteState(key)
}
