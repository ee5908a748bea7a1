package store

import (
	"testing"
	"time"

	"github.com/butlerfleet/butlers/internal/infra/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlite.Open(t.TempDir(), "state")
	if err != nil {
		t.Fatalf("sqlite.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestStore_SetGetDelete(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Set("k", "v1"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	got, err := s.Get("k")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got == nil || got.Value != "v1" {
		t.Fatalf("Get() = %+v", got)
	}

	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	got, err = s.Get("k")
	if err != nil {
		t.Fatalf("Get() after delete error: %v", err)
	}
	if got != nil {
		t.Errorf("Get() after delete = %+v, want nil", got)
	}
}

func TestStore_CompareAndSetConflict(t *testing.T) {
	s := newTestStore(t)

	e, err := s.Set("k", "v1")
	if err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	if _, err := s.CompareAndSet("k", "v2", e.Version); err != nil {
		t.Fatalf("CompareAndSet() with correct version error: %v", err)
	}
	if _, err := s.CompareAndSet("k", "v3", e.Version); err == nil {
		t.Fatal("CompareAndSet() with stale version should fail")
	}
}

func TestStore_List(t *testing.T) {
	s := newTestStore(t)
	s.Set("a", "1")
	s.Set("b", "2")

	entries, err := s.List("", false)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List() = %d entries, want 2", len(entries))
	}
	if entries[0].UpdatedAt.After(time.Now()) {
		t.Errorf("UpdatedAt in the future: %v", entries[0].UpdatedAt)
	}
}

func TestStore_List_PrefixAndKeysOnly(t *testing.T) {
	s := newTestStore(t)
	s.Set("user.alice", "1")
	s.Set("user.bob", "2")
	s.Set("config.x", "3")

	entries, err := s.List("user.", false)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List(prefix) = %d entries, want 2", len(entries))
	}

	keysOnly, err := s.List("", true)
	if err != nil {
		t.Fatalf("List(keysOnly) error: %v", err)
	}
	if len(keysOnly) != 3 {
		t.Fatalf("List(keysOnly) = %d entries, want 3", len(keysOnly))
	}
	if keysOnly[0].Value != "" {
		t.Errorf("keysOnly entry carries a value: %+v", keysOnly[0])
	}
}
