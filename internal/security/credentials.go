// Package security resolves declared credential names to their values.
// There is no peer-identity or signing concept in this domain (unlike the
// teacher's Ed25519 keypair in the deleted internal/security/crypto.go —
// see DESIGN.md); a butler's only security surface is which environment
// variables its modules and runtime adapter are allowed to see.
package security

import "os"

// Store resolves a credential name against an explicit overlay first,
// falling back to the process environment (spec §4.6: "credential store
// first, falls back to caller's environment").
type Store struct {
	overlay map[string]string
}

// New constructs a Store seeded with explicit name/value pairs (e.g. loaded
// from a butler-local secrets file). A nil or empty overlay is valid — the
// store then resolves purely from the process environment.
func New(overlay map[string]string) *Store {
	if overlay == nil {
		overlay = map[string]string{}
	}
	return &Store{overlay: overlay}
}

// Resolve implements domain.CredentialResolver.
func (s *Store) Resolve(name string) (string, bool) {
	if v, ok := s.overlay[name]; ok {
		return v, true
	}
	if v, ok := os.LookupEnv(name); ok {
		return v, true
	}
	return "", false
}
