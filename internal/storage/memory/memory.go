// Package memory implements the inventory backend with no persistence;
// intended for tests and local development.
package memory

import (
	"context"
	"sync"

	"pkt.systems/rentd/internal/inventory"
)

// Store keeps the credential pool in process memory.
type Store struct {
	mu    sync.Mutex
	creds []inventory.Credential
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{}
}

// Seed returns a store pre-populated with creds.
func Seed(creds ...inventory.Credential) *Store {
	s := New()
	_ = s.Save(context.Background(), creds)
	return s
}

// Load returns a copy of the stored credential set.
func (s *Store) Load(ctx context.Context) ([]inventory.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]inventory.Credential, len(s.creds))
	copy(out, s.creds)
	return out, nil
}

// Save replaces the stored credential set.
func (s *Store) Save(ctx context.Context, creds []inventory.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = make([]inventory.Credential, len(creds))
	copy(s.creds, creds)
	return nil
}

// Watch is unsupported; nothing external can edit process memory.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	return nil, inventory.ErrWatchUnsupported
}

// Close satisfies inventory.Backend.
func (s *Store) Close() error { return nil }
