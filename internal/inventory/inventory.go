// Package inventory owns the pool of leasable credentials and their
// free/rented status. Status changes only happen through Checkout and
// Release; everything handed out is a snapshot.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"pkt.systems/pslog"
)

// Store is the in-memory credential pool backed by a persistence Backend.
type Store struct {
	mu      sync.Mutex
	creds   map[string]*Credential
	backend Backend
	logger  pslog.Logger
}

// NewStore loads the pool from backend. A nil backend keeps the pool purely
// in memory.
func NewStore(ctx context.Context, backend Backend, logger pslog.Logger) (*Store, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	s := &Store{
		creds:   make(map[string]*Credential),
		backend: backend,
		logger:  logger,
	}
	if backend == nil {
		return s, nil
	}
	loaded, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("inventory: load pool: %w", err)
	}
	for _, c := range loaded {
		if c.Login == "" {
			continue
		}
		if c.Status != StatusRented {
			c.Status = StatusFree
		}
		cc := c.clone()
		s.creds[c.Login] = &cc
	}
	logger.Info("inventory loaded", "credentials", len(s.creds))
	return s, nil
}

// Checkout atomically selects a free credential, marks it rented, and
// returns a snapshot. The second result is false when the pool has no free
// credential, which is a normal outcome rather than an error.
func (s *Store) Checkout(ctx context.Context) (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, login := range s.sortedLoginsLocked() {
		c := s.creds[login]
		if c.Status != StatusFree {
			continue
		}
		c.Status = StatusRented
		if err := s.persistLocked(ctx); err != nil {
			c.Status = StatusFree
			return Credential{}, false, err
		}
		return c.clone(), true, nil
	}
	return Credential{}, false, nil
}

// Release marks the named credential free. Releasing an unknown or already
// free credential is a no-op.
func (s *Store) Release(ctx context.Context, login string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[login]
	if !ok || c.Status == StatusFree {
		return nil
	}
	c.Status = StatusFree
	if err := s.persistLocked(ctx); err != nil {
		c.Status = StatusRented
		return err
	}
	return nil
}

// Add provisions a new credential into the pool.
func (s *Store) Add(ctx context.Context, cred Credential) error {
	if cred.Login == "" {
		return fmt.Errorf("inventory: login required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[cred.Login]; ok {
		return fmt.Errorf("%w: %s", ErrExists, cred.Login)
	}
	cred.Status = StatusFree
	cc := cred.clone()
	s.creds[cred.Login] = &cc
	if err := s.persistLocked(ctx); err != nil {
		delete(s.creds, cred.Login)
		return err
	}
	s.logger.Info("credential added", "login", cred.Login, "games", cred.Games)
	return nil
}

// Get returns a snapshot of the named credential.
func (s *Store) Get(login string) (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[login]
	if !ok {
		return Credential{}, false
	}
	return c.clone(), true
}

// List returns snapshots of every credential, ordered by login.
func (s *Store) List() []Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Credential, 0, len(s.creds))
	for _, login := range s.sortedLoginsLocked() {
		out = append(out, s.creds[login].clone())
	}
	return out
}

// FreeCount reports how many credentials are currently free.
func (s *Store) FreeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.creds {
		if c.Status == StatusFree {
			n++
		}
	}
	return n
}

// Reload re-reads the pool from the backend, picking up externally edited
// credentials. Credentials rented in memory keep their rented status and
// their in-memory secret so an active lease is never clobbered mid-rental.
func (s *Store) Reload(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	loaded, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("inventory: reload pool: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := make(map[string]*Credential, len(loaded))
	for _, c := range loaded {
		if c.Login == "" {
			continue
		}
		if cur, ok := s.creds[c.Login]; ok && cur.Status == StatusRented {
			keep := cur.clone()
			fresh[c.Login] = &keep
			continue
		}
		c.Status = StatusFree
		cc := c.clone()
		fresh[c.Login] = &cc
	}
	// A rented credential missing from the reloaded file stays pooled until
	// its lease is reclaimed.
	for login, cur := range s.creds {
		if cur.Status == StatusRented {
			if _, ok := fresh[login]; !ok {
				keep := cur.clone()
				fresh[login] = &keep
			}
		}
	}
	s.creds = fresh
	s.logger.Info("inventory reloaded", "credentials", len(s.creds))
	return nil
}

func (s *Store) sortedLoginsLocked() []string {
	logins := make([]string, 0, len(s.creds))
	for login := range s.creds {
		logins = append(logins, login)
	}
	sort.Strings(logins)
	return logins
}

func (s *Store) persistLocked(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	out := make([]Credential, 0, len(s.creds))
	for _, login := range s.sortedLoginsLocked() {
		out = append(out, s.creds[login].clone())
	}
	if err := s.backend.Save(ctx, out); err != nil {
		return fmt.Errorf("inventory: persist pool: %w", err)
	}
	return nil
}
