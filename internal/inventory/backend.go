package inventory

import (
	"context"
	"errors"
)

// Backend persists the credential pool. Implementations live under
// internal/storage and are selected by store URL scheme.
type Backend interface {
	// Load reads the full credential set. A missing store is not an error;
	// it loads as an empty pool.
	Load(ctx context.Context) ([]Credential, error)
	// Save writes the full credential set atomically.
	Save(ctx context.Context, creds []Credential) error
	// Watch reports external edits to the underlying store. Backends that
	// cannot watch return ErrWatchUnsupported.
	Watch(ctx context.Context) (<-chan struct{}, error)
	Close() error
}

// ErrWatchUnsupported is returned by backends without change notification.
var ErrWatchUnsupported = errors.New("inventory: watch unsupported")

// ErrExists indicates a credential with the same login is already pooled.
var ErrExists = errors.New("inventory: credential exists")
