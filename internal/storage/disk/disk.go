// Package disk persists the credential pool as a YAML file with atomic
// tmp-and-rename writes, and watches the file so externally edited pools
// are picked up without a restart.
package disk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"pkt.systems/pslog"
	"pkt.systems/rentd/internal/inventory"
)

type poolFile struct {
	Credentials []inventory.Credential `yaml:"credentials"`
}

// Store is a file-backed inventory backend.
type Store struct {
	path   string
	logger pslog.Logger
}

// New returns a store persisting to path. The parent directory is created
// on demand; a missing file loads as an empty pool.
func New(path string, logger pslog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("disk: path required")
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("disk: resolve path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("disk: create directory: %w", err)
	}
	return &Store{path: abs, logger: logger}, nil
}

// Path returns the absolute file path backing the store.
func (s *Store) Path() string {
	return s.path
}

// Load reads and decodes the pool file.
func (s *Store) Load(ctx context.Context) ([]inventory.Credential, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("disk: read %s: %w", s.path, err)
	}
	var pool poolFile
	if err := yaml.Unmarshal(raw, &pool); err != nil {
		return nil, fmt.Errorf("disk: decode %s: %w", s.path, err)
	}
	return pool.Credentials, nil
}

// Save writes the pool to a temp file and renames it into place so readers
// never observe a partial write. Secrets at rest keep 0600.
func (s *Store) Save(ctx context.Context, creds []inventory.Credential) error {
	raw, err := yaml.Marshal(poolFile{Credentials: creds})
	if err != nil {
		return fmt.Errorf("disk: encode pool: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".rentd-pool-*")
	if err != nil {
		return fmt.Errorf("disk: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("disk: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("disk: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("disk: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("disk: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("disk: rename into place: %w", err)
	}
	return nil
}

// Watch emits a signal whenever the pool file is rewritten by someone else.
// The channel closes when ctx is cancelled.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("disk: fsnotify: %w", err)
	}
	// Watch the directory rather than the file: atomic rename replaces the
	// inode, which silently drops a file-level watch.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("disk: watch %s: %w", filepath.Dir(s.path), err)
	}
	ch := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != s.path {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
					continue
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("pool file watch error", "path", s.path, "error", err)
			}
		}
	}()
	return ch, nil
}

// Close satisfies inventory.Backend; watches are bound to their context.
func (s *Store) Close() error { return nil }
