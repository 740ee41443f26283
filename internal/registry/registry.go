package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNotFound indicates the registration ID doesn't exist
	ErrNotFound = errors.New("registration not found")
	// ErrRegistrationExists indicates the ID or UUID is already registered
	ErrRegistrationExists = errors.New("registration already exists")
	// ErrInvalid indicates a registration that cannot be stored
	ErrInvalid = errors.New("invalid registration")
	// ErrCorrupt indicates a registry file that exists but cannot be read.
	// It is never repaired or discarded automatically.
	ErrCorrupt = errors.New("registry file corrupt")
)

// Store persists the registry to a single YAML file. Every mutation is a
// load-mutate-save cycle under an exclusive file lock, so concurrent
// processes sharing the file never lose each other's updates.
type Store struct {
	filePath string
	lockPath string
	mu       sync.Mutex
	now      func() time.Time
}

// NewStore creates a Store for the registry file at filePath
func NewStore(filePath string) *Store {
	return &Store{
		filePath: filePath,
		lockPath: filePath + ".lock",
		now:      time.Now,
	}
}

// Path returns the registry file location
func (s *Store) Path() string { return s.filePath }

// Load reads the registry from disk. A missing file is an empty registry.
func (s *Store) Load() (*Registry, error) {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{Version: CurrentVersion}, nil
		}
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.filePath, err)
	}
	if err := reg.check(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.filePath, err)
	}
	return &reg, nil
}

// Save replaces the registry file with reg
func (s *Store) Save(reg *Registry) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	return s.saveNoLock(reg)
}

// saveNoLock persists registry without locking (caller must hold lock)
func (s *Store) saveNoLock(reg *Registry) error {
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	reg.Version = CurrentVersion
	data, err := yaml.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	// Write to temp file for atomic replacement
	f, err := os.CreateTemp(dir, ".registry-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()
	// Best-effort cleanup if we fail
	defer func() { _ = os.Remove(tmp) }()

	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to set registry permissions: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to fsync registry: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close registry file: %w", err)
	}

	if err := os.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("failed to replace registry: %w", err)
	}

	// Ensure directory metadata is persisted
	if dirf, err := os.Open(dir); err == nil {
		_ = dirf.Sync()
		_ = dirf.Close()
	}

	return nil
}

// update runs fn on a freshly loaded registry and saves the result.
// Nothing is written when fn fails.
func (s *Store) update(fn func(*Registry) error) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	reg, err := s.Load()
	if err != nil {
		return err
	}
	if err := fn(reg); err != nil {
		return err
	}
	if err := s.saveNoLock(reg); err != nil {
		return fmt.Errorf("persist failed: %w", err)
	}
	return nil
}

// Insert validates and appends a registration. Missing UUID and CreatedAt
// are filled in; the stored record is returned.
func (s *Store) Insert(r Registration) (Registration, error) {
	if r.UUID == "" {
		r.UUID = GenerateUUID()
	} else if !validUUID(r.UUID) {
		return Registration{}, fmt.Errorf("%w: uuid %q", ErrInvalid, r.UUID)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC().Truncate(time.Second)
	}
	if err := r.Validate(); err != nil {
		return Registration{}, err
	}

	err := s.update(func(reg *Registry) error {
		for _, existing := range reg.Registrations {
			if existing.ID == r.ID {
				return fmt.Errorf("%w: id %s (mode %s); remove it before registering again", ErrRegistrationExists, r.ID, existing.Mode)
			}
			if existing.UUID == r.UUID {
				return fmt.Errorf("%w: uuid %s is used by %s", ErrRegistrationExists, r.UUID, existing.ID)
			}
		}
		reg.Registrations = append(reg.Registrations, r)
		return nil
	})
	if err != nil {
		return Registration{}, err
	}
	return r, nil
}

// Remove deletes the registration with the given ID and returns it
func (s *Store) Remove(id string) (Registration, error) {
	var removed Registration
	err := s.update(func(reg *Registry) error {
		i := reg.indexOf(id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		removed = reg.Registrations[i]
		reg.Registrations = append(reg.Registrations[:i], reg.Registrations[i+1:]...)
		return nil
	})
	if err != nil {
		return Registration{}, err
	}
	return removed, nil
}

// RemoveAll empties the registry and returns what was removed
func (s *Store) RemoveAll() ([]Registration, error) {
	var removed []Registration
	err := s.update(func(reg *Registry) error {
		removed = reg.Registrations
		reg.Registrations = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// lock takes the in-process mutex and the cross-process file lock
func (s *Store) lock() (func(), error) {
	s.mu.Lock()
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o700); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	release, err := lockFile(s.lockPath)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to lock registry: %w", err)
	}
	return func() {
		release()
		s.mu.Unlock()
	}, nil
}
