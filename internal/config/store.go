// Package config persists the telemetry server preferences (port, enabled,
// session reset rule) in ~/.pulse/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// Store is where the Manager reads and writes its preferences.
type Store interface {
	Load() (Preferences, error)
	Save(Preferences) error
	Clear() error
}

// FileStore keeps preferences in a YAML file. Writes and clears take an
// exclusive lock on a sibling ".lock" file so concurrent pulse processes
// do not interleave.
type FileStore struct {
	Path string
}

// NewFileStore returns a FileStore at path, or at DefaultPath() if path is
// empty.
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultPath()
	}
	return &FileStore{Path: path}
}

// Load reads the file. A missing file yields Default() with no error.
func (s *FileStore) Load() (Preferences, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Preferences{}, fmt.Errorf("read preferences: %w", err)
	}
	p, err := decode(data)
	if err != nil {
		return Preferences{}, fmt.Errorf("parse %s: %w", s.Path, err)
	}
	return p, nil
}

// Save validates p and atomically replaces the file.
func (s *FileStore) Save(p Preferences) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp preferences: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write preferences: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("replace preferences: %w", err)
	}
	return nil
}

// Clear deletes the stored preferences. Clearing a store that was never
// written is not an error.
func (s *FileStore) Clear() error {
	if _, err := os.Stat(filepath.Dir(s.Path)); os.IsNotExist(err) {
		return nil
	}
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove preferences: %w", err)
	}
	return nil
}

func (s *FileStore) lock() (func(), error) {
	fl := flock.New(s.Path + ".lock")
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("lock preferences: %w", err)
	}
	return func() { fl.Unlock() }, nil
}

// MemoryStore is an in-process Store for tests and embedding.
type MemoryStore struct {
	mu    sync.Mutex
	prefs *Preferences
}

// NewMemoryStore returns a store holding p, or an empty store if p is nil.
func NewMemoryStore(p *Preferences) *MemoryStore {
	s := &MemoryStore{}
	if p != nil {
		cp := *p
		s.prefs = &cp
	}
	return s
}

func (s *MemoryStore) Load() (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefs == nil {
		return Default(), nil
	}
	return *s.prefs, nil
}

func (s *MemoryStore) Save(p Preferences) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs = &p
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs = nil
	return nil
}

// Stored reports whether anything is currently saved.
func (s *MemoryStore) Stored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs != nil
}
