// Package store is the on-disk artifact cache for clips and frames. Entries
// are addressed by event id and center time so reruns can reuse them.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned by Read when no artifact exists for a key.
var ErrNotFound = errors.New("artifact not found")

// Key addresses one artifact.
type Key struct {
	EventID    int
	CenterTime float64
	Ext        string
}

// ClipKey returns the key for an event's mp4 clip.
func ClipKey(eventID int, center float64) Key {
	return Key{EventID: eventID, CenterTime: center, Ext: ".mp4"}
}

// Name renders the file name, e.g. event_003_t12.50s.mp4.
func (k Key) Name() string {
	return fmt.Sprintf("event_%03d_t%.2fs%s", k.EventID, k.CenterTime, k.Ext)
}

// FS stores artifacts as files under one directory.
type FS struct {
	root string
}

// NewFS creates root if needed.
func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FS{root: root}, nil
}

func (s *FS) Root() string {
	return s.root
}

func (s *FS) Path(k Key) string {
	return filepath.Join(s.root, k.Name())
}

// Exists reports whether a non-empty artifact is stored under k.
func (s *FS) Exists(k Key) bool {
	info, err := os.Stat(s.Path(k))
	return err == nil && !info.IsDir() && info.Size() > 0
}

func (s *FS) Read(k Key) ([]byte, error) {
	data, err := os.ReadFile(s.Path(k))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", k.Name(), ErrNotFound)
	}
	return data, err
}

func (s *FS) Write(k Key, data []byte) error {
	return s.Produce(k, func(tmp string) error {
		return os.WriteFile(tmp, data, 0644)
	})
}

// Produce calls fn with a temporary path and moves the result into place
// only if fn succeeds, so a crashed write never looks like a cached entry.
func (s *FS) Produce(k Key, fn func(tmpPath string) error) error {
	final := s.Path(k)
	tmp := filepath.Join(s.root, ".tmp-"+k.Name())
	_ = os.Remove(tmp)

	if err := fn(tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to commit %s: %w", k.Name(), err)
	}
	return nil
}
