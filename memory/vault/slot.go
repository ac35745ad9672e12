package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Slot is a single named place in durable storage holding the exported key.
type Slot interface {
	// Load returns the stored value, or ok=false when the slot is empty.
	Load(ctx context.Context) (value string, ok bool, err error)

	// Store writes the value.
	Store(ctx context.Context, value string) error
}

// FileSlot keeps the exported key in a file readable only by its owner.
type FileSlot struct {
	Path string
}

// Load reads the slot file.
func (s FileSlot) Load(ctx context.Context) (string, bool, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read key file: %w", err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", false, nil
	}
	return value, true, nil
}

// Store writes the slot file atomically.
func (s FileSlot) Store(ctx context.Context, value string) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(value+"\n"), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("rename key file: %w", err)
	}
	return nil
}

// MemorySlot is a process-local Slot.
type MemorySlot struct {
	mu    sync.Mutex
	value string
	set   bool
}

// Load returns the held value.
func (s *MemorySlot) Load(ctx context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.set, nil
}

// Store replaces the held value.
func (s *MemorySlot) Store(ctx context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = value
	s.set = true
	return nil
}
