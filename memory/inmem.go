package memory

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryBackend is a process-local Backend. Nothing survives the process;
// use it for tests and ephemeral sessions.
type InMemoryBackend struct {
	mu      sync.RWMutex
	entries []*Entry
	index   map[string]int
}

// NewInMemoryBackend creates an empty backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{index: make(map[string]int)}
}

// Add appends e. Duplicate ids are rejected.
func (b *InMemoryBackend) Add(ctx context.Context, e *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.index[e.ID]; exists {
		return fmt.Errorf("entry %s already exists", e.ID)
	}
	b.index[e.ID] = len(b.entries)
	b.entries = append(b.entries, cloneEntry(e))
	return nil
}

// Delete removes the entry with id, if present.
func (b *InMemoryBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.index[id]
	if !ok {
		return nil
	}
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	delete(b.index, id)
	for j := i; j < len(b.entries); j++ {
		b.index[b.entries[j].ID] = j
	}
	return nil
}

// All returns copies of every entry in insertion order.
func (b *InMemoryBackend) All(ctx context.Context) ([]*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Entry, len(b.entries))
	for i, e := range b.entries {
		out[i] = cloneEntry(e)
	}
	return out, nil
}

// Close is a no-op.
func (b *InMemoryBackend) Close() error {
	return nil
}

func cloneEntry(e *Entry) *Entry {
	c := *e
	c.Ciphertext = append([]byte(nil), e.Ciphertext...)
	c.Nonce = append([]byte(nil), e.Nonce...)
	if e.Embedding != nil {
		c.Embedding = append([]float32(nil), e.Embedding...)
	}
	c.Tags = append([]string(nil), e.Tags...)
	return &c
}
