package memory

import (
	"context"
	"errors"

	"github.com/becomeliminal/nim-recall/memory/embedder"
	"github.com/becomeliminal/nim-recall/memory/vault"
)

// Manager is the caller-facing memory API. The chat layer (or the tools
// package, on its behalf) uses only this interface.
type Manager interface {
	// SaveMemory embeds, seals and persists text as a new entry.
	SaveMemory(ctx context.Context, text string, opts ...SaveOption) (*Entry, error)

	// DeleteMemory removes the entry with id. Unknown ids are a no-op.
	DeleteMemory(ctx context.Context, id string) error

	// RetrieveRelevantMemory returns the plaintext of the best matching
	// entries, best first.
	RetrieveRelevantMemory(ctx context.Context, query string) ([]string, error)

	// ListAllDecrypted returns every entry, newest first.
	ListAllDecrypted(ctx context.Context) ([]Record, error)
}

// Backend persists sealed entries. Implementations: InMemoryBackend,
// sqlite.Store, chromem.ChromemStore.
type Backend interface {
	// Add persists e. On error nothing of e may be visible.
	Add(ctx context.Context, e *Entry) error

	// Delete removes the entry with id. Unknown ids are not an error.
	Delete(ctx context.Context, id string) error

	// All returns every entry in insertion order.
	All(ctx context.Context) ([]*Entry, error)

	// Close releases resources.
	Close() error
}

// Embedder converts text to embedding vectors.
// Implemented by embedder.Service.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// KeySource provides the store key.
// Implemented by vault.KeyManager.
type KeySource interface {
	Key(ctx context.Context) (*vault.Key, error)
}

var (
	// ErrKeyUnavailable means the store key could not be provisioned.
	ErrKeyUnavailable = vault.ErrKeyUnavailable

	// ErrEmbeddingUnavailable means one embedding request failed.
	ErrEmbeddingUnavailable = embedder.ErrEmbeddingUnavailable

	// ErrDecryptionFailed means one entry did not authenticate under the store key.
	ErrDecryptionFailed = vault.ErrDecryptionFailed

	// ErrPersistence means a backend operation failed.
	ErrPersistence = errors.New("persistence error")
)
