package memory

import (
	"time"
)

// Importance bounds and default.
const (
	MinImportance     = 1
	MaxImportance     = 10
	DefaultImportance = 5
)

// UndecryptableContent replaces the content of entries that fail to decrypt
// in listings.
const UndecryptableContent = "[undecryptable]"

// Entry is one persisted note. Entries are never modified after creation;
// they are only deleted.
type Entry struct {
	ID string

	// Ciphertext and Nonce are always set together.
	Ciphertext []byte
	Nonce      []byte

	// Embedding is nil when embedding failed at write time.
	Embedding []float32

	// Tags are the sorted keywords of the plaintext.
	Tags []string

	Importance int
	CreatedAt  time.Time
}

// HasEmbedding reports whether the entry carries a vector.
func (e *Entry) HasEmbedding() bool {
	return len(e.Embedding) > 0
}

// Record is the decrypted view of an Entry used for listing and export.
type Record struct {
	ID            string    `json:"id"`
	Content       string    `json:"content"`
	Tags          []string  `json:"tags"`
	Importance    int       `json:"importance"`
	CreatedAt     time.Time `json:"created_at"`
	HasEmbedding  bool      `json:"has_embedding"`
	Undecryptable bool      `json:"undecryptable,omitempty"`
}

// SaveOption customises SaveMemory.
type SaveOption func(*saveOptions)

type saveOptions struct {
	importance int
}

// WithImportance sets the entry's importance, clamped into [1,10].
func WithImportance(n int) SaveOption {
	return func(o *saveOptions) {
		o.importance = ClampImportance(n)
	}
}

// ImportanceOf resolves the importance selected by opts.
func ImportanceOf(opts ...SaveOption) int {
	o := saveOptions{importance: DefaultImportance}
	for _, opt := range opts {
		opt(&o)
	}
	return o.importance
}

// ClampImportance forces n into [MinImportance, MaxImportance].
func ClampImportance(n int) int {
	if n < MinImportance {
		return MinImportance
	}
	if n > MaxImportance {
		return MaxImportance
	}
	return n
}
