package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/becomeliminal/nim-recall/memory/vault"
)

// DefaultDimensions matches all-MiniLM-L6-v2.
const DefaultDimensions = 384

// EncryptedManager is the SDK-provided Manager implementation.
//
// Write path: keywords and sealing run on the caller's goroutine while the
// embedding is computed concurrently; the two are joined before persisting.
// The join is asymmetric on purpose: a failed embedding becomes "no
// embedding", a failed seal aborts the write.
//
// Read path: the query embedding (best-effort) and keywords are matched
// against every stored entry; only the top-ranked entries are decrypted.
type EncryptedManager struct {
	backend  Backend
	embedder Embedder // Optional: nil means keyword-only
	keys     KeySource
	config   *Config
	dims     int
}

var _ Manager = (*EncryptedManager)(nil)

// NewEncryptedManager creates a new EncryptedManager.
func NewEncryptedManager(backend Backend, embedder Embedder, keys KeySource, config *Config) *EncryptedManager {
	if config == nil {
		config = DefaultConfig
	}
	cfg := *config
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights
	}

	dims := cfg.Dimensions
	if dims <= 0 && embedder != nil {
		dims = embedder.Dimensions()
	}
	if dims <= 0 {
		dims = DefaultDimensions
	}

	return &EncryptedManager{
		backend:  backend,
		embedder: embedder,
		keys:     keys,
		config:   &cfg,
		dims:     dims,
	}
}

// SaveMemory embeds, seals and persists text. Importance defaults to 5.
func (m *EncryptedManager) SaveMemory(ctx context.Context, text string, opts ...SaveOption) (*Entry, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("save memory: text is empty")
	}

	importance := ImportanceOf(opts...)

	key, err := m.key(ctx)
	if err != nil {
		return nil, fmt.Errorf("save memory: %w", err)
	}

	embedding := m.embedAsync(ctx, text)

	tags := ExtractKeywords(text).Sorted()
	ciphertext, nonce, err := vault.Seal(key, []byte(text))
	if err != nil {
		return nil, fmt.Errorf("save memory: seal: %w", err)
	}

	entry := &Entry{
		ID:         uuid.NewString(),
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Embedding:  <-embedding,
		Tags:       tags,
		Importance: importance,
		CreatedAt:  time.Now().UTC(),
	}

	if err := m.backend.Add(ctx, entry); err != nil {
		return nil, fmt.Errorf("save memory: %w: %v", ErrPersistence, err)
	}

	log.Printf("[MEMORY] Saved entry %s (importance=%d, tags=%d, embedded=%t)",
		entry.ID, entry.Importance, len(entry.Tags), entry.HasEmbedding())
	return entry, nil
}

// DeleteMemory removes the entry with id. Unknown ids are a no-op.
func (m *EncryptedManager) DeleteMemory(ctx context.Context, id string) error {
	if err := m.backend.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete memory %s: %w: %v", id, ErrPersistence, err)
	}
	log.Printf("[MEMORY] Deleted entry %s", id)
	return nil
}

// RetrieveRelevantMemory returns up to TopK decrypted notes scoring above the
// threshold, best first. Without a key it returns an empty list.
func (m *EncryptedManager) RetrieveRelevantMemory(ctx context.Context, query string) ([]string, error) {
	results := []string{}

	key, err := m.key(ctx)
	if err != nil {
		log.Printf("[MEMORY] Retrieval skipped: %v", err)
		return results, nil
	}

	embedding := m.embedAsync(ctx, query)
	keywords := ExtractKeywords(query)

	entries, err := m.backend.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieve memory: %w: %v", ErrPersistence, err)
	}
	if len(entries) == 0 {
		log.Printf("[MEMORY] No memories stored")
		return results, nil
	}

	ranked := m.config.Weights.Rank(<-embedding, keywords, entries)

	for _, s := range ranked {
		plaintext, err := vault.Open(key, s.Entry.Ciphertext, s.Entry.Nonce)
		if err != nil {
			log.Printf("[MEMORY] Skipping entry %s: %v", s.Entry.ID, err)
			continue
		}
		results = append(results, string(plaintext))
	}

	log.Printf("[MEMORY] Retrieved %d of %d memories (%d above threshold) for query of %d chars",
		len(results), len(entries), len(ranked), len(query))
	return results, nil
}

// ListAllDecrypted returns every entry newest first. Entries that fail to
// decrypt keep their place with UndecryptableContent.
func (m *EncryptedManager) ListAllDecrypted(ctx context.Context) ([]Record, error) {
	entries, err := m.backend.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w: %v", ErrPersistence, err)
	}

	key, keyErr := m.key(ctx)
	if keyErr != nil {
		log.Printf("[MEMORY] Listing without key: %v", keyErr)
	}

	// Build newest-inserted first so equal timestamps also list newest first.
	records := make([]Record, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		rec := Record{
			ID:           e.ID,
			Tags:         e.Tags,
			Importance:   e.Importance,
			CreatedAt:    e.CreatedAt,
			HasEmbedding: e.HasEmbedding(),
		}

		if keyErr != nil {
			rec.Content, rec.Undecryptable = UndecryptableContent, true
		} else if plaintext, err := vault.Open(key, e.Ciphertext, e.Nonce); err != nil {
			log.Printf("[MEMORY] Entry %s is undecryptable: %v", e.ID, err)
			rec.Content, rec.Undecryptable = UndecryptableContent, true
		} else {
			rec.Content = string(plaintext)
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// Count returns the number of stored entries.
func (m *EncryptedManager) Count(ctx context.Context) (int, error) {
	entries, err := m.backend.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("count memories: %w: %v", ErrPersistence, err)
	}
	return len(entries), nil
}

func (m *EncryptedManager) key(ctx context.Context) (*vault.Key, error) {
	if m.keys == nil {
		return nil, fmt.Errorf("%w: no key source", ErrKeyUnavailable)
	}
	return m.keys.Key(ctx)
}

// embedAsync starts embedding text and returns a channel yielding the vector,
// or nil when embedding is unavailable. It never fails.
func (m *EncryptedManager) embedAsync(ctx context.Context, text string) <-chan []float32 {
	out := make(chan []float32, 1)
	if m.embedder == nil {
		out <- nil
		return out
	}

	go func() {
		if m.config.EmbedTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.config.EmbedTimeout)
			defer cancel()
		}

		vec, err := m.embedder.Embed(ctx, text)
		if err != nil {
			log.Printf("[MEMORY] Continuing without embedding: %v", err)
			out <- nil
			return
		}
		if len(vec) != m.dims {
			log.Printf("[MEMORY] Discarding embedding of length %d (store uses %d)", len(vec), m.dims)
			out <- nil
			return
		}
		out <- vec
	}()
	return out
}

// Config holds EncryptedManager configuration.
type Config struct {
	// Weights are the retrieval scoring constants. Zero Weights select
	// DefaultWeights (10 / 2 / 10, threshold 3, top 5).
	Weights Weights

	// Dimensions is the embedding length every stored entry must have.
	// Default: the embedder's Dimensions(), else 384.
	Dimensions int

	// EmbedTimeout bounds each embedding request. Zero waits as long as the
	// caller's context allows.
	EmbedTimeout time.Duration
}

// DefaultConfig returns sensible defaults for a local store.
var DefaultConfig = &Config{
	Weights: DefaultWeights,
}
