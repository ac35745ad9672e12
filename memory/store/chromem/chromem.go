package chromem

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/nim-recall/memory"
)

// collectionPrefix names every versioned collection of entries.
const collectionPrefix = "memories_v"

// Options configures Open.
type Options struct {
	// Dir holds the persistent database. Empty keeps everything in memory.
	Dir string

	// Name is the database directory under Dir. Default: "memories".
	Name string

	// Version selects the collection. Collections of other versions are
	// deleted on open. Default: 1.
	Version int

	// Dimensions is the embedding length of the store. Default: 384.
	Dimensions int

	// Compress gzips the persisted documents.
	Compress bool
}

// ChromemStore keeps sealed entries in a chromem-go collection.
// chromem-go is a pure Go, embedded vector database.
//
// Documents carry the base64 ciphertext as content and everything else as
// metadata. Entries saved without an embedding get a fixed placeholder vector
// and are flagged so the placeholder never reaches scoring.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	dims       int
	seq        int64
	mu         sync.Mutex
}

var _ memory.Backend = (*ChromemStore)(nil)

// Open opens (or creates) the store.
func Open(opts Options) (*ChromemStore, error) {
	if opts.Name == "" {
		opts.Name = "memories"
	}
	if opts.Version <= 0 {
		opts.Version = 1
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = memory.DefaultDimensions
	}

	var db *chromem.DB
	if opts.Dir == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(filepath.Join(opts.Dir, opts.Name), opts.Compress)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}

	name := collectionPrefix + strconv.Itoa(opts.Version)
	for existing := range db.ListCollections() {
		if existing != name && strings.HasPrefix(existing, collectionPrefix) {
			log.Printf("[CHROMEM] Discarding stale collection %s", existing)
			if err := db.DeleteCollection(existing); err != nil {
				return nil, fmt.Errorf("delete collection %s: %w", existing, err)
			}
		}
	}

	// No embedding func: every document arrives with its vector.
	col, err := db.GetOrCreateCollection(name, map[string]string{"dimensions": strconv.Itoa(opts.Dimensions)}, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	s := &ChromemStore{db: db, collection: col, dims: opts.Dimensions}

	docs, err := s.documents(context.Background())
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if seq := parseSeq(doc.Metadata); seq > s.seq {
			s.seq = seq
		}
	}

	log.Printf("[CHROMEM] Opened collection %s with %d entries", name, len(docs))
	return s, nil
}

// Add stores e.
func (s *ChromemStore) Add(ctx context.Context, e *memory.Entry) error {
	if e.HasEmbedding() && len(e.Embedding) != s.dims {
		return fmt.Errorf("embedding has %d dimensions, store uses %d", len(e.Embedding), s.dims)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.collection.GetByID(ctx, e.ID); err == nil {
		return fmt.Errorf("entry %s already exists", e.ID)
	}

	doc, err := s.serializeEntry(e, s.seq+1)
	if err != nil {
		return fmt.Errorf("serialize entry: %w", err)
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	s.seq++
	return nil
}

// Delete removes the entry with id, if present.
func (s *ChromemStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// All returns every entry in insertion order.
func (s *ChromemStore) All(ctx context.Context) ([]*memory.Entry, error) {
	s.mu.Lock()
	docs, err := s.documents(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	entries := make([]*memory.Entry, 0, len(docs))
	for _, doc := range docs {
		e, err := deserializeEntry(doc)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", doc.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Close releases resources. Persistent databases write on every change, so
// there is nothing to flush.
func (s *ChromemStore) Close() error {
	return nil
}

// documents returns every document ordered by seq.
func (s *ChromemStore) documents(ctx context.Context) ([]chromem.Result, error) {
	n := s.collection.Count()
	if n == 0 {
		return nil, nil
	}

	// chromem-go only lists by similarity; asking for all n returns everything.
	results, err := s.collection.QueryEmbedding(ctx, s.placeholder(), n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		return parseSeq(results[i].Metadata) < parseSeq(results[j].Metadata)
	})
	return results, nil
}

// placeholder is the unit vector stored for entries without an embedding.
func (s *ChromemStore) placeholder() []float32 {
	v := make([]float32, s.dims)
	x := float32(1 / math.Sqrt(float64(s.dims)))
	for i := range v {
		v[i] = x
	}
	return v
}

func (s *ChromemStore) serializeEntry(e *memory.Entry, seq int64) (chromem.Document, error) {
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return chromem.Document{}, fmt.Errorf("marshal tags: %w", err)
	}

	embedding := e.Embedding
	if !e.HasEmbedding() {
		embedding = s.placeholder()
	}

	return chromem.Document{
		ID:        e.ID,
		Content:   base64.StdEncoding.EncodeToString(e.Ciphertext),
		Embedding: embedding,
		Metadata: map[string]string{
			"nonce":      base64.StdEncoding.EncodeToString(e.Nonce),
			"tags":       string(tagsJSON),
			"importance": strconv.Itoa(e.Importance),
			"created_at": e.CreatedAt.UTC().Format(time.RFC3339Nano),
			"seq":        strconv.FormatInt(seq, 10),
			"embedded":   strconv.FormatBool(e.HasEmbedding()),
		},
	}, nil
}

func deserializeEntry(doc chromem.Result) (*memory.Entry, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(doc.Content)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(doc.Metadata["nonce"])
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}

	var tags []string
	if err := json.Unmarshal([]byte(doc.Metadata["tags"]), &tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}

	importance, err := strconv.Atoi(doc.Metadata["importance"])
	if err != nil {
		return nil, fmt.Errorf("parse importance: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, doc.Metadata["created_at"])
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	e := &memory.Entry{
		ID:         doc.ID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Tags:       tags,
		Importance: importance,
		CreatedAt:  createdAt,
	}
	if doc.Metadata["embedded"] == "true" {
		e.Embedding = slices.Clone(doc.Embedding)
	}
	return e, nil
}

func parseSeq(md map[string]string) int64 {
	seq, _ := strconv.ParseInt(md["seq"], 10, 64)
	return seq
}
