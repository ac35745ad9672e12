package memory_test

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"os"
	"testing"
	"time"

	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder"
	"github.com/becomeliminal/nim-recall/memory/embedder/hashing"
	"github.com/becomeliminal/nim-recall/memory/vault"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// stubEmbedder returns fixed vectors per text, or fails every call.
type stubEmbedder struct {
	dims    int
	vectors map[string][]float32
	fail    bool
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.fail {
		return nil, embedder.ErrEmbeddingUnavailable
	}
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return make([]float32, s.dims), nil
}

func (s *stubEmbedder) Dimensions() int {
	return s.dims
}

// switchableKeys serves a real key unless broken is set.
type switchableKeys struct {
	km     *vault.KeyManager
	broken bool
}

func (k *switchableKeys) Key(ctx context.Context) (*vault.Key, error) {
	if k.broken {
		return nil, vault.ErrKeyUnavailable
	}
	return k.km.Key(ctx)
}

func newKeys() *switchableKeys {
	return &switchableKeys{km: vault.NewKeyManager(&vault.MemorySlot{})}
}

const (
	hikingNote = "I love hiking in Colorado"
	sushiNote  = "My favorite food is sushi"
	hikeQuery  = "Do you know where I like to hike?"
)

func TestEncryptedManager_SemanticRanking(t *testing.T) {
	ctx := context.Background()
	emb := &stubEmbedder{dims: 3, vectors: map[string][]float32{
		hikingNote: {1, 0, 0},
		sushiNote:  {0, 1, 0},
		hikeQuery:  {0.8, 0.2, 0},
	}}
	mgr := memory.NewEncryptedManager(memory.NewInMemoryBackend(), emb, newKeys(), nil)

	if _, err := mgr.SaveMemory(ctx, hikingNote, memory.WithImportance(8)); err != nil {
		t.Fatalf("save A: %v", err)
	}
	if _, err := mgr.SaveMemory(ctx, sushiNote, memory.WithImportance(3)); err != nil {
		t.Fatalf("save B: %v", err)
	}

	results, err := mgr.RetrieveRelevantMemory(ctx, hikeQuery)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) == 0 || results[0] != hikingNote {
		t.Fatalf("expected %q ranked first, got %q", hikingNote, results)
	}
	for i, r := range results {
		if r == sushiNote && i == 0 {
			t.Errorf("sushi note must not outrank hiking note")
		}
	}
}

// Without embeddings only exact keyword overlap and importance remain. "hike"
// and "hiking" are different keywords, so neither note clears the threshold
// for the hiking question; the hiking note still scores higher through
// importance alone.
func TestEncryptedManager_KeywordFallback(t *testing.T) {
	ctx := context.Background()
	mgr := memory.NewEncryptedManager(memory.NewInMemoryBackend(), &stubEmbedder{dims: 3, fail: true}, newKeys(), nil)

	a, err := mgr.SaveMemory(ctx, hikingNote, memory.WithImportance(8))
	if err != nil {
		t.Fatalf("save A: %v", err)
	}
	b, err := mgr.SaveMemory(ctx, sushiNote, memory.WithImportance(3))
	if err != nil {
		t.Fatalf("save B: %v", err)
	}
	if a.HasEmbedding() || b.HasEmbedding() {
		t.Fatalf("entries must be stored without embeddings when the embedder fails")
	}

	results, err := mgr.RetrieveRelevantMemory(ctx, hikeQuery)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no result without stemming, got %q", results)
	}

	kw := memory.ExtractKeywords(hikeQuery)
	scoreA := memory.DefaultWeights.Score(nil, kw, a)
	scoreB := memory.DefaultWeights.Score(nil, kw, b)
	if scoreA != 0.8 || scoreB != 0.3 {
		t.Fatalf("expected importance-only scores 0.8 and 0.3, got %v and %v", scoreA, scoreB)
	}

	// An exact keyword match does lift the note over the threshold.
	results, err = mgr.RetrieveRelevantMemory(ctx, "hiking trips around Colorado")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 1 || results[0] != hikingNote {
		t.Fatalf("expected only the hiking note, got %q", results)
	}
}

func TestEncryptedManager_EmptyStore(t *testing.T) {
	mgr := memory.NewEncryptedManager(memory.NewInMemoryBackend(), nil, newKeys(), nil)

	results, err := mgr.RetrieveRelevantMemory(context.Background(), "anything at all")
	if err != nil {
		t.Fatalf("retrieve on empty store: %v", err)
	}
	if results == nil || len(results) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", results)
	}
}

func TestEncryptedManager_ThresholdAndOrder(t *testing.T) {
	ctx := context.Background()
	mgr := memory.NewEncryptedManager(memory.NewInMemoryBackend(), nil, newKeys(), nil)

	notes := []struct {
		text       string
		importance int
	}{
		{"garden tomato notes", 5},         // 2 overlaps: 4.5
		{"basil harvest garden tomato", 2}, // 4 overlaps: 8.2
		{"tomato basil soup", 9},           // 2 overlaps: 4.9
		{"garden party", 10},               // 1 overlap: 3.0, at threshold
		{"sushi dinner", 10},               // 1.0
		{"harvest moon festival", 3},       // 2.3
		{"random thoughts today", 5},       // 0.5
	}
	for _, n := range notes {
		if _, err := mgr.SaveMemory(ctx, n.text, memory.WithImportance(n.importance)); err != nil {
			t.Fatalf("save %q: %v", n.text, err)
		}
	}

	results, err := mgr.RetrieveRelevantMemory(ctx, "garden tomato basil harvest")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	want := []string{"basil harvest garden tomato", "tomato basil soup", "garden tomato notes"}
	if len(results) != len(want) {
		t.Fatalf("expected %d results, got %d: %q", len(want), len(results), results)
	}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("result %d: expected %q, got %q", i, want[i], results[i])
		}
	}
}

func TestEncryptedManager_TopFive(t *testing.T) {
	ctx := context.Background()
	mgr := memory.NewEncryptedManager(memory.NewInMemoryBackend(), nil, newKeys(), nil)

	for i := 1; i <= 7; i++ {
		if _, err := mgr.SaveMemory(ctx, "planning garden tomato beds", memory.WithImportance(i)); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	results, err := mgr.RetrieveRelevantMemory(ctx, "garden tomato")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("expected top 5 of 7 qualifying entries, got %d", len(results))
	}
}

func TestEncryptedManager_Importance(t *testing.T) {
	ctx := context.Background()
	mgr := memory.NewEncryptedManager(memory.NewInMemoryBackend(), nil, newKeys(), nil)

	cases := []struct {
		opts []memory.SaveOption
		want int
	}{
		{nil, 5},
		{[]memory.SaveOption{memory.WithImportance(15)}, 10},
		{[]memory.SaveOption{memory.WithImportance(0)}, 1},
		{[]memory.SaveOption{memory.WithImportance(-3)}, 1},
		{[]memory.SaveOption{memory.WithImportance(7)}, 7},
	}
	for _, c := range cases {
		e, err := mgr.SaveMemory(ctx, "note about importance", c.opts...)
		if err != nil {
			t.Fatalf("save: %v", err)
		}
		if e.Importance != c.want {
			t.Errorf("expected importance %d, got %d", c.want, e.Importance)
		}
	}

	records, err := mgr.ListAllDecrypted(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, r := range records {
		if r.Importance < memory.MinImportance || r.Importance > memory.MaxImportance {
			t.Errorf("stored importance %d out of range", r.Importance)
		}
	}
}

func TestEncryptedManager_DeleteUnknownIsNoop(t *testing.T) {
	ctx := context.Background()
	mgr := memory.NewEncryptedManager(memory.NewInMemoryBackend(), nil, newKeys(), nil)

	saved, err := mgr.SaveMemory(ctx, "keep this note")
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := mgr.DeleteMemory(ctx, "does-not-exist"); err != nil {
		t.Fatalf("delete unknown id: %v", err)
	}
	if n, _ := mgr.Count(ctx); n != 1 {
		t.Fatalf("expected 1 entry after no-op delete, got %d", n)
	}

	if err := mgr.DeleteMemory(ctx, saved.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ := mgr.Count(ctx); n != 0 {
		t.Fatalf("expected 0 entries, got %d", n)
	}
}

// corruptingBackend flips a byte of one entry's nonce on every read.
type corruptingBackend struct {
	memory.Backend
	corruptID string
}

func (b *corruptingBackend) All(ctx context.Context) ([]*memory.Entry, error) {
	entries, err := b.Backend.All(ctx)
	for _, e := range entries {
		if e.ID == b.corruptID {
			e.Nonce[0] ^= 0xff
		}
	}
	return entries, err
}

func TestEncryptedManager_CorruptedNonce(t *testing.T) {
	ctx := context.Background()
	backend := &corruptingBackend{Backend: memory.NewInMemoryBackend()}
	mgr := memory.NewEncryptedManager(backend, nil, newKeys(), nil)

	var ids []string
	for _, text := range []string{"first garden note", "second garden note", "third garden note"} {
		e, err := mgr.SaveMemory(ctx, text)
		if err != nil {
			t.Fatalf("save: %v", err)
		}
		ids = append(ids, e.ID)
	}
	backend.corruptID = ids[1]

	records, err := mgr.ListAllDecrypted(ctx)
	if err != nil {
		t.Fatalf("list must not fail on a corrupt entry: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected all 3 entries, got %d", len(records))
	}
	for _, r := range records {
		if r.ID == ids[1] {
			if !r.Undecryptable || r.Content != memory.UndecryptableContent {
				t.Errorf("corrupt entry should carry the sentinel, got %+v", r)
			}
		} else if r.Undecryptable {
			t.Errorf("entry %s should decrypt", r.ID)
		}
	}

	// Retrieval drops the corrupt entry instead of flagging it.
	results, err := mgr.RetrieveRelevantMemory(ctx, "garden note")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 decryptable results, got %q", results)
	}
}

func TestEncryptedManager_KeyUnavailable(t *testing.T) {
	ctx := context.Background()
	keys := newKeys()
	mgr := memory.NewEncryptedManager(memory.NewInMemoryBackend(), nil, keys, nil)

	if _, err := mgr.SaveMemory(ctx, "written while the key works"); err != nil {
		t.Fatalf("save: %v", err)
	}

	keys.broken = true

	if _, err := mgr.SaveMemory(ctx, "should not be written"); !errors.Is(err, memory.ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable, got %v", err)
	}
	if n, _ := mgr.Count(ctx); n != 1 {
		t.Fatalf("failed write must not persist anything, have %d entries", n)
	}

	results, err := mgr.RetrieveRelevantMemory(ctx, "written while the key works")
	if err != nil || len(results) != 0 {
		t.Fatalf("expected empty result without key, got %q, %v", results, err)
	}

	records, err := mgr.ListAllDecrypted(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || !records[0].Undecryptable {
		t.Fatalf("expected one undecryptable record, got %+v", records)
	}

	nokeys := memory.NewEncryptedManager(memory.NewInMemoryBackend(), nil, nil, nil)
	if _, err := nokeys.SaveMemory(ctx, "no key source"); !errors.Is(err, memory.ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable without key source, got %v", err)
	}
}

// failingBackend rejects writes and reads.
type failingBackend struct {
	memory.InMemoryBackend
}

func (b *failingBackend) Add(ctx context.Context, e *memory.Entry) error {
	return errors.New("disk full")
}

func (b *failingBackend) All(ctx context.Context) ([]*memory.Entry, error) {
	return nil, errors.New("io error")
}

func TestEncryptedManager_PersistenceErrors(t *testing.T) {
	ctx := context.Background()
	mgr := memory.NewEncryptedManager(&failingBackend{}, nil, newKeys(), nil)

	if _, err := mgr.SaveMemory(ctx, "cannot persist"); !errors.Is(err, memory.ErrPersistence) {
		t.Fatalf("expected ErrPersistence on save, got %v", err)
	}
	if _, err := mgr.RetrieveRelevantMemory(ctx, "cannot read"); !errors.Is(err, memory.ErrPersistence) {
		t.Fatalf("expected ErrPersistence on retrieve, got %v", err)
	}
	if _, err := mgr.ListAllDecrypted(ctx); !errors.Is(err, memory.ErrPersistence) {
		t.Fatalf("expected ErrPersistence on list, got %v", err)
	}
}

func TestEncryptedManager_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	mgr := memory.NewEncryptedManager(memory.NewInMemoryBackend(), nil, newKeys(), nil)

	for _, text := range []string{"oldest note", "middle note", "newest note"} {
		if _, err := mgr.SaveMemory(ctx, text); err != nil {
			t.Fatalf("save: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	records, err := mgr.ListAllDecrypted(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := []string{records[0].Content, records[1].Content, records[2].Content}
	want := []string{"newest note", "middle note", "oldest note"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

func TestEncryptedManager_NonceUniqueAcrossStore(t *testing.T) {
	if testing.Short() {
		t.Skip("writes 10,000 entries")
	}
	ctx := context.Background()
	backend := memory.NewInMemoryBackend()
	mgr := memory.NewEncryptedManager(backend, nil, newKeys(), nil)

	for i := 0; i < 10000; i++ {
		if _, err := mgr.SaveMemory(ctx, "identical plaintext"); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	entries, _ := backend.All(ctx)
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if seen[string(e.Nonce)] {
			t.Fatalf("nonce reused by entry %s", e.ID)
		}
		seen[string(e.Nonce)] = true
	}
}

func TestEncryptedManager_WithEmbeddingService(t *testing.T) {
	ctx := context.Background()
	svc, err := embedder.New(hashing.New(0))
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	defer svc.Close()

	mgr := memory.NewEncryptedManager(memory.NewInMemoryBackend(), svc, newKeys(), nil)
	e, err := mgr.SaveMemory(ctx, "hiking in the colorado mountains", memory.WithImportance(6))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(e.Embedding) != memory.DefaultDimensions {
		t.Fatalf("expected %d-dim embedding, got %d", memory.DefaultDimensions, len(e.Embedding))
	}

	results, err := mgr.RetrieveRelevantMemory(ctx, "colorado mountain hiking")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected the note to be recalled, got %q", results)
	}
}

// Hashing-model scores: hiking note 10*0.2431+8/10 = 3.231 against the
// threshold of 3, sushi note 10*0.0387+3/10 = 0.687. No keywords are shared.
func TestEncryptedManager_HashingModelRanking(t *testing.T) {
	ctx := context.Background()
	svc, err := embedder.New(hashing.New(0))
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	defer svc.Close()

	mgr := memory.NewEncryptedManager(memory.NewInMemoryBackend(), svc, newKeys(), nil)
	a, err := mgr.SaveMemory(ctx, hikingNote, memory.WithImportance(8))
	if err != nil {
		t.Fatalf("save A: %v", err)
	}
	b, err := mgr.SaveMemory(ctx, sushiNote, memory.WithImportance(3))
	if err != nil {
		t.Fatalf("save B: %v", err)
	}

	query, err := svc.Embed(ctx, hikeQuery)
	if err != nil {
		t.Fatalf("embed query: %v", err)
	}
	keywords := memory.ExtractKeywords(hikeQuery)
	if got := memory.DefaultWeights.Score(query, keywords, a); math.Abs(got-3.231) > 0.01 {
		t.Errorf("hiking note score = %.4f, want about 3.231", got)
	}
	if got := memory.DefaultWeights.Score(query, keywords, b); math.Abs(got-0.687) > 0.01 {
		t.Errorf("sushi note score = %.4f, want about 0.687", got)
	}

	results, err := mgr.RetrieveRelevantMemory(ctx, hikeQuery)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 1 || results[0] != hikingNote {
		t.Fatalf("expected only %q, got %q", hikingNote, results)
	}
}

func TestEncryptedManager_PartialConfigUsesDefaultWeights(t *testing.T) {
	ctx := context.Background()
	svc, err := embedder.New(hashing.New(0))
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	defer svc.Close()

	config := &memory.Config{Dimensions: memory.DefaultDimensions}
	mgr := memory.NewEncryptedManager(memory.NewInMemoryBackend(), svc, newKeys(), config)
	const note = "garden tomato basil harvest"
	if _, err := mgr.SaveMemory(ctx, note, memory.WithImportance(10)); err != nil {
		t.Fatalf("save: %v", err)
	}

	results, err := mgr.RetrieveRelevantMemory(ctx, note)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 1 || results[0] != note {
		t.Fatalf("expected %q to be recalled, got %q", note, results)
	}
	if config.Weights != (memory.Weights{}) {
		t.Errorf("caller's config must not be modified")
	}
}

func TestEncryptedManager_DiscardsWrongDimensions(t *testing.T) {
	ctx := context.Background()
	emb := &stubEmbedder{dims: 3, vectors: map[string][]float32{"short vector": {1, 0}}}
	mgr := memory.NewEncryptedManager(memory.NewInMemoryBackend(), emb, newKeys(), nil)

	e, err := mgr.SaveMemory(ctx, "short vector")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if e.HasEmbedding() {
		t.Fatalf("embedding of wrong length must be dropped")
	}
}

func TestEncryptedManager_RejectsEmptyText(t *testing.T) {
	mgr := memory.NewEncryptedManager(memory.NewInMemoryBackend(), nil, newKeys(), nil)
	if _, err := mgr.SaveMemory(context.Background(), "   "); err == nil {
		t.Fatalf("expected error for empty text")
	}
}
