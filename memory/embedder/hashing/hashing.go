package hashing

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/becomeliminal/nim-recall/memory/embedder"
)

// Model is an offline embedder that needs no model files.
// It hashes padded character trigrams of every word into a signed bag of
// features, so texts sharing words or word stems get similar vectors.
// It is deterministic, which also makes it the model used in tests.
type Model struct {
	dimensions int
}

// New creates a hashing model. dims <= 0 selects 384 to match all-MiniLM-L6-v2.
func New(dims int) *Model {
	if dims <= 0 {
		dims = 384
	}
	return &Model{dimensions: dims}
}

// Load has nothing to fetch; it only reports completion.
func (m *Model) Load(ctx context.Context, report func(embedder.Progress)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	report(embedder.Progress{Stage: embedder.StageDone, File: "hashing", Percent: 100})
	return nil
}

// Embed creates a unit-length feature vector from text.
func (m *Model) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, m.dimensions)

	for _, word := range words(text) {
		padded := []rune("^" + word + "$")
		for i := 0; i+3 <= len(padded); i++ {
			h := fnv.New64a()
			h.Write([]byte(string(padded[i : i+3])))
			sum := h.Sum64()

			idx := int(sum % uint64(m.dimensions))
			// The top bit picks the sign so unrelated collisions tend to cancel.
			if sum>>63 == 1 {
				vec[idx]--
			} else {
				vec[idx]++
			}
		}
	}

	return embedder.Normalize(vec), nil
}

// Dimensions returns the embedding size.
func (m *Model) Dimensions() int {
	return m.dimensions
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
