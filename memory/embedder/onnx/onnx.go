//go:build onnx

package onnx

import (
	"context"
	"fmt"
	"log"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/becomeliminal/nim-recall/memory/embedder"
)

// Config configures the ONNX model.
type Config struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// TokenizerPath is the path to the tokenizer.json file.
	TokenizerPath string

	// SharedLibraryPath points at libonnxruntime. Empty uses the runtime's default lookup.
	SharedLibraryPath string

	// Dimensions is the embedding vector size (default: 384 for all-MiniLM-L6-v2).
	Dimensions int

	// MaxTokens is the padded sequence length (default: 128).
	MaxTokens int
}

// Model runs a sentence-transformer through ONNX Runtime and mean-pools its
// token states into one unit vector. Nothing heavy happens until Load.
type Model struct {
	cfg       Config
	session   *ort.DynamicAdvancedSession
	tokenizer *Tokenizer
}

// New validates cfg. Files are opened in Load.
func New(cfg Config) (*Model, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("ModelPath is required")
	}
	if cfg.TokenizerPath == "" {
		return nil, fmt.Errorf("TokenizerPath is required")
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 128
	}
	return &Model{cfg: cfg}, nil
}

// Load initialises the runtime, the tokenizer and the inference session.
func (m *Model) Load(ctx context.Context, report func(embedder.Progress)) error {
	if !ort.IsInitialized() {
		if m.cfg.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(m.cfg.SharedLibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initialize onnx runtime: %w", err)
		}
	}

	report(embedder.Progress{Stage: embedder.StageLoading, File: m.cfg.TokenizerPath})
	tokenizer, err := LoadTokenizer(m.cfg.TokenizerPath)
	if err != nil {
		return fmt.Errorf("load tokenizer: %w", err)
	}
	report(embedder.Progress{Stage: embedder.StageDone, File: m.cfg.TokenizerPath, Percent: 100})

	if err := ctx.Err(); err != nil {
		return err
	}

	report(embedder.Progress{Stage: embedder.StageLoading, File: m.cfg.ModelPath})
	session, err := ort.NewDynamicAdvancedSession(m.cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return fmt.Errorf("create onnx session: %w", err)
	}
	report(embedder.Progress{Stage: embedder.StageDone, File: m.cfg.ModelPath, Percent: 100})

	log.Printf("[ONNX] Loaded %s (dims=%d, max_tokens=%d)", m.cfg.ModelPath, m.cfg.Dimensions, m.cfg.MaxTokens)
	m.tokenizer = tokenizer
	m.session = session
	return nil
}

// Embed tokenizes text, runs inference and mean-pools the attended tokens.
func (m *Model) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.session == nil {
		return nil, fmt.Errorf("model not loaded")
	}

	maxLen := m.cfg.MaxTokens
	inputIDs, attentionMask := m.tokenizer.Encode(text, maxLen)
	tokenTypeIDs := make([]int64, maxLen)

	shape := ort.NewShape(1, int64(maxLen))
	idsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()

	maskTensor, err := ort.NewTensor(shape, attentionMask)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	typeTensor, err := ort.NewTensor(shape, tokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := m.session.Run([]ort.Value{idsTensor, maskTensor, typeTensor}, outputs); err != nil {
		return nil, fmt.Errorf("onnx inference: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}

	vec, err := meanPool(hidden.GetData(), []int64(hidden.GetShape()), attentionMask, m.cfg.Dimensions)
	if err != nil {
		return nil, err
	}
	return embedder.Normalize(vec), nil
}

// Dimensions returns the embedding vector size.
func (m *Model) Dimensions() int {
	return m.cfg.Dimensions
}

// Close releases the inference session.
func (m *Model) Close() error {
	if m.session != nil {
		return m.session.Destroy()
	}
	return nil
}

// meanPool averages [1, seq, hidden] token states over positions whose mask
// is set. A [1, hidden] output is taken as already pooled.
func meanPool(data []float32, shape []int64, mask []int64, dims int) ([]float32, error) {
	switch len(shape) {
	case 2:
		if len(data) < dims {
			return nil, fmt.Errorf("output dimension mismatch: got %d, expected %d", len(data), dims)
		}
		return append([]float32(nil), data[:dims]...), nil
	case 3:
		if shape[0] != 1 {
			return nil, fmt.Errorf("expected batch size 1, got %d", shape[0])
		}
		seqLen, hidden := int(shape[1]), int(shape[2])
		if hidden != dims {
			return nil, fmt.Errorf("hidden size mismatch: got %d, expected %d", hidden, dims)
		}

		out := make([]float32, dims)
		var attended float32
		for i := 0; i < seqLen && i < len(mask); i++ {
			if mask[i] == 0 {
				continue
			}
			attended++
			row := data[i*hidden : (i+1)*hidden]
			for j, v := range row {
				out[j] += v
			}
		}
		if attended == 0 {
			return nil, fmt.Errorf("no attended tokens")
		}
		for j := range out {
			out[j] /= attended
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected output shape %v", shape)
	}
}
