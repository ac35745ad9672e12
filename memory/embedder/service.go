// Package embedder turns text into sentence embeddings without blocking the caller's
// control flow.
//
// A Service owns one Model and runs it on a dedicated worker goroutine. Callers
// talk to the worker only through messages: a Request goes into a bounded
// mailbox, and exactly one Result or Failure comes back, matched to its waiter
// by request id. Progress messages are emitted while the model loads.
//
// Models:
//   - hashing: offline feature-hashing model (default, no model files)
//   - onnx: all-MiniLM-L6-v2 through ONNX Runtime (build tag "onnx")
//   - remote: an embedding daemon reached over websocket
package embedder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
)

var (
	// ErrEmbeddingUnavailable means no embedding could be produced for a request.
	// Callers treat embeddings as optional and degrade instead of failing.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrClosed is returned for requests made after Close.
	ErrClosed = errors.New("embedding service closed")
)

// Model converts text to vectors. Load is called once, on the worker, before
// the first Embed.
type Model interface {
	Load(ctx context.Context, report func(Progress)) error
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Option configures a Service.
type Option func(*Service)

// WithProgress registers an observer for model loading progress.
func WithProgress(fn func(Progress)) Option {
	return func(s *Service) {
		s.onProgress = fn
	}
}

// WithMailbox sets how many requests may wait for the worker.
func WithMailbox(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.mailboxSize = size
		}
	}
}

// WithCache keeps up to maxEntries embeddings keyed by their exact text.
func WithCache(maxEntries int64) Option {
	return func(s *Service) {
		s.cacheSize = maxEntries
	}
}

// Service is the asynchronous embedding worker plus its pending-request table.
type Service struct {
	model       Model
	onProgress  func(Progress)
	mailboxSize int
	cacheSize   int64

	mailbox chan job
	replies chan Message
	cache   *ristretto.Cache

	mu      sync.Mutex
	pending map[string]chan Message

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	ready     atomic.Bool

	// Owned by the worker goroutine.
	loaded  bool
	loadErr error
}

type job struct {
	ctx    context.Context
	req    Request
	warmup bool
}

// New starts a Service around model.
func New(model Model, opts ...Option) (*Service, error) {
	if model == nil {
		return nil, fmt.Errorf("model is required")
	}

	s := &Service{
		model:       model,
		mailboxSize: 64,
		pending:     make(map[string]chan Message),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: s.cacheSize * 10,
			MaxCost:     s.cacheSize,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("create embedding cache: %w", err)
		}
		s.cache = cache
	}

	s.mailbox = make(chan job, s.mailboxSize)
	s.replies = make(chan Message, s.mailboxSize)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(2)
	go s.work()
	go s.dispatch()

	return s, nil
}

// Embed returns the embedding of text. Any failure, including cancellation of
// ctx, wraps ErrEmbeddingUnavailable. A reply arriving after ctx is done is
// discarded.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	msg, err := s.call(ctx, job{ctx: ctx, req: Request{RequestID: uuid.NewString(), Text: text}})
	if err != nil {
		return nil, err
	}
	switch m := msg.(type) {
	case Result:
		return m.Embedding, nil
	case Failure:
		return nil, fmt.Errorf("%w: %s", ErrEmbeddingUnavailable, m.Err)
	default:
		return nil, fmt.Errorf("%w: unexpected reply %T", ErrEmbeddingUnavailable, msg)
	}
}

// Warmup loads the model without embedding anything.
func (s *Service) Warmup(ctx context.Context) error {
	msg, err := s.call(ctx, job{ctx: ctx, req: Request{RequestID: uuid.NewString()}, warmup: true})
	if err != nil {
		return err
	}
	if f, ok := msg.(Failure); ok {
		return fmt.Errorf("%w: %s", ErrEmbeddingUnavailable, f.Err)
	}
	return nil
}

// Dimensions returns the model's vector length.
func (s *Service) Dimensions() int {
	return s.model.Dimensions()
}

// Ready reports whether the model finished loading successfully.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// Pending returns the number of requests awaiting a reply.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops the worker and closes the model if it is an io.Closer.
// Outstanding requests fail with ErrClosed.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// Cancelling also cancels the context of an in-flight model call.
		s.cancel()
		s.wg.Wait()
		if s.cache != nil {
			s.cache.Close()
		}
		if c, ok := s.model.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}

func (s *Service) call(ctx context.Context, j job) (Message, error) {
	id := j.req.RequestID
	waiter := make(chan Message, 1)

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, ErrClosed)
	}
	s.pending[id] = waiter
	s.mu.Unlock()

	select {
	case s.mailbox <- j:
	case <-ctx.Done():
		s.forget(id)
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, ctx.Err())
	case <-s.ctx.Done():
		s.forget(id)
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, ErrClosed)
	}

	select {
	case msg := <-waiter:
		return msg, nil
	case <-ctx.Done():
		s.forget(id)
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, ctx.Err())
	case <-s.ctx.Done():
		s.forget(id)
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, ErrClosed)
	}
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// resolve hands msg to its waiter and removes the entry in one step, so a
// request is never resolved twice.
func (s *Service) resolve(id string, msg Message) {
	s.mu.Lock()
	waiter, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()

	if !ok {
		log.Printf("[EMBEDDER] Dropping reply for unknown request %s", id)
		return
	}
	waiter <- msg
}

// dispatch is the single consumer of worker replies.
func (s *Service) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.replies:
			switch m := msg.(type) {
			case Progress:
				log.Printf("[EMBEDDER] Model %s %s %.0f%%", m.Stage, m.File, m.Percent)
				if s.onProgress != nil {
					s.onProgress(m)
				}
			case Result:
				s.resolve(m.RequestID, m)
			case Failure:
				s.resolve(m.RequestID, m)
			}
		}
	}
}

// work runs model loading and inference off the callers' goroutines.
func (s *Service) work() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case j := <-s.mailbox:
			s.send(s.handle(j))
		}
	}
}

func (s *Service) send(msg Message) {
	select {
	case s.replies <- msg:
	case <-s.ctx.Done():
	}
}

func (s *Service) handle(j job) Message {
	id := j.req.RequestID

	if err := s.ensureLoaded(); err != nil {
		return Failure{RequestID: id, Err: fmt.Sprintf("model load: %v", err)}
	}
	if j.warmup {
		return Result{RequestID: id}
	}

	text := strings.TrimSpace(j.req.Text)
	if text == "" {
		return Failure{RequestID: id, Err: "empty text"}
	}

	if s.cache != nil {
		if v, ok := s.cache.Get(text); ok {
			if vec, ok := v.([]float32); ok {
				return Result{RequestID: id, Embedding: append([]float32(nil), vec...)}
			}
		}
	}

	ctx, cancel := s.requestContext(j.ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return Failure{RequestID: id, Err: err.Error()}
	}

	vec, err := s.model.Embed(ctx, text)
	if err != nil {
		return Failure{RequestID: id, Err: err.Error()}
	}
	if dims := s.model.Dimensions(); dims > 0 && len(vec) != dims {
		return Failure{RequestID: id, Err: fmt.Sprintf("dimension mismatch: got %d, expected %d", len(vec), dims)}
	}
	vec = Normalize(vec)

	if s.cache != nil {
		s.cache.Set(text, append([]float32(nil), vec...), 1)
		s.cache.Wait()
	}
	return Result{RequestID: id, Embedding: vec}
}

// requestContext bounds one model call by both the caller's context and the
// service lifetime.
func (s *Service) requestContext(caller context.Context) (context.Context, context.CancelFunc) {
	if caller == nil {
		caller = context.Background()
	}
	ctx, cancel := context.WithCancel(caller)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// ensureLoaded loads the model on first use and remembers the outcome, so a
// model is loaded at most once per Service.
func (s *Service) ensureLoaded() error {
	if s.loaded {
		return s.loadErr
	}
	s.loaded = true

	s.send(Progress{Stage: StageInitiate})
	s.loadErr = s.model.Load(s.ctx, func(p Progress) { s.send(p) })
	if s.loadErr != nil {
		log.Printf("[EMBEDDER] Model load failed: %v", s.loadErr)
		return s.loadErr
	}
	s.ready.Store(true)
	s.send(Progress{Stage: StageReady, Percent: 100})
	return nil
}

// Normalize scales vec to unit length. Zero vectors are returned unchanged.
func Normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
