// Package remote moves the embedding worker out of process. A Handler serves
// an embedder.Service over websocket; a Model is the client side, usable
// anywhere an embedder.Model is expected.
//
// Frames are embedder.Envelope JSON objects. The client sends Request frames
// and the server answers each with one Result or Failure carrying the same
// request id, interleaved with Progress frames while its model loads.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/becomeliminal/nim-recall/memory/embedder"
)

// Model is a websocket client for an embedding daemon.
type Model struct {
	url        string
	dimensions int
	dialer     *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	loaded bool
	report func(embedder.Progress)
}

// New creates a client for the daemon at url (ws:// or wss://).
func New(url string, dims int) *Model {
	if dims <= 0 {
		dims = 384
	}
	return &Model{
		url:        url,
		dimensions: dims,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Load connects to the daemon.
func (m *Model) Load(ctx context.Context, report func(embedder.Progress)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	report(embedder.Progress{Stage: embedder.StageLoading, File: m.url})
	if err := m.dial(ctx); err != nil {
		return err
	}
	m.report = report
	report(embedder.Progress{Stage: embedder.StageDone, File: m.url, Percent: 100})
	return nil
}

func (m *Model) dial(ctx context.Context) error {
	conn, _, err := m.dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", m.url, err)
	}
	m.conn = conn
	m.loaded = true
	return nil
}

// drop discards a connection that saw an I/O error. A websocket connection
// is unusable after a failed read, so the next Embed redials.
func (m *Model) drop() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// Embed sends one request and waits for its reply. Replies for other request
// ids are discarded. Cancelling ctx aborts a blocked read.
func (m *Model) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		if !m.loaded {
			return nil, errors.New("not connected")
		}
		if err := m.dial(ctx); err != nil {
			return nil, err
		}
	}
	conn := m.conn

	deadline, _ := ctx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)

	// Deadlines are the only way to interrupt a blocked websocket read.
	stop := context.AfterFunc(ctx, func() {
		now := time.Now()
		_ = conn.SetReadDeadline(now)
		_ = conn.SetWriteDeadline(now)
	})
	defer stop()

	vec, err := m.roundTrip(conn, text)
	var failure errFailure
	if errors.As(err, &failure) {
		return nil, err
	}
	if err != nil {
		m.drop()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", ctxErr, err)
		}
		return nil, err
	}
	return vec, nil
}

// errFailure marks a Failure reply; the connection itself is still healthy.
type errFailure string

func (e errFailure) Error() string { return string(e) }

func (m *Model) roundTrip(conn *websocket.Conn, text string) ([]float32, error) {
	id := uuid.NewString()
	env, err := embedder.Encode(embedder.Request{RequestID: id, Text: text})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(env); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	for {
		var in embedder.Envelope
		if err := conn.ReadJSON(&in); err != nil {
			return nil, fmt.Errorf("read reply: %w", err)
		}
		msg, err := embedder.Decode(in)
		if err != nil {
			log.Printf("[REMOTE] Ignoring malformed frame: %v", err)
			continue
		}

		switch r := msg.(type) {
		case embedder.Progress:
			if m.report != nil {
				m.report(r)
			}
		case embedder.Result:
			if r.RequestID != id {
				log.Printf("[REMOTE] Dropping reply for unknown request %s", r.RequestID)
				continue
			}
			return r.Embedding, nil
		case embedder.Failure:
			if r.RequestID != id {
				log.Printf("[REMOTE] Dropping reply for unknown request %s", r.RequestID)
				continue
			}
			return nil, errFailure(r.Err)
		default:
			log.Printf("[REMOTE] Ignoring unexpected %T frame", msg)
		}
	}
}

// Dimensions returns the expected vector length.
func (m *Model) Dimensions() int {
	return m.dimensions
}

// Close disconnects from the daemon.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}

// DefaultWriteTimeout bounds each frame written by a Handler.
const DefaultWriteTimeout = 10 * time.Second

// Handler serves an embedder.Service to websocket clients.
type Handler struct {
	svc      *embedder.Service
	upgrader websocket.Upgrader

	// WriteTimeout bounds each frame sent to a client. A client that stops
	// reading fails its writes instead of stalling Broadcast.
	WriteTimeout time.Duration

	mu    sync.Mutex
	conns map[*peer]struct{}
}

type peer struct {
	conn    *websocket.Conn
	timeout time.Duration
	wmu     sync.Mutex
}

func (p *peer) send(msg embedder.Message) error {
	env, err := embedder.Encode(msg)
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.timeout)); err != nil {
		return err
	}
	return p.conn.WriteJSON(env)
}

// NewHandler creates a Handler for svc.
func NewHandler(svc *embedder.Service) *Handler {
	return &Handler{
		svc:          svc,
		WriteTimeout: DefaultWriteTimeout,
		conns:        make(map[*peer]struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *Handler) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Broadcast forwards a progress update to every connected client.
// Pass it to embedder.WithProgress.
func (h *Handler) Broadcast(p embedder.Progress) {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.conns))
	for c := range h.conns {
		peers = append(peers, c)
	}
	h.mu.Unlock()

	for _, c := range peers {
		if err := c.send(p); err != nil {
			log.Printf("[REMOTE] Progress broadcast failed: %v", err)
		}
	}
}

// ServeHTTP upgrades the connection and serves requests until it closes.
// Requests on one connection are answered concurrently, in completion order.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[REMOTE] Upgrade failed: %v", err)
		return
	}
	timeout := h.WriteTimeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	p := &peer{conn: conn, timeout: timeout}

	h.mu.Lock()
	h.conns[p] = struct{}{}
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		h.mu.Lock()
		delete(h.conns, p)
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		var env embedder.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[REMOTE] Read failed: %v", err)
			}
			return
		}

		msg, err := embedder.Decode(env)
		if err != nil {
			log.Printf("[REMOTE] Ignoring malformed frame: %v", err)
			continue
		}
		req, ok := msg.(embedder.Request)
		if !ok {
			log.Printf("[REMOTE] Ignoring unexpected %T frame", msg)
			continue
		}

		wg.Add(1)
		go func(req embedder.Request) {
			defer wg.Done()
			var reply embedder.Message
			vec, err := h.svc.Embed(ctx, req.Text)
			if err != nil {
				reply = embedder.Failure{RequestID: req.RequestID, Err: err.Error()}
			} else {
				reply = embedder.Result{RequestID: req.RequestID, Embedding: vec}
			}
			if err := p.send(reply); err != nil {
				log.Printf("[REMOTE] Write failed for request %s: %v", req.RequestID, err)
			}
		}(req)
	}
}
