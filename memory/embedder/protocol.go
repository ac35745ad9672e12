package embedder

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message is one of Request, Progress, Result or Failure.
// The set is closed: only this package can add variants.
type Message interface {
	kind() Kind
}

// Kind tags a Message on the wire.
type Kind string

const (
	KindRequest  Kind = "request"
	KindProgress Kind = "progress"
	KindResult   Kind = "result"
	KindFailure  Kind = "failure"
)

// Request asks for the embedding of Text.
type Request struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
}

// Progress reports model loading. It is not tied to a request.
type Progress struct {
	Stage   string  `json:"stage"`
	File    string  `json:"file,omitempty"`
	Percent float64 `json:"percent,omitempty"`
}

// Result carries a successful embedding.
type Result struct {
	RequestID string    `json:"request_id"`
	Embedding []float32 `json:"embedding"`
}

// Failure reports that a request could not be served.
type Failure struct {
	RequestID string `json:"request_id"`
	Err       string `json:"error"`
}

func (Request) kind() Kind  { return KindRequest }
func (Progress) kind() Kind { return KindProgress }
func (Result) kind() Kind   { return KindResult }
func (Failure) kind() Kind  { return KindFailure }

// Progress stages.
const (
	StageInitiate = "initiate"
	StageLoading  = "loading"
	StageDone     = "done"
	StageReady    = "ready"
)

// Envelope is the JSON wire form of a Message.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

var errUnknownKind = errors.New("unknown message kind")

// Encode wraps msg in an Envelope.
func Encode(msg Message) (Envelope, error) {
	if msg == nil {
		return Envelope{}, errors.New("nil message")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", msg.kind(), err)
	}
	return Envelope{Kind: msg.kind(), Payload: payload}, nil
}

// Decode unwraps an Envelope, rejecting unknown kinds and malformed payloads.
func Decode(env Envelope) (Message, error) {
	var (
		msg Message
		err error
	)
	switch env.Kind {
	case KindRequest:
		var m Request
		err = json.Unmarshal(env.Payload, &m)
		if err == nil && m.RequestID == "" {
			err = errors.New("missing request_id")
		}
		msg = m
	case KindProgress:
		var m Progress
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case KindResult:
		var m Result
		err = json.Unmarshal(env.Payload, &m)
		if err == nil && m.RequestID == "" {
			err = errors.New("missing request_id")
		}
		msg = m
	case KindFailure:
		var m Failure
		err = json.Unmarshal(env.Payload, &m)
		if err == nil && m.RequestID == "" {
			err = errors.New("missing request_id")
		}
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownKind, env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	return msg, nil
}
