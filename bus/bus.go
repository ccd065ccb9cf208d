// Package bus defines the cross-context message bus used to keep session
// state coherent between contexts sharing one persistence surface.
//
// Implementations live in sub-packages: an in-process hub (memory), valkey
// pub/sub (valkey), a websocket relay (websocket) and the storage-event
// fallback (storagebus).
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable is returned when the transport cannot be used at all.
	// Callers fall back to another bus.
	ErrUnavailable = errors.New("bus: unavailable")

	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus: closed")
)

// MessageType is the kind of a broadcast.
type MessageType string

// Message types.
const (
	TypeCreated             MessageType = "created"
	TypeUpdated             MessageType = "updated"
	TypeExpired             MessageType = "expired"
	TypeEnded               MessageType = "ended"
	TypeActivityPing        MessageType = "activity_ping"
	TypeCredentialRefreshed MessageType = "credential_refreshed"
)

// Trust is how much of a received message the receiver may believe.
type Trust int

const (
	// TrustNone marks unknown message types, which are ignored.
	TrustNone Trust = iota

	// TrustReRead treats the message as a hint: the receiver re-reads the
	// persisted session and adopts it when the id matches.
	TrustReRead

	// TrustLocalMatch acts only when the message names the local session.
	TrustLocalMatch

	// TrustWatermark only advances the local activity watermark.
	TrustWatermark

	// TrustPayload applies the carried payload directly.
	TrustPayload
)

func (t Trust) String() string {
	switch t {
	case TrustReRead:
		return "re-read"
	case TrustLocalMatch:
		return "local-match"
	case TrustWatermark:
		return "watermark"
	case TrustPayload:
		return "payload"
	default:
		return "none"
	}
}

// Trust returns the receive policy of the message type.
func (t MessageType) Trust() Trust {
	switch t {
	case TypeCreated, TypeUpdated:
		return TrustReRead
	case TypeEnded, TypeExpired:
		return TrustLocalMatch
	case TypeActivityPing:
		return TrustWatermark
	case TypeCredentialRefreshed:
		return TrustPayload
	default:
		return TrustNone
	}
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t.Trust() != TrustNone
}

// Message is one broadcast.
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Origin    string          `json:"origin"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Encode returns the wire form of m.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode parses a wire message. Unknown types are rejected.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if !m.Type.Valid() {
		return Message{}, fmt.Errorf("unknown message type %q", m.Type)
	}
	return m, nil
}

// Handler receives messages. Handlers run on the bus delivery goroutine and
// should not block for long.
type Handler func(Message)

// Bus broadcasts messages to sibling contexts.
type Bus interface {
	// Publish sends m to every other context.
	Publish(ctx context.Context, m Message) error

	// Subscribe registers h. ErrUnavailable means the transport cannot
	// deliver messages.
	Subscribe(h Handler) (cancel func(), err error)

	// Close releases the bus. It is idempotent.
	Close() error
}

// Noop is a bus that delivers nothing. It keeps a single context working
// when no transport is available.
type Noop struct{}

var _ Bus = Noop{}

// Publish discards m.
func (Noop) Publish(context.Context, Message) error { return nil }

// Subscribe registers nothing.
func (Noop) Subscribe(Handler) (func(), error) { return func() {}, nil }

// Close does nothing.
func (Noop) Close() error { return nil }
