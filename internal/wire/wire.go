// Package wire defines the JSON envelopes exchanged over the sync
// connection. Payloads decode into a closed set of variants so message
// handling is an exhaustive type switch rather than string dispatch.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/undertow/internal/schema"
)

// Type discriminates the envelope payload.
type Type string

const (
	TypeClientHello Type = "client_hello"
	TypePush        Type = "push"
	TypeRemove      Type = "remove"
	TypePartial     Type = "partial"
	TypeClear       Type = "clear"
)

// Envelope is the wire frame. MsgID correlates a client write with its
// server confirmation; Ack echoes a MsgID back to the originating client.
type Envelope struct {
	Type  Type            `json:"type"`
	MsgID string          `json:"msgId,omitempty"`
	Ack   string          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Payload is the closed set of envelope payloads. Exactly one of Hello,
// Push, Remove, Partial, Clear implements it.
type Payload interface {
	payload()
}

// Hello is the first message a client sends after connecting: the highest
// id it has seen per store, or nil for a store it has never synced.
type Hello struct {
	SyncStatus map[string]*string `json:"syncStatus"`
}

// Push carries a record, either client→server (id empty, MsgID set) or
// server→client (id assigned, Ack possibly set).
type Push struct {
	Store  string        `json:"store"`
	ID     string        `json:"id"`
	Object schema.Record `json:"object"`
}

// Remove identifies a record to delete, or confirms a deletion.
type Remove struct {
	Store string `json:"store"`
	ID    string `json:"id"`
}

// Partial is a transient server→client record fragment; it is never
// persisted.
type Partial struct {
	Store  string        `json:"store"`
	ID     string        `json:"id"`
	Object schema.Record `json:"object"`
}

// Clear instructs the client to drop its entire cache for one store.
type Clear struct {
	Store string `json:"store"`
}

func (Hello) payload()   {}
func (Push) payload()    {}
func (Remove) payload()  {}
func (Partial) payload() {}
func (Clear) payload()   {}

// Payload decodes the envelope data into its typed variant. Unknown types
// and malformed data are errors; callers at the trust boundary drop them.
func (e Envelope) Payload() (Payload, error) {
	switch e.Type {
	case TypeClientHello:
		var p Hello
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("decode client_hello: %w", err)
		}
		return p, nil
	case TypePush:
		var p Push
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("decode push: %w", err)
		}
		return p, nil
	case TypeRemove:
		var p Remove
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("decode remove: %w", err)
		}
		return p, nil
	case TypePartial:
		var p Partial
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("decode partial: %w", err)
		}
		return p, nil
	case TypeClear:
		var p Clear
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("decode clear: %w", err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown message type %q", e.Type)
}

// NewEnvelope wraps a typed payload into an envelope.
func NewEnvelope(p Payload, msgID, ack string) (Envelope, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode payload: %w", err)
	}

	var t Type
	switch p.(type) {
	case Hello:
		t = TypeClientHello
	case Push:
		t = TypePush
	case Remove:
		t = TypeRemove
	case Partial:
		t = TypePartial
	case Clear:
		t = TypeClear
	default:
		return Envelope{}, fmt.Errorf("unsupported payload %T", p)
	}

	return Envelope{Type: t, MsgID: msgID, Ack: ack, Data: data}, nil
}

// MustEnvelope is NewEnvelope for payloads built from in-process values,
// which cannot fail to encode.
func MustEnvelope(p Payload, msgID, ack string) Envelope {
	e, err := NewEnvelope(p, msgID, ack)
	if err != nil {
		panic(err)
	}
	return e
}
