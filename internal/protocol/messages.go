// Package protocol defines the WebSocket event types and payload structures
// exchanged between the relay and its clients. All events are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeRegister = "register"
	TypeMessage  = "message"
	TypeTyping   = "typing"
	TypeSeen     = "seen"
	TypePing     = "ping"
)

// Server -> Client event types. TypeMessage, TypeTyping and TypeSeen are
// reused in the server->client direction with their broadcast payloads.
const (
	TypeSessionCreated = "session_created"
	TypeHistory        = "history"
	TypePresence       = "presence"
	TypeLastSeen       = "last_seen"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Tolerant field types
// ---------------------------------------------------------------------------

// UnixMillis is a unix-milliseconds timestamp that tolerates anything a
// client sends: numbers (including floats), numeric strings, null, or
// garbage. Non-numeric input decodes to zero rather than failing the whole
// event, so a bad timestamp never rejects an otherwise valid payload. The
// gateway substitutes server time for zero values.
type UnixMillis int64

// UnmarshalJSON implements json.Unmarshaler with best-effort coercion.
func (t *UnixMillis) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			*t = 0
			return nil
		}
		data = []byte(s)
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil || f < 0 {
		*t = 0
		return nil
	}
	*t = UnixMillis(f)
	return nil
}

// LooseString is a string field that tolerates wrong-typed input: any
// non-string JSON value decodes to "" rather than failing the event. A
// missing or mistyped field degrades to its zero value, and the gateway's
// fallbacks (registered name, event dropped on blank text) take it from
// there.
type LooseString string

// UnmarshalJSON implements json.Unmarshaler with best-effort coercion.
func (s *LooseString) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		*s = ""
		return nil
	}
	*s = LooseString(v)
	return nil
}

// LooseBool is a bool field that tolerates wrong-typed input: any non-bool
// JSON value decodes to false rather than failing the event.
type LooseBool bool

// UnmarshalJSON implements json.Unmarshaler with best-effort coercion.
func (b *LooseBool) UnmarshalJSON(data []byte) error {
	var v bool
	if err := json.Unmarshal(data, &v); err != nil {
		*b = false
		return nil
	}
	*b = LooseBool(v)
	return nil
}

// ---------------------------------------------------------------------------
// Shared payload structures
// ---------------------------------------------------------------------------

// Message is a chat message as stored in history and broadcast to clients.
// Ts is the client-supplied display timestamp (server time when the client
// sent none); arrival order, not Ts, is authoritative for ordering.
type Message struct {
	ConnID string `json:"conn_id"`
	Name   string `json:"name"`
	Text   string `json:"text"`
	Ts     int64  `json:"ts"`
}

// TypingEntry is one currently-composing participant in a typing snapshot.
type TypingEntry struct {
	ConnID string `json:"conn_id"`
	Name   string `json:"name"`
}

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// RegisterMsg binds the connection to a self-asserted display name.
type RegisterMsg struct {
	Type string      `json:"type"`
	Name LooseString `json:"name"`
}

// ChatMsg is a chat message sent by the client. Ts is optional.
type ChatMsg struct {
	Type string      `json:"type"`
	Name LooseString `json:"name"`
	Text LooseString `json:"text"`
	Ts   UnixMillis  `json:"ts"`
}

// TypingMsg signals that the client started or stopped composing.
type TypingMsg struct {
	Type   string      `json:"type"`
	Name   LooseString `json:"name"`
	Typing LooseBool   `json:"typing"`
}

// SeenMsg notifies that the client has viewed messages up to Ts.
type SeenMsg struct {
	Type string      `json:"type"`
	Name LooseString `json:"name"`
	Ts   UnixMillis  `json:"ts"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is the first event on a new connection; it tells the
// client its connection id so it can recognize its own broadcasts.
type SessionCreatedMsg struct {
	Type   string `json:"type"`
	ConnID string `json:"conn_id"`
}

// HistoryMsg carries the retained message history, oldest first.
type HistoryMsg struct {
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`
}

// PresenceMsg reports the raw connection count and the distinct registered
// display names. Connections may exceed names when one person has several
// tabs open.
type PresenceMsg struct {
	Type        string   `json:"type"`
	Connections int      `json:"connections"`
	Names       []string `json:"names"`
}

// ServerTypingMsg is the full typing snapshot, in typing-start order.
type ServerTypingMsg struct {
	Type    string        `json:"type"`
	Entries []TypingEntry `json:"entries"`
}

// LastSeenMsg maps display names to the unix-millis time they were last
// seen online.
type LastSeenMsg struct {
	Type string           `json:"type"`
	Seen map[string]int64 `json:"seen"`
}

// ServerSeenMsg relays a seen receipt to everyone except the viewer.
type ServerSeenMsg struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Ts     int64  `json:"ts"`
	ConnID string `json:"conn_id"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only event types. Payload fields are decoded tolerantly: a
// missing or wrong-typed name, text, typing or ts value degrades to its
// zero value instead of rejecting the whole event.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeRegister:
		var m RegisterMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSeen:
		var m SeenMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server event.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server event structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
