// Package protocol defines the WebSocket message types exchanged between the
// browser and the lobby server. Every frame is a JSON object with a "type"
// discriminator.
package protocol

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/whisper/lobby/internal/chat"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin      = "join"
	TypeHeartbeat = "heartbeat"
	TypeLeave     = "leave"
	TypePost      = "post"
	TypePrivate   = "private"
	TypeHistory   = "history" // also the server reply
	TypePing      = "ping"
)

// Server -> Client message types.
const (
	TypeJoined         = "joined"
	TypeMessage        = "message"
	TypePrivateMessage = "private_message"
	TypePresence       = "presence"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
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
// Client -> Server message structs
// ---------------------------------------------------------------------------

// Profile is the optional self-description sent with join.
type Profile struct {
	Age      int    `json:"age,omitempty"`
	Sex      string `json:"sex,omitempty"`
	Location string `json:"location,omitempty"`
}

// JoinMsg enters the room. SessionID identifies the browser session; when
// empty the connection ID is used.
type JoinMsg struct {
	Type      string   `json:"type"`
	Username  string   `json:"username"`
	SessionID string   `json:"session_id,omitempty"`
	Profile   *Profile `json:"profile,omitempty"`
}

type HeartbeatMsg struct {
	Type string `json:"type"`
}

type LeaveMsg struct {
	Type string `json:"type"`
}

// PostMsg is a public room message.
type PostMsg struct {
	Type      string `json:"type"`
	Body      string `json:"body"`
	ReplyToID string `json:"reply_to_id,omitempty"`
}

// PrivateMsg is a one-to-one message.
type PrivateMsg struct {
	Type string `json:"type"`
	To   string `json:"to"`
	Body string `json:"body"`
}

// HistoryRequestMsg asks for recent room messages. Limit 0 means the
// configured window.
type HistoryRequestMsg struct {
	Type  string `json:"type"`
	Limit int    `json:"limit,omitempty"`
}

type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// JoinedMsg confirms a join.
type JoinedMsg struct {
	Type      string `json:"type"`
	Username  string `json:"username"`
	SessionID string `json:"session_id"`
}

// HistoryMsg carries recent messages, oldest first.
type HistoryMsg struct {
	Type     string          `json:"type"`
	Messages []*chat.Message `json:"messages"`
}

// ErrorMsg is sent by the server to communicate an error condition. Code is
// one of validation, banned, rate_limited, unavailable, or a protocol code.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// An error is returned for unknown or server-only message types.
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
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHeartbeat:
		var m HeartbeatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePost:
		var m PostMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePrivate:
		var m PrivateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHistory:
		var m HistoryRequestMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload with msgType injected under the "type"
// key. Payload may be a struct or raw JSON of an object.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{}, 1)
	}
	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// WrapEvent turns a broadcaster event body into a server message of
// msgType.
func WrapEvent(msgType string, event []byte) ([]byte, error) {
	return NewServerMessage(msgType, json.RawMessage(event))
}
