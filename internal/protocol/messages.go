// Package protocol defines the WebSocket wire format used between the browser
// client and the relay. Every frame is a JSON object whose "event" field names
// the event; the remaining fields are the event payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/strangers/relay/internal/chat"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	EventMessage = "message"
	EventTyping  = "typing"
	EventSkip    = "skip"
	EventPing    = "ping"
)

// Server -> Client events. EventMessage and EventTyping are shared.
const (
	EventSessionCreated      = "sessionCreated"
	EventPartnerFound        = "partnerFound"
	EventPartnerDisconnected = "partnerDisconnected"
	EventNoPartner           = "noPartner"
	EventUpdateUserCount     = "updateUserCount"
	EventRateLimited         = "rateLimited"
	EventError               = "error"
	EventPong                = "pong"
)

var (
	// ErrUnknownEvent is returned for event names the server does not accept.
	ErrUnknownEvent = errors.New("protocol: unknown client event")

	// ErrUnsupportedKind is returned for message kinds a client may not send.
	ErrUnsupportedKind = errors.New("protocol: unsupported message type")
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event name and the raw JSON frame for deferred decoding
// into a concrete struct.
type Envelope struct {
	Event string          `json:"event"`
	Raw   json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the whole frame and extracts only the "event" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Event == "" {
		return fmt.Errorf("protocol: missing or empty \"event\" field")
	}
	e.Event = partial.Event
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server structs
// ---------------------------------------------------------------------------

// MessageMsg is a chat message sent by the client. Type is "text" or "image";
// for images Content is a base64 data URL.
type MessageMsg struct {
	Event   string `json:"event"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ToChat converts the wire message into its chat variant.
func (m MessageMsg) ToChat() (chat.Message, error) {
	switch chat.Kind(m.Type) {
	case chat.KindText:
		return chat.Text{Content: m.Content}, nil
	case chat.KindImage:
		return chat.Image{Content: m.Content}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, m.Type)
	}
}

// TypingMsg tells the server the client is typing.
type TypingMsg struct {
	Event string `json:"event"`
}

// SkipMsg asks the server to drop the current partner and find a new one.
type SkipMsg struct {
	Event string `json:"event"`
}

// PingMsg is a client-initiated keepalive.
type PingMsg struct {
	Event string `json:"event"`
}

// ---------------------------------------------------------------------------
// Server -> Client structs
// ---------------------------------------------------------------------------

// ServerMessageMsg carries a text, image or system message to the client.
type ServerMessageMsg struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	NSFW    bool   `json:"nsfw,omitempty"`
}

// UpdateUserCountMsg carries the current online count.
type UpdateUserCountMsg struct {
	Count int `json:"count"`
}

// SessionCreatedMsg announces the connection id.
type SessionCreatedMsg struct {
	SessionID string `json:"sessionId"`
}

// RateLimitedMsg tells the client an action was dropped.
type RateLimitedMsg struct {
	RetryAfter int `json:"retryAfter"`
}

// ErrorMsg reports a protocol-level problem with a client frame.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EmptyMsg is the payload of events that carry no fields.
type EmptyMsg struct{}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientMessage decodes a raw frame into the event name and its typed
// struct (MessageMsg, TypingMsg, SkipMsg or PingMsg).
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Event {
	case EventMessage:
		var m MessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case EventTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case EventSkip:
		var m SkipMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case EventPing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Event, nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	if err != nil {
		return env.Event, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Event, err)
	}
	return env.Event, msg, nil
}

// NewServerMessage encodes payload and injects the event name under "event".
func NewServerMessage(event string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{}, 1)
	}

	m["event"] = event

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// Encode renders a chat event as a server frame.
func Encode(ev chat.Event) ([]byte, error) {
	switch e := ev.(type) {
	case chat.Text:
		return NewServerMessage(EventMessage, ServerMessageMsg{Type: string(chat.KindText), Content: e.Content})
	case chat.Image:
		return NewServerMessage(EventMessage, ServerMessageMsg{Type: string(chat.KindImage), Content: e.Content, NSFW: e.NSFW})
	case chat.System:
		return NewServerMessage(EventMessage, ServerMessageMsg{Type: string(chat.KindSystem), Content: e.Content})
	case chat.Typing:
		return NewServerMessage(EventTyping, EmptyMsg{})
	case chat.PartnerFound:
		return NewServerMessage(EventPartnerFound, EmptyMsg{})
	case chat.NoPartner:
		return NewServerMessage(EventNoPartner, EmptyMsg{})
	case chat.PartnerDisconnected:
		return NewServerMessage(EventPartnerDisconnected, EmptyMsg{})
	case chat.UserCount:
		return NewServerMessage(EventUpdateUserCount, UpdateUserCountMsg{Count: e.Count})
	case chat.SessionCreated:
		return NewServerMessage(EventSessionCreated, SessionCreatedMsg{SessionID: e.SessionID})
	case chat.RateLimited:
		return NewServerMessage(EventRateLimited, RateLimitedMsg{RetryAfter: e.RetryAfter})
	default:
		return nil, fmt.Errorf("protocol: cannot encode event %T", ev)
	}
}
