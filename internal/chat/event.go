// Package chat defines the events exchanged between a connection and the
// relay. Event is a closed union: every concrete type lives in this file, so a
// type switch over Event in the protocol encoder covers every case.
package chat

// Kind is the payload kind carried by a message event.
type Kind string

const (
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindSystem Kind = "system"
)

// SystemErrorText is the notice sent to an image sender when moderation fails.
const SystemErrorText = "There was an error. Please try again."

// Event is any value delivered to a connection.
type Event interface {
	isEvent()
}

// Message is an Event carried by the "message" wire event.
type Message interface {
	Event
	Kind() Kind
}

// Text is a plain chat message, relayed verbatim.
type Text struct {
	Content string
}

// Image is an image message. Content is a base64 data URL. NSFW is set by the
// moderation gate when the classifier flags the image.
type Image struct {
	Content string
	NSFW    bool
}

// System is a server-originated notice shown inline in the chat.
type System struct {
	Content string
}

// Typing signals that the partner is typing. It carries no content.
type Typing struct{}

// PartnerFound tells a connection it has been paired.
type PartnerFound struct{}

// NoPartner tells a connection it is waiting for a partner.
type NoPartner struct{}

// PartnerDisconnected tells a connection its partner skipped or left.
type PartnerDisconnected struct{}

// UserCount carries the process-wide online count.
type UserCount struct {
	Count int
}

// SessionCreated announces the connection's own id right after upgrade.
type SessionCreated struct {
	SessionID string
}

// RateLimited tells a connection an action was dropped by the rate limiter.
type RateLimited struct {
	RetryAfter int // seconds
}

func (Text) isEvent()                {}
func (Image) isEvent()               {}
func (System) isEvent()              {}
func (Typing) isEvent()              {}
func (PartnerFound) isEvent()        {}
func (NoPartner) isEvent()           {}
func (PartnerDisconnected) isEvent() {}
func (UserCount) isEvent()           {}
func (SessionCreated) isEvent()      {}
func (RateLimited) isEvent()         {}

func (Text) Kind() Kind   { return KindText }
func (Image) Kind() Kind  { return KindImage }
func (System) Kind() Kind { return KindSystem }
