// Package whatsapp is the boundary to the messaging network. The core only
// depends on the Client and Dialer interfaces defined here; the whatsmeow
// implementation lives in meow.go and is the single place that knows about
// the wire protocol.
package whatsapp

import "context"

// Event is a connection lifecycle or message event. Concrete types:
// QREvent, ConnectedEvent, AuthFailureEvent, DisconnectedEvent,
// MessageEvent.
type Event interface {
	isEvent()
}

// QREvent carries a fresh pairing code. Several may arrive while the user
// has not yet scanned; each supersedes the previous one.
type QREvent struct {
	Code string
}

// ConnectedEvent fires once the connection is open and authenticated.
type ConnectedEvent struct{}

// AuthFailureEvent fires when a pairing attempt is rejected. The
// connection stays up and a new QR code will follow.
type AuthFailureEvent struct {
	Err error
}

// DisconnectedEvent fires when the connection closes, for any reason. It is
// always the last event before the stream ends or a restart.
type DisconnectedEvent struct {
	Reason Reason
}

// MessageEvent is an inbound text message.
type MessageEvent struct {
	Chat   string // JID of the chat to reply into
	Sender string // bare user part of the sender JID
	Text   string
	FromMe bool
}

func (QREvent) isEvent()           {}
func (ConnectedEvent) isEvent()    {}
func (AuthFailureEvent) isEvent()  {}
func (DisconnectedEvent) isEvent() {}
func (MessageEvent) isEvent()      {}

// Client is one live connection handle.
type Client interface {
	// Connect opens the connection. For an unpaired session this starts
	// the QR pairing flow; QREvent values will arrive on Events.
	Connect(ctx context.Context) error

	// Events returns the event stream. The channel is closed by Close.
	Events() <-chan Event

	// Send delivers a text message to a chat.
	Send(ctx context.Context, chat, text string) error

	// Close tears the connection down and closes the event stream.
	// Idempotent.
	Close()
}

// Dialer creates connection handles for sessions.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Client, error)
}
