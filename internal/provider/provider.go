// Package provider abstracts the WhatsApp linking provider: opening a
// connection attempt for a user, streaming its lifecycle events, and sending
// messages once the connection is open. The session manager only sees these
// interfaces; the wire protocol, QR rendering and credential storage live in
// the whatsmeow-backed implementation.
package provider

import "context"

type EventKind int

const (
	// EventCredentials signals that auth material changed and should be saved.
	EventCredentials EventKind = iota
	// EventQR carries a freshly rendered QR artifact.
	EventQR
	// EventOpened signals the connection is authenticated and usable.
	EventOpened
	// EventClosed signals the connection is gone; terminal for the session.
	EventClosed
	// EventMessage carries an inbound message on an open connection.
	EventMessage
)

// InboundMessage is a text message received on an open connection.
type InboundMessage struct {
	From   string
	Text   string
	FromMe bool
}

// Event is a single lifecycle event delivered on a handle's stream. Only the
// fields matching Kind are populated.
type Event struct {
	Kind      EventKind
	QRDataURL string // EventQR: rendered image as a data URL
	QRPNG     []byte // EventQR: raw PNG bytes for archival
	Identity  string // EventOpened: authenticated JID
	Reason    string // EventClosed
	Message   *InboundMessage
}

// Handle is one live connection attempt. The session manager owns its
// lifetime exclusively.
type Handle interface {
	// Events returns the lifecycle event stream. The channel is closed when
	// the handle is closed; a slow consumer may miss events rather than block
	// the provider.
	Events() <-chan Event

	// RequestPairingCode asks the provider for a phone-pairing code.
	RequestPairingCode(ctx context.Context, phoneNumber string) (string, error)

	// SaveCredentials persists the current auth material to the credential
	// store that loaded it.
	SaveCredentials(ctx context.Context) error

	// SendText sends a text message. Only valid once the connection is open.
	SendText(ctx context.Context, to, text string) error

	// Close tears down the connection and closes the event stream. Safe to
	// call more than once.
	Close()
}

// Provider opens connection attempts.
type Provider interface {
	Open(ctx context.Context, userID string) (Handle, error)
}
