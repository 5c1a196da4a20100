package domain

import (
	"time"

	"github.com/google/uuid"
)

// Session status values surfaced to the CRM backend.
const (
	SessionStatusDisconnected = "disconnected"
	SessionStatusAwaiting     = "awaiting_connection"
	SessionStatusConnected    = "connected"
)

// Linking methods.
const (
	MethodQRCode  = "qrcode"
	MethodPairing = "pairing"
)

const (
	MessageTypeWhatsApp = "whatsapp"
	DirectionReceived   = "received"
	DirectionSent       = "sent"
)

// SessionRow is the persisted mirror of a linking session's status. The
// in-memory registry stays authoritative; this row is best-effort for the CRM.
type SessionRow struct {
	UserID      string    `json:"user_id"`
	Status      string    `json:"status"`
	Method      *string   `json:"method,omitempty"`
	QRCode      *string   `json:"qr_code,omitempty"`
	PairingCode *string   `json:"pairing_code,omitempty"`
	PhoneNumber *string   `json:"phone_number,omitempty"`
	JID         *string   `json:"jid,omitempty"`
	LastError   *string   `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StatusUpdate carries the optional columns written alongside a session
// status change. Nil pointers leave the stored value untouched where the
// column is sticky (method, phone, jid) and clear it otherwise.
type StatusUpdate struct {
	Method      *string
	QRCode      *string
	PairingCode *string
	PhoneNumber *string
	JID         *string
	LastError   *string
}

// Message is an inbound WhatsApp message forwarded to the CRM.
type Message struct {
	ID          uuid.UUID `json:"id"`
	UserID      string    `json:"user_id"`
	FromJID     string    `json:"from_jid"`
	MessageText string    `json:"message_text"`
	MessageType string    `json:"message_type"`
	Direction   string    `json:"direction"`
	CreatedAt   time.Time `json:"created_at"`
}
