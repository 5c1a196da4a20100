// Package session holds the per-user WhatsApp linking lifecycle: the registry
// of live sessions, the state machine driven by provider events, and the
// bounded-wait accessor the connect handler uses to bridge the asynchronous
// artifact stream into a synchronous response.
package session

import (
	"github.com/cxcodigodaconversao/crm-bot-api/internal/domain"
	"github.com/cxcodigodaconversao/crm-bot-api/internal/provider"
)

type State int

const (
	StateStarting State = iota
	StateAwaitingArtifact
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateAwaitingArtifact:
		return "awaiting_artifact"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Status maps a state onto the status vocabulary exposed to the CRM.
func (s State) Status() string {
	switch s {
	case StateConnected:
		return domain.SessionStatusConnected
	case StateClosed:
		return domain.SessionStatusDisconnected
	default:
		return domain.SessionStatusAwaiting
	}
}

type ArtifactKind int

const (
	ArtifactNone ArtifactKind = iota
	ArtifactQR
	ArtifactPairing
)

// Artifact is the single-slot credential artifact presented to the user:
// a QR data URL or a numeric pairing code. Only the most recent one is kept.
type Artifact struct {
	Kind  ArtifactKind
	Value string
}

// Session is one user's linking attempt. All fields are guarded by the
// manager's lock; the provider handle is owned exclusively by the manager.
type Session struct {
	UserID   string
	State    State
	Artifact Artifact
	Method   string // "", domain.MethodQRCode or domain.MethodPairing

	// pairingOnly is set when a phone number was supplied at start; QR
	// artifacts are suppressed for the session's whole lifetime.
	pairingOnly bool
	qrAttempts  int
	handle      provider.Handle
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		UserID:   s.UserID,
		State:    s.State,
		Method:   s.Method,
		Artifact: s.Artifact,
	}
}

// Snapshot is an immutable copy of a session's externally visible state.
type Snapshot struct {
	UserID   string
	State    State
	Method   string
	Artifact Artifact
}

// QRCode returns the QR artifact value, or nil.
func (s Snapshot) QRCode() *string {
	if s.Artifact.Kind == ArtifactQR {
		v := s.Artifact.Value
		return &v
	}
	return nil
}

// PairingCode returns the pairing artifact value, or nil.
func (s Snapshot) PairingCode() *string {
	if s.Artifact.Kind == ArtifactPairing {
		v := s.Artifact.Value
		return &v
	}
	return nil
}
