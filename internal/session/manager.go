package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cxcodigodaconversao/crm-bot-api/internal/domain"
	"github.com/cxcodigodaconversao/crm-bot-api/internal/provider"
)

// ErrNotConnected is returned when an outbound send is attempted on a session
// that is not in the connected state.
var ErrNotConnected = errors.New("session is not connected")

// StatusStore mirrors session status into the CRM database. Writes are
// best-effort: failures are logged and never block a transition.
type StatusStore interface {
	UpsertStatus(ctx context.Context, userID, status string, upd domain.StatusUpdate) error
}

// MessageStore persists inbound messages for the CRM.
type MessageStore interface {
	Insert(ctx context.Context, msg *domain.Message) error
}

// ArtifactStore archives rendered QR images.
type ArtifactStore interface {
	SaveQRImage(ctx context.Context, userID string, png []byte) (string, error)
	DeleteQRImage(ctx context.Context, userID string) error
}

// Broadcaster pushes lifecycle events to connected frontends.
type Broadcaster interface {
	BroadcastSessionStatus(userID, status string)
	BroadcastArtifact(userID, method, value string)
	BroadcastInbound(userID string, data interface{})
}

// Config holds the lifecycle timings. The three durations are independent:
// the connect handler's poll loop, the warm-up before a pairing-code request,
// and the interval between polls.
type Config struct {
	PollInterval  time.Duration
	PollTimeout   time.Duration
	PairingWarmup time.Duration
	QRMaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 20 * time.Second
	}
	if c.QRMaxAttempts <= 0 {
		c.QRMaxAttempts = 5
	}
	return c
}

// Manager owns the session registry and applies provider events to it. It is
// the only writer; handlers read through snapshots.
type Manager struct {
	cfg      Config
	provider provider.Provider

	status    StatusStore
	messages  MessageStore
	artifacts ArtifactStore
	hub       Broadcaster

	mu       sync.RWMutex
	registry *Registry
}

func NewManager(p provider.Provider, cfg Config) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		provider: p,
		registry: NewRegistry(),
	}
}

// SetPersistence wires the CRM persistence collaborators. Either may be nil.
func (m *Manager) SetPersistence(status StatusStore, messages MessageStore) {
	m.status = status
	m.messages = messages
}

// SetArtifactStore enables QR image archival.
func (m *Manager) SetArtifactStore(s ArtifactStore) {
	m.artifacts = s
}

// SetBroadcaster enables frontend event pushes.
func (m *Manager) SetBroadcaster(b Broadcaster) {
	m.hub = b
}

// Snapshot returns the current state of a user's session, if one is live.
func (m *Manager) Snapshot(userID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.registry.Get(userID)
	if !ok {
		return Snapshot{UserID: userID, State: StateClosed}, false
	}
	return sess.snapshot(), true
}

// Status maps the registry entry for a user onto the CRM status vocabulary.
// An absent entry reports disconnected regardless of what the database says.
func (m *Manager) Status(userID string) string {
	snap, ok := m.Snapshot(userID)
	if !ok {
		return domain.SessionStatusDisconnected
	}
	return snap.State.Status()
}

// StartSession opens a provider connection for the user unless one is already
// live, in which case the existing record is returned untouched. When a phone
// number is supplied the session is pairing-only: a pairing code is requested
// synchronously and QR artifacts are suppressed for the session's lifetime.
func (m *Manager) StartSession(ctx context.Context, userID, phoneNumber string) (Snapshot, error) {
	m.mu.Lock()
	if sess, ok := m.registry.Get(userID); ok && sess.State != StateClosed {
		snap := sess.snapshot()
		m.mu.Unlock()
		return snap, nil
	}
	sess := &Session{
		UserID:      userID,
		State:       StateStarting,
		pairingOnly: phoneNumber != "",
	}
	if sess.pairingOnly {
		sess.Method = domain.MethodPairing
	}
	m.registry.Put(userID, sess)
	m.mu.Unlock()

	handle, err := m.provider.Open(ctx, userID)
	if err != nil {
		m.mu.Lock()
		m.registry.Remove(userID)
		m.mu.Unlock()
		reason := err.Error()
		m.persistStatus(userID, domain.SessionStatusDisconnected, domain.StatusUpdate{LastError: &reason})
		return Snapshot{UserID: userID, State: StateClosed}, fmt.Errorf("failed to open provider connection: %w", err)
	}

	m.mu.Lock()
	sess.handle = handle
	m.mu.Unlock()

	go m.consumeEvents(userID, handle)

	if phoneNumber != "" {
		m.requestPairing(ctx, userID, handle, phoneNumber)
	}

	snap, _ := m.Snapshot(userID)
	return snap, nil
}

// requestPairing waits out the provider warm-up, then asks for a pairing
// code. Failure is logged only: the session stays registered and the client
// may retry with a fresh connect call.
func (m *Manager) requestPairing(ctx context.Context, userID string, handle provider.Handle, phoneNumber string) {
	if m.cfg.PairingWarmup > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.PairingWarmup):
		}
	}

	phone := cleanPhone(phoneNumber)
	code, err := handle.RequestPairingCode(ctx, phone)
	if err != nil {
		log.Printf("[Session %s] Pairing code request failed: %v", userID, err)
		return
	}

	m.mu.Lock()
	sess, ok := m.registry.Get(userID)
	if !ok || sess.handle != handle || sess.State == StateClosed {
		m.mu.Unlock()
		return
	}
	if sess.State == StateStarting {
		sess.State = StateAwaitingArtifact
	}
	sess.Artifact = Artifact{Kind: ArtifactPairing, Value: code}
	sess.Method = domain.MethodPairing
	m.mu.Unlock()

	method := domain.MethodPairing
	m.persistStatus(userID, domain.SessionStatusAwaiting, domain.StatusUpdate{
		Method:      &method,
		PairingCode: &code,
		PhoneNumber: &phone,
	})
	if m.hub != nil {
		m.hub.BroadcastArtifact(userID, domain.MethodPairing, code)
	}
	log.Printf("[Session %s] Pairing code generated", userID)
}

// WaitForArtifact polls the registry until the session has an artifact, is
// connected, or the configured timeout elapses. Returns the last snapshot
// seen either way; a timeout is not an error, the artifact may simply be
// slow.
func (m *Manager) WaitForArtifact(ctx context.Context, userID string) Snapshot {
	deadline := time.Now().Add(m.cfg.PollTimeout)
	for {
		snap, ok := m.Snapshot(userID)
		if !ok || snap.Artifact.Kind != ArtifactNone || snap.State == StateConnected {
			return snap
		}
		if !time.Now().Before(deadline) {
			return snap
		}
		select {
		case <-ctx.Done():
			return snap
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

// SendText sends an outbound message through a connected session.
func (m *Manager) SendText(ctx context.Context, userID, to, text string) error {
	m.mu.RLock()
	sess, ok := m.registry.Get(userID)
	if !ok || sess.State != StateConnected || sess.handle == nil {
		m.mu.RUnlock()
		return ErrNotConnected
	}
	handle := sess.handle
	m.mu.RUnlock()

	if err := handle.SendText(ctx, to, text); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Disconnect closes a user's provider handle. The close event coming back
// through the stream performs the registry eviction.
func (m *Manager) Disconnect(userID string) error {
	m.mu.RLock()
	sess, ok := m.registry.Get(userID)
	if !ok || sess.handle == nil {
		m.mu.RUnlock()
		return fmt.Errorf("no active session for %s", userID)
	}
	handle := sess.handle
	m.mu.RUnlock()

	handle.Close()
	return nil
}

// Shutdown closes every live handle. Called on process exit only.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	sessions := m.registry.All()
	m.mu.RUnlock()

	for _, sess := range sessions {
		if sess.handle != nil {
			sess.handle.Close()
		}
	}
}

// consumeEvents is the single consumer of a handle's event stream; it applies
// events in delivery order, preserving the single-writer invariant per
// session. When the stream ends without a close event the session is closed
// synthetically.
func (m *Manager) consumeEvents(userID string, handle provider.Handle) {
	for ev := range handle.Events() {
		m.applyEvent(userID, handle, ev)
	}
	m.applyEvent(userID, handle, provider.Event{Kind: provider.EventClosed, Reason: "event stream ended"})
}

func (m *Manager) applyEvent(userID string, handle provider.Handle, ev provider.Event) {
	switch ev.Kind {
	case provider.EventCredentials:
		// Side-channel persistence obligation, independent of state.
		if err := handle.SaveCredentials(context.Background()); err != nil {
			log.Printf("[Session %s] Failed to save credentials: %v", userID, err)
		}
	case provider.EventQR:
		m.applyQR(userID, handle, ev)
	case provider.EventOpened:
		m.applyOpened(userID, handle, ev)
	case provider.EventClosed:
		m.applyClosed(userID, handle, ev)
	case provider.EventMessage:
		m.applyMessage(userID, handle, ev)
	}
}

func (m *Manager) applyQR(userID string, handle provider.Handle, ev provider.Event) {
	m.mu.Lock()
	sess, ok := m.registry.Get(userID)
	if !ok || sess.handle != handle || sess.State == StateClosed || sess.State == StateConnected {
		m.mu.Unlock()
		return
	}
	if sess.pairingOnly {
		// Phone number was supplied: the two artifact kinds are mutually
		// exclusive per session, so the QR is dropped.
		m.mu.Unlock()
		return
	}
	sess.qrAttempts++
	if sess.qrAttempts > m.cfg.QRMaxAttempts {
		// Stop surfacing regenerated codes; the provider's own QR timeout
		// will close the session.
		m.mu.Unlock()
		log.Printf("[Session %s] QR attempt limit reached, ignoring regenerated code", userID)
		return
	}
	sess.Artifact = Artifact{Kind: ArtifactQR, Value: ev.QRDataURL}
	sess.Method = domain.MethodQRCode
	sess.State = StateAwaitingArtifact
	m.mu.Unlock()

	if m.artifacts != nil && len(ev.QRPNG) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := m.artifacts.SaveQRImage(ctx, userID, ev.QRPNG); err != nil {
			log.Printf("[Session %s] Failed to archive QR image: %v", userID, err)
		}
		cancel()
	}

	method := domain.MethodQRCode
	qr := ev.QRDataURL
	m.persistStatus(userID, domain.SessionStatusAwaiting, domain.StatusUpdate{
		Method: &method,
		QRCode: &qr,
	})
	if m.hub != nil {
		m.hub.BroadcastArtifact(userID, domain.MethodQRCode, ev.QRDataURL)
	}
	log.Printf("[Session %s] QR code generated (attempt %d)", userID, m.attempts(userID))
}

func (m *Manager) applyOpened(userID string, handle provider.Handle, ev provider.Event) {
	m.mu.Lock()
	sess, ok := m.registry.Get(userID)
	if !ok || sess.handle != handle || sess.State == StateClosed {
		m.mu.Unlock()
		return
	}
	sess.Artifact = Artifact{}
	sess.State = StateConnected
	m.mu.Unlock()

	m.dropArtifactImage(userID)

	phone := phoneFromIdentity(ev.Identity)
	upd := domain.StatusUpdate{}
	if phone != "" {
		upd.PhoneNumber = &phone
	}
	if ev.Identity != "" {
		jid := ev.Identity
		upd.JID = &jid
	}
	m.persistStatus(userID, domain.SessionStatusConnected, upd)
	if m.hub != nil {
		m.hub.BroadcastSessionStatus(userID, domain.SessionStatusConnected)
	}
	log.Printf("[Session %s] Connected as %s", userID, ev.Identity)
}

func (m *Manager) applyClosed(userID string, handle provider.Handle, ev provider.Event) {
	m.mu.Lock()
	sess, ok := m.registry.Get(userID)
	if !ok || sess.handle != handle {
		// Already evicted, or a newer session took over the user ID.
		m.mu.Unlock()
		return
	}
	sess.Artifact = Artifact{}
	sess.State = StateClosed
	m.registry.Remove(userID)
	m.mu.Unlock()

	// Release the provider side; the eviction above makes any events still
	// in flight from this handle no-ops.
	handle.Close()

	m.dropArtifactImage(userID)

	upd := domain.StatusUpdate{}
	if ev.Reason != "" {
		reason := ev.Reason
		upd.LastError = &reason
	}
	m.persistStatus(userID, domain.SessionStatusDisconnected, upd)
	if m.hub != nil {
		m.hub.BroadcastSessionStatus(userID, domain.SessionStatusDisconnected)
	}
	log.Printf("[Session %s] Closed: %s", userID, ev.Reason)
}

func (m *Manager) applyMessage(userID string, handle provider.Handle, ev provider.Event) {
	if ev.Message == nil || ev.Message.FromMe || ev.Message.Text == "" {
		return
	}
	m.mu.RLock()
	sess, ok := m.registry.Get(userID)
	live := ok && sess.handle == handle && sess.State == StateConnected
	m.mu.RUnlock()
	if !live {
		return
	}

	msg := &domain.Message{
		UserID:      userID,
		FromJID:     ev.Message.From,
		MessageText: ev.Message.Text,
		MessageType: domain.MessageTypeWhatsApp,
		Direction:   domain.DirectionReceived,
	}
	if m.messages != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.messages.Insert(ctx, msg); err != nil {
			log.Printf("[Session %s] Failed to save inbound message: %v", userID, err)
		}
		cancel()
	}
	if m.hub != nil {
		m.hub.BroadcastInbound(userID, msg)
	}
}

// persistStatus mirrors a transition into the CRM database. Best-effort per
// the error model: a failed write never blocks the transition that caused it.
func (m *Manager) persistStatus(userID, status string, upd domain.StatusUpdate) {
	if m.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.status.UpsertStatus(ctx, userID, status, upd); err != nil {
		log.Printf("[Session %s] Failed to persist status %q: %v", userID, status, err)
	}
}

func (m *Manager) dropArtifactImage(userID string) {
	if m.artifacts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.artifacts.DeleteQRImage(ctx, userID); err != nil {
		log.Printf("[Session %s] Failed to remove archived QR image: %v", userID, err)
	}
}

func (m *Manager) attempts(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sess, ok := m.registry.Get(userID); ok {
		return sess.qrAttempts
	}
	return 0
}

// cleanPhone strips everything but digits, matching what the provider
// expects for pairing-code requests.
func cleanPhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// phoneFromIdentity extracts the bare phone number from an authenticated JID
// like "5511999999999:12@s.whatsapp.net".
func phoneFromIdentity(identity string) string {
	if identity == "" {
		return ""
	}
	phone := identity
	if i := strings.IndexAny(phone, ":@"); i >= 0 {
		phone = phone[:i]
	}
	return phone
}
