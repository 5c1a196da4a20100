package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for whatsmeow sqlstore
	qrcode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

const eventBuffer = 32

// StoredJIDs resolves a previously linked JID for a user, so reconnects can
// reuse the stored credentials instead of pairing again.
type StoredJIDs interface {
	GetStoredJID(ctx context.Context, userID string) (string, error)
}

// Whatsmeow is the whatsmeow-backed linking provider. The sqlstore container
// doubles as the credential store: auth material is loaded per user on Open
// and saved on credential-update events.
type Whatsmeow struct {
	container *sqlstore.Container
	jids      StoredJIDs
}

func NewWhatsmeow(ctx context.Context, databaseURL string, jids StoredJIDs) (*Whatsmeow, error) {
	dbLog := waLog.Stdout("Database", "WARN", true)
	container, err := sqlstore.New(ctx, "pgx", databaseURL, dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize whatsmeow store: %w", err)
	}

	store.DeviceProps.Os = proto.String("CRM Bot API")
	store.DeviceProps.RequireFullSync = proto.Bool(false)

	return &Whatsmeow{container: container, jids: jids}, nil
}

// Open loads credentials for the user, connects a client and starts
// translating whatsmeow events onto the handle's stream. A client with no
// stored identity goes through the QR channel; a restored one connects
// directly.
func (p *Whatsmeow) Open(ctx context.Context, userID string) (Handle, error) {
	device, err := p.loadDevice(ctx, userID)
	if err != nil {
		return nil, err
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	client := whatsmeow.NewClient(device, clientLog)
	client.EnableAutoReconnect = false
	client.AutoTrustIdentity = true

	h := &whatsmeowHandle{
		userID: userID,
		client: client,
		device: device,
		events: make(chan Event, eventBuffer),
	}
	client.AddEventHandler(h.translate)

	if client.Store.ID == nil {
		// Fresh link: the QR channel must be requested before connecting.
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get QR channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		go h.pumpQR(qrChan)
	} else {
		if err := client.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
	}

	return h, nil
}

func (p *Whatsmeow) loadDevice(ctx context.Context, userID string) (*store.Device, error) {
	if p.jids != nil {
		stored, err := p.jids.GetStoredJID(ctx, userID)
		if err != nil {
			log.Printf("[Provider] Failed to look up stored JID for %s: %v", userID, err)
		} else if stored != "" {
			if jid, err := types.ParseJID(stored); err == nil {
				device, err := p.container.GetDevice(ctx, jid)
				if err == nil && device != nil {
					return device, nil
				}
			}
		}
	}
	return p.container.NewDevice(), nil
}

type whatsmeowHandle struct {
	userID string
	client *whatsmeow.Client
	device *store.Device

	mu     sync.Mutex
	closed bool
	events chan Event

	closeOnce sync.Once
}

func (h *whatsmeowHandle) Events() <-chan Event {
	return h.events
}

func (h *whatsmeowHandle) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	code, err := h.client.PairPhone(ctx, phoneNumber, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", fmt.Errorf("failed to request pairing code: %w", err)
	}
	return code, nil
}

func (h *whatsmeowHandle) SaveCredentials(ctx context.Context) error {
	return h.device.Save(ctx)
}

func (h *whatsmeowHandle) SendText(ctx context.Context, to, text string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		if strings.Contains(to, "@") {
			return fmt.Errorf("invalid JID: %s", to)
		}
		jid = types.NewJID(to, types.DefaultUserServer)
	}

	_, err = h.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	return err
}

func (h *whatsmeowHandle) Close() {
	h.closeOnce.Do(func() {
		h.client.RemoveEventHandlers()
		h.client.Disconnect()
		h.mu.Lock()
		h.closed = true
		close(h.events)
		h.mu.Unlock()
	})
}

// emit delivers an event without ever blocking the whatsmeow dispatch
// goroutine: a full buffer drops the event, the consumer will catch up from
// registry state.
func (h *whatsmeowHandle) emit(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	default:
		log.Printf("[Provider %s] Event buffer full, dropping event kind %d", h.userID, ev.Kind)
	}
}

// translate maps whatsmeow events onto the provider event vocabulary.
func (h *whatsmeowHandle) translate(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.PairSuccess:
		h.emit(Event{Kind: EventCredentials})

	case *events.Connected:
		identity := ""
		if h.client.Store.ID != nil {
			identity = h.client.Store.ID.String()
		}
		h.emit(Event{Kind: EventCredentials})
		h.emit(Event{Kind: EventOpened, Identity: identity})

	case *events.LoggedOut:
		h.emit(Event{Kind: EventClosed, Reason: fmt.Sprintf("logged out (%v)", evt.Reason)})

	case *events.Disconnected:
		h.emit(Event{Kind: EventClosed, Reason: "connection lost"})

	case *events.ConnectFailure:
		h.emit(Event{Kind: EventClosed, Reason: fmt.Sprintf("connect failure (%v)", evt.Reason)})

	case *events.Message:
		h.translateMessage(evt)
	}
}

func (h *whatsmeowHandle) translateMessage(evt *events.Message) {
	// Only 1-to-1 chats are forwarded to the CRM.
	switch evt.Info.Chat.Server {
	case "broadcast", "g.us", "newsletter":
		return
	}

	text := evt.Message.GetConversation()
	if text == "" && evt.Message.GetExtendedTextMessage() != nil {
		text = evt.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		return
	}

	h.emit(Event{Kind: EventMessage, Message: &InboundMessage{
		From:   evt.Info.Chat.ToNonAD().String(),
		Text:   text,
		FromMe: evt.Info.IsFromMe,
	}})
}

// pumpQR renders QR channel items into artifact events. The channel closes
// when the client pairs, times out or disconnects.
func (h *whatsmeowHandle) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			png, err := qrcode.Encode(evt.Code, qrcode.Medium, 256)
			if err != nil {
				log.Printf("[Provider %s] Failed to render QR code: %v", h.userID, err)
				continue
			}
			dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
			h.emit(Event{Kind: EventQR, QRDataURL: dataURL, QRPNG: png})

		case whatsmeow.QRChannelSuccess.Event:
			// Connected event follows and carries the identity.

		case whatsmeow.QRChannelTimeout.Event:
			h.emit(Event{Kind: EventClosed, Reason: "qr scan timed out"})

		case whatsmeow.QRChannelErrUnexpectedEvent.Event:
			h.emit(Event{Kind: EventClosed, Reason: "unexpected state during pairing"})
		}
	}
}
