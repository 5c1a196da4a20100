package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this interval (must be < pongWait)
	pingInterval = 30 * time.Second
)

// Event types pushed to CRM frontends.
const (
	EventSessionStatus = "session_status"
	EventArtifact      = "artifact"
	EventNewMessage    = "new_message"
)

// Message is a WebSocket frame. UserID scopes delivery: empty means all
// subscribers.
type Message struct {
	Event  string      `json:"event"`
	UserID string      `json:"user_id,omitempty"`
	Data   interface{} `json:"data"`
}

// Client is one connected frontend. A client subscribed to a user ID only
// receives that user's session events; an unscoped client receives all.
type Client struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte
	Hub    *Hub
}

func NewClient(conn *websocket.Conn, userID string, hub *Hub) *Client {
	return &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		Conn:   conn,
		Send:   make(chan []byte, 64),
		Hub:    hub,
	}
}

// Hub fans session lifecycle events out to subscribed clients.
type Hub struct {
	clients map[*Client]bool

	// Clients indexed by user ID for scoped broadcasts
	userClients map[string]map[*Client]bool

	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		userClients: make(map[string]map[*Client]bool),
		broadcast:   make(chan *Message, 256),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if client.UserID != "" {
				if _, ok := h.userClients[client.UserID]; !ok {
					h.userClients[client.UserID] = make(map[*Client]bool)
				}
				h.userClients[client.UserID][client] = true
			}
			h.mu.Unlock()
			log.Printf("[WS Hub] Client registered: %s (user: %s)", client.ID, client.UserID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				if subs, ok := h.userClients[client.UserID]; ok {
					delete(subs, client)
					if len(subs) == 0 {
						delete(h.userClients, client.UserID)
					}
				}
				close(client.Send)
			}
			h.mu.Unlock()
			log.Printf("[WS Hub] Client unregistered: %s", client.ID)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

func (h *Hub) broadcastMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WS Hub] Error marshaling message: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		// Scoped clients only get their own user's events.
		if client.UserID != "" && msg.UserID != "" && client.UserID != msg.UserID {
			continue
		}
		select {
		case client.Send <- data:
		default:
			// Client buffer full, remove it
			go func(c *Client) {
				h.unregister <- c
			}(client)
		}
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastSessionStatus pushes a lifecycle transition.
func (h *Hub) BroadcastSessionStatus(userID, status string) {
	h.broadcast <- &Message{
		Event:  EventSessionStatus,
		UserID: userID,
		Data:   map[string]interface{}{"status": status},
	}
}

// BroadcastArtifact pushes a fresh QR data URL or pairing code.
func (h *Hub) BroadcastArtifact(userID, method, value string) {
	h.broadcast <- &Message{
		Event:  EventArtifact,
		UserID: userID,
		Data:   map[string]interface{}{"method": method, "value": value},
	}
}

// BroadcastInbound pushes an inbound message notification.
func (h *Hub) BroadcastInbound(userID string, data interface{}) {
	h.broadcast <- &Message{
		Event:  EventNewMessage,
		UserID: userID,
		Data:   data,
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ReadPump reads messages from the WebSocket connection.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("[WS Client] Read error: %v", err)
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("[WS Client] Invalid message format: %v", err)
			continue
		}

		if msg.Event == "ping" {
			c.Send <- []byte(`{"event":"pong"}`)
		}
	}
}

// WritePump writes messages to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[WS Client] Write error: %v", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("[WS Client] Ping error: %v", err)
				return
			}
		}
	}
}
