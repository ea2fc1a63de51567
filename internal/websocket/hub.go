// Package websocket provides WebSocket connection management and message broadcasting.
package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync"
)

// envelope is a message addressed to one user's clients. An empty user
// reaches every client.
type envelope struct {
	userID       string
	connectionID string
	data         []byte
}

// Hub maintains the set of active WebSocket clients and broadcasts messages.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Outbound messages
	broadcast chan envelope

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	// Mutex for thread-safe client access
	mu sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop until ctx is done.
// This should be called in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			close(h.done)
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client disconnected (total: %d)", n)

		case env := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(env.userID, env.connectionID) {
					continue
				}
				select {
				case client.send <- env.data:
				default:
					// Client send buffer full, close connection
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends a message to every connected client.
func (h *Hub) Broadcast(message []byte) {
	h.Publish("", "", message)
}

// Publish sends a message about a connection to the clients of userID.
func (h *Hub) Publish(userID, connectionID string, message []byte) {
	select {
	case h.broadcast <- envelope{userID: userID, connectionID: connectionID, data: message}:
	default:
		log.Println("Broadcast channel full, dropping message")
	}
}

// Register adds a client to the hub. It takes effect before returning.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		close(client.send)
		return
	default:
	}
	h.clients[client] = true
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("WebSocket client connected (total: %d)", n)
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client represents a WebSocket client connection. A client with a user
// id only receives that user's events; subscriptions narrow them further
// to specific connections.
type Client struct {
	hub    *Hub
	send   chan []byte
	userID string

	mu   sync.Mutex
	subs map[string]bool
}

// NewClient creates a new WebSocket client.
func NewClient(hub *Hub, userID string) *Client {
	return &Client{
		hub:    hub,
		send:   make(chan []byte, 256),
		userID: userID,
		subs:   make(map[string]bool),
	}
}

// Send returns the send channel for the client.
func (c *Client) Send() chan []byte {
	return c.send
}

func (c *Client) wants(userID, connectionID string) bool {
	if userID != "" && c.userID != "" && userID != c.userID {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 || connectionID == "" {
		return true
	}
	return c.subs[connectionID]
}

// Reply queues a message for this client only. It returns false if the
// client is gone or its queue is full.
func (c *Client) Reply(message []byte) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// Handle processes one client command and returns the reply to send.
func (c *Client) Handle(raw []byte) Message {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return NewMessage(TypeError, ErrorPayload{Code: "bad_request", Message: "invalid message"})
	}

	switch cmd.Type {
	case TypePing:
		return NewMessage(TypePong, nil)

	case TypeSubscribe, TypeUnsubscribe:
		var p SubscribePayload
		if len(cmd.Payload) > 0 {
			if err := json.Unmarshal(cmd.Payload, &p); err != nil {
				return NewMessage(TypeError, ErrorPayload{
					Code:         "bad_request",
					Message:      "invalid subscription",
					OriginalType: string(cmd.Type),
				})
			}
		}
		c.mu.Lock()
		for _, id := range p.ConnectionIDs {
			if cmd.Type == TypeSubscribe {
				c.subs[id] = true
			} else {
				delete(c.subs, id)
			}
		}
		ack := SubscribePayload{ConnectionIDs: make([]string, 0, len(c.subs))}
		for id := range c.subs {
			ack.ConnectionIDs = append(ack.ConnectionIDs, id)
		}
		c.mu.Unlock()
		return NewMessage(TypeSubscribeAck, ack)
	}

	return NewMessage(TypeError, ErrorPayload{
		Code:         "unknown_type",
		Message:      "unsupported message type",
		OriginalType: string(cmd.Type),
	})
}
