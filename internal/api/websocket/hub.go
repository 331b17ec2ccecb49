package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/KevinKickass/OpenKitchenCore/internal/auth"
	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"go.uber.org/zap"
)

// TokenValidator checks the token a client sends in its auth message.
type TokenValidator interface {
	ValidateAccessToken(token string) (*auth.JWTClaims, error)
}

// StatusProvider supplies the snapshot sent to freshly authenticated clients.
type StatusProvider interface {
	Snapshot() any
}

// Hub maintains active WebSocket clients and fans bus events out to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu sync.RWMutex

	logger    *zap.Logger
	validator TokenValidator
	status    StatusProvider

	bus *events.Bus
	sub events.Subscription
}

// NewHub creates a hub. A nil validator accepts clients without an auth
// message.
func NewHub(logger *zap.Logger, validator TokenValidator, status StatusProvider) *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		logger:     logger.Named("websocket"),
		validator:  validator,
		status:     status,
	}
}

// Attach subscribes the hub to every bus event.
func (h *Hub) Attach(bus *events.Bus) {
	h.bus = bus
	h.sub = bus.SubscribeAll(h)
}

func (h *Hub) Detach() {
	if h.bus != nil {
		h.bus.Unsubscribe(h.sub)
	}
}

func (h *Hub) HandleEvent(_ context.Context, e events.Event) error {
	h.Broadcast(NewEventMessage(e))
	return nil
}

// Run starts the hub's main loop and returns when ctx is done, closing every
// client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket Hub started")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("remote_addr", client.remoteAddr()),
				zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote_addr", client.remoteAddr()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(message.Type) {
					continue
				}
				select {
				case client.send <- data:
				default:
					// Slow or dead client.
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("remote_addr", client.remoteAddr()))
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
