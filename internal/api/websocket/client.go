package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	authWait = 10 * time.Second

	maxMessageSize = 8192

	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	logger   *zap.Logger
	operator string

	mu    sync.Mutex
	kinds map[MessageType]bool
}

func (c *Client) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// wants reports whether the client subscribed to t. Clients without a
// subscription receive everything.
func (c *Client) wants(t MessageType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kinds == nil || c.kinds[t]
}

// authenticate reads the first message, which must carry a valid token.
func (c *Client) authenticate() bool {
	c.conn.SetReadDeadline(time.Now().Add(authWait))
	defer c.conn.SetReadDeadline(time.Time{})

	var msg clientMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		return false
	}
	if msg.Type != "auth" || msg.Token == "" {
		c.writeDirect(NewMessage(MessageTypeAuthFailed, "first message must be an auth message with a token"))
		return false
	}

	claims, err := c.hub.validator.ValidateAccessToken(msg.Token)
	if err != nil {
		c.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remote_addr", c.remoteAddr()))
		c.writeDirect(NewMessage(MessageTypeAuthFailed, "invalid or expired token"))
		return false
	}

	c.operator = claims.Operator
	c.logger.Info("WebSocket client authenticated",
		zap.String("remote_addr", c.remoteAddr()),
		zap.String("operator", claims.Operator))
	return true
}

// writeDirect is only used before the write pump starts.
func (c *Client) writeDirect(msg Message) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteJSON(msg)
}

// readPump handles subscription messages from the client
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg clientMessage) {
	switch msg.Type {
	case "subscribe":
		c.mu.Lock()
		if len(msg.Kinds) == 0 {
			c.kinds = nil
		} else {
			c.kinds = make(map[MessageType]bool, len(msg.Kinds))
			for _, k := range msg.Kinds {
				c.kinds[MessageType(k)] = true
			}
		}
		c.mu.Unlock()

		ack, _ := json.Marshal(NewMessage(MessageTypeSubscribed, msg.Kinds))
		select {
		case c.send <- ack:
		default:
		}
	default:
		c.logger.Debug("Ignoring client message",
			zap.String("remote_addr", c.remoteAddr()),
			zap.String("type", msg.Type))
	}
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs upgrades the request, authenticates the client if the hub has a
// validator, sends the current status and registers the client.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
	}

	if hub.validator != nil {
		if !client.authenticate() {
			conn.Close()
			return
		}
		client.writeDirect(NewMessage(MessageTypeAuthSuccess, map[string]string{"operator": client.operator}))
	}
	if hub.status != nil {
		client.writeDirect(NewMessage(MessageTypeMachineStatus, hub.status.Snapshot()))
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
