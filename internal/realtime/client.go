package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Reply is sent back to a client after it changes its subscription.
type Reply struct {
	Type         string        `json:"type"`
	Subscription *Subscription `json:"subscription,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Client is one WebSocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID int64

	// send carries events and is closed by the hub. control carries
	// replies from readPump and is never closed.
	send    chan []byte
	control chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func newClient(h *Hub, conn *websocket.Conn, userID int64) *Client {
	return &Client{
		hub:     h,
		conn:    conn,
		userID:  userID,
		send:    make(chan []byte, 256),
		control: make(chan []byte, 4),
	}
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// subscribe parses a subscription message, stores it and returns the reply.
func (c *Client) subscribe(msg []byte) Reply {
	var sub Subscription
	if err := json.Unmarshal(msg, &sub); err != nil {
		return Reply{Type: "error", Error: "invalid subscription"}
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	return Reply{Type: "subscribed", Subscription: &sub}
}

func (c *Client) reply(r Reply) {
	data, _ := json.Marshal(r)
	select {
	case c.control <- data:
	default:
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "userId", c.userID, "error", err)
			}
			return
		}
		c.reply(c.subscribe(msg))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		var (
			typ  = websocket.TextMessage
			data []byte
		)
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data = msg
		case msg := <-c.control:
			data = msg
		case <-ticker.C:
			typ = websocket.PingMessage
		}

		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(typ, data); err != nil {
			c.hub.logger.Debug("websocket write error", "userId", c.userID, "error", err)
			return
		}
	}
}
