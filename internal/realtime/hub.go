// Package realtime streams order and settlement notifications to
// participants over WebSocket.
//
// Connections are indexed by the authenticated user that opened them, and
// an event is only delivered to the users it names. Clients may narrow
// further by sending a Subscription message.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/escrowmart/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// EventType names a notification.
type EventType string

const (
	EventOrderCreated     EventType = "order_created"
	EventOrderConfirmed   EventType = "order_confirmed"
	EventOrderCompleted   EventType = "order_completed"
	EventOrderCancelled   EventType = "order_cancelled"
	EventSettlementQueued EventType = "settlement_queued"
	EventSettlementFailed EventType = "settlement_failed"
)

// Event is one notification.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	OrderID   int64     `json:"orderId,omitempty"`
	UserIDs   []int64   `json:"-"`
	Message   string    `json:"message"`
	Data      any       `json:"data,omitempty"`
}

// Subscription narrows what a client receives. Empty lists match all.
type Subscription struct {
	EventTypes []EventType `json:"eventTypes"`
	OrderIDs   []int64     `json:"orderIds"`
}

func (s Subscription) matches(e *Event) bool {
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}
	if len(s.OrderIDs) > 0 && !slices.Contains(s.OrderIDs, e.OrderID) {
		return false
	}
	return true
}

const (
	// MaxClients caps concurrent connections across all users.
	MaxClients = 10000
	// MaxClientsPerUser caps connections for a single user.
	MaxClientsPerUser = 8
)

// Stats is a snapshot of hub counters.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	ConnectedUsers   int   `json:"connectedUsers"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
}

// Hub fans events out to connected participants.
type Hub struct {
	mu     sync.RWMutex
	byUser map[int64]map[*Client]struct{}
	count  int

	events     chan *Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	logger     *slog.Logger

	maxClients int
	maxPerUser int

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

// NewHub creates a hub. Call Run to start delivering events.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		byUser:     make(map[int64]map[*Client]struct{}),
		events:     make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
		maxClients: MaxClients,
		maxPerUser: MaxClientsPerUser,
	}
}

// Run delivers events until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case e := <-h.events:
			h.deliver(e)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	set, ok := h.byUser[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.byUser[c.userID] = set
	}
	set[c] = struct{}{}
	h.count++
	n := h.count
	h.mu.Unlock()

	h.totalClients.Add(1)
	if int64(n) > h.peakClients.Load() {
		h.peakClients.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("client connected", "userId", c.userID, "total", n)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	removed := h.drop(c)
	n := h.count
	h.mu.Unlock()

	if removed {
		metrics.ActiveWebSocketClients.Set(float64(n))
		h.logger.Info("client disconnected", "userId", c.userID, "total", n)
	}
}

// drop must be called with h.mu held.
func (h *Hub) drop(c *Client) bool {
	set := h.byUser[c.userID]
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.byUser, c.userID)
	}
	h.count--
	close(c.send)
	return true
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for _, set := range h.byUser {
		for c := range set {
			close(c.send)
		}
	}
	h.byUser = make(map[int64]map[*Client]struct{})
	h.count = 0
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

// deliver sends e to every matching connection of its participants.
// Connections whose buffer is full are disconnected.
func (h *Hub) deliver(e *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn("failed to encode event", "type", e.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for _, uid := range e.UserIDs {
		for c := range h.byUser[uid] {
			if !c.subscription().matches(e) {
				continue
			}
			select {
			case c.send <- payload:
			default:
				slow = append(slow, c)
			}
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		if h.drop(c) {
			h.logger.Warn("disconnected slow client", "userId", c.userID)
		}
	}
	n := h.count
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// Broadcast queues an event for delivery. It never blocks; events are
// dropped when the queue is full.
func (h *Hub) Broadcast(e *Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case h.events <- e:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("event queue full, dropping event", "type", e.Type, "orderId", e.OrderID)
	}
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	clients, users := h.count, len(h.byUser)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: clients,
		ConnectedUsers:   users,
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades GET /ws for the authenticated user.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID := c.GetInt64("authUserID")
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "authentication required"})
		return
	}
	h.serve(c.Writer, c.Request, userID)
}

// admit reports why a new connection for userID would be refused, or "".
func (h *Hub) admit(userID int64) string {
	select {
	case <-h.done:
		return "server shutting down"
	default:
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.count >= h.maxClients {
		return "too many connections"
	}
	if len(h.byUser[userID]) >= h.maxPerUser {
		return "too many connections for user"
	}
	return ""
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, userID int64) {
	if reason := h.admit(userID); reason != "" {
		http.Error(w, reason, http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn, userID)
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}
