package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
)

// RoomChannel names the per-conversation broadcast scope.
func RoomChannel(conversationID string) string { return "conv:" + conversationID }

// UserChannel names the personal broadcast scope.
func UserChannel(userID string) string { return "user:" + userID }

// Hub tracks bound connections and their two independent subscription sets:
// explicitly joined rooms and the implicit personal channel.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client            // connID -> client
	users   map[string]map[string]*Client // userID -> connID -> client
	rooms   map[string]map[string]*Client // conversationID -> connID -> client
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]*Client),
		users:   make(map[string]map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		logger:  logger.With("component", "hub"),
	}
}

// Register binds the client to its user's personal channel for its lifetime.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; ok {
		return
	}
	h.clients[c.ID] = c
	conns := h.users[c.UserID]
	if conns == nil {
		conns = make(map[string]*Client)
		h.users[c.UserID] = conns
	}
	conns[c.ID] = c
	observability.IncWSActive()
}

// Unregister drops the client from every room and its personal channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	for conversationID := range c.rooms {
		h.leaveLocked(conversationID, c)
	}
	delete(h.clients, c.ID)
	if conns, ok := h.users[c.UserID]; ok {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(h.users, c.UserID)
		}
	}
	observability.DecWSActive()
}

// Join subscribes the client to conv:<conversationID>. Joining twice is a no-op.
func (h *Hub) Join(conversationID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	if _, ok := c.rooms[conversationID]; ok {
		return
	}
	room := h.rooms[conversationID]
	if room == nil {
		room = make(map[string]*Client)
		h.rooms[conversationID] = room
	}
	room[c.ID] = c
	c.rooms[conversationID] = struct{}{}
	observability.AddRoomSubscriptions(1)
}

// Leave unsubscribes the client from conv:<conversationID>. Leaving a room that
// was never joined is a no-op.
func (h *Hub) Leave(conversationID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(conversationID, c)
}

func (h *Hub) leaveLocked(conversationID string, c *Client) {
	if _, ok := c.rooms[conversationID]; !ok {
		return
	}
	delete(c.rooms, conversationID)
	if room, ok := h.rooms[conversationID]; ok {
		delete(room, c.ID)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	observability.AddRoomSubscriptions(-1)
}

// InRoom reports whether the client is subscribed to the conversation.
func (h *Hub) InRoom(conversationID string, c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.rooms[conversationID]
	return ok
}

// ToRoom delivers evt to every client in conv:<conversationID>, skipping
// clients bound to excludeUserID when it is set.
func (h *Hub) ToRoom(conversationID string, evt models.Event, excludeUserID string) {
	payload, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("encode room event", "event", evt.Event, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[conversationID]))
	for _, c := range h.rooms[conversationID] {
		if excludeUserID != "" && c.UserID == excludeUserID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	h.deliver(RoomChannel(conversationID), evt.Event, targets, payload)
}

// ToUser delivers evt to every connection bound to userID.
func (h *Hub) ToUser(userID string, evt models.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("encode user event", "event", evt.Event, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.users[userID]))
	for _, c := range h.users[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	h.deliver(UserChannel(userID), evt.Event, targets, payload)
}

func (h *Hub) deliver(channel, event string, targets []*Client, payload []byte) {
	for _, c := range targets {
		if err := c.Send(payload); err != nil {
			h.logger.Warn("live delivery failed", "channel", channel, "event", event, "conn_id", c.ID, "error", err)
			h.publishWSError(c, err)
			h.Unregister(c)
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close(websocket.CloseGoingAway, "server shutdown")
		h.Unregister(c)
	}
}

func (h *Hub) publishWSError(c *Client, err error) {
	info := c.Info
	envelope := observability.WSLifecycleEvent("ws_error", info.ConnID, info.UserID, info.DeviceID, info.IP,
		err.Error(), time.Since(info.ConnectedAt).Milliseconds())
	_ = observability.PublishEvent(context.Background(), wsRoutingKey, envelope,
		observability.BuildHeaders(info.RequestID, info.TraceID))
	observability.IncWSEvent("ws_error", "error")
}

const wsRoutingKey = "ws_events.chats"
