package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/villagehq/villagechat/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // same-host TUI clients only
	},
}

// client is a middleman between one websocket connection and the hub.
type client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	identity string
}

// Hub maintains the set of live connections, their room membership,
// and fans pushed events out to them.
type Hub struct {
	log        *slog.Logger
	register   chan *client
	unregister chan *client

	mu      sync.Mutex
	clients map[*client]bool
	rooms   map[int64]map[*client]bool
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:        log,
		register:   make(chan *client),
		unregister: make(chan *client),
		clients:    make(map[*client]bool),
		rooms:      make(map[int64]map[*client]bool),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.drop(c)
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for _, members := range h.rooms {
		delete(members, c)
	}
	identity := c.identity
	stillOnline := false
	if identity != "" {
		for other := range h.clients {
			if other.identity == identity {
				stillOnline = true
				break
			}
		}
	}
	close(c.send)
	h.mu.Unlock()

	if identity != "" && !stillOnline {
		h.broadcast(model.EventUserLeft, model.PresencePayload{Identity: identity}, nil)
	}
}

// handleEvent processes one inbound client event.
func (h *Hub) handleEvent(c *client, ev model.Event) {
	switch ev.Type {
	case model.EventIdentify:
		var p model.IdentifyPayload
		if err := ev.DecodePayload(&p); err != nil || p.Identity == "" {
			h.log.Warn("bad identify payload", "error", err)
			return
		}
		h.mu.Lock()
		c.identity = p.Identity
		h.mu.Unlock()
		h.sendTo(c, model.EventOnlineUsers, model.OnlineUsersPayload{Identities: h.onlineIdentities()})
		h.broadcast(model.EventUserJoined, model.PresencePayload{Identity: p.Identity}, c)

	case model.EventJoinChat:
		var p model.MembershipPayload
		if err := ev.DecodePayload(&p); err != nil {
			h.log.Warn("bad join_chat payload", "error", err)
			return
		}
		h.mu.Lock()
		members := h.rooms[p.ChatID]
		if members == nil {
			members = make(map[*client]bool)
			h.rooms[p.ChatID] = members
		}
		members[c] = true
		h.mu.Unlock()

	case model.EventLeaveChat:
		var p model.MembershipPayload
		if err := ev.DecodePayload(&p); err != nil {
			h.log.Warn("bad leave_chat payload", "error", err)
			return
		}
		h.mu.Lock()
		delete(h.rooms[p.ChatID], c)
		h.mu.Unlock()

	case model.EventTyping:
		var p model.TypingPayload
		if err := ev.DecodePayload(&p); err != nil {
			h.log.Warn("bad typing payload", "error", err)
			return
		}
		h.roomCast(p.ChatID, model.EventUserTyping, p, c)

	default:
		h.log.Debug("ignoring event", "type", ev.Type)
	}
}

// PushMessage fans a freshly persisted message out to the chat's room.
// Called by the HTTP create handler; the sender's own connection gets
// the echo too, which the client dedups against its optimistic entry.
func (h *Hub) PushMessage(chatID int64, msg model.Message) {
	h.roomCast(chatID, model.EventNewMessage, model.NewMessagePayload{ChatID: chatID, Message: msg}, nil)
}

// PushReadUpdate signals a read-state change to the chat's room.
func (h *Hub) PushReadUpdate(chatID, messageID int64) {
	h.roomCast(chatID, model.EventMessageReadUpdate, model.ReadUpdatePayload{ChatID: chatID, MessageID: messageID}, nil)
}

func (h *Hub) onlineIdentities() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for c := range h.clients {
		if c.identity != "" && !seen[c.identity] {
			seen[c.identity] = true
			out = append(out, c.identity)
		}
	}
	sort.Strings(out)
	return out
}

func (h *Hub) sendTo(c *client, t model.EventType, payload any) {
	ev, err := model.NewEvent(t, payload)
	if err != nil {
		h.log.Warn("encode event failed", "type", t, "error", err)
		return
	}
	raw, _ := json.Marshal(ev)
	select {
	case c.send <- raw:
	default:
	}
}

// broadcast sends to every connected client except the one given.
func (h *Hub) broadcast(t model.EventType, payload any, except *client) {
	ev, err := model.NewEvent(t, payload)
	if err != nil {
		h.log.Warn("encode event failed", "type", t, "error", err)
		return
	}
	raw, _ := json.Marshal(ev)
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c == except {
			continue
		}
		select {
		case c.send <- raw:
		default:
		}
	}
}

// roomCast sends to the members of one chat's room.
func (h *Hub) roomCast(chatID int64, t model.EventType, payload any, except *client) {
	ev, err := model.NewEvent(t, payload)
	if err != nil {
		h.log.Warn("encode event failed", "type", t, "error", err)
		return
	}
	raw, _ := json.Marshal(ev)
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[chatID] {
		if c == except {
			continue
		}
		select {
		case c.send <- raw:
		default:
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("read error", "error", err)
			}
			break
		}
		var ev model.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.hub.log.Warn("dropping malformed event", "error", err)
			continue
		}
		c.hub.handleEvent(c, ev)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case raw, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
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

// serveWs upgrades an HTTP request to a hub connection.
func serveWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn("upgrade failed", "error", err)
		return
	}
	c := &client{hub: hub, conn: conn, send: make(chan []byte, 256)}
	hub.register <- c

	go c.writePump()
	go c.readPump()
}
