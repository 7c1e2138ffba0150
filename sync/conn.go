package sync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/villagehq/villagechat/model"
)

// ErrNotConnected is returned when a wire emission is attempted while
// the transport is down.
var ErrNotConnected = errors.New("not connected")

// ConnState is the connection lifecycle state. Owned exclusively by
// Conn; everything else only observes transitions.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	defaultRetryAttempts = 5
	defaultRetryDelay    = time.Second
)

// ConnConfig configures a Conn. Zero values fall back to defaults.
type ConnConfig struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:8999/ws".
	URL string
	// OnEvent receives every well-formed inbound event. Called from
	// the read goroutine; never called before the join replay of a
	// fresh connection has been written.
	OnEvent func(model.Event)
	Logger  *slog.Logger
	// RetryAttempts bounds the reconnect loop; RetryDelay is the fixed
	// pause between attempts.
	RetryAttempts int
	RetryDelay    time.Duration
	Dialer        *websocket.Dialer
}

// Conn owns the single live connection per authenticated identity and
// reconnects transparently. Join/Leave maintain the active-chat set;
// membership survives reconnects because every connected transition
// replays a join for the whole set.
type Conn struct {
	url           string
	onEvent       func(model.Event)
	log           *slog.Logger
	retryAttempts int
	retryDelay    time.Duration
	dialer        *websocket.Dialer

	mu       sync.Mutex
	wmu      sync.Mutex // serializes websocket writes
	state    ConnState
	identity string
	active   map[int64]struct{}
	ws       *websocket.Conn
	gen      int // bumped to invalidate stale connect loops
	subs     map[int]func(ConnState)
	nextSub  int
}

func NewConn(cfg ConnConfig) *Conn {
	c := &Conn{
		url:           cfg.URL,
		onEvent:       cfg.OnEvent,
		log:           cfg.Logger,
		retryAttempts: cfg.RetryAttempts,
		retryDelay:    cfg.RetryDelay,
		dialer:        cfg.Dialer,
		active:        make(map[int64]struct{}),
		subs:          make(map[int]func(ConnState)),
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.retryAttempts <= 0 {
		c.retryAttempts = defaultRetryAttempts
	}
	if c.retryDelay <= 0 {
		c.retryDelay = defaultRetryDelay
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the identity the manager is connecting for, or ""
// after sign-out.
func (c *Conn) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// ActiveChats returns the active-chat set in ascending order.
func (c *Conn) ActiveChats() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedChats(c.active)
}

func sortedChats(set map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SubscribeState registers fn for every state transition. The
// returned func cancels the subscription.
func (c *Conn) SubscribeState(fn func(ConnState)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Connect starts (or restarts) the connection for identity. Calling
// while already connected or connecting for the same identity is a
// no-op; a different identity tears the old connection down first.
// Calling with the same identity while disconnected forces a fresh
// retry cycle.
func (c *Conn) Connect(identity string) {
	if identity == "" {
		c.Disconnect()
		return
	}
	c.mu.Lock()
	if c.identity == identity && c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.identity = identity
	c.mu.Unlock()

	go c.run(gen, identity)
}

// Disconnect tears the transport down unconditionally and stops any
// reconnect loop. Idempotent, always safe. No auto-reconnect happens
// until Connect is called with an identity again.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.identity = ""
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
	c.setState(StateDisconnected)
}

// Join adds chatID to the active-chat set and, if connected, requests
// room membership. Joining an already-joined chat is a no-op. While
// not connected the membership is deferred and replayed on the next
// connected transition.
func (c *Conn) Join(chatID int64) {
	c.mu.Lock()
	if _, ok := c.active[chatID]; ok {
		c.mu.Unlock()
		return
	}
	c.active[chatID] = struct{}{}
	state := c.state
	identity := c.identity
	c.mu.Unlock()

	if state == StateConnected {
		if err := c.Send(model.EventJoinChat, model.MembershipPayload{ChatID: chatID, Identity: identity}); err != nil {
			c.log.Warn("join emission failed", "chat", chatID, "error", err)
		}
	}
}

// Leave removes chatID from the active-chat set. Leaving a non-joined
// chat is a no-op.
func (c *Conn) Leave(chatID int64) {
	c.mu.Lock()
	if _, ok := c.active[chatID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.active, chatID)
	state := c.state
	identity := c.identity
	c.mu.Unlock()

	if state == StateConnected {
		if err := c.Send(model.EventLeaveChat, model.MembershipPayload{ChatID: chatID, Identity: identity}); err != nil {
			c.log.Warn("leave emission failed", "chat", chatID, "error", err)
		}
	}
}

// Send emits one event on the live transport. Returns ErrNotConnected
// while the transport is down; callers relying on replay semantics
// (join/leave) go through Join and Leave instead.
func (c *Conn) Send(t model.EventType, payload any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	return c.emit(ws, t, payload)
}

// emit writes one event to a specific socket, published or not.
func (c *Conn) emit(ws *websocket.Conn, t model.EventType, payload any) error {
	ev, err := model.NewEvent(t, payload)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return ws.WriteJSON(ev)
}

func (c *Conn) stale(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen != gen
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fns := make([]func(ConnState), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (c *Conn) run(gen int, identity string) {
	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		if c.stale(gen) {
			return
		}
		c.setState(StateConnecting)
		ws, _, err := c.dialer.Dial(c.url, nil)
		if err != nil {
			c.log.Warn("dial failed", "attempt", attempt, "error", err)
			c.setState(StateDisconnected)
			if !c.pause(gen) {
				return
			}
			continue
		}
		if c.stale(gen) {
			ws.Close()
			return
		}
		c.mu.Lock()
		joined := sortedChats(c.active)
		c.mu.Unlock()

		// Identity announcement and join replay go out on the
		// unpublished socket, before anyone observes the connected
		// state, so a push for a freshly rejoined chat cannot slip
		// between reconnect and rejoin.
		c.emit(ws, model.EventIdentify, model.IdentifyPayload{Identity: identity})
		for _, id := range joined {
			c.emit(ws, model.EventJoinChat, model.MembershipPayload{ChatID: id, Identity: identity})
		}

		// Publish the socket and flip to connected in one critical
		// section. A Join racing the replay either ran before this
		// point, deferred, and shows up in the late set here, or runs
		// after it, sees the connected state, and emits on its own.
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			ws.Close()
			return
		}
		c.ws = ws
		replayed := make(map[int64]struct{}, len(joined))
		for _, id := range joined {
			replayed[id] = struct{}{}
		}
		lateSet := make(map[int64]struct{})
		for id := range c.active {
			if _, ok := replayed[id]; !ok {
				lateSet[id] = struct{}{}
			}
		}
		c.state = StateConnected
		fns := make([]func(ConnState), 0, len(c.subs))
		for _, fn := range c.subs {
			fns = append(fns, fn)
		}
		c.mu.Unlock()

		for _, id := range sortedChats(lateSet) {
			if err := c.Send(model.EventJoinChat, model.MembershipPayload{ChatID: id, Identity: identity}); err != nil {
				c.log.Warn("join emission failed", "chat", id, "error", err)
			}
		}
		for _, fn := range fns {
			fn(StateConnected)
		}
		attempt = 0 // fresh retry budget after a successful connect

		err = c.readLoop(gen, ws)
		ws.Close()
		if c.stale(gen) {
			return
		}
		c.log.Warn("connection lost", "error", err)
		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		c.mu.Unlock()
		c.setState(StateDisconnected)
		if !c.pause(gen) {
			return
		}
	}
	c.log.Warn("reconnect attempts exhausted", "attempts", c.retryAttempts)
}

func (c *Conn) readLoop(gen int, ws *websocket.Conn) error {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var ev model.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.log.Warn("dropping malformed event", "error", err)
			continue
		}
		if c.stale(gen) {
			return nil
		}
		if c.onEvent != nil {
			c.onEvent(ev)
		}
	}
}

func (c *Conn) pause(gen int) bool {
	time.Sleep(c.retryDelay)
	return !c.stale(gen)
}
