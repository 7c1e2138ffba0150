package sync

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/villagehq/villagechat/model"
)

// wireServer is a recording websocket endpoint: every event a client
// writes lands on the events channel, and live connections can be
// force-closed to provoke reconnects.
type wireServer struct {
	t      *testing.T
	srv    *httptest.Server
	events chan model.Event

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newWireServer(t *testing.T) *wireServer {
	t.Helper()
	ws := &wireServer{t: t, events: make(chan model.Event, 64)}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.conns = append(ws.conns, conn)
		ws.mu.Unlock()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev model.Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				continue
			}
			ws.events <- ev
		}
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wireServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

// dropConns closes every live connection server-side.
func (ws *wireServer) dropConns() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, c := range ws.conns {
		c.Close()
	}
	ws.conns = nil
}

func (ws *wireServer) nextEvent(timeout time.Duration) (model.Event, bool) {
	select {
	case ev := <-ws.events:
		return ev, true
	case <-time.After(timeout):
		return model.Event{}, false
	}
}

func (ws *wireServer) drain() {
	for {
		select {
		case <-ws.events:
		default:
			return
		}
	}
}

func newTestConn(t *testing.T, ws *wireServer, onEvent func(model.Event)) *Conn {
	t.Helper()
	c := NewConn(ConnConfig{
		URL:           ws.url(),
		OnEvent:       onEvent,
		RetryAttempts: 5,
		RetryDelay:    20 * time.Millisecond,
	})
	t.Cleanup(c.Disconnect)
	return c
}

func waitForState(t *testing.T, c *Conn, want ConnState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", c.State(), want)
}

func expectEvent(t *testing.T, ws *wireServer, want model.EventType) model.Event {
	t.Helper()
	ev, ok := ws.nextEvent(2 * time.Second)
	if !ok {
		t.Fatalf("timed out waiting for %s", want)
	}
	if ev.Type != want {
		t.Fatalf("event = %s, want %s", ev.Type, want)
	}
	return ev
}

func TestConnectAnnouncesIdentity(t *testing.T) {
	ws := newWireServer(t)
	c := newTestConn(t, ws, nil)

	c.Connect("alice")
	waitForState(t, c, StateConnected)

	ev := expectEvent(t, ws, model.EventIdentify)
	var p model.IdentifyPayload
	if err := ev.DecodePayload(&p); err != nil || p.Identity != "alice" {
		t.Fatalf("identify payload = %+v (%v), want alice", p, err)
	}
}

func TestConnectIdempotent(t *testing.T) {
	ws := newWireServer(t)
	c := newTestConn(t, ws, nil)

	c.Connect("alice")
	waitForState(t, c, StateConnected)
	expectEvent(t, ws, model.EventIdentify)

	// Same identity while connected: no new handshake.
	c.Connect("alice")
	if ev, ok := ws.nextEvent(100 * time.Millisecond); ok {
		t.Fatalf("unexpected event after redundant connect: %s", ev.Type)
	}
}

func TestJoinIdempotent(t *testing.T) {
	ws := newWireServer(t)
	c := newTestConn(t, ws, nil)
	c.Connect("alice")
	waitForState(t, c, StateConnected)
	expectEvent(t, ws, model.EventIdentify)

	c.Join(5)
	c.Join(5)

	ev := expectEvent(t, ws, model.EventJoinChat)
	var p model.MembershipPayload
	if err := ev.DecodePayload(&p); err != nil || p.ChatID != 5 {
		t.Fatalf("join payload = %+v (%v), want chat 5", p, err)
	}
	if extra, ok := ws.nextEvent(100 * time.Millisecond); ok {
		t.Fatalf("second join emitted a duplicate %s", extra.Type)
	}
	if got := c.ActiveChats(); len(got) != 1 || got[0] != 5 {
		t.Fatalf("active set = %v, want [5]", got)
	}
}

func TestLeaveNonJoinedIsNoop(t *testing.T) {
	ws := newWireServer(t)
	c := newTestConn(t, ws, nil)
	c.Connect("alice")
	waitForState(t, c, StateConnected)
	expectEvent(t, ws, model.EventIdentify)

	c.Leave(99)
	if ev, ok := ws.nextEvent(100 * time.Millisecond); ok {
		t.Fatalf("leave of non-joined chat emitted %s", ev.Type)
	}
}

func TestReconnectReplaysJoins(t *testing.T) {
	ws := newWireServer(t)
	c := newTestConn(t, ws, nil)
	c.Connect("alice")
	waitForState(t, c, StateConnected)
	c.Join(9)
	c.Join(5)

	// Swallow the initial handshake traffic, then sever the link.
	time.Sleep(50 * time.Millisecond)
	ws.drain()
	ws.dropConns()

	waitForState(t, c, StateDisconnected)
	waitForState(t, c, StateConnected)

	// The fresh connection must identify and rejoin both chats before
	// anything else goes out.
	expectEvent(t, ws, model.EventIdentify)
	for _, wantChat := range []int64{5, 9} {
		ev := expectEvent(t, ws, model.EventJoinChat)
		var p model.MembershipPayload
		if err := ev.DecodePayload(&p); err != nil || p.ChatID != wantChat {
			t.Fatalf("replayed join = %+v (%v), want chat %d", p, err, wantChat)
		}
	}
}

// gatedConn blocks its gateAt-th write until gate is closed, and
// closes entered when that write begins.
type gatedConn struct {
	net.Conn
	mu      sync.Mutex
	writes  int
	gateAt  int
	gate    chan struct{}
	entered chan struct{}
}

func (g *gatedConn) Write(p []byte) (int, error) {
	g.mu.Lock()
	g.writes++
	gated := g.writes == g.gateAt
	g.mu.Unlock()
	if gated {
		close(g.entered)
		<-g.gate
	}
	return g.Conn.Write(p)
}

func TestJoinDuringConnectTransitionStillEmitted(t *testing.T) {
	ws := newWireServer(t)
	gate := make(chan struct{})
	entered := make(chan struct{})
	dialer := &websocket.Dialer{
		// Write 1 is the handshake request; write 2 is the identify
		// frame, which happens after the replay snapshot is taken.
		NetDial: func(network, addr string) (net.Conn, error) {
			conn, err := net.Dial(network, addr)
			if err != nil {
				return nil, err
			}
			return &gatedConn{Conn: conn, gateAt: 2, gate: gate, entered: entered}, nil
		},
	}
	c := NewConn(ConnConfig{
		URL:           ws.url(),
		RetryAttempts: 5,
		RetryDelay:    20 * time.Millisecond,
		Dialer:        dialer,
	})
	t.Cleanup(c.Disconnect)

	c.Connect("alice")
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("identify frame never reached the transport")
	}

	// The replay snapshot is behind us but the state is still
	// connecting, so this join defers.
	c.Join(77)
	close(gate)
	waitForState(t, c, StateConnected)

	expectEvent(t, ws, model.EventIdentify)
	ev := expectEvent(t, ws, model.EventJoinChat)
	var p model.MembershipPayload
	if err := ev.DecodePayload(&p); err != nil || p.ChatID != 77 {
		t.Fatalf("late join = %+v (%v), want chat 77", p, err)
	}
	if got := c.ActiveChats(); len(got) != 1 || got[0] != 77 {
		t.Fatalf("active set = %v, want [77]", got)
	}
}

func TestDeferredJoinReplayedOnConnect(t *testing.T) {
	ws := newWireServer(t)
	c := newTestConn(t, ws, nil)

	// Joined while disconnected: membership is deferred.
	c.Join(12)
	c.Connect("alice")
	waitForState(t, c, StateConnected)

	expectEvent(t, ws, model.EventIdentify)
	ev := expectEvent(t, ws, model.EventJoinChat)
	var p model.MembershipPayload
	if err := ev.DecodePayload(&p); err != nil || p.ChatID != 12 {
		t.Fatalf("deferred join = %+v (%v), want chat 12", p, err)
	}
}

func TestIdentitySwitchReconnects(t *testing.T) {
	ws := newWireServer(t)
	c := newTestConn(t, ws, nil)
	c.Connect("alice")
	waitForState(t, c, StateConnected)
	expectEvent(t, ws, model.EventIdentify)

	c.Connect("bob")
	deadline := time.Now().Add(2 * time.Second)
	for {
		ev, ok := ws.nextEvent(time.Until(deadline))
		if !ok {
			t.Fatal("no identify for the new identity")
		}
		if ev.Type != model.EventIdentify {
			continue
		}
		var p model.IdentifyPayload
		if err := ev.DecodePayload(&p); err != nil {
			t.Fatalf("decode identify: %v", err)
		}
		if p.Identity == "bob" {
			break
		}
	}
	if got := c.Identity(); got != "bob" {
		t.Fatalf("identity = %q, want bob", got)
	}
}

func TestDisconnectStopsReconnect(t *testing.T) {
	ws := newWireServer(t)
	c := newTestConn(t, ws, nil)
	c.Connect("alice")
	waitForState(t, c, StateConnected)

	c.Disconnect()
	waitForState(t, c, StateDisconnected)
	ws.drain()

	// No automatic reconnect without a new identity.
	if ev, ok := ws.nextEvent(200 * time.Millisecond); ok {
		t.Fatalf("unexpected traffic after sign-out: %s", ev.Type)
	}
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", got)
	}
}

func TestRetriesExhaustToDisconnected(t *testing.T) {
	ws := newWireServer(t)
	url := ws.url()
	ws.srv.Close() // nothing listening

	c := NewConn(ConnConfig{
		URL:           url,
		RetryAttempts: 2,
		RetryDelay:    10 * time.Millisecond,
	})
	t.Cleanup(c.Disconnect)

	c.Connect("alice")
	time.Sleep(200 * time.Millisecond)
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("state after exhausted retries = %v, want disconnected", got)
	}
}

func TestInboundEventsDispatched(t *testing.T) {
	ws := newWireServer(t)
	got := make(chan model.Event, 8)
	c := newTestConn(t, ws, func(ev model.Event) { got <- ev })
	c.Connect("alice")
	waitForState(t, c, StateConnected)

	ev, err := model.NewEvent(model.EventUserJoined, model.PresencePayload{Identity: "bob"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	raw, _ := json.Marshal(ev)
	ws.mu.Lock()
	conn := ws.conns[len(ws.conns)-1]
	ws.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("server write: %v", err)
	}
	// Garbage must be dropped without killing the dispatcher.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case in := <-got:
		if in.Type != model.EventUserJoined {
			t.Fatalf("dispatched %s, want user_joined", in.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound event never dispatched")
	}
}
