package sync

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/villagehq/villagechat/model"
)

// Options configures a Client. ServerURL is the only required field;
// zero values fall back to defaults sized for production use. Tests
// shrink the windows.
type Options struct {
	// ServerURL is the http(s) base of the messaging server; the
	// websocket endpoint is derived from it.
	ServerURL string
	Store     Store
	API       API
	Logger    *slog.Logger

	RetryAttempts int
	RetryDelay    time.Duration
	DedupWindow   time.Duration
	TypingExpiry  time.Duration
	PollInterval  time.Duration
}

// Client is the composition root of the sync core: it owns the
// connection manager, reconciler, presence tracker and fallback
// poller, and routes inbound wire events to them. Dependents receive
// the instance by reference; there is no package-level singleton.
type Client struct {
	Store      Store
	API        API
	Conn       *Conn
	Reconciler *Reconciler
	Presence   *Presence
	Poller     *Poller

	log    *slog.Logger
	cancel context.CancelFunc
}

// WSURL derives the websocket endpoint from an http(s) base URL.
func WSURL(serverURL string) string {
	ws := serverURL
	if strings.HasPrefix(ws, "https://") {
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	} else if strings.HasPrefix(ws, "http://") {
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return strings.TrimSuffix(ws, "/") + "/ws"
}

func NewClient(opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	api := opts.API
	if api == nil {
		api = NewHTTPAPI(opts.ServerURL)
	}

	c := &Client{Store: store, API: api, log: log}
	c.Reconciler = NewReconciler(store, api, log)
	if opts.DedupWindow > 0 {
		c.Reconciler.SetDedupWindow(opts.DedupWindow)
	}
	c.Conn = NewConn(ConnConfig{
		URL:           WSURL(opts.ServerURL),
		OnEvent:       c.handleEvent,
		Logger:        log,
		RetryAttempts: opts.RetryAttempts,
		RetryDelay:    opts.RetryDelay,
	})
	c.Presence = NewPresence(c.Conn, log)
	if opts.TypingExpiry > 0 {
		c.Presence.SetTypingExpiry(opts.TypingExpiry)
	}
	c.Poller = NewPoller(c.Reconciler, c.Conn, log)
	if opts.PollInterval > 0 {
		c.Poller.SetInterval(opts.PollInterval)
	}

	// While the connection was down only the poller kept state fresh;
	// close the gap as soon as it comes back.
	c.Conn.SubscribeState(func(s ConnState) {
		if s == StateConnected {
			go c.refresh()
		}
	})
	return c
}

// Start signs the client in as identity: the connection comes up, the
// chat list is loaded, and the fallback poller begins watching the
// connection state.
func (c *Client) Start(ctx context.Context, identity string) error {
	c.Reconciler.SetIdentity(identity)
	c.Presence.SetIdentity(identity)
	c.Conn.Connect(identity)

	pollCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.Poller.Run(pollCtx)

	return c.Reconciler.LoadChats(ctx)
}

// Close signs out: the transport goes down, the poller stops, and
// presence state is dropped. Safe to call more than once.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.Conn.Disconnect()
	c.Presence.Reset()
}

// OpenChat joins the chat's room, loads its persisted history, and
// clears its unseen count.
func (c *Client) OpenChat(ctx context.Context, chatID int64) error {
	c.Conn.Join(chatID)
	if err := c.Reconciler.LoadMessages(ctx, chatID); err != nil {
		return err
	}
	return c.Reconciler.MarkChatRead(ctx, chatID)
}

// CloseChat releases the chat's room membership.
func (c *Client) CloseChat(chatID int64) {
	c.Conn.Leave(chatID)
}

func (c *Client) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Reconciler.LoadChats(ctx); err != nil {
		c.log.Warn("refresh chat list failed", "error", err)
	}
	for _, chatID := range c.Conn.ActiveChats() {
		if err := c.Reconciler.LoadMessages(ctx, chatID); err != nil {
			c.log.Warn("refresh chat failed", "chat", chatID, "error", err)
		}
	}
}

// handleEvent routes one inbound wire event. A payload that does not
// decode is logged and dropped; it can never corrupt the cache.
func (c *Client) handleEvent(ev model.Event) {
	switch ev.Type {
	case model.EventOnlineUsers:
		var p model.OnlineUsersPayload
		if err := ev.DecodePayload(&p); err != nil {
			c.log.Warn("bad online_users payload", "error", err)
			return
		}
		c.Presence.OnSnapshot(p.Identities)

	case model.EventUserJoined:
		var p model.PresencePayload
		if err := ev.DecodePayload(&p); err != nil {
			c.log.Warn("bad user_joined payload", "error", err)
			return
		}
		c.Presence.OnJoin(p.Identity)

	case model.EventUserLeft:
		var p model.PresencePayload
		if err := ev.DecodePayload(&p); err != nil {
			c.log.Warn("bad user_left payload", "error", err)
			return
		}
		c.Presence.OnLeave(p.Identity)

	case model.EventNewMessage:
		var p model.NewMessagePayload
		if err := ev.DecodePayload(&p); err != nil {
			c.log.Warn("bad new_message payload", "error", err)
			return
		}
		c.Reconciler.HandleRemote(p.ChatID, p.Message)

	case model.EventUserTyping:
		var p model.TypingPayload
		if err := ev.DecodePayload(&p); err != nil {
			c.log.Warn("bad user_typing payload", "error", err)
			return
		}
		c.Presence.OnRemoteTyping(p.ChatID, p.Identity, p.IsTyping)

	case model.EventMessageReadUpdate:
		var p model.ReadUpdatePayload
		if err := ev.DecodePayload(&p); err != nil {
			c.log.Warn("bad message_read_update payload", "error", err)
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			c.Reconciler.HandleReadUpdate(ctx, p.ChatID)
		}()

	default:
		c.log.Debug("ignoring event", "type", ev.Type)
	}
}
