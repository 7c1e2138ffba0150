package sync

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/villagehq/villagechat/model"
)

// defaultTypingExpiry guards against a missed "stopped typing" event:
// a remote typing entry with no refresh inside this window is treated
// as stopped.
const defaultTypingExpiry = 5 * time.Second

// Announcer emits wire events; satisfied by *Conn.
type Announcer interface {
	Send(t model.EventType, payload any) error
}

// Presence tracks the set of online identities and, per chat, who is
// currently composing. Desync from missed leave/stop events is
// self-healing via expiry timers and snapshot replacement, never an
// error.
type Presence struct {
	ann    Announcer
	log    *slog.Logger
	expiry time.Duration

	// OnChange, if set, is called after every observable change. Used
	// by the UI to repaint; called without locks held.
	OnChange func()

	mu        sync.Mutex
	identity  string
	online    map[string]struct{}
	typing    map[int64]map[string]*time.Timer
	announced map[int64]bool
}

func NewPresence(ann Announcer, log *slog.Logger) *Presence {
	if log == nil {
		log = slog.Default()
	}
	return &Presence{
		ann:       ann,
		log:       log,
		expiry:    defaultTypingExpiry,
		online:    make(map[string]struct{}),
		typing:    make(map[int64]map[string]*time.Timer),
		announced: make(map[int64]bool),
	}
}

// SetIdentity records the local identity used in typing announcements.
func (p *Presence) SetIdentity(identity string) {
	p.mu.Lock()
	p.identity = identity
	p.mu.Unlock()
}

// SetTypingExpiry overrides the remote-typing expiry window.
func (p *Presence) SetTypingExpiry(d time.Duration) {
	p.mu.Lock()
	p.expiry = d
	p.mu.Unlock()
}

// OnSnapshot replaces the entire online set.
func (p *Presence) OnSnapshot(identities []string) {
	p.mu.Lock()
	p.online = make(map[string]struct{}, len(identities))
	for _, id := range identities {
		p.online[id] = struct{}{}
	}
	p.mu.Unlock()
	p.notify()
}

// OnJoin adds an identity to the online set. Idempotent.
func (p *Presence) OnJoin(identity string) {
	p.mu.Lock()
	_, had := p.online[identity]
	p.online[identity] = struct{}{}
	p.mu.Unlock()
	if !had {
		p.notify()
	}
}

// OnLeave removes an identity from the online set. Idempotent.
func (p *Presence) OnLeave(identity string) {
	p.mu.Lock()
	_, had := p.online[identity]
	delete(p.online, identity)
	p.mu.Unlock()
	if had {
		p.notify()
	}
}

// Online returns the online identities in sorted order.
func (p *Presence) Online() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsOnline reports whether identity currently holds a live connection.
func (p *Presence) IsOnline(identity string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.online[identity]
	return ok
}

// SetTyping announces the local composition state for a chat. Repeated
// true calls collapse into a single outstanding announcement; the
// caller owns the quiet-period timer that eventually calls with false.
func (p *Presence) SetTyping(chatID int64, isTyping bool) {
	p.mu.Lock()
	identity := p.identity
	if p.announced[chatID] == isTyping {
		p.mu.Unlock()
		return
	}
	p.announced[chatID] = isTyping
	p.mu.Unlock()

	err := p.ann.Send(model.EventTyping, model.TypingPayload{
		ChatID:   chatID,
		Identity: identity,
		IsTyping: isTyping,
	})
	if err != nil {
		p.log.Warn("typing emission failed", "chat", chatID, "error", err)
	}
}

// OnRemoteTyping applies a remote composition signal. A true entry is
// re-armed on every refresh and expires on its own if no further
// signal arrives, so a missed stop event cannot wedge the indicator.
func (p *Presence) OnRemoteTyping(chatID int64, identity string, isTyping bool) {
	p.mu.Lock()
	set := p.typing[chatID]
	if isTyping {
		if set == nil {
			set = make(map[string]*time.Timer)
			p.typing[chatID] = set
		}
		if t, ok := set[identity]; ok {
			t.Reset(p.expiry)
			p.mu.Unlock()
			return
		}
		set[identity] = time.AfterFunc(p.expiry, func() {
			p.expireTyping(chatID, identity)
		})
		p.mu.Unlock()
		p.notify()
		return
	}
	if t, ok := set[identity]; ok {
		t.Stop()
		delete(set, identity)
		p.mu.Unlock()
		p.notify()
		return
	}
	p.mu.Unlock()
}

func (p *Presence) expireTyping(chatID int64, identity string) {
	p.mu.Lock()
	set := p.typing[chatID]
	if _, ok := set[identity]; !ok {
		p.mu.Unlock()
		return
	}
	delete(set, identity)
	p.mu.Unlock()
	p.notify()
}

// TypingIn returns the identities currently composing in a chat,
// sorted, excluding the local identity.
func (p *Presence) TypingIn(chatID int64) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.typing[chatID]
	out := make([]string, 0, len(set))
	for id := range set {
		if id == p.identity {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Reset drops all tracked state, for sign-out.
func (p *Presence) Reset() {
	p.mu.Lock()
	p.online = make(map[string]struct{})
	for _, set := range p.typing {
		for _, t := range set {
			t.Stop()
		}
	}
	p.typing = make(map[int64]map[string]*time.Timer)
	p.announced = make(map[int64]bool)
	p.mu.Unlock()
	p.notify()
}

func (p *Presence) notify() {
	if p.OnChange != nil {
		p.OnChange()
	}
}
