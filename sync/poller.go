package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultPollInterval is how often persisted state is re-fetched
// while the live connection is down.
const defaultPollInterval = 30 * time.Second

// connStatus is the slice of Conn the poller observes.
type connStatus interface {
	State() ConnState
	ActiveChats() []int64
}

// Poller re-fetches persisted state on a fixed interval, but only
// while the connection is down, at least one chat is active, and the
// client is visible. Results flow through the reconciler's normal
// merge, so polling and push can never disagree on dedup.
type Poller struct {
	rec     *Reconciler
	conn    connStatus
	log     *slog.Logger
	changed chan struct{}

	mu       sync.Mutex
	interval time.Duration
	visible  bool
}

func NewPoller(rec *Reconciler, conn connStatus, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		rec:      rec,
		conn:     conn,
		log:      log,
		changed:  make(chan struct{}, 1),
		interval: defaultPollInterval,
		visible:  true,
	}
}

// SetInterval overrides the polling interval. A running poller
// restarts its current wait with the new value.
func (p *Poller) SetInterval(d time.Duration) {
	p.mu.Lock()
	p.interval = d
	p.mu.Unlock()
	select {
	case p.changed <- struct{}{}:
	default:
	}
}

// SetVisible records whether the client is in the foreground. A
// backgrounded client does not poll.
func (p *Poller) SetVisible(v bool) {
	p.mu.Lock()
	p.visible = v
	p.mu.Unlock()
}

// Run polls until ctx is cancelled. Each tick re-checks the
// activation conditions, so a connected transition stops fetching
// without any further coordination.
func (p *Poller) Run(ctx context.Context) {
	for {
		p.mu.Lock()
		interval := p.interval
		p.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.changed:
			timer.Stop()
		case <-timer.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	p.mu.Lock()
	visible := p.visible
	p.mu.Unlock()
	if !visible || p.conn.State() != StateDisconnected {
		return
	}
	active := p.conn.ActiveChats()
	if len(active) == 0 {
		return
	}

	if err := p.rec.LoadChats(ctx); err != nil {
		p.log.Warn("poll chat list failed", "error", err)
	}
	for _, chatID := range active {
		if err := p.rec.LoadMessages(ctx, chatID); err != nil {
			p.log.Warn("poll chat failed", "chat", chatID, "error", err)
		}
	}
}
