package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/villagehq/villagechat/model"
)

// ErrSendFailed classifies a rejected persisted send. The optimistic
// entry has already been rolled back when this is returned; retrying
// is a fresh Submit.
var ErrSendFailed = errors.New("send failed")

// defaultDedupWindow is the recency window inside which two messages
// with the same sender and body are treated as one. It covers the
// race between the send-response path and the push-echo path when the
// client id was stripped somewhere along the way.
const defaultDedupWindow = 3 * time.Second

type mergeResult int

const (
	mergeDiscarded mergeResult = iota
	mergeAppended
	mergeReplaced
)

// merge folds one incoming message into a chat's ordered list. It is
// the single dedup path shared by push events, send confirmations and
// poller batches. Committed entries are never reordered; a new entry
// always lands at the tail, so origination-time ordering is only
// approximate under push-vs-fetch races, which the UI tolerates.
func merge(existing []model.Message, incoming model.Message, window time.Duration) ([]model.Message, mergeResult) {
	for i, m := range existing {
		switch {
		case incoming.Confirmed() && m.ID == incoming.ID:
			return existing, mergeDiscarded
		case incoming.ClientID != "" && m.ClientID == incoming.ClientID:
			if m.Pending && !incoming.Pending {
				out := append([]model.Message(nil), existing...)
				out[i] = incoming
				return out, mergeReplaced
			}
			return existing, mergeDiscarded
		case m.Sender == incoming.Sender && m.Body == incoming.Body &&
			absDelta(m.CreatedAt, incoming.CreatedAt) < window:
			// Content heuristic: a confirmed twin collapses into a
			// still-pending optimistic entry instead of duplicating it.
			if m.Pending && !incoming.Pending {
				out := append([]model.Message(nil), existing...)
				out[i] = incoming
				return out, mergeReplaced
			}
			return existing, mergeDiscarded
		}
	}
	out := append([]model.Message(nil), existing...)
	return append(out, incoming), mergeAppended
}

func absDelta(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}

// Reconciler merges messages from push events, send responses and
// persisted fetches into one deduplicated, append-only view per chat,
// written to the Store. Every write to a chat key goes through merge
// under a single write lock, so the independent sources cannot
// clobber each other. Store subscribers are invoked while that lock
// is held and must not call back into Reconciler write methods.
type Reconciler struct {
	store Store
	api   API
	log   *slog.Logger

	wmu sync.Mutex // serializes all cache writes

	mu       sync.Mutex // guards the fields below
	identity string
	window   time.Duration
	chats    map[int64]model.Chat
	unread   map[int64]int
}

func NewReconciler(store Store, api API, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		store:  store,
		api:    api,
		log:    log,
		window: defaultDedupWindow,
		chats:  make(map[int64]model.Chat),
		unread: make(map[int64]int),
	}
}

// SetIdentity tells the reconciler which sender is "us": our own
// echoes never count as unseen.
func (r *Reconciler) SetIdentity(identity string) {
	r.mu.Lock()
	r.identity = identity
	r.mu.Unlock()
}

// SetDedupWindow overrides the content-dedup recency window.
func (r *Reconciler) SetDedupWindow(d time.Duration) {
	r.mu.Lock()
	r.window = d
	r.mu.Unlock()
}

// Unread returns the count of unseen remote messages for a chat.
func (r *Reconciler) Unread(chatID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread[chatID]
}

func (r *Reconciler) snapshot() (identity string, window time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity, r.window
}

// updateChat runs one read-modify-write cycle on a chat's cached list
// and refreshes the derived chat-list entry if anything changed.
func (r *Reconciler) updateChat(chatID int64, fn func(list []model.Message) ([]model.Message, bool)) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	list, changed := fn(Messages(r.store, chatID))
	if !changed {
		return
	}
	r.store.Set(ChatKey(chatID), list)
	r.store.Set(ChatListKey, r.buildChatList())
}

// LoadChats fetches the persisted chat set for the current identity
// and rebuilds the chat-list cache entry.
func (r *Reconciler) LoadChats(ctx context.Context) error {
	identity, _ := r.snapshot()
	chats, err := r.api.ChatsForIdentity(ctx, identity)
	if err != nil {
		return fmt.Errorf("load chats: %w", err)
	}
	r.mu.Lock()
	for _, ch := range chats {
		r.chats[ch.ID] = ch
	}
	r.mu.Unlock()

	r.wmu.Lock()
	r.store.Set(ChatListKey, r.buildChatList())
	r.wmu.Unlock()
	return nil
}

// LoadMessages fetches the persisted message list for a chat and
// merges it as a batch of remote messages. Safe to call repeatedly;
// the merge drops everything already known.
func (r *Reconciler) LoadMessages(ctx context.Context, chatID int64) error {
	msgs, err := r.api.MessagesForChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("load messages for chat %d: %w", chatID, err)
	}
	r.mergeBatch(chatID, msgs)
	return nil
}

func (r *Reconciler) mergeBatch(chatID int64, msgs []model.Message) {
	identity, window := r.snapshot()
	r.updateChat(chatID, func(list []model.Message) ([]model.Message, bool) {
		changed := false
		for _, m := range msgs {
			m.Pending = false
			next, res := merge(list, m, window)
			if res == mergeDiscarded {
				continue
			}
			list = next
			changed = true
			if res == mergeAppended && m.Sender != identity && m.ReadAt == nil {
				r.bumpUnread(chatID)
			}
		}
		return list, changed
	})
}

// HandleRemote applies one pushed message. Own echoes are merged but
// never surface as unseen; anything already known is a no-op.
func (r *Reconciler) HandleRemote(chatID int64, msg model.Message) {
	identity, window := r.snapshot()
	msg.Pending = false
	r.updateChat(chatID, func(list []model.Message) ([]model.Message, bool) {
		next, res := merge(list, msg, window)
		if res == mergeDiscarded {
			return list, false
		}
		if res == mergeAppended && msg.Sender != identity {
			r.bumpUnread(chatID)
		}
		return next, true
	})
}

func (r *Reconciler) bumpUnread(chatID int64) {
	r.mu.Lock()
	r.unread[chatID]++
	r.mu.Unlock()
}

// Submit sends a new message: an optimistic pending entry appears at
// the tail of the cache immediately, then the persistence call either
// confirms it in place or rolls it back. The returned message is the
// confirmed entry on success.
func (r *Reconciler) Submit(ctx context.Context, chatID int64, body string, kind model.MessageKind, att *model.Attachment) (model.Message, error) {
	identity, _ := r.snapshot()
	optimistic := model.Message{
		ChatID:     chatID,
		Sender:     identity,
		Body:       body,
		Kind:       kind,
		Attachment: att,
		ClientID:   uuid.NewString(),
		CreatedAt:  time.Now(),
		Pending:    true,
	}

	r.updateChat(chatID, func(list []model.Message) ([]model.Message, bool) {
		return append(append([]model.Message(nil), list...), optimistic), true
	})

	confirmed, err := r.api.CreateMessage(ctx, optimistic)
	if err != nil {
		r.updateChat(chatID, func(list []model.Message) ([]model.Message, bool) {
			out := make([]model.Message, 0, len(list))
			for _, m := range list {
				if m.ClientID == optimistic.ClientID && m.Pending {
					continue
				}
				out = append(out, m)
			}
			return out, len(out) != len(list)
		})
		return model.Message{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	confirmed.Pending = false
	if confirmed.ClientID == "" {
		confirmed.ClientID = optimistic.ClientID
	}
	r.updateChat(chatID, func(list []model.Message) ([]model.Message, bool) {
		out := append([]model.Message(nil), list...)
		for i, m := range out {
			if m.ClientID != optimistic.ClientID {
				continue
			}
			if m.Pending {
				out[i] = confirmed
				return out, true
			}
			// The push echo confirmed it first; keep that entry.
			return list, false
		}
		return list, false
	})
	return confirmed, nil
}

// HandleReadUpdate reacts to a message_read_update push: the chat is
// re-fetched rather than patched field by field.
func (r *Reconciler) HandleReadUpdate(ctx context.Context, chatID int64) {
	msgs, err := r.api.MessagesForChat(ctx, chatID)
	if err != nil {
		r.log.Warn("read-update refetch failed", "chat", chatID, "error", err)
		return
	}
	// Refresh read marks on entries already in the cache, then let the
	// normal merge pick up anything new.
	byID := make(map[int64]*time.Time, len(msgs))
	for _, m := range msgs {
		if m.Confirmed() {
			byID[m.ID] = m.ReadAt
		}
	}
	r.updateChat(chatID, func(list []model.Message) ([]model.Message, bool) {
		out := append([]model.Message(nil), list...)
		changed := false
		for i, m := range out {
			if readAt, ok := byID[m.ID]; ok && !equalReadAt(m.ReadAt, readAt) {
				out[i].ReadAt = readAt
				changed = true
			}
		}
		return out, changed
	})
	r.mergeBatch(chatID, msgs)
}

func equalReadAt(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// MarkChatRead persists the read mark and clears the local unseen
// count for the chat.
func (r *Reconciler) MarkChatRead(ctx context.Context, chatID int64) error {
	if err := r.api.MarkChatRead(ctx, chatID); err != nil {
		return fmt.Errorf("mark chat %d read: %w", chatID, err)
	}
	r.mu.Lock()
	delete(r.unread, chatID)
	r.mu.Unlock()
	r.wmu.Lock()
	r.store.Set(ChatListKey, r.buildChatList())
	r.wmu.Unlock()
	return nil
}
