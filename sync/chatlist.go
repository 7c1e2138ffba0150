package sync

import (
	"sort"
	"time"

	"github.com/villagehq/villagechat/model"
)

// ChatSummary is one row of the conversation list view: the chat plus
// its derived last-activity state and unseen count.
type ChatSummary struct {
	ID           int64     `json:"id"`
	Member       string    `json:"member"`
	LastActivity time.Time `json:"last_activity"`
	LastBody     string    `json:"last_body,omitempty"`
	LastSender   string    `json:"last_sender,omitempty"`
	Unread       int       `json:"unread"`
}

// buildSummaries derives the sorted conversation list. Last activity
// is the newer of the chat's creation time and its most recent cached
// message; ordering is descending by that timestamp with ties broken
// by ascending chat id so the list is deterministic.
func buildSummaries(chats map[int64]model.Chat, messages func(int64) []model.Message, unread func(int64) int) []ChatSummary {
	out := make([]ChatSummary, 0, len(chats))
	for id, ch := range chats {
		s := ChatSummary{
			ID:           id,
			Member:       ch.Member,
			LastActivity: ch.CreatedAt,
			Unread:       unread(id),
		}
		if msgs := messages(id); len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			s.LastBody = last.Body
			s.LastSender = last.Sender
			if last.CreatedAt.After(s.LastActivity) {
				s.LastActivity = last.CreatedAt
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// buildChatList snapshots the reconciler's known chats and produces
// the derived list. Callers hold wmu so the cache read is consistent
// with the write that triggered the recompute.
func (r *Reconciler) buildChatList() []ChatSummary {
	r.mu.Lock()
	chats := make(map[int64]model.Chat, len(r.chats))
	for id, ch := range r.chats {
		chats[id] = ch
	}
	unread := make(map[int64]int, len(r.unread))
	for id, n := range r.unread {
		unread[id] = n
	}
	r.mu.Unlock()

	return buildSummaries(chats,
		func(id int64) []model.Message { return Messages(r.store, id) },
		func(id int64) int { return unread[id] },
	)
}
