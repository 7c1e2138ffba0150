package sync

import (
	"fmt"
	"sync"

	"github.com/villagehq/villagechat/model"
)

// Store is the local query cache the reconciler writes into and the
// UI reads from. The core only needs get, set and subscribe; any
// reactive cache that offers those can back it.
type Store interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	// Subscribe registers fn to be called after every Set with the key
	// that changed. The returned func cancels the subscription.
	Subscribe(fn func(key string)) (cancel func())
}

// ChatListKey holds the derived, sorted []ChatSummary.
const ChatListKey = "chats"

// ChatKey returns the cache key holding a chat's ordered message list.
func ChatKey(chatID int64) string {
	return fmt.Sprintf("chat:%d", chatID)
}

// MemoryStore is a mutex-guarded in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]any
	subs   map[int]func(key string)
	nextID int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]any),
		subs: make(map[int]func(string)),
	}
}

func (s *MemoryStore) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *MemoryStore) Set(key string, value any) {
	s.mu.Lock()
	s.data[key] = value
	fns := make([]func(string), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	// Notify outside the lock so subscribers may read back.
	for _, fn := range fns {
		fn(key)
	}
}

func (s *MemoryStore) Subscribe(fn func(key string)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Messages returns the cached ordered message list for a chat. The
// slice is shared; callers must not mutate it.
func Messages(s Store, chatID int64) []model.Message {
	v, ok := s.Get(ChatKey(chatID))
	if !ok {
		return nil
	}
	msgs, _ := v.([]model.Message)
	return msgs
}

// ChatList returns the cached sorted chat summaries.
func ChatList(s Store) []ChatSummary {
	v, ok := s.Get(ChatListKey)
	if !ok {
		return nil
	}
	list, _ := v.([]ChatSummary)
	return list
}
