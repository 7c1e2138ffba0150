package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/villagehq/villagechat/model"
)

// Store holds users, chats and messages, persisted as a JSON file.
type Store struct {
	mu            sync.RWMutex
	users         map[string]*model.User
	chats         map[int64]*model.Chat
	messages      map[int64][]model.Message
	nextChatID    int64
	nextMessageID int64
	dataFile      string
}

// storeData is the on-disk shape.
type storeData struct {
	Users         []*model.User             `json:"users"`
	Chats         []*model.Chat             `json:"chats"`
	Messages      map[int64][]model.Message `json:"messages"`
	NextChatID    int64                     `json:"next_chat_id"`
	NextMessageID int64                     `json:"next_message_id"`
}

func NewStore(dataFile string) *Store {
	return &Store{
		users:         make(map[string]*model.User),
		chats:         make(map[int64]*model.Chat),
		messages:      make(map[int64][]model.Message),
		nextChatID:    1,
		nextMessageID: 1,
		dataFile:      dataFile,
	}
}

func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.dataFile); os.IsNotExist(err) {
		return nil
	}
	raw, err := os.ReadFile(s.dataFile)
	if err != nil {
		return err
	}
	var data storeData
	if err := json.Unmarshal(raw, &data); err != nil {
		return err
	}
	for _, u := range data.Users {
		s.users[u.Identity] = u
	}
	for _, ch := range data.Chats {
		s.chats[ch.ID] = ch
	}
	if data.Messages != nil {
		s.messages = data.Messages
	}
	if data.NextChatID > 0 {
		s.nextChatID = data.NextChatID
	}
	if data.NextMessageID > 0 {
		s.nextMessageID = data.NextMessageID
	}
	return nil
}

func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveLocked()
}

// saveLocked writes the data file; callers hold at least a read lock.
func (s *Store) saveLocked() error {
	data := storeData{
		Messages:      s.messages,
		NextChatID:    s.nextChatID,
		NextMessageID: s.nextMessageID,
	}
	for _, u := range s.users {
		data.Users = append(data.Users, u)
	}
	for _, ch := range s.chats {
		data.Chats = append(data.Chats, ch)
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.dataFile, raw, 0644)
}

// Login verifies credentials, registering the identity on first use.
// A chat with the support pool is created alongside a new member
// identity; support identities get no chat of their own and see every
// member's chat instead.
func (s *Store) Login(identity, password string, support bool) (*model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user, ok := s.users[identity]; ok {
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
			return nil, fmt.Errorf("invalid credentials")
		}
		return s.chatForLocked(identity), nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	s.users[identity] = &model.User{
		Identity:     identity,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}
	var chat *model.Chat
	if !support {
		chat = &model.Chat{
			ID:        s.nextChatID,
			Member:    identity,
			CreatedAt: time.Now(),
		}
		s.nextChatID++
		s.chats[chat.ID] = chat
	}

	if err := s.saveLocked(); err != nil {
		delete(s.users, identity)
		if chat != nil {
			delete(s.chats, chat.ID)
			s.nextChatID--
		}
		return nil, err
	}
	return chat, nil
}

func (s *Store) chatForLocked(identity string) *model.Chat {
	for _, ch := range s.chats {
		if ch.Member == identity {
			return ch
		}
	}
	return nil
}

// ChatsFor returns the chats visible to identity: its own chat, or
// every chat when the identity belongs to the support pool (any
// identity without a member chat of its own).
func (s *Store) ChatsFor(identity string) []model.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Chat
	if own := s.chatForLocked(identity); own != nil {
		out = append(out, *own)
	} else {
		for _, ch := range s.chats {
			out = append(out, *ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ChatExists reports whether a chat id is known.
func (s *Store) ChatExists(chatID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.chats[chatID]
	return ok
}

// MessagesFor returns the chat's messages in creation order, capped
// at limit when limit > 0.
func (s *Store) MessagesFor(chatID int64, limit int) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}

// AddMessage persists a message, assigning its server id and
// timestamp. The sender's client id is preserved so its echo can be
// matched exactly.
func (s *Store) AddMessage(msg model.Message) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[msg.ChatID]; !ok {
		return model.Message{}, fmt.Errorf("unknown chat %d", msg.ChatID)
	}
	msg.ID = s.nextMessageID
	s.nextMessageID++
	msg.CreatedAt = time.Now()
	msg.ReadAt = nil
	msg.Pending = false
	if msg.Kind == "" {
		msg.Kind = model.KindText
	}
	s.messages[msg.ChatID] = append(s.messages[msg.ChatID], msg)

	if err := s.saveLocked(); err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

// MarkMessageRead stamps one message read, returning its chat id.
func (s *Store) MarkMessageRead(messageID int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for chatID, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ID == messageID {
				if msgs[i].ReadAt == nil {
					now := time.Now()
					msgs[i].ReadAt = &now
					s.saveLocked()
				}
				return chatID, true
			}
		}
	}
	return 0, false
}

// MarkChatRead stamps every message in the chat read, returning the
// id of the newest message touched.
func (s *Store) MarkChatRead(chatID int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, ok := s.messages[chatID]
	if !ok {
		return 0, s.chats[chatID] != nil
	}
	var last int64
	changed := false
	now := time.Now()
	for i := range msgs {
		if msgs[i].ReadAt == nil {
			msgs[i].ReadAt = &now
			changed = true
		}
		last = msgs[i].ID
	}
	if changed {
		s.saveLocked()
	}
	return last, true
}
