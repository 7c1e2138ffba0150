package main

import (
	"path/filepath"
	"testing"

	"github.com/villagehq/villagechat/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "data.json"))
}

func TestLoginRegistersAndCreatesChat(t *testing.T) {
	s := newTestStore(t)

	chat, err := s.Login("minsu", "secret", false)
	if err != nil {
		t.Fatalf("first login: %v", err)
	}
	if chat == nil || chat.Member != "minsu" {
		t.Fatalf("chat = %+v, want one owned by minsu", chat)
	}

	// Same credentials sign in to the same chat.
	again, err := s.Login("minsu", "secret", false)
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if again.ID != chat.ID {
		t.Fatalf("second login chat = %d, want %d", again.ID, chat.ID)
	}

	if _, err := s.Login("minsu", "wrong", false); err == nil {
		t.Fatal("wrong password accepted")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	s := NewStore(path)
	chat, err := s.Login("ara", "pw", false)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	saved, err := s.AddMessage(model.Message{ChatID: chat.ID, Sender: "ara", Body: "hi", ClientID: "c1"})
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if saved.ID == 0 || saved.ClientID != "c1" {
		t.Fatalf("saved = %+v, want server id and preserved client id", saved)
	}

	reloaded := NewStore(path)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	msgs := reloaded.MessagesFor(chat.ID, 0)
	if len(msgs) != 1 || msgs[0].ID != saved.ID {
		t.Fatalf("reloaded messages = %+v, want the saved one", msgs)
	}
	// Ids keep advancing after a reload.
	next, err := reloaded.AddMessage(model.Message{ChatID: chat.ID, Sender: "ara", Body: "again"})
	if err != nil {
		t.Fatalf("AddMessage after reload: %v", err)
	}
	if next.ID <= saved.ID {
		t.Fatalf("id after reload = %d, want > %d", next.ID, saved.ID)
	}
}

func TestAddMessageUnknownChat(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AddMessage(model.Message{ChatID: 404, Sender: "x", Body: "y"}); err == nil {
		t.Fatal("message for unknown chat accepted")
	}
}

func TestMarkReadStampsMessages(t *testing.T) {
	s := newTestStore(t)
	chat, _ := s.Login("ara", "pw", false)
	m1, _ := s.AddMessage(model.Message{ChatID: chat.ID, Sender: "support", Body: "hello"})
	m2, _ := s.AddMessage(model.Message{ChatID: chat.ID, Sender: "support", Body: "anyone?"})

	chatID, ok := s.MarkMessageRead(m1.ID)
	if !ok || chatID != chat.ID {
		t.Fatalf("MarkMessageRead = (%d, %v), want (%d, true)", chatID, ok, chat.ID)
	}
	last, ok := s.MarkChatRead(chat.ID)
	if !ok || last != m2.ID {
		t.Fatalf("MarkChatRead = (%d, %v), want (%d, true)", last, ok, m2.ID)
	}
	for _, m := range s.MessagesFor(chat.ID, 0) {
		if m.ReadAt == nil {
			t.Fatalf("message %d still unread", m.ID)
		}
	}
}

func TestChatsForSupportSeesAll(t *testing.T) {
	s := newTestStore(t)
	s.Login("ara", "pw", false)
	s.Login("minsu", "pw", false)
	if chat, err := s.Login("support", "pw", true); err != nil || chat != nil {
		t.Fatalf("support login = (%+v, %v), want no chat of its own", chat, err)
	}

	// A member sees only its own chat.
	if got := s.ChatsFor("ara"); len(got) != 1 || got[0].Member != "ara" {
		t.Fatalf("member view = %+v, want just ara's chat", got)
	}
	// The support pool sees every member's chat.
	if got := s.ChatsFor("support"); len(got) != 2 {
		t.Fatalf("support view = %d chats, want 2", len(got))
	}
}
