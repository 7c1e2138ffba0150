package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/villagehq/villagechat/model"
)

// API is the persisted-state surface of the messaging server. The
// core depends only on this interface; HTTPAPI is the stock
// implementation against the reference server's REST routes.
type API interface {
	ChatsForIdentity(ctx context.Context, identity string) ([]model.Chat, error)
	MessagesForChat(ctx context.Context, chatID int64) ([]model.Message, error)
	CreateMessage(ctx context.Context, msg model.Message) (model.Message, error)
	MarkMessageRead(ctx context.Context, messageID int64) error
	MarkChatRead(ctx context.Context, chatID int64) error
}

// HTTPAPI talks JSON to the reference server.
type HTTPAPI struct {
	Base   string // e.g. "http://localhost:8999"
	Client *http.Client
}

func NewHTTPAPI(base string) *HTTPAPI {
	return &HTTPAPI{
		Base:   base,
		Client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *HTTPAPI) httpClient() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

func (a *HTTPAPI) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.Base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *HTTPAPI) ChatsForIdentity(ctx context.Context, identity string) ([]model.Chat, error) {
	var chats []model.Chat
	err := a.do(ctx, http.MethodGet, "/api/chats?identity="+url.QueryEscape(identity), nil, &chats)
	return chats, err
}

func (a *HTTPAPI) MessagesForChat(ctx context.Context, chatID int64) ([]model.Message, error) {
	var msgs []model.Message
	err := a.do(ctx, http.MethodGet, fmt.Sprintf("/api/chats/%d/messages", chatID), nil, &msgs)
	return msgs, err
}

func (a *HTTPAPI) CreateMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	var confirmed model.Message
	err := a.do(ctx, http.MethodPost, fmt.Sprintf("/api/chats/%d/messages", msg.ChatID), msg, &confirmed)
	return confirmed, err
}

func (a *HTTPAPI) MarkMessageRead(ctx context.Context, messageID int64) error {
	return a.do(ctx, http.MethodPost, fmt.Sprintf("/api/messages/%d/read", messageID), nil, nil)
}

func (a *HTTPAPI) MarkChatRead(ctx context.Context, chatID int64) error {
	return a.do(ctx, http.MethodPost, fmt.Sprintf("/api/chats/%d/read", chatID), nil, nil)
}
