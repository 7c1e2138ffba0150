package model

import "encoding/json"

// EventType names a websocket event.
type EventType string

// Client → server events.
const (
	EventIdentify  EventType = "identify"
	EventJoinChat  EventType = "join_chat"
	EventLeaveChat EventType = "leave_chat"
	EventTyping    EventType = "typing"
)

// Server → client events.
const (
	EventOnlineUsers       EventType = "online_users"
	EventUserJoined        EventType = "user_joined"
	EventUserLeft          EventType = "user_left"
	EventNewMessage        EventType = "new_message"
	EventUserTyping        EventType = "user_typing"
	EventMessageReadUpdate EventType = "message_read_update"
)

// Event is the wrapper for websocket messages. Payload stays raw so
// the receiver can decode it against the shape its Type implies; an
// unknown type or a payload that does not decode is dropped, never an
// error.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IdentifyPayload announces the connection's identity after connect.
type IdentifyPayload struct {
	Identity string `json:"identity"`
}

// MembershipPayload is shared by join_chat and leave_chat.
type MembershipPayload struct {
	ChatID   int64  `json:"chat_id"`
	Identity string `json:"identity"`
}

// TypingPayload is shared by typing and user_typing.
type TypingPayload struct {
	ChatID   int64  `json:"chat_id"`
	Identity string `json:"identity"`
	IsTyping bool   `json:"is_typing"`
}

// OnlineUsersPayload is the full presence snapshot.
type OnlineUsersPayload struct {
	Identities []string `json:"identities"`
}

// PresencePayload is an incremental presence delta.
type PresencePayload struct {
	Identity string `json:"identity"`
}

// NewMessagePayload carries a message persisted by any party.
type NewMessagePayload struct {
	ChatID  int64   `json:"chat_id"`
	Message Message `json:"message"`
}

// ReadUpdatePayload signals a read-state change; receivers re-fetch
// the chat rather than patching a field.
type ReadUpdatePayload struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

// NewEvent wraps payload into an Event envelope.
func NewEvent(t EventType, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: t, Payload: raw}, nil
}

// DecodePayload unmarshals the event payload into dst.
func (e Event) DecodePayload(dst any) error {
	return json.Unmarshal(e.Payload, dst)
}
