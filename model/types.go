package model

import "time"

// User represents a registered member.
type User struct {
	Identity     string    `json:"identity"`
	PasswordHash string    `json:"password_hash"` // Stored as bcrypt hash
	CreatedAt    time.Time `json:"created_at"`
}

// Chat is one conversation between a member and the support pool.
// Chats are created on signup and are read-only afterwards; the
// last-activity timestamp shown in list views is derived from the
// newest message, never stored here.
type Chat struct {
	ID        int64     `json:"id"`
	Member    string    `json:"member"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageKind tags the content of a message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindVideo MessageKind = "video"
	KindFile  MessageKind = "file"
)

// Attachment points at an uploaded file referenced by a message.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Mime string `json:"mime,omitempty"`
}

// Message is an atomic unit of conversation content.
//
// ID is server-assigned and zero for an optimistic entry that has not
// been confirmed yet. ClientID is generated by the sender before the
// persistence call and echoed back by the server, so the sender can
// match its own echo exactly instead of by content.
type Message struct {
	ID         int64       `json:"id,omitempty"`
	ChatID     int64       `json:"chat_id"`
	Sender     string      `json:"sender"`
	Body       string      `json:"body"`
	Kind       MessageKind `json:"kind"`
	Attachment *Attachment `json:"attachment,omitempty"`
	ClientID   string      `json:"client_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	ReadAt     *time.Time  `json:"read_at,omitempty"`

	// Pending marks a local optimistic entry awaiting confirmation.
	// Never set on anything that came over the wire.
	Pending bool `json:"-"`
}

// Confirmed reports whether the message carries a server id.
func (m Message) Confirmed() bool { return m.ID != 0 }
