package domain

import (
	"time"
)

// Chat types of a normalized message.
const (
	ChatTypePrivate = "private"
	ChatTypeGroup   = "group"
)

// Event types emitted by the relay and the lifecycle manager.
const (
	EventNewMessage         = "new_message"
	EventMessageSent        = "message_sent"
	EventConnectionLost     = "connection_lost"
	EventConnectionRestored = "connection_restored"
	EventSessionExpired     = "session_expired"
)

// Sender identifies the author of a message.
type Sender struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Message is the normalized shape of an inbound or outbound chat message.
type Message struct {
	ID        int64     `json:"id"`
	From      Sender    `json:"from"`
	Chat      Chat      `json:"chat"`
	Text      string    `json:"text"`
	Date      time.Time `json:"date"`
	ReplyToID *int64    `json:"reply_to_message_id,omitempty"`
	Outgoing  bool      `json:"is_outgoing"`
}

// ChatTypeFor derives the chat type from a chat identifier. Groups and channels use negative ids.
func ChatTypeFor(chatID int64) string {
	if chatID < 0 {
		return ChatTypeGroup
	}
	return ChatTypePrivate
}

// Event is a normalized event record written to the archive.
type Event struct {
	SessionID string         `json:"session_id"`
	AgentID   int64          `json:"agent_id"`
	Type      string         `json:"event_type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// SentMessage is the result of a successful outbound send.
type SentMessage struct {
	MessageID int64     `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
}
