// internal/models/models.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the opaque identity a client presents on create/join. The server
// never issues or verifies these; they arrive from the client's auth layer.
type User struct {
	UID      string `json:"uid"`
	Username string `json:"username"`
}

// Player is a user's membership in a single lobby. ConnID is a weak
// back-reference into the connection registry; it is rebindable on
// reconnect and never serialized to clients.
type Player struct {
	UserID   string    `json:"uid"`
	Username string    `json:"username"`
	ConnID   uuid.UUID `json:"-"`
	Lives    int       `json:"lives"`
}

// BotSender is the display name used on the wire for system-originated
// chat messages. Identity of a system message is the System flag, not
// this string; a real user choosing the same name does not collide.
const BotSender = "Bot \U0001F916"

// ChatMessage is an immutable entry in a lobby's chat log. Buttons is
// present only on game prompt messages.
type ChatMessage struct {
	Sender     string   `json:"sender"`
	Text       string   `json:"text"`
	Timestamp  string   `json:"timestamp"`
	ProfilePic string   `json:"profilePic,omitempty"`
	Buttons    []string `json:"buttons,omitempty"`
	System     bool     `json:"system,omitempty"`
}

// NewSystemMessage builds a bot-authored chat message with the reserved
// system flag set.
func NewSystemMessage(text string) ChatMessage {
	return ChatMessage{
		Sender:    BotSender,
		Text:      text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		System:    true,
	}
}

// NewSystemPrompt builds a bot-authored game prompt carrying the round's
// buttons.
func NewSystemPrompt(text string, buttons []string) ChatMessage {
	m := NewSystemMessage(text)
	m.Buttons = buttons
	return m
}

// PlayerSummary is the connection-free view of a player used in lobby
// listings.
type PlayerSummary struct {
	UID      string `json:"uid"`
	Username string `json:"username"`
}

// LobbySummary is the listing entry returned for getLobbies. It must never
// carry connection handles.
type LobbySummary struct {
	ID         uuid.UUID       `json:"id"`
	Host       string          `json:"host"`
	Players    []PlayerSummary `json:"players"`
	InProgress bool            `json:"inProgress"`
	Round      int             `json:"round"`
}
