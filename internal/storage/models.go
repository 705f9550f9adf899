package storage

import "time"

const (
	InteractionMessageReceived = "MESSAGE_RECEIVED"
	InteractionMessageSent     = "MESSAGE_SENT"
	InteractionButtonClicked   = "BUTTON_CLICKED"
)

// Bot is one registered bot credential and its owner. EncToken holds the
// crypto envelope; TokenHash is the deterministic credential fingerprint the
// uniqueness constraint lives on. Read paths that leave the core redact
// EncToken.
type Bot struct {
	ID           int64
	UserID       int64
	EncToken     string
	TokenHash    string
	Username     string
	DisplayName  string
	Label        string
	Active       bool
	SettingsJSON string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Conversation is the durable relationship between one bot and one
// provider-side end-user; at most one row per (BotID, ExternalUserID).
type Conversation struct {
	ID                int64
	BotID             int64
	ExternalUserID    int64
	ChatID            int64
	FirstName         string
	LastName          string
	Username          string
	LanguageCode      string
	Active            bool
	LastInteractionAt time.Time
	CreatedAt         time.Time
}

// Interaction is one append-only logged event within a conversation.
type Interaction struct {
	ID             int64
	ConversationID int64
	Type           string
	Content        string
	MetaJSON       string
	CreatedAt      time.Time
}
