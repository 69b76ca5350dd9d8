package models

import "time"

type ChatKind string

const (
	ChatDirect ChatKind = "direct"
	ChatGroup  ChatKind = "group"
)

type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageAudio  MessageKind = "audio"
	MessageSystem MessageKind = "system"
)

// TranslationLimitExceeded marks a message whose translation hit the provider quota.
const TranslationLimitExceeded = "limit_exceeded"

type User struct {
	ID          string    `json:"id" db:"id"`
	Email       string    `json:"email" db:"email"`
	Password    string    `json:"-" db:"password"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Language    string    `json:"language" db:"language"`
	PushToken   string    `json:"-" db:"push_token"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// LastMessage is the snapshot kept on a chat for roster ordering.
type LastMessage struct {
	Text     string    `json:"text"`
	SenderID string    `json:"sender_id"`
	At       time.Time `json:"at"`
}

// TypingStatus is the single presence slot of a chat.
type TypingStatus struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	At          time.Time `json:"at"`
}

type Chat struct {
	ID           string        `json:"id" db:"id"`
	Kind         ChatKind      `json:"kind" db:"kind"`
	Name         string        `json:"name,omitempty" db:"name"`
	Participants []string      `json:"participants"`
	LastMessage  *LastMessage  `json:"last_message,omitempty"`
	Typing       *TypingStatus `json:"typing,omitempty"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"`
}

// HasParticipant reports whether userID is a member of the chat.
func (c *Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// RecencyAt is the timestamp used for roster ordering.
func (c *Chat) RecencyAt() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.At
	}
	return c.CreatedAt
}

type Message struct {
	ID                string            `json:"id" db:"id"`
	Seq               int64             `json:"seq" db:"seq"`
	ChatID            string            `json:"chat_id" db:"chat_id"`
	SenderID          string            `json:"sender_id" db:"sender_id"`
	Text              string            `json:"text" db:"text"`
	Language          string            `json:"language" db:"language"`
	Kind              MessageKind       `json:"kind" db:"kind"`
	Translations      map[string]string `json:"translations,omitempty"`
	TranslationStatus string            `json:"translation_status,omitempty" db:"translation_status"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
}

// Translation returns the stored translation for lang, if any.
func (m *Message) Translation(lang string) (string, bool) {
	if m.Translations == nil {
		return "", false
	}
	text, ok := m.Translations[lang]
	return text, ok
}

// ChatEvent is delivered by a per-chat document watch: the newest message of the
// chat and its presence slot.
type ChatEvent struct {
	ChatID string        `json:"chat_id"`
	Latest *Message      `json:"latest,omitempty"`
	Typing *TypingStatus `json:"typing,omitempty"`
}

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// ChatChange is one entry of a roster snapshot.
type ChatChange struct {
	Type ChangeType `json:"type"`
	Chat Chat       `json:"chat"`
}

// Request/Response structures
type SignUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Language    string `json:"language"`
}

type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignInResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type CreateChatRequest struct {
	Name         string   `json:"name"`
	Kind         ChatKind `json:"kind"`
	Participants []string `json:"participants"`
}

type AddParticipantRequest struct {
	UserID string `json:"user_id"`
}

type UpdateLanguageRequest struct {
	Language string `json:"language"`
}

type RegisterTokenRequest struct {
	Token string `json:"token"`
}

type WebSocketMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}
