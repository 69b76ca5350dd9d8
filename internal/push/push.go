// Package push registers device tokens and notifies chat participants who are not
// connected when a message is created.
package push

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"lingochat/internal/models"
)

var ErrEmptyToken = errors.New("push token is empty")

const previewLength = 80

// Users is the part of the user collection push needs.
type Users interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	SetPushToken(ctx context.Context, userID, token string) error
}

// Presence reports whether a user has a live connection.
type Presence interface {
	IsOnline(userID string) bool
}

type Notification struct {
	ChatID string `json:"chat_id"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// Sender delivers a notification to a device token.
type Sender interface {
	Send(ctx context.Context, token string, n Notification) error
}

type Service struct {
	users    Users
	presence Presence
	sender   Sender
	logger   zerolog.Logger
}

func NewService(users Users, presence Presence, sender Sender) *Service {
	return &Service{
		users:    users,
		presence: presence,
		sender:   sender,
		logger:   log.With().Str("component", "push").Logger(),
	}
}

func (s *Service) RegisterToken(ctx context.Context, userID, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyToken
	}
	return s.users.SetPushToken(ctx, userID, token)
}

// MessageCreated notifies every offline participant with a registered token.
func (s *Service) MessageCreated(ctx context.Context, chat *models.Chat, msg *models.Message) {
	if msg.Kind == models.MessageSystem {
		return
	}

	title := chat.Name
	if chat.Kind == models.ChatDirect || title == "" {
		if sender, err := s.users.GetUserByID(ctx, msg.SenderID); err == nil {
			title = sender.DisplayName
		}
	}
	n := Notification{ChatID: chat.ID, Title: title, Body: preview(msg.Text)}

	for _, p := range chat.Participants {
		if p == msg.SenderID || s.presence.IsOnline(p) {
			continue
		}
		user, err := s.users.GetUserByID(ctx, p)
		if err != nil {
			s.logger.Warn().Err(err).Str("user", p).Msg("load participant for push")
			continue
		}
		if user.PushToken == "" {
			continue
		}
		if err := s.sender.Send(ctx, user.PushToken, n); err != nil {
			s.logger.Warn().Err(err).Str("user", p).Msg("push delivery failed")
		}
	}
}

func preview(text string) string {
	r := []rune(text)
	if len(r) <= previewLength {
		return text
	}
	return string(r[:previewLength]) + "…"
}

// LogSender records notifications in the log instead of delivering them.
type LogSender struct{}

func (LogSender) Send(_ context.Context, token string, n Notification) error {
	log.Info().Str("component", "push").Str("chat", n.ChatID).Str("title", n.Title).
		Int("token_len", len(token)).Msg("push notification")
	return nil
}
