// Package docstore exposes the chat document store to the synchronization core:
// one-shot reads, writes that publish change events, and live watches on a chat
// document and on a user's roster.
package docstore

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"lingochat/internal/db"
	"lingochat/internal/models"
	"lingochat/internal/websocket"
)

// MessageHook runs after a message has been committed, like a server-side trigger.
type MessageHook interface {
	MessageCreated(ctx context.Context, chat *models.Chat, msg *models.Message)
}

type Store struct {
	db     *db.DB
	hub    *websocket.Hub
	hooks  []MessageHook
	logger zerolog.Logger
}

func New(database *db.DB, hub *websocket.Hub) *Store {
	return &Store{
		db:     database,
		hub:    hub,
		logger: log.With().Str("component", "docstore").Logger(),
	}
}

// AddHook registers a message-created hook. Not safe to call concurrently with writes.
func (s *Store) AddHook(h MessageHook) {
	s.hooks = append(s.hooks, h)
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.db.GetUserByID(ctx, id)
}

func (s *Store) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	return s.db.GetChat(ctx, id)
}

func (s *Store) UserChats(ctx context.Context, userID string) ([]*models.Chat, error) {
	return s.db.GetUserChats(ctx, userID)
}

func (s *Store) SearchUsers(ctx context.Context, query string, limit int) ([]*models.User, error) {
	return s.db.SearchUsers(ctx, query, limit)
}

func (s *Store) ParticipantLanguages(ctx context.Context, chatID string) ([]string, error) {
	return s.db.ParticipantLanguages(ctx, chatID)
}

// MessagesBefore returns messages strictly older than before, ascending.
func (s *Store) MessagesBefore(ctx context.Context, chatID string, before int64, limit int) ([]models.Message, error) {
	msgs, err := s.db.MessagesBefore(ctx, chatID, before, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		out[i] = *m
	}
	return out, nil
}

// CreateChat creates (or for direct chats, returns the existing) chat and adds it to
// every participant's roster.
func (s *Store) CreateChat(ctx context.Context, kind models.ChatKind, name string, participants []string) (*models.Chat, error) {
	chat, err := s.db.CreateChat(ctx, kind, name, participants)
	if err != nil {
		return nil, err
	}
	s.publishRoster(chat.Participants, models.ChangeAdded, chat)
	return chat, nil
}

func (s *Store) AddParticipant(ctx context.Context, chatID, userID string) (*models.Chat, error) {
	chat, err := s.db.AddParticipant(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	for _, p := range chat.Participants {
		change := models.ChangeModified
		if p == userID {
			change = models.ChangeAdded
		}
		s.publishRoster([]string{p}, change, chat)
	}
	return chat, nil
}

func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	chat, err := s.db.DeleteChat(ctx, chatID)
	if err != nil {
		return err
	}
	s.publishRoster(chat.Participants, models.ChangeRemoved, chat)
	return nil
}

// AddMessage commits msg and the chat's last-message snapshot as one batch, then
// notifies the chat watch, the participants' rosters and the message hooks.
func (s *Store) AddMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	saved, err := s.db.AddMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	chat, err := s.db.GetChat(ctx, saved.ChatID)
	if err != nil {
		return nil, fmt.Errorf("reload chat after send: %w", err)
	}

	latest := *saved
	s.hub.Publish(websocket.ChatTopic(chat.ID), models.ChatEvent{ChatID: chat.ID, Latest: &latest, Typing: chat.Typing})
	s.publishRoster(chat.Participants, models.ChangeModified, chat)

	for _, h := range s.hooks {
		h.MessageCreated(ctx, chat, saved)
	}
	return saved, nil
}

func (s *Store) SetTranslation(ctx context.Context, messageID, lang, text string) error {
	return s.db.SetTranslation(ctx, messageID, lang, text)
}

func (s *Store) SetTranslationStatus(ctx context.Context, messageID, status string) error {
	return s.db.SetTranslationStatus(ctx, messageID, status)
}

// SetTyping overwrites the presence slot of a chat; nil clears it.
func (s *Store) SetTyping(ctx context.Context, chatID string, status *models.TypingStatus) error {
	chat, err := s.db.SetTyping(ctx, chatID, status)
	if err != nil {
		return err
	}
	s.hub.Publish(websocket.ChatTopic(chatID), models.ChatEvent{ChatID: chatID, Typing: chat.Typing})
	return nil
}

// WatchChat subscribes to a chat document. fn first receives the current latest
// message and presence slot, then every later change. Latest is nil on events that
// only change presence. fn runs on the writer's goroutine and must not block.
func (s *Store) WatchChat(ctx context.Context, chatID string, fn func(models.ChatEvent)) (func(), error) {
	chat, err := s.db.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}

	cancel := s.hub.Subscribe(websocket.ChatTopic(chatID), func(payload any) {
		if ev, ok := payload.(models.ChatEvent); ok {
			fn(ev)
		}
	})

	latest, err := s.db.LatestMessage(ctx, chatID)
	if err != nil {
		cancel()
		return nil, err
	}
	fn(models.ChatEvent{ChatID: chatID, Latest: latest, Typing: chat.Typing})
	return cancel, nil
}

// WatchRoster subscribes to the chats userID participates in. fn first receives every
// current chat as added, then incremental changes.
func (s *Store) WatchRoster(ctx context.Context, userID string, fn func([]models.ChatChange)) (func(), error) {
	cancel := s.hub.Subscribe(websocket.RosterTopic(userID), func(payload any) {
		if changes, ok := payload.([]models.ChatChange); ok {
			fn(changes)
		}
	})

	chats, err := s.db.GetUserChats(ctx, userID)
	if err != nil {
		cancel()
		return nil, err
	}
	initial := make([]models.ChatChange, 0, len(chats))
	for _, c := range chats {
		initial = append(initial, models.ChatChange{Type: models.ChangeAdded, Chat: *c})
	}
	fn(initial)
	return cancel, nil
}

func (s *Store) publishRoster(userIDs []string, change models.ChangeType, chat *models.Chat) {
	for _, userID := range userIDs {
		s.hub.Publish(websocket.RosterTopic(userID), []models.ChatChange{{Type: change, Chat: *chat}})
	}
}
