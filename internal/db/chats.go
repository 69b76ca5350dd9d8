package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"lingochat/internal/models"
)

var (
	ErrInvalidChat    = errors.New("invalid chat")
	ErrNotParticipant = errors.New("not a chat participant")
)

const chatSelect = `
	SELECT c.id, c.kind, c.name, c.last_text, c.last_sender, c.last_at,
		c.typing_user, c.typing_name, c.typing_at, c.created_at, c.updated_at,
		(SELECT group_concat(p.user_id, ',') FROM chat_participants p WHERE p.chat_id = c.id)
	FROM chats c`

// DirectChatID derives the id of the direct chat between two users. The pair is
// sorted first, so both users arrive at the same id and concurrent creates collapse
// into one row.
func DirectChatID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	sum := sha256.Sum256([]byte(a + "\x00" + b))
	return "dm_" + hex.EncodeToString(sum[:16])
}

// CreateChat stores a new chat with its participants. For a direct chat it first
// looks up the existing chat between the pair and returns it if present.
func (db *DB) CreateChat(ctx context.Context, kind models.ChatKind, name string, participants []string) (*models.Chat, error) {
	members, err := normalizeParticipants(kind, participants)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if kind == models.ChatDirect {
		id = DirectChatID(members[0], members[1])
		existing, err := db.GetChat(ctx, id)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		name = ""
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO chats (id, kind, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, string(kind), name, now, now); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}

	for _, userID := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO chat_participants (chat_id, user_id, joined_at)
			VALUES (?, ?, ?)
		`, id, userID, now); err != nil {
			return nil, fmt.Errorf("add participant %s: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return db.GetChat(ctx, id)
}

func normalizeParticipants(kind models.ChatKind, participants []string) ([]string, error) {
	seen := make(map[string]struct{}, len(participants))
	members := make([]string, 0, len(participants))
	for _, p := range participants {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		members = append(members, p)
	}
	sort.Strings(members)

	switch kind {
	case models.ChatDirect:
		if len(members) != 2 {
			return nil, fmt.Errorf("direct chat needs exactly 2 participants, got %d: %w", len(members), ErrInvalidChat)
		}
	case models.ChatGroup:
		if len(members) < 2 {
			return nil, fmt.Errorf("group chat needs at least 2 participants, got %d: %w", len(members), ErrInvalidChat)
		}
	default:
		return nil, fmt.Errorf("unknown chat kind %q: %w", kind, ErrInvalidChat)
	}
	return members, nil
}

// FindDirectChat returns the direct chat between two users, or ErrNotFound.
func (db *DB) FindDirectChat(ctx context.Context, userA, userB string) (*models.Chat, error) {
	return db.GetChat(ctx, DirectChatID(userA, userB))
}

func (db *DB) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	row := db.QueryRowContext(ctx, chatSelect+` WHERE c.id = ?`, id)
	chat, err := scanChat(row)
	if err != nil {
		return nil, fmt.Errorf("chat %s: %w", id, err)
	}
	return chat, nil
}

// GetUserChats lists the chats userID participates in, most recent activity first.
func (db *DB) GetUserChats(ctx context.Context, userID string) ([]*models.Chat, error) {
	rows, err := db.QueryContext(ctx, chatSelect+`
		JOIN chat_participants cp ON cp.chat_id = c.id
		WHERE cp.user_id = ?
		ORDER BY COALESCE(c.last_at, c.created_at) DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	var chats []*models.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return chats, nil
}

// AddParticipant adds userID to a group chat.
func (db *DB) AddParticipant(ctx context.Context, chatID, userID string) (*models.Chat, error) {
	chat, err := db.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.Kind != models.ChatGroup {
		return nil, fmt.Errorf("chat %s is %s: %w", chatID, chat.Kind, ErrInvalidChat)
	}
	if chat.HasParticipant(userID) {
		return chat, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_participants (chat_id, user_id, joined_at) VALUES (?, ?, ?)
	`, chatID, userID, now); err != nil {
		return nil, fmt.Errorf("add participant %s: %w", userID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chats SET updated_at = ? WHERE id = ?`, now, chatID); err != nil {
		return nil, fmt.Errorf("touch chat: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return db.GetChat(ctx, chatID)
}

// DeleteChat removes a chat together with its message log and returns the deleted chat.
func (db *DB) DeleteChat(ctx context.Context, chatID string) (*models.Chat, error) {
	chat, err := db.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	queries := []string{
		`DELETE FROM message_translations WHERE message_id IN (SELECT id FROM messages WHERE chat_id = ?)`,
		`DELETE FROM messages WHERE chat_id = ?`,
		`DELETE FROM chat_participants WHERE chat_id = ?`,
		`DELETE FROM chats WHERE id = ?`,
	}
	for _, q := range queries {
		if _, err := tx.ExecContext(ctx, q, chatID); err != nil {
			return nil, fmt.Errorf("delete chat %s: %w", chatID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return chat, nil
}

// SetTyping overwrites the chat's presence slot; nil clears it.
func (db *DB) SetTyping(ctx context.Context, chatID string, status *models.TypingStatus) (*models.Chat, error) {
	var (
		userID, name sql.NullString
		at           sql.NullTime
	)
	if status != nil {
		userID = nullString(status.UserID)
		name = sql.NullString{String: status.DisplayName, Valid: true}
		at = sql.NullTime{Time: status.At.UTC(), Valid: true}
	}

	res, err := db.ExecContext(ctx, `
		UPDATE chats SET typing_user = ?, typing_name = ?, typing_at = ? WHERE id = ?
	`, userID, name, at, chatID)
	if err != nil {
		return nil, fmt.Errorf("set typing on %s: %w", chatID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	return db.GetChat(ctx, chatID)
}

// ParticipantLanguages returns the distinct preferred languages of a chat's members.
func (db *DB) ParticipantLanguages(ctx context.Context, chatID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT u.language
		FROM users u
		JOIN chat_participants cp ON cp.user_id = u.id
		WHERE cp.chat_id = ?
		ORDER BY u.language
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query participant languages: %w", err)
	}
	defer rows.Close()

	var langs []string
	for rows.Next() {
		var lang string
		if err := rows.Scan(&lang); err != nil {
			return nil, fmt.Errorf("scan language: %w", err)
		}
		langs = append(langs, lang)
	}
	return langs, rows.Err()
}

func scanChat(row rowScanner) (*models.Chat, error) {
	var (
		chat                         models.Chat
		kind                         string
		lastText, lastSender         sql.NullString
		lastAt, typingAt             sql.NullTime
		typingUser, typingName, list sql.NullString
	)
	err := row.Scan(&chat.ID, &kind, &chat.Name, &lastText, &lastSender, &lastAt,
		&typingUser, &typingName, &typingAt, &chat.CreatedAt, &chat.UpdatedAt, &list)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	chat.Kind = models.ChatKind(kind)
	if lastAt.Valid {
		chat.LastMessage = &models.LastMessage{Text: lastText.String, SenderID: lastSender.String, At: lastAt.Time}
	}
	if typingUser.Valid && typingAt.Valid {
		chat.Typing = &models.TypingStatus{UserID: typingUser.String, DisplayName: typingName.String, At: typingAt.Time}
	}
	if list.Valid && list.String != "" {
		chat.Participants = strings.Split(list.String, ",")
		sort.Strings(chat.Participants)
	}
	return &chat, nil
}
