package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"lingochat/internal/models"
)

const messageColumns = `seq, id, chat_id, sender_id, text, language, kind, translation_status, created_at`

// AddMessage appends a message to its chat log and updates the chat's last-message
// snapshot in the same transaction. The returned message carries its log position.
func (db *DB) AddMessage(ctx context.Context, message *models.Message) (*models.Message, error) {
	msg := *message
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Kind == "" {
		msg.Kind = models.MessageText
	}
	msg.CreatedAt = time.Now().UTC()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if msg.Kind != models.MessageSystem {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM chat_participants WHERE chat_id = ? AND user_id = ?`,
			msg.ChatID, msg.SenderID,
		).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sender %s in chat %s: %w", msg.SenderID, msg.ChatID, ErrNotParticipant)
		}
		if err != nil {
			return nil, fmt.Errorf("check participant: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, text, language, kind, translation_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ChatID, msg.SenderID, msg.Text, msg.Language, string(msg.Kind), msg.TranslationStatus, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if msg.Seq, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("get message seq: %w", err)
	}

	for lang, text := range msg.Translations {
		if err := upsertTranslation(ctx, tx, msg.ID, lang, text, msg.CreatedAt); err != nil {
			return nil, err
		}
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE chats SET last_text = ?, last_sender = ?, last_at = ?, updated_at = ? WHERE id = ?
	`, msg.Text, msg.SenderID, msg.CreatedAt, msg.CreatedAt, msg.ChatID)
	if err != nil {
		return nil, fmt.Errorf("update chat snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("chat %s: %w", msg.ChatID, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return &msg, nil
}

func (db *DB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}
	if err := db.attachTranslations(ctx, []*models.Message{msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

// MessagesBefore returns up to limit messages of chatID strictly older than the log
// position before (0 means from the newest), in ascending log order.
func (db *DB) MessagesBefore(ctx context.Context, chatID string, before int64, limit int) ([]*models.Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = ? AND (? = 0 OR seq < ?)
		ORDER BY seq DESC
		LIMIT ?
	`, chatID, before, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	if err := db.attachTranslations(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// LatestMessage returns the newest message of a chat, or nil when the log is empty.
func (db *DB) LatestMessage(ctx context.Context, chatID string) (*models.Message, error) {
	messages, err := db.MessagesBefore(ctx, chatID, 0, 1)
	if err != nil || len(messages) == 0 {
		return nil, err
	}
	return messages[0], nil
}

// SetTranslation stores text as the translation of a message into lang, replacing
// any earlier entry for the same language.
func (db *DB) SetTranslation(ctx context.Context, messageID, lang, text string) error {
	if err := upsertTranslation(ctx, db, messageID, lang, text, time.Now().UTC()); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
		}
		return err
	}
	return nil
}

func (db *DB) SetTranslationStatus(ctx context.Context, messageID, status string) error {
	res, err := db.ExecContext(ctx, `UPDATE messages SET translation_status = ? WHERE id = ?`, status, messageID)
	if err != nil {
		return fmt.Errorf("set translation status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertTranslation(ctx context.Context, ex execer, messageID, lang, text string, at time.Time) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO message_translations (message_id, language, text, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (message_id, language) DO UPDATE SET text = excluded.text, updated_at = excluded.updated_at
	`, messageID, lang, text, at)
	if err != nil {
		return fmt.Errorf("store %s translation of %s: %w", lang, messageID, err)
	}
	return nil
}

func (db *DB) attachTranslations(ctx context.Context, messages []*models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	byID := make(map[string]*models.Message, len(messages))
	args := make([]any, 0, len(messages))
	for _, m := range messages {
		byID[m.ID] = m
		args = append(args, m.ID)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")
	rows, err := db.QueryContext(ctx, `
		SELECT message_id, language, text FROM message_translations
		WHERE message_id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("query translations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, lang, text string
		if err := rows.Scan(&id, &lang, &text); err != nil {
			return fmt.Errorf("scan translation: %w", err)
		}
		m := byID[id]
		if m.Translations == nil {
			m.Translations = make(map[string]string)
		}
		m.Translations[lang] = text
	}
	return rows.Err()
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg  models.Message
		kind string
	)
	err := row.Scan(&msg.Seq, &msg.ID, &msg.ChatID, &msg.SenderID, &msg.Text,
		&msg.Language, &kind, &msg.TranslationStatus, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	msg.Kind = models.MessageKind(kind)
	return &msg, nil
}
