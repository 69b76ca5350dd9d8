// Package cursor reads one chat's message log: backward pages of history and a
// live tail that follows the newest message.
package cursor

import (
	"context"
	"errors"
	"fmt"

	"lingochat/internal/models"
)

// DefaultPageSize is the number of messages per history page.
const DefaultPageSize = 20

var ErrTailOpen = errors.New("tail subscription already open")

// Log is the part of the document store the cursor reads from.
type Log interface {
	MessagesBefore(ctx context.Context, chatID string, before int64, limit int) ([]models.Message, error)
	WatchChat(ctx context.Context, chatID string, fn func(models.ChatEvent)) (func(), error)
}

// Page is a batch of messages in ascending log order.
type Page struct {
	Messages []models.Message
	// Cursor is the log position of the oldest message in the page; pass it to the
	// next FetchPage call to continue backwards.
	Cursor int64
	// Exhausted is set when nothing older than this page exists.
	Exhausted bool
}

// Newest returns the last message of the page.
func (p Page) Newest() (models.Message, bool) {
	if len(p.Messages) == 0 {
		return models.Message{}, false
	}
	return p.Messages[len(p.Messages)-1], true
}

type Cursor struct {
	log      Log
	chatID   string
	pageSize int
	cancel   func()
}

func New(log Log, chatID string, pageSize int) *Cursor {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Cursor{log: log, chatID: chatID, pageSize: pageSize}
}

func (c *Cursor) ChatID() string { return c.chatID }

func (c *Cursor) PageSize() int { return c.pageSize }

// FetchPage returns up to PageSize messages strictly older than before. A zero before
// starts from the newest message.
func (c *Cursor) FetchPage(ctx context.Context, before int64) (Page, error) {
	// One extra row tells whether anything older remains.
	msgs, err := c.log.MessagesBefore(ctx, c.chatID, before, c.pageSize+1)
	if err != nil {
		return Page{}, fmt.Errorf("fetch page of %s before %d: %w", c.chatID, before, err)
	}

	page := Page{Exhausted: len(msgs) <= c.pageSize}
	if !page.Exhausted {
		msgs = msgs[1:]
	}
	page.Messages = msgs
	if len(msgs) > 0 {
		page.Cursor = msgs[0].Seq
	}
	return page, nil
}

// OpenTail subscribes to the chat document. onMessage receives the newest message
// every time it changes (including the one current at subscription time), onTyping
// receives the presence slot. Both run on the store's goroutine.
func (c *Cursor) OpenTail(ctx context.Context, onMessage func(models.Message), onTyping func(*models.TypingStatus)) error {
	if c.cancel != nil {
		return ErrTailOpen
	}
	cancel, err := c.log.WatchChat(ctx, c.chatID, func(ev models.ChatEvent) {
		if ev.Latest != nil && onMessage != nil {
			onMessage(*ev.Latest)
		}
		if onTyping != nil {
			onTyping(ev.Typing)
		}
	})
	if err != nil {
		return fmt.Errorf("watch chat %s: %w", c.chatID, err)
	}
	c.cancel = cancel
	return nil
}

// TailOpen reports whether a tail subscription is active.
func (c *Cursor) TailOpen() bool { return c.cancel != nil }

// Close ends the tail subscription. It is safe to call more than once.
func (c *Cursor) Close() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}
