package session

import (
	"errors"
	"fmt"
	"strings"

	"lingochat/internal/cursor"
	"lingochat/internal/db"
	"lingochat/internal/dedup"
	"lingochat/internal/i18n"
	"lingochat/internal/models"
	"lingochat/internal/pagination"
	"lingochat/internal/presence"
)

// Open switches to chatID. The previous chat's tail and presence are torn down
// before anything for the new chat is set up.
func (s *Session) Open(chatID string) {
	defer s.guard("open")
	if s.user == nil || chatID == "" {
		return
	}
	if s.state != Closed && s.chatID == chatID {
		return
	}

	s.closeChat()
	s.state = Opening
	s.chatID = chatID

	gen, ctx, self := s.gen, s.ctx, s.user.ID
	cur := cursor.New(s.store, chatID, s.opts.PageSize)
	s.cursor = cur
	s.sched.Go(func() func() {
		chat, err := s.store.GetChat(ctx, chatID)
		if err == nil && !chat.HasParticipant(self) {
			err = fmt.Errorf("open chat %s: %w", chatID, db.ErrNotParticipant)
		}
		if err != nil {
			return func() {
				if gen == s.gen {
					s.failOpen(err)
				}
			}
		}
		page, err := cur.FetchPage(ctx, 0)
		return func() {
			if gen != s.gen {
				return
			}
			if err != nil {
				s.failOpen(err)
				return
			}
			s.arm(chat, page)
		}
	})
}

// CloseChat leaves the open chat, if any.
func (s *Session) CloseChat() {
	defer s.guard("close")
	s.closeChat()
}

// arm renders the initial page and only then starts the tail, so the watermark
// already covers everything the page delivered.
func (s *Session) arm(chat *models.Chat, page cursor.Page) {
	gen := s.gen
	s.chat = chat
	s.pager.Reset(page)
	s.watermark.Prime(page.Messages)
	s.viewport = pagination.NewViewport(s.opts.Measurer)
	s.enqueue(Op{Type: OpReset, ChatID: chat.ID, Exhausted: page.Exhausted}, page.Messages)

	s.notifier = presence.NewNotifier(s.store, chat.ID, *s.user, s.opts.Clock, s.opts.TypingTimeout, s.sched)
	s.indicator = presence.NewIndicator(s.user.ID, s.opts.Clock, s.opts.TypingTimeout, s.sched, func(text string, visible bool) {
		if gen == s.gen {
			s.emit(Op{Type: OpTyping, ChatID: chat.ID, Text: text, Visible: visible})
		}
	})

	err := s.cursor.OpenTail(s.ctx,
		func(m models.Message) {
			s.sched.Post(func() {
				if gen == s.gen {
					s.onTail(m)
				}
			})
		},
		func(status *models.TypingStatus) {
			s.sched.Post(func() {
				if gen == s.gen && s.indicator != nil {
					s.indicator.Observe(status)
				}
			})
		},
	)
	if err != nil {
		s.logger.Error().Err(err).Str("chat", chat.ID).Msg("tail subscription failed")
		s.listError(TargetMessages, chat.ID, i18n.CodeSubscriptionFailed)
		s.closeChat()
		return
	}

	s.state = Open
	s.refreshRead(chat.ID)
}

func (s *Session) failOpen(err error) {
	chatID := s.chatID
	code := i18n.CodeLoadFailed
	switch {
	case errors.Is(err, db.ErrNotFound):
		code = i18n.CodeChatNotFound
	case errors.Is(err, db.ErrNotParticipant):
		code = i18n.CodeForbidden
	}
	s.logger.Error().Err(err).Str("chat", chatID).Msg("open chat failed")
	s.closeChat()
	s.listError(TargetMessages, chatID, code)
}

func (s *Session) closeChat() {
	if s.indicator != nil {
		s.indicator.Clear()
		s.indicator = nil
	}
	s.gen++
	if s.cursor != nil {
		s.cursor.Close()
		s.cursor = nil
	}
	if s.notifier != nil {
		s.notifier.Stop()
		s.notifier = nil
	}
	s.queue = nil
	s.watermark.Reset()
	s.pager = pagination.Controller{}
	s.viewport = nil
	s.chat = nil
	s.chatID = ""
	s.state = Closed
}

func (s *Session) onTail(m models.Message) {
	defer s.guard("tail")
	if s.watermark.Admit(m) == dedup.Drop {
		return
	}
	s.enqueue(Op{Type: OpAppend, ChatID: s.chatID}, []models.Message{m})
	s.recordRead(s.chatID, m.CreatedAt)
	s.refreshRead(s.chatID)
}

func (s *Session) refreshRead(chatID string) {
	if s.roster == nil {
		return
	}
	chat, ok := s.roster.Chat(chatID)
	if !ok || chat.LastMessage == nil {
		return
	}
	if ops, err := s.roster.MarkRead(chatID, chat.LastMessage.At); err == nil && len(ops) > 0 {
		s.emit(Op{Type: OpRoster, Roster: ops})
	}
}

// LoadOlder fetches the page before the oldest loaded message. It is a no-op unless
// the chat is open and pagination is idle.
func (s *Session) LoadOlder() {
	defer s.guard("load_older")
	if s.state != Open {
		return
	}
	before, ok := s.pager.Begin()
	if !ok {
		return
	}

	gen, ctx, cur := s.gen, s.ctx, s.cursor
	s.sched.Go(func() func() {
		page, err := cur.FetchPage(ctx, before)
		return func() {
			if gen != s.gen {
				return
			}
			if err != nil {
				s.pager.Fail()
				s.fail("load_older", err, i18n.CodeLoadFailed)
				return
			}
			s.pager.Complete(page)
			s.enqueue(Op{
				Type:      OpPrepend,
				ChatID:    s.chatID,
				Exhausted: s.pager.State() == pagination.Exhausted,
			}, page.Messages)
		}
	})
}

// Scroll records the client's scroll position and loads older history when the top
// of the list comes near.
func (s *Session) Scroll(top, height float64) {
	defer s.guard("scroll")
	if s.viewport == nil {
		return
	}
	s.viewport.Scroll(top, height)
	if s.viewport.NearTop(s.opts.NearTop) {
		s.LoadOlder()
	}
}

// MeasureRow applies a client-measured row height and re-anchors the scroll offset
// when a row above the visible window changed.
func (s *Session) MeasureRow(id string, height float64) {
	defer s.guard("measure")
	if s.viewport == nil {
		return
	}
	before := s.viewport.ScrollTop()
	if top := s.viewport.SetHeight(id, height); top != before {
		s.emit(Op{Type: OpScroll, ChatID: s.chatID, ScrollTop: top})
	}
}

// Typing is called on every edit of the message input.
func (s *Session) Typing() {
	defer s.guard("typing")
	if s.state == Open && s.notifier != nil {
		s.notifier.NotifyTyping()
	}
}

// Send writes a message to the open chat in the user's language, then translates it
// for the chat's other languages.
func (s *Session) Send(text string) {
	defer s.guard("send")
	text = strings.TrimSpace(text)
	if text == "" || s.state != Open {
		return
	}
	if s.notifier != nil {
		s.notifier.Stop()
	}

	msg := &models.Message{
		ChatID:   s.chatID,
		SenderID: s.user.ID,
		Text:     text,
		Language: s.user.Language,
		Kind:     models.MessageText,
	}
	s.write(msg)
}

func (s *Session) write(msg *models.Message) {
	ctx, rgen, fanout := s.ctx, s.rosterGen, s.fanout
	s.sched.Go(func() func() {
		saved, err := s.store.AddMessage(ctx, msg)
		if err != nil {
			return func() {
				if rgen == s.rosterGen {
					s.fail("send", err, i18n.CodeSendFailed)
				}
			}
		}
		if fanout == nil || saved.Kind == models.MessageSystem {
			return nil
		}
		langs, err := s.store.ParticipantLanguages(ctx, saved.ChatID)
		if err != nil {
			return func() {
				s.logger.Warn().Err(err).Str("chat", saved.ChatID).Msg("load participant languages")
			}
		}
		out := fanout.Translate(ctx, *saved, langs)
		if !out.RateLimited {
			return nil
		}
		return func() {
			if rgen == s.rosterGen {
				s.limitNotice()
			}
		}
	})
}

// StartDirect opens the direct chat with otherID, creating it when none exists.
func (s *Session) StartDirect(otherID string) {
	defer s.guard("start_direct")
	if s.user == nil {
		return
	}
	if otherID == "" || otherID == s.user.ID {
		s.notice(i18n.CodeInvalidRequest)
		return
	}
	s.createAndOpen("start_direct", models.ChatDirect, "", []string{s.user.ID, otherID})
}

// CreateGroup creates a group with the user and participants and opens it.
func (s *Session) CreateGroup(name string, participants []string) {
	defer s.guard("create_group")
	if s.user == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		s.notice(i18n.CodeInvalidRequest)
		return
	}
	s.createAndOpen("create_group", models.ChatGroup, name, append([]string{s.user.ID}, participants...))
}

func (s *Session) createAndOpen(op string, kind models.ChatKind, name string, participants []string) {
	ctx, rgen := s.ctx, s.rosterGen
	s.sched.Go(func() func() {
		chat, err := s.store.CreateChat(ctx, kind, name, participants)
		return func() {
			if rgen != s.rosterGen {
				return
			}
			if err != nil {
				code := i18n.CodeSendFailed
				if errors.Is(err, db.ErrInvalidChat) {
					code = i18n.CodeInvalidRequest
				}
				s.fail(op, err, code)
				return
			}
			s.Open(chat.ID)
		}
	})
}

// AddMember adds userID to a group chat and posts a system message announcing it.
func (s *Session) AddMember(chatID, userID string) {
	defer s.guard("add_member")
	if s.user == nil {
		return
	}
	ctx, rgen, self := s.ctx, s.rosterGen, s.user.ID
	s.sched.Go(func() func() {
		chat, err := s.store.GetChat(ctx, chatID)
		if err == nil && !chat.HasParticipant(self) {
			err = fmt.Errorf("add member to chat %s: %w", chatID, db.ErrNotParticipant)
		}
		if err == nil {
			chat, err = s.store.AddParticipant(ctx, chatID, userID)
		}
		if err == nil {
			var member *models.User
			if member, err = s.store.GetUser(ctx, userID); err == nil {
				_, err = s.store.AddMessage(ctx, &models.Message{
					ChatID:   chat.ID,
					SenderID: self,
					Text:     fmt.Sprintf("%s joined", member.DisplayName),
					Kind:     models.MessageSystem,
				})
			}
		}
		return func() {
			if rgen != s.rosterGen || err == nil {
				return
			}
			code := i18n.CodeSendFailed
			switch {
			case errors.Is(err, db.ErrInvalidChat):
				code = i18n.CodeInvalidRequest
			case errors.Is(err, db.ErrNotParticipant):
				code = i18n.CodeForbidden
			}
			s.fail("add_member", err, code)
		}
	})
}
