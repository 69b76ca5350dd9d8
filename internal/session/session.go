// Package session is the per-client synchronization core: it owns the open chat's
// cursor, dedup watermark, pagination and presence, the roster, and the render sink.
//
// Every method runs on the session's event loop. Blocking work goes through the
// scheduler and its results are tagged with the chat generation they were issued
// for; results from an older generation are discarded.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"lingochat/internal/cursor"
	"lingochat/internal/db"
	"lingochat/internal/dedup"
	"lingochat/internal/eventloop"
	"lingochat/internal/i18n"
	"lingochat/internal/kv"
	"lingochat/internal/models"
	"lingochat/internal/pagination"
	"lingochat/internal/presence"
	"lingochat/internal/roster"
	"lingochat/internal/translate"
)

type State int

const (
	Closed State = iota
	Opening
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Opening:
		return "opening"
	case Open:
		return "open"
	}
	return "unknown"
}

// Store is the document store as seen by a session.
type Store interface {
	cursor.Log
	translate.Store
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetChat(ctx context.Context, id string) (*models.Chat, error)
	CreateChat(ctx context.Context, kind models.ChatKind, name string, participants []string) (*models.Chat, error)
	AddParticipant(ctx context.Context, chatID, userID string) (*models.Chat, error)
	AddMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	SetTyping(ctx context.Context, chatID string, status *models.TypingStatus) error
	ParticipantLanguages(ctx context.Context, chatID string) ([]string, error)
	WatchRoster(ctx context.Context, userID string, fn func([]models.ChatChange)) (func(), error)
}

type Options struct {
	PageSize      int
	TypingTimeout time.Duration
	// NearTop is the distance in pixels from the top of the list that triggers
	// loading older history.
	NearTop  float64
	Measurer pagination.Measurer
	Clock    clock.Clock
	// KV persists read markers. Nil disables them.
	KV *kv.Store
}

type Session struct {
	store   Store
	overlay *translate.Overlay
	fanout  *translate.FanOut
	sched   eventloop.Scheduler
	sink    Sink
	opts    Options
	logger  zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	user         *models.User
	roster       *roster.Roster
	markers      *roster.ReadMarkers
	rosterCancel func()
	rosterGen    uint64
	limitNoticed bool

	state     State
	chatID    string
	chat      *models.Chat
	gen       uint64
	cursor    *cursor.Cursor
	watermark dedup.Watermark
	pager     pagination.Controller
	viewport  *pagination.Viewport
	notifier  *presence.Notifier
	indicator *presence.Indicator
	queue     []*pendingRender
}

// New builds an idle session. overlay and fanout may be nil when translation is off.
func New(store Store, overlay *translate.Overlay, fanout *translate.FanOut, sched eventloop.Scheduler, sink Sink, opts Options) *Session {
	if opts.PageSize <= 0 {
		opts.PageSize = cursor.DefaultPageSize
	}
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = presence.DefaultTimeout
	}
	if opts.NearTop <= 0 {
		opts.NearTop = 200
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		store:   store,
		overlay: overlay,
		fanout:  fanout,
		sched:   sched,
		sink:    sink,
		opts:    opts,
		logger:  log.With().Str("component", "session").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Session) State() State { return s.state }

// ChatID returns the chat being opened or open, or "".
func (s *Session) ChatID() string { return s.chatID }

// User returns the signed-in user, or nil.
func (s *Session) User() *models.User { return s.user }

// Start signs user into the session and subscribes to their roster.
func (s *Session) Start(user models.User) {
	defer s.guard("start")
	if s.user != nil {
		s.reset()
	}

	u := user
	s.user = &u
	s.logger = log.With().Str("component", "session").Str("user", u.ID).Logger()
	if s.opts.KV != nil {
		s.markers = roster.NewReadMarkers(s.opts.KV, u.ID)
	}
	s.roster = roster.New(u.ID, s.markers)
	s.rosterGen++

	gen := s.rosterGen
	cancel, err := s.store.WatchRoster(s.ctx, u.ID, func(changes []models.ChatChange) {
		s.sched.Post(func() {
			if gen == s.rosterGen {
				s.applyRoster(changes)
			}
		})
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("roster subscription failed")
		s.listError(TargetRoster, "", i18n.CodeSubscriptionFailed)
		return
	}
	s.rosterCancel = cancel
}

// Logout closes the chat and the roster and forgets the user.
func (s *Session) Logout() {
	defer s.guard("logout")
	if s.user == nil {
		return
	}
	s.reset()
	s.emit(Op{Type: OpSignedOut})
}

// Close releases everything when the client goes away.
func (s *Session) Close() {
	s.reset()
	s.cancel()
}

func (s *Session) reset() {
	s.closeChat()
	if s.rosterCancel != nil {
		s.rosterCancel()
		s.rosterCancel = nil
	}
	s.rosterGen++
	s.roster = nil
	s.markers = nil
	s.user = nil
	s.limitNoticed = false
}

func (s *Session) applyRoster(changes []models.ChatChange) {
	defer s.guard("roster")
	if s.roster == nil {
		return
	}

	for _, ch := range changes {
		if ch.Chat.ID != s.chatID || s.state == Closed {
			continue
		}
		switch ch.Type {
		case models.ChangeRemoved:
			s.closeChat()
			s.notice(i18n.CodeChatNotFound)
		default:
			chat := ch.Chat
			s.chat = &chat
			if s.state == Open && chat.LastMessage != nil {
				s.recordRead(chat.ID, chat.LastMessage.At)
			}
		}
	}

	if ops := s.roster.Apply(changes); len(ops) > 0 {
		s.emit(Op{Type: OpRoster, Roster: ops})
	}
	for _, id := range s.roster.PendingNames() {
		s.resolveName(id)
	}
}

func (s *Session) resolveName(userID string) {
	gen, ctx := s.rosterGen, s.ctx
	s.sched.Go(func() func() {
		user, err := s.store.GetUser(ctx, userID)
		return func() {
			if gen != s.rosterGen || s.roster == nil {
				return
			}
			if err != nil {
				s.logger.Warn().Err(err).Str("participant", userID).Msg("resolve display name")
				return
			}
			if ops := s.roster.ResolveName(userID, user.DisplayName); len(ops) > 0 {
				s.emit(Op{Type: OpRoster, Roster: ops})
			}
		}
	})
}

// MarkRead records chatID as read now.
func (s *Session) MarkRead(chatID string) {
	defer s.guard("mark_read")
	if s.roster == nil {
		return
	}
	ops, err := s.roster.MarkRead(chatID, s.opts.Clock.Now())
	if err != nil {
		s.logger.Warn().Err(err).Str("chat", chatID).Msg("mark read")
		return
	}
	if len(ops) > 0 {
		s.emit(Op{Type: OpRoster, Roster: ops})
	}
}

func (s *Session) recordRead(chatID string, at time.Time) {
	if err := s.markers.MarkRead(chatID, at); err != nil {
		s.logger.Warn().Err(err).Str("chat", chatID).Msg("mark read")
	}
}

func (s *Session) lang() string {
	if s.user == nil {
		return ""
	}
	return s.user.Language
}

func (s *Session) notice(code string) {
	s.emit(Op{Type: OpNotice, Code: code, Text: i18n.Message(s.lang(), code)})
}

func (s *Session) listError(target Target, chatID, code string) {
	s.emit(Op{Type: OpError, Target: target, ChatID: chatID, Code: code, Text: i18n.Message(s.lang(), code)})
}

func (s *Session) limitNotice() {
	if s.limitNoticed {
		return
	}
	s.limitNoticed = true
	s.notice(i18n.CodeTranslateLimit)
}

// fail logs err and turns it into a notice.
func (s *Session) fail(op string, err error, code string) {
	if errors.Is(err, db.ErrNotFound) {
		code = i18n.CodeChatNotFound
	}
	s.logger.Error().Err(err).Str("op", op).Msg("operation failed")
	s.notice(code)
}

// guard keeps a failing operation from taking down the loop.
func (s *Session) guard(op string) {
	if r := recover(); r != nil {
		s.logger.Error().Interface("panic", r).Str("op", op).Msg("operation panicked")
		s.notice("")
	}
}
