package session

import (
	"time"

	"lingochat/internal/models"
	"lingochat/internal/roster"
	"lingochat/internal/translate"
)

type OpType string

const (
	OpRoster    OpType = "roster"
	OpReset     OpType = "reset"
	OpAppend    OpType = "append"
	OpPrepend   OpType = "prepend"
	OpScroll    OpType = "scroll"
	OpTyping    OpType = "typing"
	OpNotice    OpType = "notice"
	OpError     OpType = "error"
	OpSignedOut OpType = "signed_out"
)

// Target names the list an error op replaces.
type Target string

const (
	TargetRoster   Target = "roster"
	TargetMessages Target = "messages"
)

// RenderedMessage is a message as the reader sees it.
type RenderedMessage struct {
	ID         string             `json:"id"`
	Seq        int64              `json:"seq"`
	SenderID   string             `json:"sender_id"`
	Kind       models.MessageKind `json:"kind"`
	Text       string             `json:"text"`
	Origin     string             `json:"origin,omitempty"`
	Language   string             `json:"language"`
	Translated bool               `json:"translated,omitempty"`
	Failed     bool               `json:"failed,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

func newRendered(m models.Message, res translate.Result) RenderedMessage {
	r := RenderedMessage{
		ID:         m.ID,
		Seq:        m.Seq,
		SenderID:   m.SenderID,
		Kind:       m.Kind,
		Text:       res.Text,
		Language:   m.Language,
		Translated: res.Translated,
		Failed:     res.Failed,
		CreatedAt:  m.CreatedAt,
	}
	if res.Translated {
		r.Origin = m.Text
	}
	return r
}

// Op is one instruction to the renderer.
type Op struct {
	Type      OpType            `json:"type"`
	ChatID    string            `json:"chat_id,omitempty"`
	Roster    []roster.Op       `json:"roster,omitempty"`
	Messages  []RenderedMessage `json:"messages,omitempty"`
	ScrollTop float64           `json:"scroll_top,omitempty"`
	Exhausted bool              `json:"exhausted,omitempty"`
	Visible   bool              `json:"visible,omitempty"`
	Text      string            `json:"text,omitempty"`
	Code      string            `json:"code,omitempty"`
	Target    Target            `json:"target,omitempty"`
}

// Sink receives render ops on the session loop.
type Sink interface {
	Render(op Op)
}

type SinkFunc func(op Op)

func (f SinkFunc) Render(op Op) { f(op) }

// pendingRender is a batch waiting for translation. Batches are emitted in the order
// they were queued even when their translations finish out of order.
type pendingRender struct {
	op    Op
	msgs  []models.Message
	ready bool
}

// enqueue translates msgs off the loop and emits op with them once every earlier
// batch has been emitted.
func (s *Session) enqueue(op Op, msgs []models.Message) {
	p := &pendingRender{op: op, msgs: msgs}
	s.queue = append(s.queue, p)
	if len(msgs) == 0 {
		p.ready = true
		s.flush()
		return
	}

	gen, reader, ctx, overlay := s.gen, *s.user, s.ctx, s.overlay
	s.sched.Go(func() func() {
		rendered := make([]RenderedMessage, len(msgs))
		limited := false
		for i, m := range msgs {
			res := translate.Result{Text: m.Text}
			if overlay != nil {
				res = overlay.Resolve(ctx, m, reader)
			}
			limited = limited || res.RateLimited
			rendered[i] = newRendered(m, res)
		}
		return func() {
			if gen != s.gen {
				return
			}
			p.op.Messages = rendered
			p.ready = true
			if limited {
				s.limitNotice()
			}
			s.flush()
		}
	})
}

func (s *Session) flush() {
	for len(s.queue) > 0 && s.queue[0].ready {
		p := s.queue[0]
		s.queue = s.queue[1:]

		shown := make([]models.Message, len(p.msgs))
		for i, m := range p.msgs {
			shown[i] = m
			if i < len(p.op.Messages) {
				shown[i].Text = p.op.Messages[i].Text
			}
		}
		switch p.op.Type {
		case OpReset:
			s.viewport.Reset(shown)
			p.op.ScrollTop = s.viewport.ScrollTop()
		case OpPrepend:
			p.op.ScrollTop = s.viewport.Prepend(shown)
		case OpAppend:
			s.viewport.Append(shown)
		}
		s.emit(p.op)
	}
}

func (s *Session) emit(op Op) {
	if s.sink != nil {
		s.sink.Render(op)
	}
}
