// Package presence maintains the per-chat "who is typing" slot.
//
// The slot is a single register per chat: the last writer wins and only the most
// recent typer is shown. It is lossy by nature and both sides expire it after the
// typing timeout.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"lingochat/internal/eventloop"
	"lingochat/internal/models"
)

const DefaultTimeout = 3 * time.Second

// Slot is the shared presence register of a chat.
type Slot interface {
	SetTyping(ctx context.Context, chatID string, status *models.TypingStatus) error
}

// Notifier publishes the local user's typing state for one chat. All methods run on
// the session loop.
type Notifier struct {
	slot    Slot
	chatID  string
	self    models.User
	clock   clock.Clock
	timeout time.Duration
	sched   eventloop.Scheduler

	typing    bool
	lastWrite time.Time
	timer     *clock.Timer
	gen       uint64
}

func NewNotifier(slot Slot, chatID string, self models.User, clk clock.Clock, timeout time.Duration, sched eventloop.Scheduler) *Notifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Notifier{slot: slot, chatID: chatID, self: self, clock: clk, timeout: timeout, sched: sched}
}

// NotifyTyping is called on every input edit. The first edit claims the slot; later
// edits only re-arm the idle timer, refreshing the slot once per half timeout so
// remote readers do not expire an active typer.
func (n *Notifier) NotifyTyping() {
	now := n.clock.Now()
	if !n.typing || now.Sub(n.lastWrite) >= n.timeout/2 {
		n.typing = true
		n.lastWrite = now
		n.write(&models.TypingStatus{UserID: n.self.ID, DisplayName: n.self.DisplayName, At: now})
	}
	n.arm()
}

// Typing reports whether the local flag is set.
func (n *Notifier) Typing() bool { return n.typing }

// Stop cancels the idle timer and clears the slot if this user holds it.
func (n *Notifier) Stop() {
	n.disarm()
	if n.typing {
		n.typing = false
		n.write(nil)
	}
}

func (n *Notifier) arm() {
	n.disarm()
	gen := n.gen
	n.timer = n.clock.AfterFunc(n.timeout, func() {
		n.sched.Post(func() {
			if gen == n.gen && n.typing {
				n.typing = false
				n.write(nil)
			}
		})
	})
}

func (n *Notifier) disarm() {
	n.gen++
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}

func (n *Notifier) write(status *models.TypingStatus) {
	slot, chatID := n.slot, n.chatID
	n.sched.Go(func() func() {
		if err := slot.SetTyping(context.Background(), chatID, status); err != nil {
			log.Warn().Err(err).Str("chat", chatID).Msg("typing slot write failed")
		}
		return nil
	})
}

// Indicator renders the remote side of the slot for the local user.
type Indicator struct {
	selfID   string
	clock    clock.Clock
	timeout  time.Duration
	sched    eventloop.Scheduler
	onChange func(text string, visible bool)

	current *models.TypingStatus
	visible bool
	text    string
	timer   *clock.Timer
	gen     uint64
}

func NewIndicator(selfID string, clk clock.Clock, timeout time.Duration, sched eventloop.Scheduler, onChange func(text string, visible bool)) *Indicator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Indicator{selfID: selfID, clock: clk, timeout: timeout, sched: sched, onChange: onChange}
}

// Observe applies a new slot value. A slot naming the local user, an empty slot or a
// slot older than the timeout hides the indicator.
func (i *Indicator) Observe(status *models.TypingStatus) {
	i.current = status
	i.evaluate()
}

// Clear hides the indicator immediately and forgets the slot.
func (i *Indicator) Clear() {
	i.current = nil
	i.evaluate()
}

// Text returns the indicator text and whether it is shown.
func (i *Indicator) Text() (string, bool) { return i.text, i.visible }

func (i *Indicator) evaluate() {
	i.gen++
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}

	visible, text := false, ""
	var remaining time.Duration
	if s := i.current; s != nil && s.UserID != i.selfID {
		remaining = s.At.Add(i.timeout).Sub(i.clock.Now())
		if remaining > 0 {
			visible = true
			text = fmt.Sprintf("%s is typing", s.DisplayName)
		}
	}

	if visible {
		gen := i.gen
		i.timer = i.clock.AfterFunc(remaining, func() {
			i.sched.Post(func() {
				if gen == i.gen {
					i.evaluate()
				}
			})
		})
	}

	if visible != i.visible || text != i.text {
		i.visible, i.text = visible, text
		if i.onChange != nil {
			i.onChange(text, visible)
		}
	}
}
