// Package pagination drives loading of older history and keeps the viewport anchored
// while history is prepended.
package pagination

import "lingochat/internal/cursor"

type State int

const (
	Idle State = iota
	LoadingOlder
	Exhausted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case LoadingOlder:
		return "loading_older"
	case Exhausted:
		return "exhausted"
	}
	return "unknown"
}

// Controller tracks backfill state for one open chat. At most one older-page fetch
// is in flight at a time.
type Controller struct {
	state  State
	oldest int64
}

// Reset prepares the controller for a freshly opened chat whose initial page is page.
func (c *Controller) Reset(page cursor.Page) {
	c.state = Idle
	c.oldest = page.Cursor
	if page.Exhausted {
		c.state = Exhausted
	}
}

func (c *Controller) State() State { return c.state }

// Oldest is the log position of the oldest loaded message.
func (c *Controller) Oldest() int64 { return c.oldest }

// Begin moves idle to loadingOlder and returns the cursor to fetch before. Any other
// state makes it a no-op.
func (c *Controller) Begin() (before int64, ok bool) {
	if c.state != Idle {
		return 0, false
	}
	c.state = LoadingOlder
	return c.oldest, true
}

// Complete records a fetched page. An empty or exhausted page ends pagination for
// this chat session.
func (c *Controller) Complete(page cursor.Page) {
	if c.state != LoadingOlder {
		return
	}
	if len(page.Messages) > 0 {
		c.oldest = page.Cursor
	}
	if page.Exhausted || len(page.Messages) == 0 {
		c.state = Exhausted
		return
	}
	c.state = Idle
}

// Fail returns to idle so the next trigger can retry.
func (c *Controller) Fail() {
	if c.state == LoadingOlder {
		c.state = Idle
	}
}
