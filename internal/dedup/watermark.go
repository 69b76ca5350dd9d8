// Package dedup gates the live tail so each log entry renders once.
//
// The tail only ever delivers the newest message of a chat, so the gate keeps a
// single watermark (the most recently admitted entry) instead of a set of seen ids.
package dedup

import "lingochat/internal/models"

type Decision int

const (
	Render Decision = iota
	Drop
)

func (d Decision) String() string {
	if d == Render {
		return "render"
	}
	return "drop"
}

// Watermark remembers the id and log position of the last admitted message.
// The zero value admits anything.
type Watermark struct {
	id  string
	seq int64
}

// Prime moves the watermark to the newest message of an initial page. It must be
// called before the tail starts emitting so a message that arrived during the page
// fetch is not rendered twice.
func (w *Watermark) Prime(msgs []models.Message) {
	for _, m := range msgs {
		if m.Seq >= w.seq {
			w.id, w.seq = m.ID, m.Seq
		}
	}
}

// Admit decides whether m renders. A message equal to the watermark is a duplicate.
// A message at or behind the watermark's log position was already covered by a
// page and is dropped as an older duplicate. Admission advances the watermark.
func (w *Watermark) Admit(m models.Message) Decision {
	if m.ID == w.id {
		return Drop
	}
	if w.id != "" && m.Seq <= w.seq {
		return Drop
	}
	w.id, w.seq = m.ID, m.Seq
	return Render
}

// Last returns the id of the last admitted message.
func (w *Watermark) Last() string { return w.id }

func (w *Watermark) Reset() { *w = Watermark{} }
