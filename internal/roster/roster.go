// Package roster keeps a user's chat list ordered by recency and reconciles change
// snapshots into row operations instead of rebuilding the list.
package roster

import (
	"sort"
	"time"

	"lingochat/internal/models"
)

type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpMove   OpKind = "move"
	OpRemove OpKind = "remove"
)

// Row is what the chat list shows for one chat.
type Row struct {
	ChatID  string          `json:"chat_id"`
	Kind    models.ChatKind `json:"kind"`
	Name    string          `json:"name"`
	Preview string          `json:"preview,omitempty"`
	At      time.Time       `json:"at"`
	Unread  bool            `json:"unread"`
}

// Op is one change to the rendered list. Index is the row position after the op;
// From is the previous position of a moved row.
type Op struct {
	Kind  OpKind `json:"op"`
	Index int    `json:"index"`
	From  int    `json:"from,omitempty"`
	Row   Row    `json:"row"`
}

type entry struct {
	chat models.Chat
	row  Row
}

// Roster is owned by one session and is not safe for concurrent use.
type Roster struct {
	selfID  string
	markers *ReadMarkers
	names   map[string]string
	pending map[string]bool
	rows    []*entry
	byID    map[string]*entry
}

func New(selfID string, markers *ReadMarkers) *Roster {
	return &Roster{
		selfID:  selfID,
		markers: markers,
		names:   make(map[string]string),
		pending: make(map[string]bool),
		byID:    make(map[string]*entry),
	}
}

// Apply merges a snapshot of changes and returns the row operations in order.
func (r *Roster) Apply(changes []models.ChatChange) []Op {
	var ops []Op
	for _, ch := range changes {
		switch ch.Type {
		case models.ChangeRemoved:
			if op, ok := r.remove(ch.Chat.ID); ok {
				ops = append(ops, op)
			}
		default:
			if op, ok := r.upsert(ch.Chat); ok {
				ops = append(ops, op)
			}
		}
	}
	return ops
}

// Rows returns the current list top to bottom.
func (r *Roster) Rows() []Row {
	out := make([]Row, len(r.rows))
	for i, e := range r.rows {
		out[i] = e.row
	}
	return out
}

func (r *Roster) Len() int { return len(r.rows) }

// Chat returns the stored chat document for id.
func (r *Roster) Chat(id string) (models.Chat, bool) {
	e, ok := r.byID[id]
	if !ok {
		return models.Chat{}, false
	}
	return e.chat, true
}

// PendingNames returns the user ids whose display names are needed and not yet
// requested. Each id is reported once.
func (r *Roster) PendingNames() []string {
	var ids []string
	for _, e := range r.rows {
		if e.chat.Kind != models.ChatDirect {
			continue
		}
		other := r.other(e.chat)
		if other == "" {
			continue
		}
		if _, known := r.names[other]; known || r.pending[other] {
			continue
		}
		r.pending[other] = true
		ids = append(ids, other)
	}
	sort.Strings(ids)
	return ids
}

// ResolveName caches a participant's display name and updates the rows that show it.
func (r *Roster) ResolveName(userID, name string) []Op {
	r.names[userID] = name
	delete(r.pending, userID)
	var ops []Op
	for i, e := range r.rows {
		if e.chat.Kind == models.ChatDirect && r.other(e.chat) == userID {
			if op, ok := r.refreshAt(i); ok {
				ops = append(ops, op)
			}
		}
	}
	return ops
}

// MarkRead records the chat as read up to at and returns the row update, if any.
func (r *Roster) MarkRead(chatID string, at time.Time) ([]Op, error) {
	if err := r.markers.MarkRead(chatID, at); err != nil {
		return nil, err
	}
	i := r.index(chatID)
	if i < 0 {
		return nil, nil
	}
	if op, ok := r.refreshAt(i); ok {
		return []Op{op}, nil
	}
	return nil, nil
}

func (r *Roster) upsert(chat models.Chat) (Op, bool) {
	e, exists := r.byID[chat.ID]
	if !exists {
		e = &entry{chat: chat}
		e.row = r.render(chat)
		at := r.position(e)
		r.rows = append(r.rows, nil)
		copy(r.rows[at+1:], r.rows[at:])
		r.rows[at] = e
		r.byID[chat.ID] = e
		return Op{Kind: OpInsert, Index: at, Row: e.row}, true
	}

	from := r.index(chat.ID)
	e.chat = chat
	row := r.render(chat)
	changed := row != e.row
	e.row = row

	r.rows = append(r.rows[:from], r.rows[from+1:]...)
	to := r.position(e)
	r.rows = append(r.rows, nil)
	copy(r.rows[to+1:], r.rows[to:])
	r.rows[to] = e

	if to != from {
		return Op{Kind: OpMove, Index: to, From: from, Row: row}, true
	}
	if changed {
		return Op{Kind: OpUpdate, Index: to, Row: row}, true
	}
	return Op{}, false
}

func (r *Roster) remove(id string) (Op, bool) {
	i := r.index(id)
	if i < 0 {
		return Op{}, false
	}
	e := r.rows[i]
	r.rows = append(r.rows[:i], r.rows[i+1:]...)
	delete(r.byID, id)
	return Op{Kind: OpRemove, Index: i, Row: e.row}, true
}

func (r *Roster) refreshAt(i int) (Op, bool) {
	e := r.rows[i]
	row := r.render(e.chat)
	if row == e.row {
		return Op{}, false
	}
	e.row = row
	return Op{Kind: OpUpdate, Index: i, Row: row}, true
}

// position returns where e belongs among the rows: newest first, ties by id.
func (r *Roster) position(e *entry) int {
	at := e.chat.RecencyAt()
	return sort.Search(len(r.rows), func(i int) bool {
		other := r.rows[i].chat.RecencyAt()
		if other.Equal(at) {
			return r.rows[i].chat.ID > e.chat.ID
		}
		return other.Before(at)
	})
}

func (r *Roster) index(id string) int {
	for i, e := range r.rows {
		if e.chat.ID == id {
			return i
		}
	}
	return -1
}

func (r *Roster) render(chat models.Chat) Row {
	row := Row{
		ChatID: chat.ID,
		Kind:   chat.Kind,
		At:     chat.RecencyAt(),
		Unread: r.markers.Unread(&chat, r.selfID),
	}
	if chat.LastMessage != nil {
		row.Preview = chat.LastMessage.Text
	}
	if chat.Kind == models.ChatGroup {
		row.Name = chat.Name
	} else {
		row.Name = r.names[r.other(chat)]
	}
	return row
}

func (r *Roster) other(chat models.Chat) string {
	for _, p := range chat.Participants {
		if p != r.selfID {
			return p
		}
	}
	return ""
}
