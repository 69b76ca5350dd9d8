package roster

import (
	"encoding/binary"
	"time"

	"lingochat/internal/kv"
	"lingochat/internal/models"
)

// ReadMarkers is the local last-read time per chat. Read state is not shared with
// other users or devices. A nil *ReadMarkers treats every chat as read.
type ReadMarkers struct {
	store  *kv.Store
	prefix []byte
}

func NewReadMarkers(store *kv.Store, userID string) *ReadMarkers {
	return &ReadMarkers{store: store, prefix: []byte("rd/" + userID + "/")}
}

func (m *ReadMarkers) key(chatID string) []byte {
	return append(append([]byte(nil), m.prefix...), chatID...)
}

// MarkRead advances the chat's marker to at. Older timestamps are ignored.
func (m *ReadMarkers) MarkRead(chatID string, at time.Time) error {
	if m == nil {
		return nil
	}
	if last, ok := m.LastRead(chatID); ok && !at.After(last) {
		return nil
	}
	return m.store.Set(m.key(chatID), binary.BigEndian.AppendUint64(nil, uint64(at.UnixNano())))
}

func (m *ReadMarkers) LastRead(chatID string) (time.Time, bool) {
	if m == nil {
		return time.Time{}, false
	}
	v, err := m.store.Get(m.key(chatID))
	if err != nil || len(v) != 8 {
		return time.Time{}, false
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(v))), true
}

// Unread reports whether the chat's last message came from someone else after the
// local marker.
func (m *ReadMarkers) Unread(chat *models.Chat, selfID string) bool {
	if m == nil || chat.LastMessage == nil || chat.LastMessage.SenderID == selfID {
		return false
	}
	last, ok := m.LastRead(chat.ID)
	return !ok || chat.LastMessage.At.After(last)
}
