package session

import (
	"encoding/json"

	"lingochat/internal/i18n"
)

// Client intent types carried in inbound frames.
const (
	IntentOpenChat    = "open_chat"
	IntentCloseChat   = "close_chat"
	IntentStartDirect = "start_direct"
	IntentCreateGroup = "create_group"
	IntentAddMember   = "add_member"
	IntentSend        = "send"
	IntentTyping      = "typing"
	IntentLoadOlder   = "load_older"
	IntentScroll      = "scroll"
	IntentMeasure     = "measure"
	IntentMarkRead    = "mark_read"
	IntentLogout      = "logout"
)

type chatPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

type groupPayload struct {
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
}

type sendPayload struct {
	Text string `json:"text"`
}

type scrollPayload struct {
	Top    float64 `json:"top"`
	Height float64 `json:"height"`
}

type measurePayload struct {
	ID     string  `json:"id"`
	Height float64 `json:"height"`
}

// Dispatch decodes one client intent and runs it. Malformed or unknown intents
// produce a notice.
func (s *Session) Dispatch(kind string, payload json.RawMessage) {
	defer s.guard(kind)

	decode := func(v any) bool {
		if len(payload) == 0 {
			return true
		}
		if err := json.Unmarshal(payload, v); err != nil {
			s.logger.Warn().Err(err).Str("intent", kind).Msg("malformed intent")
			s.notice(i18n.CodeInvalidRequest)
			return false
		}
		return true
	}

	switch kind {
	case IntentOpenChat:
		var p chatPayload
		if decode(&p) {
			s.Open(p.ChatID)
		}
	case IntentCloseChat:
		s.CloseChat()
	case IntentStartDirect:
		var p chatPayload
		if decode(&p) {
			s.StartDirect(p.UserID)
		}
	case IntentCreateGroup:
		var p groupPayload
		if decode(&p) {
			s.CreateGroup(p.Name, p.Participants)
		}
	case IntentAddMember:
		var p chatPayload
		if decode(&p) {
			s.AddMember(p.ChatID, p.UserID)
		}
	case IntentSend:
		var p sendPayload
		if decode(&p) {
			s.Send(p.Text)
		}
	case IntentTyping:
		s.Typing()
	case IntentLoadOlder:
		s.LoadOlder()
	case IntentScroll:
		var p scrollPayload
		if decode(&p) {
			s.Scroll(p.Top, p.Height)
		}
	case IntentMeasure:
		var p measurePayload
		if decode(&p) {
			s.MeasureRow(p.ID, p.Height)
		}
	case IntentMarkRead:
		var p chatPayload
		if decode(&p) {
			s.MarkRead(p.ChatID)
		}
	case IntentLogout:
		s.Logout()
	default:
		s.logger.Warn().Str("intent", kind).Msg("unknown intent")
		s.notice(i18n.CodeInvalidRequest)
	}
}
