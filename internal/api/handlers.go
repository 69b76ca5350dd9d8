// Package api serves the REST endpoints and the WebSocket endpoint that hosts one
// synchronization session per connection.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"

	"lingochat/internal/auth"
	"lingochat/internal/config"
	"lingochat/internal/db"
	"lingochat/internal/docstore"
	"lingochat/internal/i18n"
	"lingochat/internal/kv"
	"lingochat/internal/models"
	"lingochat/internal/push"
	"lingochat/internal/translate"
	"lingochat/internal/websocket"
)

const (
	searchLimit     = 20
	maxMessagesPage = 100
)

// Deps are the services the handlers need. Overlay, FanOut and KV may be nil.
type Deps struct {
	Auth    *auth.Service
	DB      *db.DB
	Store   *docstore.Store
	Hub     *websocket.Hub
	Push    *push.Service
	Overlay *translate.Overlay
	FanOut  *translate.FanOut
	KV      *kv.Store
	Sync    config.SyncConfig
	Origin  string
}

type Handlers struct {
	auth    *auth.Service
	db      *db.DB
	store   *docstore.Store
	hub     *websocket.Hub
	push    *push.Service
	overlay *translate.Overlay
	fanout  *translate.FanOut
	kv      *kv.Store
	sync    config.SyncConfig
	origin  string
	logger  zerolog.Logger
}

func NewHandlers(d Deps) *Handlers {
	if d.Origin == "" {
		d.Origin = "http://localhost:3000"
	}
	return &Handlers{
		auth:    d.Auth,
		db:      d.DB,
		store:   d.Store,
		hub:     d.Hub,
		push:    d.Push,
		overlay: d.Overlay,
		fanout:  d.FanOut,
		kv:      d.KV,
		sync:    d.Sync,
		origin:  d.Origin,
		logger:  log.With().Str("component", "api").Logger(),
	}
}

// NewRouter mounts every route. The WebSocket endpoint sits outside the request
// logger and CORS.
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.With(h.WithAuth).Get("/ws", h.HandleWebSocket)

	r.Route("/api", func(api chi.Router) {
		api.Use(logRequest)
		api.Use(h.WithCORS)

		api.Post("/auth/register", h.HandleRegister)
		api.Post("/auth/login", h.HandleLogin)
		api.Get("/auth/verify", h.HandleVerify)

		api.Group(func(p chi.Router) {
			p.Use(h.WithAuth)
			p.Post("/auth/logout", h.HandleLogout)

			p.Get("/chats", h.HandleChats)
			p.Post("/chats", h.HandleCreateChat)
			p.Delete("/chats/{chatID}", h.HandleDeleteChat)
			p.Post("/chats/{chatID}/participants", h.HandleAddParticipant)
			p.Get("/chats/{chatID}/messages", h.HandleMessages)

			p.Get("/users", h.HandleUsers)
			p.Put("/users/me/language", h.HandleUpdateLanguage)
			p.Post("/users/me/push-token", h.HandlePushToken)
		})
	})
	return r
}

// Auth handlers
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.SignUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondCode(w, r, http.StatusBadRequest, i18n.CodeInvalidRequest)
		return
	}

	resp, err := h.auth.SignUp(r.Context(), req)
	if err != nil {
		h.respondAuthError(w, r, err)
		return
	}
	h.setAuthCookie(w, resp.Token)
	respondJSON(w, http.StatusCreated, resp)
}

func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondCode(w, r, http.StatusBadRequest, i18n.CodeInvalidRequest)
		return
	}

	resp, err := h.auth.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		h.respondAuthError(w, r, err)
		return
	}
	h.setAuthCookie(w, resp.Token)
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.auth.SignOut(userFrom(r.Context()).ID)
	http.SetCookie(w, &http.Cookie{
		Name:     authCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	token := tokenFrom(r)
	if token == "" {
		h.respondCode(w, r, http.StatusUnauthorized, i18n.CodeUnauthorized)
		return
	}
	user, err := h.auth.Verify(r.Context(), token)
	if err != nil {
		h.respondAuthError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

func (h *Handlers) setAuthCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(h.auth.TokenTTL().Seconds()),
	})
}

// Chat handlers
func (h *Handlers) HandleChats(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	chats, err := h.store.UserChats(r.Context(), user.ID)
	if err != nil {
		h.respondError(w, r, "list chats", err)
		return
	}
	if chats == nil {
		chats = []*models.Chat{}
	}
	respondJSON(w, http.StatusOK, chats)
}

// HandleCreateChat creates a chat with the caller as a participant. A direct chat
// that already exists is returned as is.
func (h *Handlers) HandleCreateChat(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	var req models.CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondCode(w, r, http.StatusBadRequest, i18n.CodeInvalidRequest)
		return
	}
	if req.Kind == "" {
		req.Kind = models.ChatDirect
	}

	if req.Kind == models.ChatDirect {
		others := without(req.Participants, user.ID)
		if len(others) != 1 {
			h.respondCode(w, r, http.StatusBadRequest, i18n.CodeInvalidRequest)
			return
		}
		existing, err := h.db.FindDirectChat(r.Context(), user.ID, others[0])
		if err == nil {
			respondJSON(w, http.StatusOK, existing)
			return
		}
		if !errors.Is(err, db.ErrNotFound) {
			h.respondError(w, r, "find direct chat", err)
			return
		}
		req.Name = ""
	} else if strings.TrimSpace(req.Name) == "" {
		h.respondCode(w, r, http.StatusBadRequest, i18n.CodeInvalidRequest)
		return
	}

	participants := append([]string{user.ID}, req.Participants...)
	chat, err := h.store.CreateChat(r.Context(), req.Kind, strings.TrimSpace(req.Name), participants)
	if err != nil {
		h.respondError(w, r, "create chat", err)
		return
	}
	respondJSON(w, http.StatusCreated, chat)
}

func (h *Handlers) HandleDeleteChat(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.memberChat(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteChat(r.Context(), chat.ID); err != nil {
		h.respondError(w, r, "delete chat", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAddParticipant adds a member to a group and announces it in the chat.
func (h *Handlers) HandleAddParticipant(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.memberChat(w, r)
	if !ok {
		return
	}
	var req models.AddParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		h.respondCode(w, r, http.StatusBadRequest, i18n.CodeInvalidRequest)
		return
	}

	member, err := h.store.GetUser(r.Context(), req.UserID)
	if err != nil {
		h.respondError(w, r, "load member", err)
		return
	}
	updated, err := h.store.AddParticipant(r.Context(), chat.ID, member.ID)
	if err != nil {
		h.respondError(w, r, "add participant", err)
		return
	}
	_, err = h.store.AddMessage(r.Context(), &models.Message{
		ChatID:   chat.ID,
		SenderID: userFrom(r.Context()).ID,
		Text:     fmt.Sprintf("%s joined", member.DisplayName),
		Kind:     models.MessageSystem,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("chat", chat.ID).Msg("announce new member")
	}
	respondJSON(w, http.StatusOK, updated)
}

// HandleMessages returns one page of history older than the before query parameter.
func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.memberChat(w, r)
	if !ok {
		return
	}

	before, err := queryInt(r, "before", 0)
	if err != nil || before < 0 {
		h.respondCode(w, r, http.StatusBadRequest, i18n.CodeInvalidRequest)
		return
	}
	limit, err := queryInt(r, "limit", int64(h.pageSize()))
	if err != nil || limit <= 0 || limit > maxMessagesPage {
		h.respondCode(w, r, http.StatusBadRequest, i18n.CodeInvalidRequest)
		return
	}

	messages, err := h.store.MessagesBefore(r.Context(), chat.ID, before, int(limit))
	if err != nil {
		h.respondError(w, r, "load messages", err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	respondJSON(w, http.StatusOK, messages)
}

// memberChat loads the chat named in the path and checks the caller belongs to it.
func (h *Handlers) memberChat(w http.ResponseWriter, r *http.Request) (*models.Chat, bool) {
	chat, err := h.store.GetChat(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		h.respondError(w, r, "load chat", err)
		return nil, false
	}
	if !chat.HasParticipant(userFrom(r.Context()).ID) {
		h.respondCode(w, r, http.StatusForbidden, i18n.CodeForbidden)
		return nil, false
	}
	return chat, true
}

// User handlers
func (h *Handlers) HandleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.SearchUsers(r.Context(), r.URL.Query().Get("search"), searchLimit)
	if err != nil {
		h.respondError(w, r, "search users", err)
		return
	}

	self := userFrom(r.Context()).ID
	response := make([]*models.User, 0, len(users))
	for _, u := range users {
		if u.ID != self {
			response = append(response, u)
		}
	}
	respondJSON(w, http.StatusOK, response)
}

func (h *Handlers) HandleUpdateLanguage(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateLanguageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondCode(w, r, http.StatusBadRequest, i18n.CodeInvalidRequest)
		return
	}
	lang := translate.Normalize(req.Language)
	if lang == "" {
		h.respondCode(w, r, http.StatusBadRequest, i18n.CodeInvalidRequest)
		return
	}

	user := userFrom(r.Context())
	if err := h.db.UpdateUserLanguage(r.Context(), user.ID, lang); err != nil {
		h.respondError(w, r, "update language", err)
		return
	}
	user.Language = lang
	respondJSON(w, http.StatusOK, user)
}

func (h *Handlers) HandlePushToken(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondCode(w, r, http.StatusBadRequest, i18n.CodeInvalidRequest)
		return
	}
	if err := h.push.RegisterToken(r.Context(), userFrom(r.Context()).ID, req.Token); err != nil {
		if errors.Is(err, push.ErrEmptyToken) {
			h.respondCode(w, r, http.StatusBadRequest, i18n.CodeInvalidRequest)
			return
		}
		h.respondError(w, r, "register push token", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) pageSize() int {
	if h.sync.PageSize > 0 {
		return h.sync.PageSize
	}
	return 20
}

// Responses
type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// respondCode writes a localized error for code.
func (h *Handlers) respondCode(w http.ResponseWriter, r *http.Request, status int, code string) {
	respondJSON(w, status, errorResponse{Code: code, Error: i18n.Message(requestLanguage(r), code)})
}

func (h *Handlers) respondAuthError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, auth.ErrInvalidCredential), errors.Is(err, auth.ErrInvalidToken):
		status = http.StatusUnauthorized
	case errors.Is(err, auth.ErrEmailInUse):
		status = http.StatusConflict
	case errors.Is(err, auth.ErrInvalidInput):
		status = http.StatusBadRequest
	default:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("auth failed")
	}
	h.respondCode(w, r, status, auth.Code(err))
}

// respondError maps store errors to a status and logs the unexpected ones.
func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.respondCode(w, r, http.StatusNotFound, i18n.CodeChatNotFound)
	case errors.Is(err, db.ErrInvalidChat), errors.Is(err, db.ErrNotParticipant):
		h.respondCode(w, r, http.StatusBadRequest, i18n.CodeInvalidRequest)
	case errors.Is(err, db.ErrDuplicate):
		h.respondCode(w, r, http.StatusConflict, i18n.CodeInvalidRequest)
	default:
		h.logger.Error().Err(err).Str("op", op).Msg("request failed")
		h.respondCode(w, r, http.StatusInternalServerError, "")
	}
}

// requestLanguage is the signed-in user's language, else the first Accept-Language tag.
func requestLanguage(r *http.Request) string {
	if user := userFrom(r.Context()); user != nil && user.Language != "" {
		return user.Language
	}
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil || len(tags) == 0 {
		return ""
	}
	return tags[0].String()
}

func queryInt(r *http.Request, key string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func without(ids []string, drop string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || id == drop || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
