package websocket

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ChatTopic is the change-feed topic of a single chat document.
func ChatTopic(chatID string) string { return "chat:" + chatID }

// RosterTopic is the change-feed topic of the chats a user participates in.
func RosterTopic(userID string) string { return "roster:" + userID }

type subscription struct {
	id uint64
	fn func(payload any)
}

// Hub tracks live connections and fans out change-feed events to in-process subscribers.
type Hub struct {
	clients    map[*Client]bool
	Register   chan *Client
	Unregister chan *Client
	userMap    map[string]map[*Client]bool
	mu         sync.RWMutex
	logger     zerolog.Logger

	done chan struct{}

	subMu   sync.RWMutex
	subs    map[string][]subscription
	nextSub uint64
}

func NewHub() *Hub {
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		userMap:    make(map[string]map[*Client]bool),
		subs:       make(map[string][]subscription),
		done:       make(chan struct{}),
		logger:     log.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Run(ctx context.Context) {
	h.logger.Info().Msg("websocket hub started")
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return

		case client := <-h.Register:
			h.mu.Lock()
			h.clients[client] = true
			if h.userMap[client.userID] == nil {
				h.userMap[client.userID] = make(map[*Client]bool)
			}
			h.userMap[client.userID][client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug().Str("user", client.userID).Int("clients", total).Msg("client connected")

		case client := <-h.Unregister:
			h.remove(client)
		}
	}
}

// Leave unregisters client; it does not block once the hub has stopped.
func (h *Hub) Leave(client *Client) {
	select {
	case h.Unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		if conns := h.userMap[client.userID]; conns != nil {
			delete(conns, client)
			if len(conns) == 0 {
				delete(h.userMap, client.userID)
			}
		}
	}
	total := len(h.clients)
	h.mu.Unlock()

	client.closeSend()
	h.logger.Debug().Str("user", client.userID).Int("clients", total).Msg("client disconnected")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]bool)
	h.userMap = make(map[string]map[*Client]bool)
	h.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
	}
}

// IsOnline reports whether userID has at least one live connection.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userMap[userID]) > 0
}

// Deliver queues message for client. A client that cannot keep up is disconnected
// rather than silently missing a frame; it reconnects and starts from a fresh page.
func (h *Hub) Deliver(client *Client, message interface{}) error {
	err := client.Send(message)
	if errors.Is(err, ErrSendBufferFull) {
		h.logger.Warn().Str("user", client.userID).Msg("send buffer full, dropping client")
		client.closeSend()
		go h.Leave(client)
	}
	return err
}

// Subscribe registers fn for events published on topic. fn runs on the publisher's
// goroutine and must not block. The returned cancel func is idempotent.
func (h *Hub) Subscribe(topic string, fn func(payload any)) (cancel func()) {
	h.subMu.Lock()
	h.nextSub++
	id := h.nextSub
	h.subs[topic] = append(h.subs[topic], subscription{id: id, fn: fn})
	h.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.subMu.Lock()
			defer h.subMu.Unlock()
			subs := h.subs[topic]
			for i, s := range subs {
				if s.id == id {
					h.subs[topic] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(h.subs[topic]) == 0 {
				delete(h.subs, topic)
			}
		})
	}
}

// Publish hands payload to every current subscriber of topic.
func (h *Hub) Publish(topic string, payload any) {
	h.subMu.RLock()
	subs := append([]subscription(nil), h.subs[topic]...)
	h.subMu.RUnlock()

	for _, s := range subs {
		s.fn(payload)
	}
}

// Subscribers returns the number of active subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.subMu.RLock()
	defer h.subMu.RUnlock()
	return len(h.subs[topic])
}
