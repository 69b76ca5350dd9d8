package api

import (
	"context"
	"net/http"

	gorilla "github.com/gorilla/websocket"

	"lingochat/internal/auth"
	"lingochat/internal/eventloop"
	"lingochat/internal/models"
	"lingochat/internal/session"
	"lingochat/internal/websocket"
)

// HandleWebSocket upgrades an authenticated request and runs a sync session for it.
// Inbound frames are intents; outbound frames are render ops.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	upgrader := gorilla.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || origin == h.origin
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("user", user.ID).Msg("websocket upgrade failed")
		return
	}

	client := websocket.NewClient(h.hub, conn, user.ID)
	client.SetHandler(h.newConnection(client, *user))
	h.hub.Register <- client

	h.logger.Info().Str("user", user.ID).Str("remote", r.RemoteAddr).Msg("websocket connected")
	go client.WritePump()
	go client.ReadPump()
}

// connection binds one client to its session loop.
type connection struct {
	loop    *eventloop.Loop
	sess    *session.Session
	cancel  context.CancelFunc
	unwatch func()
}

func (h *Handlers) newConnection(client *websocket.Client, user models.User) *connection {
	loop := eventloop.New()
	sink := session.SinkFunc(func(op session.Op) {
		if err := h.hub.Deliver(client, models.WebSocketMessage{Type: string(op.Type), Payload: op}); err != nil {
			h.logger.Debug().Err(err).Str("user", client.UserID()).Str("op", string(op.Type)).Msg("render op not delivered")
		}
	})
	sess := session.New(h.store, h.overlay, h.fanout, loop, sink, session.Options{
		PageSize:      h.sync.PageSize,
		TypingTimeout: h.sync.TypingTimeout,
		KV:            h.kv,
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{loop: loop, sess: sess, cancel: cancel}
	c.unwatch = h.auth.OnAuthStateChanged(func(ev auth.Event) {
		if ev.UserID == user.ID && ev.User == nil {
			loop.Post(sess.Logout)
		}
	})

	go loop.Run(ctx)
	loop.Post(func() { sess.Start(user) })
	return c
}

func (c *connection) HandleFrame(frame websocket.Frame) {
	c.loop.Post(func() { c.sess.Dispatch(frame.Type, frame.Payload) })
}

// Close releases the session on its loop, then stops the loop.
func (c *connection) Close() {
	c.unwatch()
	c.loop.Post(func() {
		c.sess.Close()
		c.cancel()
	})
}
