package websocket

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSubscribePublishCancel(t *testing.T) {
	hub := NewHub()
	topic := ChatTopic("c1")

	var got []any
	cancel := hub.Subscribe(topic, func(payload any) { got = append(got, payload) })
	other := hub.Subscribe(RosterTopic("u1"), func(any) { t.Fatal("unexpected roster event") })
	defer other()

	hub.Publish(topic, "first")
	if hub.Subscribers(topic) != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.Subscribers(topic))
	}

	cancel()
	cancel()
	hub.Publish(topic, "second")

	if len(got) != 1 || got[0] != "first" {
		t.Fatalf("unexpected events: %v", got)
	}
	if hub.Subscribers(topic) != 0 {
		t.Fatalf("expected no subscribers, got %d", hub.Subscribers(topic))
	}
}

func TestRegisterAndDeliver(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := NewClient(hub, nil, "u1")
	hub.Register <- client

	deadline := time.Now().Add(time.Second)
	for !hub.IsOnline("u1") {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}

	if err := hub.Deliver(client, map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("Deliver err: %v", err)
	}
	select {
	case data := <-client.send:
		if string(data) != `{"type":"ping"}` {
			t.Fatalf("unexpected frame: %s", data)
		}
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}

	hub.Leave(client)
	deadline = time.Now().Add(time.Second)
	for client.Send("late") != ErrClientClosed {
		if time.Now().After(deadline) {
			t.Fatal("client send buffer never closed")
		}
		time.Sleep(time.Millisecond)
	}
	if hub.IsOnline("u1") {
		t.Fatal("client still online after leave")
	}
}

func TestDeliverDropsSlowClient(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := NewClient(hub, nil, "u1")
	hub.Register <- client
	deadline := time.Now().Add(time.Second)
	for !hub.IsOnline("u1") {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < cap(client.send); i++ {
		if err := hub.Deliver(client, i); err != nil {
			t.Fatalf("Deliver %d err: %v", i, err)
		}
	}
	if err := hub.Deliver(client, "overflow"); !errors.Is(err, ErrSendBufferFull) {
		t.Fatalf("expected ErrSendBufferFull, got %v", err)
	}
	if err := hub.Deliver(client, "after"); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}

	deadline = time.Now().Add(time.Second)
	for hub.IsOnline("u1") {
		if time.Now().After(deadline) {
			t.Fatal("slow client never unregistered")
		}
		time.Sleep(time.Millisecond)
	}
}
