package hub

import (
	"testing"

	"github.com/rs/zerolog"
)

func newTestHub() *Hub {
	return New(zerolog.Nop())
}

func TestBroadcastMatchesDepartment(t *testing.T) {
	h := newTestHub()
	retina := &Client{ID: "c1", Send: make(chan []byte, 1), Subscription: Subscription{Department: "retina"}}
	cornea := &Client{ID: "c2", Send: make(chan []byte, 1), Subscription: Subscription{Department: "cornea"}}
	board := &Client{ID: "c3", Send: make(chan []byte, 1)}
	h.Register(retina)
	h.Register(cornea)
	h.Register(board)

	h.Broadcast([]byte("retina-update"), Subscription{Department: "retina"})

	select {
	case msg := <-retina.Send:
		if string(msg) != "retina-update" {
			t.Fatalf("unexpected message: %s", msg)
		}
	default:
		t.Fatal("expected retina subscriber to receive the message")
	}

	select {
	case msg := <-cornea.Send:
		t.Fatalf("cornea subscriber should not receive retina message, got %s", msg)
	default:
	}

	select {
	case <-board.Send:
	default:
		t.Fatal("expected unfiltered client to receive every message")
	}
}

func TestBroadcastDropsWhenChannelFull(t *testing.T) {
	h := newTestHub()
	client := &Client{ID: "slow", Send: make(chan []byte, 1), Subscription: Subscription{Department: "retina"}}
	h.Register(client)

	h.Broadcast([]byte("first"), Subscription{Department: "retina"})
	h.Broadcast([]byte("second"), Subscription{Department: "retina"})

	if got := string(<-client.Send); got != "first" {
		t.Fatalf("expected first message, got %s", got)
	}
	select {
	case msg := <-client.Send:
		t.Fatalf("expected second message to be dropped, got %s", msg)
	default:
	}
}

func TestUnregisterClosesSend(t *testing.T) {
	h := newTestHub()
	client := &Client{ID: "c1", Send: make(chan []byte, 1)}
	h.Register(client)
	h.Unregister(client)

	if _, open := <-client.Send; open {
		t.Fatal("expected send channel to be closed")
	}

	// no panic broadcasting after unregister
	h.Broadcast([]byte("late"), Subscription{})
}

func TestParseSubscribe(t *testing.T) {
	msg, ok := ParseSubscribe([]byte(`{"action":"subscribe","department":"retina"}`))
	if !ok || msg.Department != "retina" {
		t.Fatalf("expected subscribe message, got %+v ok=%v", msg, ok)
	}

	msg, ok = ParseSubscribe([]byte(`{"action":"unsubscribe"}`))
	if !ok || msg.Action != "unsubscribe" {
		t.Fatalf("expected unsubscribe message, got %+v ok=%v", msg, ok)
	}

	if _, ok := ParseSubscribe([]byte(`{"action":"ping"}`)); ok {
		t.Fatal("expected unknown action to be rejected")
	}
	if _, ok := ParseSubscribe([]byte(`not json`)); ok {
		t.Fatal("expected invalid json to be rejected")
	}
}
