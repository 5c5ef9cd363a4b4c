package monitor

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	go h.Run()
	return h
}

func waitForObservers(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for h.count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d observers, got %d", want, h.count())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHub_SlowObserverDroppedWithoutClosingSend(t *testing.T) {
	h := testHub(t)

	client := &Client{Send: make(chan []byte, 1)}
	h.register <- client
	waitForObservers(t, h, 1)

	// Fill the buffer so the next broadcast hits the drop path.
	client.Send <- []byte("stale")
	h.broadcast <- []byte("event")
	waitForObservers(t, h, 0)

	// The channel must stay open until the connection unregisters, so a
	// concurrent pong enqueue from the reader never hits a closed channel.
	select {
	case client.Send <- []byte("pong"):
	default:
	}

	h.unregister <- client
	for range client.Send {
	}
	if _, ok := <-client.Send; ok {
		t.Error("expected send channel closed after unregister")
	}
}

func TestHub_UnregisterUnknownClientStillCloses(t *testing.T) {
	h := testHub(t)

	// A client dropped by a broadcast is no longer in the map; its
	// connection teardown must still close the send channel exactly once.
	client := &Client{Send: make(chan []byte, 1)}
	h.unregister <- client
	select {
	case _, ok := <-client.Send:
		if ok {
			t.Error("expected closed channel, got value")
		}
	case <-time.After(time.Second):
		t.Fatal("send channel was not closed")
	}
}
