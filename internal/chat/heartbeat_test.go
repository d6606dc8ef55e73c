package chat

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestHeartbeatSendsPings(t *testing.T) {
	sess := newTestSession()
	authenticate(t, sess)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	pings := 0
	send := func(v any) error {
		if _, ok := v.(PingFrame); !ok {
			t.Errorf("sent %T, want PingFrame", v)
		}
		// Answer from inside the send, as a fast peer would: the pong
		// timestamp races the ping write and must still count.
		sess.Handle(eventPong{At: time.Now()})
		mu.Lock()
		pings++
		n := pings
		mu.Unlock()
		if n >= 3 {
			cancel()
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		runHeartbeat(ctx, sess, 5*time.Millisecond, send, func() {
			t.Error("live peer killed")
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat loop did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	if pings < 3 {
		t.Errorf("sent %d pings, want at least 3", pings)
	}
}

func TestHeartbeatKillsSilentPeer(t *testing.T) {
	sess := newTestSession()
	ctx := context.Background()

	killed := make(chan struct{})
	go runHeartbeat(ctx, sess, 5*time.Millisecond, func(any) error { return nil },
		func() { close(killed) })

	// The peer never answers: the second tick finds no pong after the
	// first ping and tears the session down.
	select {
	case <-killed:
	case <-time.After(2 * time.Second):
		t.Fatal("silent peer was not killed")
	}
}

func TestHeartbeatStopsOnSendFailure(t *testing.T) {
	sess := newTestSession()

	done := make(chan struct{})
	go func() {
		runHeartbeat(context.Background(), sess, 5*time.Millisecond,
			func(any) error { return context.Canceled },
			func() { t.Error("kill called on send failure") })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat loop did not stop after send failure")
	}
}
