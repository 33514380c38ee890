package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := s.Subscribe(ctx)
	b := s.Subscribe(ctx)
	if got := s.Subscribers(); got != 2 {
		t.Fatalf("Subscribers() = %d, want 2", got)
	}

	s.Publish(ChangeEvent{ChangeID: "c1", Seq: 1, Kind: "user.create"})

	for _, ch := range []<-chan ChangeEvent{a, b} {
		select {
		case evt := <-ch:
			if evt.ChangeID != "c1" || evt.Seq != 1 {
				t.Fatalf("unexpected event %+v", evt)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber did not receive event")
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)

	// Fill the buffer and keep publishing; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Publish(ChangeEvent{ChangeID: "x", Seq: uint64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked on a slow subscriber")
	}

	// The subscriber still sees the buffered prefix.
	select {
	case evt := <-ch:
		if evt.Seq != 0 {
			t.Fatalf("first buffered event seq = %d, want 0", evt.Seq)
		}
	case <-time.After(time.Second):
		t.Fatalf("no buffered event delivered")
	}
}

func TestUnsubscribeOnContextDone(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())

	ch := s.Subscribe(ctx)
	cancel()

	deadline := time.After(time.Second)
	for s.Subscribers() != 0 {
		select {
		case <-deadline:
			t.Fatalf("subscriber not removed after cancel")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, open := <-ch; open {
		t.Fatalf("channel left open after unsubscribe")
	}
}
