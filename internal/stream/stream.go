// Package stream fan-outs applied change events to live subscribers
// (SSE clients, admin tooling). Delivery is best-effort: slow subscribers
// drop events rather than block the publisher.
package stream

import (
	"context"
	"sync"
	"time"
)

// ChangeEvent is the externally visible record of one applied command.
type ChangeEvent struct {
	ChangeID  string    `json:"change_id"`
	Seq       uint64    `json:"seq"`
	Kind      string    `json:"kind"`
	EntityID  int64     `json:"entity_id,omitempty"`
	ActorID   int64     `json:"actor_id,omitempty"`
	AppliedAt time.Time `json:"applied_at"`
}

// Stream fan-outs change events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan ChangeEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan ChangeEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan ChangeEvent {
	ch := make(chan ChangeEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt ChangeEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers reports the current subscriber count, for health reporting.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
