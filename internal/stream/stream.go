package stream

import (
	"context"
	"sync"

	"carelock.org/internal/alert"
)

// Stream fans newly raised security alerts out to all active subscribers
// (the compliance dashboard's SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan alert.Alert
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan alert.Alert)}
}

var _ alert.Publisher = (*Stream)(nil)

// Subscribe registers a subscriber and returns a channel which will receive
// alerts. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan alert.Alert {
	ch := make(chan alert.Alert, 16)

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

// PublishAlert delivers an alert to every subscriber. Slow subscribers are
// skipped rather than blocking the publisher.
func (s *Stream) PublishAlert(a alert.Alert) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- a:
		default:
		}
	}
}
