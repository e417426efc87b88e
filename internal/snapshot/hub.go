package snapshot

import (
	"sync"

	"github.com/kstaniek/drive-orchestrator/internal/metrics"
)

// Subscription is a bounded channel a subscriber drains. The loop never
// blocks on it; on overflow the oldest queued event is dropped to make
// room for the newest (spec §5 "Back-pressure").
type Subscription[T any] struct {
	ch        chan T
	closed    chan struct{}
	closeOnce sync.Once
}

// Events returns the channel to range over.
func (s *Subscription[T]) Events() <-chan T { return s.ch }

// Close stops delivery to this subscription. Idempotent.
func (s *Subscription[T]) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Subscription[T]) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Hub is a fire-and-forget fan-out broadcaster: a registry + RWMutex +
// per-client bounded channel, with a drop-oldest backpressure policy
// since event subscribers here have no connection to kick.
type Hub[T any] struct {
	mu      sync.RWMutex
	subs    map[*Subscription[T]]struct{}
	bufSize int
	stream  string
}

// NewHub creates a Hub whose subscriptions buffer up to bufSize events.
// stream labels dropped-event metrics (e.g. "status_changed", "faulted").
func NewHub[T any](bufSize int, stream string) *Hub[T] {
	return &Hub[T]{subs: make(map[*Subscription[T]]struct{}), bufSize: bufSize, stream: stream}
}

// Subscribe registers a new subscription and returns it.
func (h *Hub[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{ch: make(chan T, h.bufSize), closed: make(chan struct{})}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Unsubscribe removes a subscription; safe to call multiple times.
func (h *Hub[T]) Unsubscribe(s *Subscription[T]) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	s.Close()
}

// Publish delivers one event to every live subscriber, dropping the
// oldest buffered event for any subscriber whose queue is full.
func (h *Hub[T]) Publish(ev T) {
	h.mu.RLock()
	subs := make([]*Subscription[T], 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if s.isClosed() {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- ev:
			default:
			}
			metrics.IncEventDropped(h.stream)
		}
	}
}

// Count returns the number of live subscribers.
func (h *Hub[T]) Count() int {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()
	return n
}
