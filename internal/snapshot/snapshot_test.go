package snapshot

import (
	"testing"
	"time"
)

func TestPublisher_LoadBeforePublish(t *testing.T) {
	p := NewPublisher()
	if _, ok := p.Load(); ok {
		t.Fatalf("expected no snapshot before first publish")
	}
}

func TestPublisher_PublishThenLoad(t *testing.T) {
	p := NewPublisher()
	p.Publish(StatusSnapshot{Sequence: 1, Timestamp: time.Now()})
	got, ok := p.Load()
	if !ok || got.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %+v ok=%v", got, ok)
	}
	p.Publish(StatusSnapshot{Sequence: 2})
	got, ok = p.Load()
	if !ok || got.Sequence != 2 {
		t.Fatalf("expected sequence 2 after second publish, got %+v", got)
	}
}

func TestHub_PublishDeliversToSubscribers(t *testing.T) {
	h := NewHub[int](4, "test")
	sub := h.Subscribe()
	defer h.Unsubscribe(sub)

	h.Publish(42)
	select {
	case v := <-sub.Events():
		if v != 42 {
			t.Fatalf("expected 42, got %d", v)
		}
	default:
		t.Fatalf("expected a buffered event")
	}
}

func TestHub_DropOldestOnOverflow(t *testing.T) {
	h := NewHub[int](2, "test")
	sub := h.Subscribe()
	defer h.Unsubscribe(sub)

	h.Publish(1)
	h.Publish(2)
	h.Publish(3) // buffer full at 2; oldest (1) should be dropped

	first := <-sub.Events()
	second := <-sub.Events()
	if first != 2 || second != 3 {
		t.Fatalf("expected [2,3] after drop-oldest, got [%d,%d]", first, second)
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub[int](4, "test")
	sub := h.Subscribe()
	h.Unsubscribe(sub)
	if h.Count() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", h.Count())
	}
	h.Publish(7) // must not panic or block
}
