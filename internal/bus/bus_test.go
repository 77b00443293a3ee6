package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribePrefix(t *testing.T) {
	b := New()

	rtCh, unsubRT := b.Subscribe("rt.", 4)
	defer unsubRT()
	allCh, unsubAll := b.Subscribe("", 4)
	defer unsubAll()

	b.Publish(Event{Kind: "rt.message", Timestamp: time.Now()})
	b.Publish(Event{Kind: "session.connected", Timestamp: time.Now()})

	select {
	case evt := <-rtCh:
		if evt.Kind != "rt.message" {
			t.Errorf("kind = %q, want rt.message", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for rt.message")
	}

	// The empty prefix matches everything.
	got := 0
	for got < 2 {
		select {
		case <-allCh:
			got++
		case <-time.After(time.Second):
			t.Fatalf("got %d events on catch-all, want 2", got)
		}
	}

	// The rt. subscriber must not see session events.
	select {
	case evt := <-rtCh:
		t.Errorf("unexpected event %q on rt. subscriber", evt.Kind)
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("rt.", 1)
	unsub()

	b.Publish(Event{Kind: "rt.typing", Timestamp: time.Now()})

	select {
	case evt := <-ch:
		t.Errorf("received %q after unsubscribe", evt.Kind)
	default:
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe("rt.", 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		// Second publish overflows the buffer; it must be dropped, not block.
		b.Publish(Event{Kind: "rt.message"})
		b.Publish(Event{Kind: "rt.message"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}
