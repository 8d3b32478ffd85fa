package eventbus

import (
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.Publish(Event{Type: ConversationCreated, Payload: "conv-1"})

	select {
	case evt := <-sub.Events:
		if evt.Type != ConversationCreated {
			t.Fatalf("expected %s, got %s", ConversationCreated, evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishNeverBlocksWhenSubscriberIsFull(t *testing.T) {
	b := New(WithQueueSize(2))
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: MessageReceived})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

type countingDropper struct{ n int }

func (c *countingDropper) IncDropped(eventType string) { c.n++ }

func TestPublishDropsOldestWhenQueueFull(t *testing.T) {
	dropper := &countingDropper{}
	b := New(WithQueueSize(1), WithDroppedCounter(dropper))
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.Publish(Event{Type: "first"})
	b.Publish(Event{Type: "second"})

	evt := <-sub.Events
	if evt.Type != "second" {
		t.Fatalf("expected the newest event to survive, got %s", evt.Type)
	}
	if dropper.n != 1 {
		t.Fatalf("expected 1 drop recorded, got %d", dropper.n)
	}
}

func TestPerSubscriberOrderMatchesPublicationOrder(t *testing.T) {
	b := New(WithQueueSize(10))
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	types := []string{ConversationCreated, MessageReceived, MessageSent}
	for _, ty := range types {
		b.Publish(Event{Type: ty})
	}

	for _, want := range types {
		evt := <-sub.Events
		if evt.Type != want {
			t.Fatalf("expected %s, got %s", want, evt.Type)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	sub.Unsubscribe()

	b.Publish(Event{Type: ConversationCreated})

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", b.SubscriberCount())
	}
}
