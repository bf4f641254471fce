package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("conversations.", 10)
	defer sub.Cancel()

	b.Publish(Event{Kind: KindConversationsUpdated, Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-sub.C:
		if evt.Kind != KindConversationsUpdated {
			t.Errorf("got kind %q, want %q", evt.Kind, KindConversationsUpdated)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	sub := b.Subscribe("messages.", 10)
	defer sub.Cancel()

	b.Publish(Event{Kind: KindConversationsUpdated})
	b.Publish(Event{Kind: KindMessageSendAck})

	select {
	case evt := <-sub.C:
		if evt.Kind != KindMessageSendAck {
			t.Errorf("got kind %q, want %q", evt.Kind, KindMessageSendAck)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the conversation event was not delivered.
	select {
	case evt := <-sub.C:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe("typing.", 10)

	sub.Cancel()
	b.Publish(Event{Kind: KindTypingChanged})

	select {
	case evt := <-sub.C:
		t.Errorf("event delivered after Cancel: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe("feed.", 10)
	sub.Cancel()
	sub.Cancel() // must not panic
}

func TestFullSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("messages.", 1)
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Kind: KindMessagesUpdated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}
