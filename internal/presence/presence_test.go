package presence

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/minisocial/chatsync/internal/bus"
	"github.com/minisocial/chatsync/internal/identity"
	"github.com/minisocial/chatsync/internal/remote"
)

func testPresence(t *testing.T) (*Presence, *remote.Fake, *bus.Bus) {
	t.Helper()
	fake := remote.NewFake()
	b := bus.New()
	p := New(fake, b, identity.NewStatic("me", "Me", ""), zap.NewNop())
	t.Cleanup(p.Stop)
	return p, fake, b
}

func nextTyping(t *testing.T, sub *bus.Subscription) TypingChange {
	t.Helper()
	select {
	case evt := <-sub.C:
		change, ok := evt.Payload.(TypingChange)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		return change
	case <-time.After(2 * time.Second):
		t.Fatal("no typing event")
	}
	return TypingChange{}
}

func TestObservePublishesTypists(t *testing.T) {
	p, fake, b := testPresence(t)
	sub := b.Subscribe("typing.", 16)
	defer sub.Cancel()

	if err := p.Observe(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	if err := fake.SetTyping(context.Background(), "c1", "u2"); err != nil {
		t.Fatal(err)
	}
	change := nextTyping(t, sub)
	if len(change.UserIDs) != 1 || change.UserIDs[0] != "u2" {
		t.Errorf("typists = %v, want [u2]", change.UserIDs)
	}

	if err := fake.ClearTyping(context.Background(), "c1", "u2"); err != nil {
		t.Fatal(err)
	}
	change = nextTyping(t, sub)
	if len(change.UserIDs) != 0 {
		t.Errorf("typists = %v, want empty", change.UserIDs)
	}
}

// The local user's own indicator must never surface as an observed typist.
func TestObserveExcludesSelf(t *testing.T) {
	p, fake, b := testPresence(t)
	sub := b.Subscribe("typing.", 16)
	defer sub.Cancel()

	if err := p.Observe(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	if err := fake.SetTyping(context.Background(), "c1", "me"); err != nil {
		t.Fatal(err)
	}
	if err := fake.SetTyping(context.Background(), "c1", "u2"); err != nil {
		t.Fatal(err)
	}

	change := nextTyping(t, sub)
	if len(change.UserIDs) != 1 || change.UserIDs[0] != "u2" {
		t.Errorf("typists = %v, want [u2]", change.UserIDs)
	}
}

// A typist whose Removed event never arrives must not stay visible forever;
// the watcher expires indicators that stop refreshing.
func TestStaleTypistExpires(t *testing.T) {
	p, fake, b := testPresence(t)
	p.staleAfter = 100 * time.Millisecond
	sub := b.Subscribe("typing.", 16)
	defer sub.Cancel()

	if err := p.Observe(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if err := fake.SetTyping(context.Background(), "c1", "u2"); err != nil {
		t.Fatal(err)
	}
	change := nextTyping(t, sub)
	if len(change.UserIDs) != 1 || change.UserIDs[0] != "u2" {
		t.Fatalf("typists = %v, want [u2]", change.UserIDs)
	}

	// No ClearTyping: the indicator must still vanish on its own.
	change = nextTyping(t, sub)
	if len(change.UserIDs) != 0 {
		t.Errorf("typists = %v, want empty after expiry", change.UserIDs)
	}
}

// A refresh of an already-known typist leaves the set unchanged and must not
// republish it.
func TestUnchangedSetIsNotRepublished(t *testing.T) {
	p, fake, b := testPresence(t)
	sub := b.Subscribe("typing.", 16)
	defer sub.Cancel()

	if err := p.Observe(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if err := fake.SetTyping(context.Background(), "c1", "u2"); err != nil {
		t.Fatal(err)
	}
	change := nextTyping(t, sub)
	if len(change.UserIDs) != 1 {
		t.Fatalf("typists = %v, want [u2]", change.UserIDs)
	}

	// Refresh the same indicator, then clear it. Only the clear should
	// surface; seeing the empty set first proves no duplicate slipped out.
	if err := fake.SetTyping(context.Background(), "c1", "u2"); err != nil {
		t.Fatal(err)
	}
	if err := fake.ClearTyping(context.Background(), "c1", "u2"); err != nil {
		t.Fatal(err)
	}
	change = nextTyping(t, sub)
	if len(change.UserIDs) != 0 {
		t.Errorf("typists = %v, want empty (refresh republished the set)", change.UserIDs)
	}
}

func TestTypingWritesIndicator(t *testing.T) {
	p, fake, _ := testPresence(t)

	if err := p.Typing(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	sub, err := fake.WatchTyping(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()
	select {
	case evt := <-sub.Events():
		if evt.Data["userId"] != "me" || evt.Data["isTyping"] != true {
			t.Errorf("doc = %+v", evt.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("indicator not in snapshot")
	}

	if err := p.StopTyping(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-sub.Events():
		if evt.Kind != remote.Removed {
			t.Errorf("event = %+v, want Removed", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("indicator not cleared")
	}
}

func TestObserveIsIdempotent(t *testing.T) {
	p, _, _ := testPresence(t)
	ctx := context.Background()
	if err := p.Observe(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := p.Observe(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	p.Unobserve("c1")
}
