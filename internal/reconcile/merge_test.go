package reconcile

import (
	"testing"

	"github.com/minisocial/chatsync/internal/remote"
	"github.com/minisocial/chatsync/internal/store"
)

func TestMergePreservesLocalFields(t *testing.T) {
	incoming := &store.Conversation{
		ID:          "c1",
		Name:        "Renamed",
		UnreadCount: 99, // remote never owns this; must be discarded
	}
	local := store.LocalFields{Known: true, UnreadCount: 3, Pinned: true, Muted: true}

	merged := Merge(incoming, local)
	if merged.UnreadCount != 3 || !merged.Pinned || !merged.Muted {
		t.Errorf("merged = %+v, local fields lost", merged)
	}
	if merged.Name != "Renamed" {
		t.Errorf("name = %q, remote field lost", merged.Name)
	}
}

func TestMergeUnknownConversationStartsClean(t *testing.T) {
	incoming := &store.Conversation{ID: "c1", UnreadCount: 7, Pinned: true}
	merged := Merge(incoming, store.LocalFields{})
	if merged.UnreadCount != 0 || merged.Pinned || merged.Muted {
		t.Errorf("merged = %+v, want clean local fields", merged)
	}
}

func TestUnreadDelta(t *testing.T) {
	known := store.LocalFields{Known: true, LastMessageAt: 1000}
	lm := func(sender string, ts int64) *store.Conversation {
		return &store.Conversation{LastMessage: &store.LastMessage{SenderID: sender, Timestamp: ts}}
	}

	tests := []struct {
		name     string
		kind     remote.ChangeKind
		local    store.LocalFields
		incoming *store.Conversation
		want     UnreadEffect
	}{
		{"new conversation with their message", remote.Added, store.LocalFields{}, lm("u2", 500), UnreadSetOne},
		{"new conversation with own message", remote.Added, store.LocalFields{}, lm("me", 500), UnreadKeep},
		{"new conversation without messages", remote.Added, store.LocalFields{}, &store.Conversation{}, UnreadKeep},
		{"newer message from them", remote.Modified, known, lm("u2", 2000), UnreadIncrement},
		{"newer message from self", remote.Modified, known, lm("me", 2000), UnreadKeep},
		{"metadata-only update", remote.Modified, known, lm("u2", 1000), UnreadKeep},
		{"stale echo", remote.Modified, known, lm("u2", 500), UnreadKeep},
		{"anonymous sender", remote.Modified, known, lm("", 2000), UnreadKeep},
		{"removed", remote.Removed, known, lm("u2", 2000), UnreadKeep},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UnreadDelta(tt.kind, tt.local, tt.incoming, "me"); got != tt.want {
				t.Errorf("UnreadDelta() = %v, want %v", got, tt.want)
			}
		})
	}
}
