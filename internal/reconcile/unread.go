package reconcile

import (
	"github.com/minisocial/chatsync/internal/remote"
	"github.com/minisocial/chatsync/internal/store"
)

// UnreadEffect is the change a feed event implies for a conversation's
// locally-owned unread count.
type UnreadEffect int

const (
	// UnreadKeep leaves the count untouched.
	UnreadKeep UnreadEffect = iota
	// UnreadSetOne starts a previously unknown conversation at one unread.
	UnreadSetOne
	// UnreadIncrement bumps the count for a newly arrived message.
	UnreadIncrement
)

// UnreadDelta decides how a conversation change affects the unread count.
// Own messages never count, and a remote update that does not move the last
// message forward (a rename, a pinned-message change) never counts either.
func UnreadDelta(kind remote.ChangeKind, local store.LocalFields, incoming *store.Conversation, selfID string) UnreadEffect {
	if kind == remote.Removed {
		return UnreadKeep
	}
	lm := incoming.LastMessage
	if lm == nil || lm.SenderID == selfID || lm.SenderID == "" {
		return UnreadKeep
	}
	if !local.Known {
		return UnreadSetOne
	}
	if lm.Timestamp > local.LastMessageAt {
		return UnreadIncrement
	}
	return UnreadKeep
}
