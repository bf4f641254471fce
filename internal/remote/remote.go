// Package remote defines the boundary to the shared realtime document store.
// The rest of the engine consumes change feeds and issues writes through the
// Store interface; the mongo implementation is the production backend and the
// Fake backs tests.
package remote

import "context"

// ChangeKind classifies a change feed event.
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// ChangeEvent is one document change from a watched feed. Data is nil for
// Removed events.
type ChangeEvent struct {
	Kind ChangeKind
	ID   string
	Data map[string]any
}

// Subscription is a live change feed. Events closes when the feed ends;
// check Err afterwards to distinguish cancellation from failure.
type Subscription interface {
	Events() <-chan ChangeEvent
	Err() error
	Cancel()
}

// Store is the remote document store the engine syncs against. All writes
// are attributed to a user id supplied by the caller; the store itself holds
// no session state.
type Store interface {
	// WatchConversations feeds changes to every conversation the user
	// participates in, starting with an Added event per existing document.
	WatchConversations(ctx context.Context, userID string) (Subscription, error)
	// WatchMessages feeds changes to a conversation's messages, starting
	// with Added events for the most recent limit messages.
	WatchMessages(ctx context.Context, conversationID string, limit int) (Subscription, error)
	// WatchTyping feeds typing indicator changes for a conversation.
	WatchTyping(ctx context.Context, conversationID string) (Subscription, error)

	CreateConversation(ctx context.Context, data map[string]any) (string, error)
	// FindDirectConversation returns the id of an existing two-party direct
	// conversation between the users, or "" if none exists.
	FindDirectConversation(ctx context.Context, userA, userB string) (string, error)
	UpdateConversation(ctx context.Context, id string, fields map[string]any) error
	PinMessage(ctx context.Context, conversationID, messageID string) error
	UnpinMessage(ctx context.Context, conversationID, messageID string) error

	// InsertMessage writes a message document and returns its permanent id
	// and the store-assigned timestamp; any timestamp in data is ignored.
	// The document's clientId field carries the sender's correlation id so
	// the echo on the change feed deduplicates against the optimistic copy.
	InsertMessage(ctx context.Context, data map[string]any) (id string, timestamp int64, err error)
	RevokeMessage(ctx context.Context, messageID, placeholder string) error
	AddReaction(ctx context.Context, messageID, emoji, userID string) error
	RemoveReaction(ctx context.Context, messageID, emoji, userID string) error
	// MarkSeen adds the user to seenBy on every message in the conversation
	// not authored by them.
	MarkSeen(ctx context.Context, conversationID, userID string) error
	MarkDelivered(ctx context.Context, conversationID, userID string) error

	SetTyping(ctx context.Context, conversationID, userID string) error
	ClearTyping(ctx context.Context, conversationID, userID string) error

	// NewID mints a store-native document id for optimistic local inserts.
	NewID() string
}
