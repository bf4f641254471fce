package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engine. Subscribers filter by prefix,
// e.g. "conversations." or "messages.".
const (
	KindConversationsUpdated = "conversations.updated"
	KindConversationRead     = "conversations.read"
	KindMessagesUpdated      = "messages.updated"
	KindMessageSendAck       = "messages.send_ack"
	KindMessageSendFailed    = "messages.send_failed"
	KindMessageRevoked       = "messages.revoked"
	KindTypingChanged        = "typing.changed"
	KindFeedDegraded         = "feed.degraded"
)
