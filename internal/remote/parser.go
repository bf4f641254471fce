package remote

import (
	"time"

	"github.com/minisocial/chatsync/internal/store"
)

// Typing is a normalized typing indicator document.
type Typing struct {
	ConversationID string
	UserID         string
	At             int64
}

// ParseConversation normalizes a conversation document. Other writers run
// older and newer schema versions, so every field falls back to a usable
// default instead of failing the whole document.
func ParseConversation(id string, data map[string]any) *store.Conversation {
	c := &store.Conversation{
		ID:             id,
		Kind:           asString(data["type"], store.KindDirect),
		Name:           asString(data["name"], ""),
		AvatarURL:      asString(data["avatarUrl"], ""),
		ParticipantIDs: asStringList(data["participants"]),
		CreatedAt:      asMillis(data["createdAt"], 0),
		UpdatedAt:      asMillis(data["updatedAt"], 0),
	}
	if c.Kind != store.KindDirect && c.Kind != store.KindGroup {
		c.Kind = store.KindDirect
	}
	if lm, ok := data["lastMessage"].(map[string]any); ok {
		c.LastMessage = &store.LastMessage{
			Text:       asString(lm["text"], ""),
			Type:       asString(lm["type"], store.TypeText),
			SenderID:   asString(lm["senderId"], ""),
			SenderName: asString(lm["senderName"], ""),
			Timestamp:  asMillis(lm["timestamp"], 0),
		}
	}
	c.PinnedMessageIDs = asStringList(data["pinnedMessageIds"])
	if c.UpdatedAt == 0 && c.LastMessage != nil {
		c.UpdatedAt = c.LastMessage.Timestamp
	}
	return c
}

// ParseMessage normalizes a message document. Messages written by this
// client carry a clientId; for everything else the correlation id defaults
// to the permanent id so dedup stays uniform.
func ParseMessage(id string, data map[string]any) *store.Message {
	m := &store.Message{
		ID:              id,
		CorrelationID:   asString(data["clientId"], id),
		ConversationID:  asString(data["conversationId"], ""),
		SenderID:        asString(data["senderId"], ""),
		SenderName:      asString(data["senderName"], ""),
		SenderAvatarURL: asString(data["senderAvatar"], ""),
		Type:            asString(data["type"], store.TypeText),
		Content:         asString(data["content"], ""),
		MediaURLs:       asStringList(data["mediaUrls"]),
		Revoked:         asBool(data["revoked"]),
		SeenBy:          asStringList(data["seenBy"]),
		DeliveredTo:     asStringList(data["deliveredTo"]),
		Timestamp:       asMillis(data["timestamp"], 0),
	}
	if rt, ok := data["replyTo"].(map[string]any); ok {
		m.ReplyTo = &store.ReplyRef{
			MessageID:  asString(rt["messageId"], ""),
			SenderID:   asString(rt["senderId"], ""),
			SenderName: asString(rt["senderName"], ""),
			Type:       asString(rt["type"], store.TypeText),
			Content:    asString(rt["content"], ""),
		}
		if m.ReplyTo.MessageID == "" {
			m.ReplyTo = nil
		}
	}
	if rx, ok := data["reactions"].(map[string]any); ok {
		reactions := make(map[string][]string, len(rx))
		for emoji, users := range rx {
			if list := asStringList(users); len(list) > 0 {
				reactions[emoji] = list
			}
		}
		if len(reactions) > 0 {
			m.Reactions = reactions
		}
	}
	return m
}

// ParseTyping normalizes a typing indicator document.
func ParseTyping(data map[string]any) Typing {
	return Typing{
		ConversationID: asString(data["conversationId"], ""),
		UserID:         asString(data["userId"], ""),
		At:             asMillis(data["ts"], 0),
	}
}

func asString(v any, def string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// asMillis accepts the timestamp encodings other writers produce: unix
// millis as any numeric type, or a decoded BSON date.
func asMillis(v any, def int64) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float64:
		return int64(t)
	case time.Time:
		return t.UnixMilli()
	default:
		return def
	}
}

func asStringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if list, ok := v.([]string); ok {
			return list
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
