package remote

import (
	"testing"
	"time"

	"github.com/minisocial/chatsync/internal/store"
)

func TestParseConversationFull(t *testing.T) {
	data := map[string]any{
		"type":         "GROUP",
		"name":         "Weekend Plans",
		"avatarUrl":    "https://cdn/g.png",
		"participants": []any{"u1", "u2", "u3"},
		"lastMessage": map[string]any{
			"text":       "see you there",
			"type":       "TEXT",
			"senderId":   "u2",
			"senderName": "Bob",
			"timestamp":  int64(5000),
		},
		"pinnedMessageIds": []any{"m9"},
		"createdAt":        int64(1000),
		"updatedAt":        int64(5000),
	}

	c := ParseConversation("c1", data)
	if c.ID != "c1" || c.Kind != store.KindGroup || c.Name != "Weekend Plans" {
		t.Errorf("conversation = %+v", c)
	}
	if len(c.ParticipantIDs) != 3 {
		t.Errorf("participants = %v", c.ParticipantIDs)
	}
	if c.LastMessage == nil || c.LastMessage.Text != "see you there" || c.LastMessage.Timestamp != 5000 {
		t.Errorf("lastMessage = %+v", c.LastMessage)
	}
	if len(c.PinnedMessageIDs) != 1 || c.PinnedMessageIDs[0] != "m9" {
		t.Errorf("pinnedMessageIds = %v", c.PinnedMessageIDs)
	}
}

// Documents written by older clients may miss fields entirely or hold the
// wrong type. Every field must degrade to a default, never fail the doc.
func TestParseConversationDefensive(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
	}{
		{"empty doc", map[string]any{}},
		{"nil values", map[string]any{"type": nil, "name": nil, "participants": nil}},
		{"wrong types", map[string]any{"type": 42, "name": true, "participants": "not-a-list", "updatedAt": "soon"}},
		{"unknown kind", map[string]any{"type": "BROADCAST"}},
		{"malformed lastMessage", map[string]any{"lastMessage": "hello"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ParseConversation("c1", tt.data)
			if c.ID != "c1" {
				t.Errorf("id = %q", c.ID)
			}
			if c.Kind != store.KindDirect {
				t.Errorf("kind = %q, want DIRECT default", c.Kind)
			}
		})
	}
}

func TestParseConversationUpdatedAtFallsBackToLastMessage(t *testing.T) {
	c := ParseConversation("c1", map[string]any{
		"lastMessage": map[string]any{"text": "hi", "senderId": "u1", "timestamp": int64(777)},
	})
	if c.UpdatedAt != 777 {
		t.Errorf("updatedAt = %d, want 777", c.UpdatedAt)
	}
}

func TestParseMessageFull(t *testing.T) {
	data := map[string]any{
		"clientId":       "corr-1",
		"conversationId": "c1",
		"senderId":       "u2",
		"senderName":     "Bob",
		"senderAvatar":   "https://cdn/b.png",
		"type":           "IMAGE",
		"content":        "📷 Photo",
		"mediaUrls":      []any{"https://cdn/p1.jpg", "https://cdn/p2.jpg"},
		"replyTo": map[string]any{
			"messageId": "m0", "senderId": "u1", "senderName": "Alice", "type": "TEXT", "content": "original",
		},
		"reactions":   map[string]any{"👍": []any{"u1"}, "❤️": []any{"u1", "u3"}},
		"seenBy":      []any{"u1"},
		"deliveredTo": []any{"u1", "u3"},
		"timestamp":   int64(9000),
	}

	m := ParseMessage("m1", data)
	if m.ID != "m1" || m.CorrelationID != "corr-1" || m.ConversationID != "c1" {
		t.Errorf("identity = %q/%q/%q", m.ID, m.CorrelationID, m.ConversationID)
	}
	if m.Type != store.TypeImage || len(m.MediaURLs) != 2 {
		t.Errorf("media = %q %v", m.Type, m.MediaURLs)
	}
	if m.ReplyTo == nil || m.ReplyTo.MessageID != "m0" {
		t.Errorf("replyTo = %+v", m.ReplyTo)
	}
	if len(m.Reactions["❤️"]) != 2 {
		t.Errorf("reactions = %v", m.Reactions)
	}
}

func TestParseMessageCorrelationDefaultsToID(t *testing.T) {
	m := ParseMessage("m1", map[string]any{"conversationId": "c1", "content": "hi"})
	if m.CorrelationID != "m1" {
		t.Errorf("correlationId = %q, want m1", m.CorrelationID)
	}
}

func TestParseMessageDefensive(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
	}{
		{"empty doc", map[string]any{}},
		{"wrong types", map[string]any{"content": 42, "mediaUrls": "x", "reactions": []any{"👍"}, "timestamp": "yesterday"}},
		{"replyTo without messageId", map[string]any{"replyTo": map[string]any{"content": "x"}}},
		{"reactions with empty lists", map[string]any{"reactions": map[string]any{"👍": []any{}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := ParseMessage("m1", tt.data)
			if m.ID != "m1" {
				t.Errorf("id = %q", m.ID)
			}
			if m.Type != store.TypeText {
				t.Errorf("type = %q, want TEXT default", m.Type)
			}
			if m.ReplyTo != nil {
				t.Errorf("replyTo = %+v, want nil", m.ReplyTo)
			}
			if len(m.Reactions) != 0 {
				t.Errorf("reactions = %v, want empty", m.Reactions)
			}
		})
	}
}

func TestParseMessageBSONDateTimestamp(t *testing.T) {
	at := time.UnixMilli(123456789)
	m := ParseMessage("m1", map[string]any{"timestamp": at})
	if m.Timestamp != 123456789 {
		t.Errorf("timestamp = %d, want 123456789", m.Timestamp)
	}
}

func TestParseTyping(t *testing.T) {
	ty := ParseTyping(map[string]any{"conversationId": "c1", "userId": "u2", "ts": float64(42)})
	if ty.ConversationID != "c1" || ty.UserID != "u2" || ty.At != 42 {
		t.Errorf("typing = %+v", ty)
	}
}
