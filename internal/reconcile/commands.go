package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/minisocial/chatsync/internal/bus"
	"github.com/minisocial/chatsync/internal/chaterr"
	"github.com/minisocial/chatsync/internal/identity"
	"github.com/minisocial/chatsync/internal/remote"
	"github.com/minisocial/chatsync/internal/store"
)

// Commands implements the user-initiated conversation operations. Remote
// writes go through the remote store; the local cache is updated eagerly so
// the caller sees the result before the feed echoes it back.
type Commands struct {
	db       *store.DB
	remote   remote.Store
	bus      *bus.Bus
	identity identity.Provider
	logger   *zap.Logger
}

func NewCommands(db *store.DB, r remote.Store, b *bus.Bus, idp identity.Provider, logger *zap.Logger) *Commands {
	return &Commands{db: db, remote: r, bus: b, identity: idp, logger: logger.Named("commands")}
}

// GetOrCreateDirect returns the two-party direct conversation with the given
// user, creating it remotely if none exists yet.
func (c *Commands) GetOrCreateDirect(ctx context.Context, otherID string) (*store.Conversation, error) {
	self, err := c.identity.Self()
	if err != nil {
		return nil, err
	}

	id, err := c.remote.FindDirectConversation(ctx, self.UserID, otherID)
	if err != nil {
		return nil, err
	}
	if id != "" {
		if cached, err := c.db.GetConversation(id); err == nil && cached != nil {
			return cached, nil
		}
		conv := &store.Conversation{
			ID:             id,
			Kind:           store.KindDirect,
			ParticipantIDs: []string{self.UserID, otherID},
		}
		if err := c.db.UpsertConversation(conv); err != nil {
			return nil, err
		}
		return conv, nil
	}

	now := time.Now().UnixMilli()
	id, err = c.remote.CreateConversation(ctx, map[string]any{
		"type":         store.KindDirect,
		"participants": []any{self.UserID, otherID},
		"createdAt":    now,
		"updatedAt":    now,
	})
	if err != nil {
		return nil, err
	}

	conv := &store.Conversation{
		ID:             id,
		Kind:           store.KindDirect,
		ParticipantIDs: []string{self.UserID, otherID},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.db.UpsertConversation(conv); err != nil {
		return nil, err
	}
	c.publishUpdated()
	return conv, nil
}

// CreateGroup creates a group conversation. The local user is always a
// participant, whether or not the caller listed them.
func (c *Commands) CreateGroup(ctx context.Context, name, avatarURL string, participantIDs []string) (*store.Conversation, error) {
	self, err := c.identity.Self()
	if err != nil {
		return nil, err
	}
	participants := withSelf(participantIDs, self.UserID)

	now := time.Now().UnixMilli()
	remoteParticipants := make([]any, len(participants))
	for i, p := range participants {
		remoteParticipants[i] = p
	}
	id, err := c.remote.CreateConversation(ctx, map[string]any{
		"type":         store.KindGroup,
		"name":         name,
		"avatarUrl":    avatarURL,
		"participants": remoteParticipants,
		"createdAt":    now,
		"updatedAt":    now,
	})
	if err != nil {
		return nil, err
	}

	conv := &store.Conversation{
		ID:             id,
		Kind:           store.KindGroup,
		Name:           name,
		AvatarURL:      avatarURL,
		ParticipantIDs: participants,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.db.UpsertConversation(conv); err != nil {
		return nil, err
	}
	c.publishUpdated()
	return conv, nil
}

// MarkRead zeroes the local unread count and records the read remotely by
// adding the user to seenBy on every message they did not author.
func (c *Commands) MarkRead(ctx context.Context, conversationID string) error {
	self, err := c.identity.Self()
	if err != nil {
		return err
	}
	if err := c.db.ResetUnread(conversationID); err != nil {
		return err
	}
	c.bus.Publish(bus.Event{
		Kind:      bus.KindConversationRead,
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": conversationID},
	})
	// Remote receipt is best-effort; the local reset already happened and
	// the next successful sync will repair seenBy.
	if err := c.remote.MarkSeen(ctx, conversationID, self.UserID); err != nil {
		c.logger.Warn("failed to record read receipt",
			zap.Error(err), zap.String("conversation_id", conversationID))
	}
	return nil
}

// SetPinned pins or unpins the conversation in the local list. Never synced.
func (c *Commands) SetPinned(conversationID string, pinned bool) error {
	if err := c.db.SetPinned(conversationID, pinned); err != nil {
		return err
	}
	c.publishUpdated()
	return nil
}

// SetMuted mutes or unmutes the conversation locally. Muted conversations
// still track unread counts but are excluded from the aggregate badge.
func (c *Commands) SetMuted(conversationID string, muted bool) error {
	if err := c.db.SetMuted(conversationID, muted); err != nil {
		return err
	}
	c.publishUpdated()
	return nil
}

// Delete drops the cached conversation row. The shared document is never
// touched: the conversation still exists for every other participant, and a
// later remote change brings it back into the cache.
func (c *Commands) Delete(ctx context.Context, conversationID string) error {
	if err := c.db.DeleteConversation(conversationID); err != nil {
		return err
	}
	c.publishUpdated()
	return nil
}

// PinMessage pins a message inside a conversation, visible to every
// participant.
func (c *Commands) PinMessage(ctx context.Context, conversationID, messageID string) error {
	msg, err := c.db.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return chaterr.New(chaterr.NotFound, "message not found")
	}
	if msg.ConversationID != conversationID {
		return chaterr.New(chaterr.NotFound, "message not in conversation")
	}
	return c.remote.PinMessage(ctx, conversationID, messageID)
}

// UnpinMessage removes a pinned message.
func (c *Commands) UnpinMessage(ctx context.Context, conversationID, messageID string) error {
	return c.remote.UnpinMessage(ctx, conversationID, messageID)
}

// List returns the cached conversation list, pinned first.
func (c *Commands) List() ([]*store.Conversation, error) {
	return c.db.ListConversations()
}

// TotalUnread returns the unread total across unmuted conversations.
func (c *Commands) TotalUnread() (int, error) {
	return c.db.TotalUnread()
}

func (c *Commands) publishUpdated() {
	c.bus.Publish(bus.Event{
		Kind:      bus.KindConversationsUpdated,
		Timestamp: time.Now(),
		Payload:   map[string]int{"events": 1},
	})
}

func withSelf(participants []string, selfID string) []string {
	for _, p := range participants {
		if p == selfID {
			return participants
		}
	}
	return append(append([]string(nil), participants...), selfID)
}
