// Package api is the in-process surface of the engine: a single Client that
// embedding programs (a TUI, a desktop shell, tests) call directly. Reads
// are served from the local cache; writes go through the owning component.
// Consumers follow changes by subscribing to bus namespaces via Watch.
package api

import (
	"context"
	"io"

	"github.com/minisocial/chatsync/internal/bus"
	"github.com/minisocial/chatsync/internal/chaterr"
	"github.com/minisocial/chatsync/internal/outbox"
	"github.com/minisocial/chatsync/internal/presence"
	"github.com/minisocial/chatsync/internal/reaction"
	"github.com/minisocial/chatsync/internal/reconcile"
	"github.com/minisocial/chatsync/internal/store"
	"github.com/minisocial/chatsync/internal/sync"
)

// Client exposes every engine operation.
type Client struct {
	db            *store.DB
	bus           *bus.Bus
	conversations *reconcile.Commands
	outbox        *outbox.Outbox
	syncer        *sync.Engine
	presence      *presence.Presence
	reactions     *reaction.Service
}

func NewClient(db *store.DB, b *bus.Bus, conversations *reconcile.Commands, ob *outbox.Outbox, syncer *sync.Engine, pres *presence.Presence, reactions *reaction.Service) *Client {
	return &Client{
		db:            db,
		bus:           b,
		conversations: conversations,
		outbox:        ob,
		syncer:        syncer,
		presence:      pres,
		reactions:     reactions,
	}
}

// Watch subscribes to engine events by namespace prefix, e.g.
// "conversations.", "messages.", "typing." or "" for everything.
func (c *Client) Watch(namespace string) *bus.Subscription {
	return c.bus.Subscribe(namespace, 256)
}

// ListConversations returns the cached conversation list, pinned first,
// then most recently active.
func (c *Client) ListConversations() ([]*store.Conversation, error) {
	return c.conversations.List()
}

// GetConversation returns one cached conversation.
func (c *Client) GetConversation(id string) (*store.Conversation, error) {
	conv, err := c.db.GetConversation(id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, chaterr.New(chaterr.NotFound, "conversation not found")
	}
	return conv, nil
}

// TotalUnread returns the sum of unread counts across unmuted conversations.
func (c *Client) TotalUnread() (int, error) {
	return c.conversations.TotalUnread()
}

// OpenConversation brings a conversation into view: the message feed and
// typing observer start, and the recent window syncs into the cache.
func (c *Client) OpenConversation(ctx context.Context, id string) error {
	if err := c.syncer.Open(ctx, id); err != nil {
		return err
	}
	return c.presence.Observe(ctx, id)
}

// CloseConversation releases the feeds opened by OpenConversation. Cached
// messages remain readable.
func (c *Client) CloseConversation(id string) {
	c.syncer.Close(id)
	c.presence.Unobserve(id)
}

// ListMessages pages through a conversation's cached messages, newest
// first. Pass beforeTs=0 for the latest page.
func (c *Client) ListMessages(conversationID string, beforeTs int64, limit int) ([]*store.Message, error) {
	return c.db.ListMessages(conversationID, beforeTs, limit)
}

// ListMedia returns the conversation's media messages.
func (c *Client) ListMedia(conversationID string) ([]*store.Message, error) {
	return c.db.ListMediaMessages(conversationID)
}

// SearchMessages runs a full-text search over cached message content,
// optionally scoped to one conversation.
func (c *Client) SearchMessages(query, conversationID string, limit int) ([]store.SearchResult, error) {
	return c.db.SearchMessages(query, conversationID, limit)
}

// SendText sends a text message. The returned message is the optimistic
// local copy in status SENDING; a send_ack or send_failed event follows.
func (c *Client) SendText(ctx context.Context, conversationID, content string, replyTo *store.ReplyRef) (*store.Message, error) {
	return c.outbox.Send(ctx, conversationID, content, replyTo)
}

// SendMedia uploads the attachment and sends a media message referencing it.
func (c *Client) SendMedia(ctx context.Context, conversationID, filename, mimeType string, content io.Reader) (*store.Message, error) {
	return c.outbox.SendMedia(ctx, conversationID, filename, mimeType, content)
}

// RetryMessage re-sends a failed text message.
func (c *Client) RetryMessage(ctx context.Context, messageID string) error {
	return c.outbox.Retry(ctx, messageID)
}

// RevokeMessage unsends one of the local user's messages.
func (c *Client) RevokeMessage(ctx context.Context, messageID string) error {
	return c.outbox.Revoke(ctx, messageID)
}

// MarkRead zeroes the conversation's unread count and records read receipts.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.conversations.MarkRead(ctx, conversationID)
}

// GetOrCreateDirect opens the direct conversation with another user.
func (c *Client) GetOrCreateDirect(ctx context.Context, otherUserID string) (*store.Conversation, error) {
	return c.conversations.GetOrCreateDirect(ctx, otherUserID)
}

// CreateGroup creates a group conversation including the local user.
func (c *Client) CreateGroup(ctx context.Context, name, avatarURL string, participantIDs []string) (*store.Conversation, error) {
	return c.conversations.CreateGroup(ctx, name, avatarURL, participantIDs)
}

// SetPinned pins the conversation in the local list.
func (c *Client) SetPinned(conversationID string, pinned bool) error {
	return c.conversations.SetPinned(conversationID, pinned)
}

// SetMuted mutes the conversation locally.
func (c *Client) SetMuted(conversationID string, muted bool) error {
	return c.conversations.SetMuted(conversationID, muted)
}

// DeleteConversation drops the conversation from the local cache. The
// shared document is untouched and stays visible to other participants.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.conversations.Delete(ctx, conversationID)
}

// PinMessage pins a message for all participants.
func (c *Client) PinMessage(ctx context.Context, conversationID, messageID string) error {
	return c.conversations.PinMessage(ctx, conversationID, messageID)
}

// UnpinMessage removes a pinned message.
func (c *Client) UnpinMessage(ctx context.Context, conversationID, messageID string) error {
	return c.conversations.UnpinMessage(ctx, conversationID, messageID)
}

// React adds an emoji reaction to a message.
func (c *Client) React(ctx context.Context, messageID, emoji string) error {
	return c.reactions.Add(ctx, messageID, emoji)
}

// Unreact removes the local user's reaction.
func (c *Client) Unreact(ctx context.Context, messageID, emoji string) error {
	return c.reactions.Remove(ctx, messageID, emoji)
}

// ToggleReaction flips the local user's reaction state for an emoji.
func (c *Client) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	return c.reactions.Toggle(ctx, messageID, emoji)
}

// Typing signals that the local user is typing in the conversation.
func (c *Client) Typing(ctx context.Context, conversationID string) error {
	return c.presence.Typing(ctx, conversationID)
}

// StopTyping clears the local user's typing indicator.
func (c *Client) StopTyping(ctx context.Context, conversationID string) error {
	return c.presence.StopTyping(ctx, conversationID)
}
