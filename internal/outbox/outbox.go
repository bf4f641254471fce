// Package outbox owns the send lifecycle: optimistic local insert, remote
// write, confirmation or failure, retry and revoke.
package outbox

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/minisocial/chatsync/internal/bus"
	"github.com/minisocial/chatsync/internal/chaterr"
	"github.com/minisocial/chatsync/internal/identity"
	"github.com/minisocial/chatsync/internal/media"
	"github.com/minisocial/chatsync/internal/remote"
	"github.com/minisocial/chatsync/internal/status"
	"github.com/minisocial/chatsync/internal/store"
)

// revokeWindow is how long the sender may unsend a message.
const revokeWindow = 15 * time.Minute

// revokedPlaceholder replaces the content of unsent messages everywhere.
const revokedPlaceholder = "Message was unsent"

// Outbox sends messages optimistically: the local cache gets the message
// immediately with status SENDING, and the remote write settles it to SENT
// or FAILED in the background.
type Outbox struct {
	db       *store.DB
	remote   remote.Store
	bus      *bus.Bus
	identity identity.Provider
	uploader media.Uploader
	logger   *zap.Logger

	// sends within one conversation are serialized so their server
	// timestamps preserve the local send order
	conv keyedMutex
	wg   sync.WaitGroup
}

func New(db *store.DB, r remote.Store, b *bus.Bus, idp identity.Provider, up media.Uploader, logger *zap.Logger) *Outbox {
	return &Outbox{
		db:       db,
		remote:   r,
		bus:      b,
		identity: idp,
		uploader: up,
		logger:   logger.Named("outbox"),
	}
}

// Start settles messages interrupted mid-send in a previous run: anything
// still SENDING is marked FAILED so it becomes retryable.
func (o *Outbox) Start() error {
	pending, err := o.db.PendingMessages()
	if err != nil {
		return err
	}
	for _, m := range pending {
		if m.Status != string(status.Sending) {
			continue
		}
		if err := o.db.SetMessageStatus(m.CorrelationID, string(status.Failed)); err != nil {
			return err
		}
		o.logger.Info("orphaned send marked failed", zap.String("correlation_id", m.CorrelationID))
	}
	return nil
}

// Stop waits for in-flight sends to settle.
func (o *Outbox) Stop() {
	o.wg.Wait()
}

// Send inserts a text message locally and returns it immediately; the
// remote write confirms in the background.
func (o *Outbox) Send(ctx context.Context, conversationID, content string, replyTo *store.ReplyRef) (*store.Message, error) {
	self, err := o.identity.Self()
	if err != nil {
		return nil, err
	}
	msg := o.buildMessage(self, conversationID, store.TypeText, content, nil, replyTo)
	if err := o.db.UpsertMessage(msg); err != nil {
		return nil, err
	}
	o.publishMessages(conversationID)
	o.settleAsync(msg)
	return msg, nil
}

// SendMedia uploads the attachment first, then follows the same optimistic
// flow as Send. The message never references bytes that did not store.
func (o *Outbox) SendMedia(ctx context.Context, conversationID, filename, mimeType string, content io.Reader) (*store.Message, error) {
	self, err := o.identity.Self()
	if err != nil {
		return nil, err
	}
	up, err := o.uploader.Upload(ctx, filename, mimeType, self.UserID, content)
	if err != nil {
		return nil, err
	}

	msgType := typeForMime(mimeType)
	msg := o.buildMessage(self, conversationID, msgType, previewLabel(msgType, ""), []string{up.URL}, nil)
	if err := o.db.UpsertMessage(msg); err != nil {
		return nil, err
	}
	o.publishMessages(conversationID)
	o.settleAsync(msg)
	return msg, nil
}

// Retry re-sends a failed text message. Media messages cannot be retried;
// their upload would have to restart from bytes the engine no longer holds.
func (o *Outbox) Retry(ctx context.Context, messageID string) error {
	msg, err := o.lookup(messageID)
	if err != nil {
		return err
	}
	if msg.Status != string(status.Failed) {
		return chaterr.New(chaterr.Unsupported, "only failed messages can be retried")
	}
	if msg.Type != store.TypeText {
		return chaterr.New(chaterr.Unsupported, "cannot retry media messages")
	}
	if err := o.db.SetMessageStatus(msg.CorrelationID, string(status.Sending)); err != nil {
		return err
	}
	msg.Status = string(status.Sending)
	o.publishMessages(msg.ConversationID)
	o.settleAsync(msg)
	return nil
}

// Revoke unsends a message. Only the sender may revoke, and only within the
// revoke window; afterwards the placeholder replaces the content for every
// participant.
func (o *Outbox) Revoke(ctx context.Context, messageID string) error {
	self, err := o.identity.Self()
	if err != nil {
		return err
	}
	msg, err := o.lookup(messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != self.UserID {
		return chaterr.New(chaterr.Unauthorized, "only the sender can unsend a message")
	}
	switch msg.Status {
	case string(status.Sent), string(status.Delivered), string(status.Seen):
	default:
		// Unconfirmed rows have no remote document to rewrite.
		return chaterr.New(chaterr.Unsupported, "cannot unsend a message that was never sent")
	}
	if time.Since(time.UnixMilli(msg.Timestamp)) > revokeWindow {
		return chaterr.New(chaterr.WindowExpired, "unsend window has passed")
	}

	if err := o.remote.RevokeMessage(ctx, msg.ID, revokedPlaceholder); err != nil {
		return err
	}
	if err := o.db.RevokeMessage(msg.ID, revokedPlaceholder); err != nil {
		return err
	}
	o.bus.Publish(bus.Event{
		Kind:      bus.KindMessageRevoked,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": msg.ConversationID,
			"message_id":      msg.ID,
		},
	})
	return nil
}

func (o *Outbox) buildMessage(self identity.Self, conversationID, msgType, content string, mediaURLs []string, replyTo *store.ReplyRef) *store.Message {
	now := time.Now().UnixMilli()
	correlationID := uuid.NewString()
	return &store.Message{
		ID:              correlationID, // provisional until confirmed
		CorrelationID:   correlationID,
		ConversationID:  conversationID,
		SenderID:        self.UserID,
		SenderName:      self.Name,
		SenderAvatarURL: self.AvatarURL,
		Type:            msgType,
		Content:         content,
		MediaURLs:       mediaURLs,
		ReplyTo:         replyTo,
		Status:          string(status.Sending),
		Timestamp:       now,
		LocalCreatedAt:  now,
	}
}

// settleAsync performs the remote write and settles the local copy. Sends in
// the same conversation run one at a time.
func (o *Outbox) settleAsync(msg *store.Message) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		unlock := o.conv.lock(msg.ConversationID)
		defer unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		o.settle(ctx, msg)
	}()
}

func (o *Outbox) settle(ctx context.Context, msg *store.Message) {
	doc := map[string]any{
		"clientId":       msg.CorrelationID,
		"conversationId": msg.ConversationID,
		"senderId":       msg.SenderID,
		"senderName":     msg.SenderName,
		"senderAvatar":   msg.SenderAvatarURL,
		"type":           msg.Type,
		"content":        msg.Content,
	}
	if len(msg.MediaURLs) > 0 {
		urls := make([]any, len(msg.MediaURLs))
		for i, u := range msg.MediaURLs {
			urls[i] = u
		}
		doc["mediaUrls"] = urls
	}
	if msg.ReplyTo != nil {
		doc["replyTo"] = map[string]any{
			"messageId":  msg.ReplyTo.MessageID,
			"senderId":   msg.ReplyTo.SenderID,
			"senderName": msg.ReplyTo.SenderName,
			"type":       msg.ReplyTo.Type,
			"content":    msg.ReplyTo.Content,
		}
	}

	permanentID, remoteTs, err := o.remote.InsertMessage(ctx, doc)
	if err != nil {
		o.fail(msg, err)
		return
	}

	// The store-assigned timestamp replaces the optimistic local one so
	// every device orders this message the same way.
	msg.Timestamp = remoteTs
	if err := o.db.ConfirmMessage(msg.CorrelationID, permanentID, remoteTs); err != nil {
		o.logger.Error("failed to confirm sent message",
			zap.Error(err), zap.String("correlation_id", msg.CorrelationID))
		return
	}

	// The conversation summary follows the confirmed message so the list
	// reorders as soon as the ack lands.
	lm := &store.LastMessage{
		Text:       previewLabel(msg.Type, msg.Content),
		Type:       msg.Type,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Timestamp:  msg.Timestamp,
	}
	if err := o.db.UpdateSummary(msg.ConversationID, lm, msg.Timestamp); err != nil {
		o.logger.Error("failed to update conversation summary", zap.Error(err))
	}
	if err := o.remote.UpdateConversation(ctx, msg.ConversationID, map[string]any{
		"lastMessage": map[string]any{
			"text":       lm.Text,
			"type":       lm.Type,
			"senderId":   lm.SenderID,
			"senderName": lm.SenderName,
			"timestamp":  lm.Timestamp,
		},
	}); err != nil {
		o.logger.Warn("failed to update remote conversation summary", zap.Error(err))
	}

	o.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendAck,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": msg.ConversationID,
			"correlation_id":  msg.CorrelationID,
			"message_id":      permanentID,
		},
	})
	o.publishMessages(msg.ConversationID)
}

func (o *Outbox) fail(msg *store.Message, cause error) {
	o.logger.Warn("send failed",
		zap.Error(cause),
		zap.String("correlation_id", msg.CorrelationID),
		zap.String("conversation_id", msg.ConversationID))
	if err := o.db.SetMessageStatus(msg.CorrelationID, string(status.Failed)); err != nil {
		o.logger.Error("failed to mark message failed", zap.Error(err))
		return
	}
	o.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendFailed,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": msg.ConversationID,
			"correlation_id":  msg.CorrelationID,
		},
	})
	o.publishMessages(msg.ConversationID)
}

// lookup finds a message by permanent id first, then by correlation id, so
// callers can address unconfirmed messages without knowing which phase they
// are in.
func (o *Outbox) lookup(messageID string) (*store.Message, error) {
	msg, err := o.db.GetMessage(messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		msg, err = o.db.GetMessageByCorrelationID(messageID)
		if err != nil {
			return nil, err
		}
	}
	if msg == nil {
		return nil, chaterr.New(chaterr.NotFound, "message not found")
	}
	return msg, nil
}

func (o *Outbox) publishMessages(conversationID string) {
	o.bus.Publish(bus.Event{
		Kind:      bus.KindMessagesUpdated,
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": conversationID},
	})
}

// previewLabel is the conversation-list preview for a message.
func previewLabel(msgType, content string) string {
	switch msgType {
	case store.TypeImage:
		return "📷 Photo"
	case store.TypeVideo:
		return "🎥 Video"
	case store.TypeAudio:
		return "🎤 Voice message"
	case store.TypeFile:
		return "📎 File"
	default:
		return content
	}
}

func typeForMime(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return store.TypeImage
	case strings.HasPrefix(mimeType, "video/"):
		return store.TypeVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return store.TypeAudio
	default:
		return store.TypeFile
	}
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
