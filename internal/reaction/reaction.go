// Package reaction toggles emoji reactions on messages. Reactions live on
// the message document as emoji -> reactor sets; the message feed carries
// every change back into the cache.
package reaction

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

type Service struct {
	db       *store.DB
	remote   remote.Store
	bus      *bus.Bus
	identity identity.Provider
	logger   *zap.Logger
}

func NewService(db *store.DB, r remote.Store, b *bus.Bus, idp identity.Provider, logger *zap.Logger) *Service {
	return &Service{db: db, remote: r, bus: b, identity: idp, logger: logger.Named("reaction")}
}

// Add records the local user's reaction. Adding the same emoji twice is a
// no-op thanks to set semantics on the remote side.
func (s *Service) Add(ctx context.Context, messageID, emoji string) error {
	self, msg, err := s.resolve(messageID)
	if err != nil {
		return err
	}
	if err := s.remote.AddReaction(ctx, msg.ID, emoji, self.UserID); err != nil {
		return err
	}
	s.applyLocal(msg, func(reactions map[string][]string) {
		reactions[emoji] = addToSet(reactions[emoji], self.UserID)
	})
	return nil
}

// Remove withdraws the local user's reaction. Removing a reaction that was
// never added is a no-op.
func (s *Service) Remove(ctx context.Context, messageID, emoji string) error {
	self, msg, err := s.resolve(messageID)
	if err != nil {
		return err
	}
	if err := s.remote.RemoveReaction(ctx, msg.ID, emoji, self.UserID); err != nil {
		return err
	}
	s.applyLocal(msg, func(reactions map[string][]string) {
		remaining := removeFromSet(reactions[emoji], self.UserID)
		if len(remaining) == 0 {
			delete(reactions, emoji)
		} else {
			reactions[emoji] = remaining
		}
	})
	return nil
}

// Toggle adds the reaction if absent, removes it if present.
func (s *Service) Toggle(ctx context.Context, messageID, emoji string) error {
	self, msg, err := s.resolve(messageID)
	if err != nil {
		return err
	}
	for _, reactor := range msg.Reactions[emoji] {
		if reactor == self.UserID {
			return s.Remove(ctx, messageID, emoji)
		}
	}
	return s.Add(ctx, messageID, emoji)
}

func (s *Service) resolve(messageID string) (identity.Self, *store.Message, error) {
	self, err := s.identity.Self()
	if err != nil {
		return identity.Self{}, nil, err
	}
	msg, err := s.db.GetMessage(messageID)
	if err != nil {
		return identity.Self{}, nil, err
	}
	if msg == nil {
		return identity.Self{}, nil, chaterr.New(chaterr.NotFound, "message not found")
	}
	if msg.Revoked {
		return identity.Self{}, nil, chaterr.New(chaterr.Unsupported, "cannot react to an unsent message")
	}
	return self, msg, nil
}

// applyLocal mirrors the remote mutation into the cache eagerly so the UI
// updates before the feed echo lands.
func (s *Service) applyLocal(msg *store.Message, mutate func(map[string][]string)) {
	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]string)
	}
	mutate(msg.Reactions)
	if err := s.db.UpsertMessage(msg); err != nil {
		s.logger.Warn("failed to cache reaction change",
			zap.Error(err), zap.String("message_id", msg.ID))
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessagesUpdated,
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": msg.ConversationID},
	})
}

func addToSet(list []string, s string) []string {
	for _, it := range list {
		if it == s {
			return list
		}
	}
	return append(list, s)
}

func removeFromSet(list []string, s string) []string {
	out := list[:0:0]
	for _, it := range list {
		if it != s {
			out = append(out, it)
		}
	}
	return out
}
