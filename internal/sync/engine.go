// Package sync keeps per-conversation message windows in step with the
// remote message feed.
package sync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/minisocial/chatsync/internal/bus"
	"github.com/minisocial/chatsync/internal/identity"
	"github.com/minisocial/chatsync/internal/remote"
	"github.com/minisocial/chatsync/internal/status"
	"github.com/minisocial/chatsync/internal/store"
)

// window is how many recent messages the initial snapshot covers.
const window = 100

const drainWindow = 50 * time.Millisecond

const maxBatch = 256

// Engine owns one live message feed per opened conversation. Feeds are
// opened when a conversation becomes visible and closed when it leaves view;
// the cache keeps serving whatever was synced.
type Engine struct {
	db       *store.DB
	remote   remote.Store
	bus      *bus.Bus
	identity identity.Provider
	logger   *zap.Logger

	resubscribeDelay time.Duration

	mu    sync.Mutex
	feeds map[string]*feed
}

type feed struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewEngine(db *store.DB, r remote.Store, b *bus.Bus, idp identity.Provider, logger *zap.Logger) *Engine {
	return &Engine{
		db:               db,
		remote:           r,
		bus:              b,
		identity:         idp,
		logger:           logger.Named("sync"),
		resubscribeDelay: 5 * time.Second,
		feeds:            make(map[string]*feed),
	}
}

// Open starts the message feed for a conversation. Opening an already open
// conversation is a no-op.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	self, err := e.identity.Self()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.feeds[conversationID]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	f := &feed{cancel: cancel, done: make(chan struct{})}
	e.feeds[conversationID] = f

	go func() {
		defer close(f.done)
		for {
			if err := e.run(ctx, conversationID, self.UserID); err != nil && ctx.Err() == nil {
				e.logger.Warn("message feed degraded, serving from cache",
					zap.Error(err), zap.String("conversation_id", conversationID))
				e.bus.Publish(bus.Event{
					Kind:      bus.KindFeedDegraded,
					Timestamp: time.Now(),
					Payload:   map[string]string{"feed": "messages", "conversation_id": conversationID},
				})
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.resubscribeDelay):
			}
		}
	}()
	return nil
}

// Close stops the feed for a conversation and waits for it to wind down.
func (e *Engine) Close(conversationID string) {
	e.mu.Lock()
	f, ok := e.feeds[conversationID]
	if ok {
		delete(e.feeds, conversationID)
	}
	e.mu.Unlock()
	if ok {
		f.cancel()
		<-f.done
	}
}

// Stop closes every open feed.
func (e *Engine) Stop() {
	e.mu.Lock()
	feeds := make([]*feed, 0, len(e.feeds))
	for id, f := range e.feeds {
		feeds = append(feeds, f)
		delete(e.feeds, id)
	}
	e.mu.Unlock()
	for _, f := range feeds {
		f.cancel()
		<-f.done
	}
}

func (e *Engine) run(ctx context.Context, conversationID, selfID string) error {
	sub, err := e.remote.WatchMessages(ctx, conversationID, window)
	if err != nil {
		return err
	}
	defer sub.Cancel()
	e.logger.Info("message feed open", zap.String("conversation_id", conversationID))

	for {
		batch, ok := collectBatch(ctx, sub.Events())
		if !ok {
			return sub.Err()
		}
		if err := e.apply(ctx, conversationID, selfID, batch); err != nil {
			e.logger.Error("failed to apply message batch",
				zap.Error(err), zap.Int("events", len(batch)),
				zap.String("conversation_id", conversationID))
			continue
		}
		e.bus.Publish(bus.Event{
			Kind:      bus.KindMessagesUpdated,
			Timestamp: time.Now(),
			Payload:   map[string]string{"conversation_id": conversationID},
		})
	}
}

func collectBatch(ctx context.Context, events <-chan remote.ChangeEvent) ([]remote.ChangeEvent, bool) {
	var batch []remote.ChangeEvent
	select {
	case evt, ok := <-events:
		if !ok {
			return nil, false
		}
		batch = append(batch, evt)
	case <-ctx.Done():
		return nil, false
	}

	timer := time.NewTimer(drainWindow)
	defer timer.Stop()
	for len(batch) < maxBatch {
		select {
		case evt, ok := <-events:
			if !ok {
				return batch, true
			}
			batch = append(batch, evt)
		case <-timer.C:
			return batch, true
		case <-ctx.Done():
			return batch, true
		}
	}
	return batch, true
}

func (e *Engine) apply(ctx context.Context, conversationID, selfID string, batch []remote.ChangeEvent) error {
	var upserts []*store.Message
	fromOthers := false
	for _, evt := range batch {
		if evt.Kind == remote.Removed {
			if err := e.db.DeleteMessage(evt.ID); err != nil {
				return err
			}
			continue
		}
		msg := remote.ParseMessage(evt.ID, evt.Data)
		if msg.ConversationID == "" {
			msg.ConversationID = conversationID
		}
		msg.Status = deriveStatus(msg)
		upserts = append(upserts, msg)
		if msg.SenderID != selfID {
			fromOthers = true
		}
	}

	if len(upserts) > 0 {
		if err := e.db.UpsertMessages(upserts); err != nil {
			return err
		}
	}
	// Receipt for messages we just pulled from others; best-effort, the
	// next batch repairs it if this write is lost.
	if fromOthers {
		if err := e.remote.MarkDelivered(ctx, conversationID, selfID); err != nil {
			e.logger.Warn("failed to record delivery receipt",
				zap.Error(err), zap.String("conversation_id", conversationID))
		}
	}
	return nil
}

// deriveStatus maps a remote message's receipt sets onto the delivery state.
func deriveStatus(msg *store.Message) string {
	if msg.Revoked {
		return string(status.Revoked)
	}
	return string(status.Derive(len(msg.SeenBy), len(msg.DeliveredTo)))
}
