package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/minisocial/chatsync/internal/bus"
	"github.com/minisocial/chatsync/internal/identity"
	"github.com/minisocial/chatsync/internal/remote"
	"github.com/minisocial/chatsync/internal/store"
)

// drainWindow bounds how long the reconciler waits for more events after the
// first one, so bursts land in one transaction.
const drainWindow = 50 * time.Millisecond

const maxBatch = 256

// Reconciler consumes the remote conversation feed and folds it into the
// local cache. Remote fields are taken as-is; the unread count, pin and mute
// columns are locally owned and only ever adjusted by the unread rules or an
// explicit command.
type Reconciler struct {
	db       *store.DB
	remote   remote.Store
	bus      *bus.Bus
	identity identity.Provider
	logger   *zap.Logger

	resubscribeDelay time.Duration
	cancel           context.CancelFunc
	done             chan struct{}
}

func New(db *store.DB, r remote.Store, b *bus.Bus, idp identity.Provider, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		db:               db,
		remote:           r,
		bus:              b,
		identity:         idp,
		logger:           logger.Named("reconcile"),
		resubscribeDelay: 5 * time.Second,
	}
}

// Start launches the feed loop. It keeps resubscribing until the context is
// cancelled; while the feed is down the cached conversation list keeps
// serving reads.
func (r *Reconciler) Start(ctx context.Context) error {
	self, err := r.identity.Self()
	if err != nil {
		return err
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		for {
			if err := r.run(ctx, self.UserID); err != nil && ctx.Err() == nil {
				r.logger.Warn("conversation feed degraded, serving from cache",
					zap.Error(err), zap.Duration("retry_in", r.resubscribeDelay))
				r.bus.Publish(bus.Event{
					Kind:      bus.KindFeedDegraded,
					Timestamp: time.Now(),
					Payload:   map[string]string{"feed": "conversations"},
				})
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.resubscribeDelay):
			}
		}
	}()
	return nil
}

// Stop cancels the feed loop and waits for it to drain.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

func (r *Reconciler) run(ctx context.Context, selfID string) error {
	sub, err := r.remote.WatchConversations(ctx, selfID)
	if err != nil {
		return err
	}
	defer sub.Cancel()
	r.logger.Info("conversation feed open")

	for {
		batch, ok := collectBatch(ctx, sub.Events())
		if !ok {
			return sub.Err()
		}
		if err := r.apply(batch, selfID); err != nil {
			r.logger.Error("failed to apply conversation batch",
				zap.Error(err), zap.Int("events", len(batch)))
			continue
		}
		r.bus.Publish(bus.Event{
			Kind:      bus.KindConversationsUpdated,
			Timestamp: time.Now(),
			Payload:   map[string]int{"events": len(batch)},
		})
	}
}

// collectBatch blocks for the first event, then drains briefly so a burst is
// applied in one pass. Returns ok=false when the feed closed.
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

// unreadOp is an unread adjustment executed after the merged rows land, via
// the store's atomic counters.
type unreadOp struct {
	id     string
	effect UnreadEffect
}

func (r *Reconciler) apply(batch []remote.ChangeEvent, selfID string) error {
	ids := make([]string, 0, len(batch))
	for _, evt := range batch {
		ids = append(ids, evt.ID)
	}
	local, err := r.db.LocalOwnedFields(ids)
	if err != nil {
		return err
	}

	var upserts []*store.Conversation
	var unreadOps []unreadOp
	for _, evt := range batch {
		if evt.Kind == remote.Removed {
			if err := r.db.DeleteConversation(evt.ID); err != nil {
				return err
			}
			continue
		}
		incoming := remote.ParseConversation(evt.ID, evt.Data)
		lf := local[evt.ID]
		merged := Merge(incoming, lf)
		upserts = append(upserts, merged)

		if effect := UnreadDelta(evt.Kind, lf, incoming, selfID); effect != UnreadKeep {
			unreadOps = append(unreadOps, unreadOp{id: evt.ID, effect: effect})
		}
		// Later events in the same batch see this one's state.
		local[evt.ID] = store.LocalFields{
			Known:         true,
			UnreadCount:   merged.UnreadCount,
			Pinned:        merged.Pinned,
			Muted:         merged.Muted,
			LastMessageAt: lastMessageAt(merged),
		}
	}

	if len(upserts) > 0 {
		if err := r.db.UpsertConversations(upserts); err != nil {
			return err
		}
	}
	for _, op := range unreadOps {
		switch op.effect {
		case UnreadSetOne:
			err = r.db.SetUnread(op.id, 1)
		case UnreadIncrement:
			err = r.db.IncrementUnread(op.id)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func lastMessageAt(c *store.Conversation) int64 {
	if c.LastMessage == nil {
		return 0
	}
	return c.LastMessage.Timestamp
}
