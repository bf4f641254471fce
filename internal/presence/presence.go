// Package presence handles typing indicators: broadcasting the local user's
// typing state and observing everyone else's.
package presence

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/minisocial/chatsync/internal/bus"
	"github.com/minisocial/chatsync/internal/identity"
	"github.com/minisocial/chatsync/internal/remote"
)

// idleTimeout clears the local typing state if the caller stops calling
// Typing without an explicit StopTyping, so a crashed UI never leaves a
// permanent indicator behind.
const idleTimeout = 5 * time.Second

// TypingChange is the payload for typing events: who is currently typing in
// the conversation, excluding the local user.
type TypingChange struct {
	ConversationID string
	UserIDs        []string
}

// Presence broadcasts and observes typing state. Indicators are ephemeral;
// nothing here touches the local cache.
type Presence struct {
	remote   remote.Store
	bus      *bus.Bus
	identity identity.Provider
	logger   *zap.Logger

	// staleAfter bounds how long an observed indicator survives without a
	// refresh when the peer's Removed event is lost.
	staleAfter time.Duration

	mu       sync.Mutex
	timers   map[string]*time.Timer
	watchers map[string]*watcher
}

type watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(r remote.Store, b *bus.Bus, idp identity.Provider, logger *zap.Logger) *Presence {
	return &Presence{
		remote:     r,
		bus:        b,
		identity:   idp,
		logger:     logger.Named("presence"),
		staleAfter: idleTimeout,
		timers:     make(map[string]*time.Timer),
		watchers:   make(map[string]*watcher),
	}
}

// Typing marks the local user as typing in the conversation. Repeated calls
// refresh the idle timer; the state clears automatically when they stop.
func (p *Presence) Typing(ctx context.Context, conversationID string) error {
	self, err := p.identity.Self()
	if err != nil {
		return err
	}
	if err := p.remote.SetTyping(ctx, conversationID, self.UserID); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if timer, ok := p.timers[conversationID]; ok {
		timer.Reset(idleTimeout)
		return nil
	}
	p.timers[conversationID] = time.AfterFunc(idleTimeout, func() {
		if err := p.StopTyping(context.Background(), conversationID); err != nil {
			p.logger.Warn("failed to auto-clear typing state",
				zap.Error(err), zap.String("conversation_id", conversationID))
		}
	})
	return nil
}

// StopTyping clears the local user's typing state.
func (p *Presence) StopTyping(ctx context.Context, conversationID string) error {
	self, err := p.identity.Self()
	if err != nil {
		return err
	}
	p.mu.Lock()
	if timer, ok := p.timers[conversationID]; ok {
		timer.Stop()
		delete(p.timers, conversationID)
	}
	p.mu.Unlock()
	return p.remote.ClearTyping(ctx, conversationID, self.UserID)
}

// Observe starts watching typing state for a conversation, publishing a
// typing.changed event with the current set of typists on every change.
// The local user is never included. Observing twice is a no-op.
func (p *Presence) Observe(ctx context.Context, conversationID string) error {
	self, err := p.identity.Self()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.watchers[conversationID]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &watcher{cancel: cancel, done: make(chan struct{})}
	p.watchers[conversationID] = w

	go func() {
		defer close(w.done)
		p.watch(ctx, conversationID, self.UserID)
	}()
	return nil
}

// Unobserve stops watching a conversation's typing state.
func (p *Presence) Unobserve(conversationID string) {
	p.mu.Lock()
	w, ok := p.watchers[conversationID]
	if ok {
		delete(p.watchers, conversationID)
	}
	p.mu.Unlock()
	if ok {
		w.cancel()
		<-w.done
	}
}

// Stop tears down every watcher and clears any lingering local state.
func (p *Presence) Stop() {
	p.mu.Lock()
	watchers := make([]*watcher, 0, len(p.watchers))
	for id, w := range p.watchers {
		watchers = append(watchers, w)
		delete(p.watchers, id)
	}
	var pending []string
	for id, timer := range p.timers {
		timer.Stop()
		pending = append(pending, id)
		delete(p.timers, id)
	}
	p.mu.Unlock()

	for _, w := range watchers {
		w.cancel()
		<-w.done
	}
	for _, id := range pending {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := p.StopTyping(ctx, id); err != nil {
			p.logger.Warn("failed to clear typing on shutdown", zap.Error(err))
		}
		cancel()
	}
}

// typist is one remote user's live indicator. deadline bounds how long the
// indicator survives without a refresh, since the Removed event for a
// crashed peer may never arrive.
type typist struct {
	user     string
	deadline time.Time
}

func (p *Presence) watch(ctx context.Context, conversationID, selfID string) {
	sub, err := p.remote.WatchTyping(ctx, conversationID)
	if err != nil {
		p.logger.Warn("failed to open typing feed",
			zap.Error(err), zap.String("conversation_id", conversationID))
		return
	}
	defer sub.Cancel()

	sweep := time.NewTicker(p.staleAfter / 5)
	defer sweep.Stop()

	// doc id -> typist, so Removed events resolve without a payload
	typists := make(map[string]typist)
	var last []string
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				// Typing state is ephemeral; a dropped feed just means
				// no indicators until the next Observe.
				return
			}
			switch evt.Kind {
			case remote.Added, remote.Modified:
				ty := remote.ParseTyping(evt.Data)
				if ty.UserID == "" || ty.UserID == selfID {
					continue
				}
				typists[evt.ID] = typist{user: ty.UserID, deadline: time.Now().Add(p.staleAfter)}
			case remote.Removed:
				if _, ok := typists[evt.ID]; !ok {
					continue
				}
				delete(typists, evt.ID)
			}
			last = p.publishIfChanged(conversationID, typists, last)
		case <-sweep.C:
			now := time.Now()
			for id, ty := range typists {
				if now.After(ty.deadline) {
					delete(typists, id)
				}
			}
			last = p.publishIfChanged(conversationID, typists, last)
		case <-ctx.Done():
			return
		}
	}
}

// publishIfChanged emits a typing.changed event only when the set of typists
// differs from the previously published one, and returns the published set.
func (p *Presence) publishIfChanged(conversationID string, typists map[string]typist, last []string) []string {
	users := make([]string, 0, len(typists))
	for _, ty := range typists {
		users = append(users, ty.user)
	}
	sort.Strings(users)
	if slices.Equal(users, last) {
		return last
	}
	p.bus.Publish(bus.Event{
		Kind:      bus.KindTypingChanged,
		Timestamp: time.Now(),
		Payload:   TypingChange{ConversationID: conversationID, UserIDs: users},
	})
	return users
}
