package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/minisocial/chatsync/internal/chaterr"
)

// Fake is an in-memory Store used by tests. It mirrors the production
// backend's observable behavior: snapshot-then-stream subscriptions, set
// semantics on membership fields, and immediate change fan-out on writes.
type Fake struct {
	mu            sync.Mutex
	nextID        int
	conversations map[string]map[string]any
	messages      map[string]map[string]any
	typing        map[string]map[string]any // key conversationID+"/"+userID
	subs          []*fakeSub

	// FailWrites makes every mutation return a transport error, for
	// exercising offline paths.
	FailWrites bool
}

func NewFake() *Fake {
	return &Fake{
		conversations: map[string]map[string]any{},
		messages:      map[string]map[string]any{},
		typing:        map[string]map[string]any{},
	}
}

type fakeSub struct {
	events chan ChangeEvent
	filter func(coll string, doc map[string]any) bool
	coll   string
	fake   *Fake

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *fakeSub) Events() <-chan ChangeEvent { return s.events }

func (s *fakeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSub) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// Fail terminates the subscription with an error, simulating a dropped feed.
func (s *fakeSub) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.err = err
		close(s.events)
	}
}

func (s *fakeSub) deliver(evt ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	default:
	}
}

func (f *Fake) NewID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("fake-%d", f.nextID)
}

func (f *Fake) subscribe(coll string, filter func(coll string, doc map[string]any) bool, snapshot []ChangeEvent) *fakeSub {
	sub := &fakeSub{
		events: make(chan ChangeEvent, 256),
		filter: filter,
		coll:   coll,
		fake:   f,
	}
	for _, evt := range snapshot {
		sub.events <- evt
	}
	f.subs = append(f.subs, sub)
	return sub
}

// FailFeeds terminates every open subscription with a transport error.
func (f *Fake) FailFeeds() {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.subs...)
	f.subs = nil
	f.mu.Unlock()
	for _, s := range subs {
		s.Fail(chaterr.New(chaterr.Transport, "feed dropped"))
	}
}

func (f *Fake) notify(coll string, kind ChangeKind, id string, doc map[string]any) {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.subs...)
	f.mu.Unlock()
	for _, sub := range subs {
		if sub.coll != coll {
			continue
		}
		if kind != Removed && sub.filter != nil && !sub.filter(coll, doc) {
			continue
		}
		var data map[string]any
		if kind != Removed {
			data = cloneDoc(doc)
		}
		sub.deliver(ChangeEvent{Kind: kind, ID: id, Data: data})
	}
}

func (f *Fake) WatchConversations(ctx context.Context, userID string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	filter := func(_ string, doc map[string]any) bool {
		return containsString(doc["participants"], userID)
	}
	var snapshot []ChangeEvent
	for id, doc := range f.conversations {
		if filter("", doc) {
			snapshot = append(snapshot, ChangeEvent{Kind: Added, ID: id, Data: cloneDoc(doc)})
		}
	}
	sortSnapshot(snapshot)
	return f.subscribe(collConversations, filter, snapshot), nil
}

func (f *Fake) WatchMessages(ctx context.Context, conversationID string, limit int) (Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	filter := func(_ string, doc map[string]any) bool {
		return doc["conversationId"] == conversationID
	}
	var snapshot []ChangeEvent
	for id, doc := range f.messages {
		if filter("", doc) {
			snapshot = append(snapshot, ChangeEvent{Kind: Added, ID: id, Data: cloneDoc(doc)})
		}
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return asMillis(snapshot[i].Data["timestamp"], 0) > asMillis(snapshot[j].Data["timestamp"], 0)
	})
	if len(snapshot) > limit {
		snapshot = snapshot[:limit]
	}
	return f.subscribe(collMessages, filter, snapshot), nil
}

func (f *Fake) WatchTyping(ctx context.Context, conversationID string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	filter := func(_ string, doc map[string]any) bool {
		return doc["conversationId"] == conversationID
	}
	var snapshot []ChangeEvent
	for id, doc := range f.typing {
		if filter("", doc) {
			snapshot = append(snapshot, ChangeEvent{Kind: Added, ID: id, Data: cloneDoc(doc)})
		}
	}
	return f.subscribe(collTyping, filter, snapshot), nil
}

func (f *Fake) CreateConversation(ctx context.Context, data map[string]any) (string, error) {
	f.mu.Lock()
	if f.FailWrites {
		f.mu.Unlock()
		return "", chaterr.New(chaterr.Transport, "writes disabled")
	}
	id := fmt.Sprintf("fake-%d", f.next())
	doc := cloneDoc(data)
	if _, ok := doc["createdAt"]; !ok {
		doc["createdAt"] = time.Now().UnixMilli()
	}
	if _, ok := doc["updatedAt"]; !ok {
		doc["updatedAt"] = doc["createdAt"]
	}
	f.conversations[id] = doc
	f.mu.Unlock()
	f.notify(collConversations, Added, id, doc)
	return id, nil
}

func (f *Fake) next() int {
	f.nextID++
	return f.nextID
}

func (f *Fake) FindDirectConversation(ctx context.Context, userA, userB string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, doc := range f.conversations {
		if doc["type"] != "DIRECT" {
			continue
		}
		parts := asStringList(doc["participants"])
		if len(parts) == 2 && containsString(doc["participants"], userA) && containsString(doc["participants"], userB) {
			return id, nil
		}
	}
	return "", nil
}

func (f *Fake) UpdateConversation(ctx context.Context, id string, fields map[string]any) error {
	f.mu.Lock()
	if f.FailWrites {
		f.mu.Unlock()
		return chaterr.New(chaterr.Transport, "writes disabled")
	}
	doc, ok := f.conversations[id]
	if !ok {
		f.mu.Unlock()
		return chaterr.New(chaterr.NotFound, "conversation not found")
	}
	for k, v := range fields {
		doc[k] = v
	}
	doc["updatedAt"] = time.Now().UnixMilli()
	f.mu.Unlock()
	f.notify(collConversations, Modified, id, doc)
	return nil
}

// DropConversation simulates another writer removing the document, feeding
// a Removed event to subscribers. The engine itself never deletes remotely.
func (f *Fake) DropConversation(id string) {
	f.mu.Lock()
	delete(f.conversations, id)
	for mid, doc := range f.messages {
		if doc["conversationId"] == id {
			delete(f.messages, mid)
		}
	}
	f.mu.Unlock()
	f.notify(collConversations, Removed, id, nil)
}

func (f *Fake) PinMessage(ctx context.Context, conversationID, messageID string) error {
	return f.mutateConversation(conversationID, func(doc map[string]any) {
		doc["pinnedMessageIds"] = addToSet(doc["pinnedMessageIds"], messageID)
	})
}

func (f *Fake) UnpinMessage(ctx context.Context, conversationID, messageID string) error {
	return f.mutateConversation(conversationID, func(doc map[string]any) {
		doc["pinnedMessageIds"] = pull(doc["pinnedMessageIds"], messageID)
	})
}

func (f *Fake) mutateConversation(id string, mutate func(doc map[string]any)) error {
	f.mu.Lock()
	if f.FailWrites {
		f.mu.Unlock()
		return chaterr.New(chaterr.Transport, "writes disabled")
	}
	doc, ok := f.conversations[id]
	if !ok {
		f.mu.Unlock()
		return chaterr.New(chaterr.NotFound, "conversation not found")
	}
	mutate(doc)
	doc["updatedAt"] = time.Now().UnixMilli()
	f.mu.Unlock()
	f.notify(collConversations, Modified, id, doc)
	return nil
}

func (f *Fake) InsertMessage(ctx context.Context, data map[string]any) (string, int64, error) {
	f.mu.Lock()
	if f.FailWrites {
		f.mu.Unlock()
		return "", 0, chaterr.New(chaterr.Transport, "writes disabled")
	}
	id := fmt.Sprintf("fake-%d", f.next())
	ts := time.Now().UnixMilli()
	doc := cloneDoc(data)
	doc["timestamp"] = ts
	f.messages[id] = doc
	f.mu.Unlock()
	f.notify(collMessages, Added, id, doc)
	return id, ts, nil
}

func (f *Fake) RevokeMessage(ctx context.Context, messageID, placeholder string) error {
	return f.mutateMessage(messageID, func(doc map[string]any) {
		doc["revoked"] = true
		doc["content"] = placeholder
		doc["mediaUrls"] = []any{}
	})
}

func (f *Fake) AddReaction(ctx context.Context, messageID, emoji, userID string) error {
	return f.mutateMessage(messageID, func(doc map[string]any) {
		reactions, _ := doc["reactions"].(map[string]any)
		if reactions == nil {
			reactions = map[string]any{}
		}
		reactions[emoji] = addToSet(reactions[emoji], userID)
		doc["reactions"] = reactions
	})
}

func (f *Fake) RemoveReaction(ctx context.Context, messageID, emoji, userID string) error {
	return f.mutateMessage(messageID, func(doc map[string]any) {
		reactions, _ := doc["reactions"].(map[string]any)
		if reactions == nil {
			return
		}
		remaining := pull(reactions[emoji], userID)
		if len(remaining) == 0 {
			delete(reactions, emoji)
		} else {
			reactions[emoji] = remaining
		}
		doc["reactions"] = reactions
	})
}

func (f *Fake) MarkSeen(ctx context.Context, conversationID, userID string) error {
	return f.markReceipts(conversationID, userID, "seenBy")
}

func (f *Fake) MarkDelivered(ctx context.Context, conversationID, userID string) error {
	return f.markReceipts(conversationID, userID, "deliveredTo")
}

func (f *Fake) markReceipts(conversationID, userID, field string) error {
	f.mu.Lock()
	if f.FailWrites {
		f.mu.Unlock()
		return chaterr.New(chaterr.Transport, "writes disabled")
	}
	type change struct {
		id  string
		doc map[string]any
	}
	var changed []change
	for id, doc := range f.messages {
		if doc["conversationId"] != conversationID || doc["senderId"] == userID {
			continue
		}
		if containsString(doc[field], userID) {
			continue
		}
		doc[field] = addToSet(doc[field], userID)
		changed = append(changed, change{id, doc})
	}
	f.mu.Unlock()
	for _, c := range changed {
		f.notify(collMessages, Modified, c.id, c.doc)
	}
	return nil
}

func (f *Fake) mutateMessage(id string, mutate func(doc map[string]any)) error {
	f.mu.Lock()
	if f.FailWrites {
		f.mu.Unlock()
		return chaterr.New(chaterr.Transport, "writes disabled")
	}
	doc, ok := f.messages[id]
	if !ok {
		f.mu.Unlock()
		return chaterr.New(chaterr.NotFound, "message not found")
	}
	mutate(doc)
	f.mu.Unlock()
	f.notify(collMessages, Modified, id, doc)
	return nil
}

func (f *Fake) SetTyping(ctx context.Context, conversationID, userID string) error {
	key := conversationID + "/" + userID
	f.mu.Lock()
	if f.FailWrites {
		f.mu.Unlock()
		return chaterr.New(chaterr.Transport, "writes disabled")
	}
	_, existed := f.typing[key]
	doc := map[string]any{
		"conversationId": conversationID,
		"userId":         userID,
		"isTyping":       true,
		"ts":             time.Now().UnixMilli(),
	}
	f.typing[key] = doc
	f.mu.Unlock()
	kind := Added
	if existed {
		kind = Modified
	}
	f.notify(collTyping, kind, key, doc)
	return nil
}

func (f *Fake) ClearTyping(ctx context.Context, conversationID, userID string) error {
	key := conversationID + "/" + userID
	f.mu.Lock()
	if f.FailWrites {
		f.mu.Unlock()
		return chaterr.New(chaterr.Transport, "writes disabled")
	}
	_, existed := f.typing[key]
	delete(f.typing, key)
	f.mu.Unlock()
	if existed {
		f.notify(collTyping, Removed, key, nil)
	}
	return nil
}

// Message returns a copy of a stored message document, for assertions.
func (f *Fake) Message(id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.messages[id]; ok {
		return cloneDoc(doc)
	}
	return nil
}

// Conversation returns a copy of a stored conversation document.
func (f *Fake) Conversation(id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.conversations[id]; ok {
		return cloneDoc(doc)
	}
	return nil
}

// SeedConversation stores a document under a fixed id without notifying
// subscribers, for arranging test state.
func (f *Fake) SeedConversation(id string, doc map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations[id] = cloneDoc(doc)
}

// SeedMessage stores a message document under a fixed id without notifying.
func (f *Fake) SeedMessage(id string, doc map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[id] = cloneDoc(doc)
}

// EmitConversation pushes a change for an already-stored conversation, as if
// another writer touched it.
func (f *Fake) EmitConversation(kind ChangeKind, id string) {
	f.mu.Lock()
	doc := f.conversations[id]
	f.mu.Unlock()
	f.notify(collConversations, kind, id, doc)
}

// EmitMessage pushes a change for an already-stored message.
func (f *Fake) EmitMessage(kind ChangeKind, id string) {
	f.mu.Lock()
	doc := f.messages[id]
	f.mu.Unlock()
	f.notify(collMessages, kind, id, doc)
}

func cloneDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		switch t := v.(type) {
		case map[string]any:
			out[k] = cloneDoc(t)
		case []any:
			out[k] = append([]any(nil), t...)
		default:
			out[k] = v
		}
	}
	return out
}

func containsString(list any, s string) bool {
	for _, it := range asStringList(list) {
		if it == s {
			return true
		}
	}
	return false
}

func addToSet(list any, s string) []any {
	items, _ := list.([]any)
	for _, it := range items {
		if it == s {
			return items
		}
	}
	return append(items, s)
}

func pull(list any, s string) []any {
	items, _ := list.([]any)
	out := items[:0:0]
	for _, it := range items {
		if it != s {
			out = append(out, it)
		}
	}
	return out
}

func sortSnapshot(events []ChangeEvent) {
	sort.Slice(events, func(i, j int) bool {
		return asMillis(events[i].Data["updatedAt"], 0) > asMillis(events[j].Data["updatedAt"], 0)
	})
}
