package remote

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/minisocial/chatsync/internal/chaterr"
)

const (
	collConversations = "conversations"
	collMessages      = "messages"
	collTyping        = "typing"
)

// Mongo is the production Store backed by a MongoDB replica set. Change
// streams provide the realtime feeds; all mutations use atomic update
// operators so concurrent writers never clobber each other.
type Mongo struct {
	client        *mongo.Client
	db            *mongo.Database
	conversations *mongo.Collection
	messages      *mongo.Collection
	typing        *mongo.Collection
	log           *zap.Logger
}

// Connect dials the remote store and verifies the connection.
func Connect(ctx context.Context, uri, database string, log *zap.Logger) (*Mongo, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, chaterr.Wrap(chaterr.Transport, "connect remote store", err)
	}
	if err := client.Ping(dialCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, chaterr.Wrap(chaterr.Transport, "ping remote store", err)
	}

	db := client.Database(database)
	return &Mongo{
		client:        client,
		db:            db,
		conversations: db.Collection(collConversations),
		messages:      db.Collection(collMessages),
		typing:        db.Collection(collTyping),
		log:           log.Named("remote"),
	}, nil
}

// Close disconnects from the remote store.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Database exposes the underlying database for components that share it,
// like the media bucket.
func (m *Mongo) Database() *mongo.Database {
	return m.db
}

func (m *Mongo) NewID() string {
	return primitive.NewObjectID().Hex()
}

// streamSub adapts a change stream plus an initial snapshot into a
// Subscription.
type streamSub struct {
	events chan ChangeEvent
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func newStreamSub(parent context.Context) (*streamSub, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &streamSub{
		events: make(chan ChangeEvent, 256),
		cancel: cancel,
	}, ctx
}

func (s *streamSub) Events() <-chan ChangeEvent { return s.events }

func (s *streamSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *streamSub) Cancel() { s.cancel() }

func (s *streamSub) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *streamSub) emit(ctx context.Context, evt ChangeEvent) bool {
	select {
	case s.events <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Mongo) WatchConversations(ctx context.Context, userID string) (Subscription, error) {
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.M{"$or": bson.A{
		bson.M{"fullDocument.participants": userID},
		bson.M{"operationType": "delete"},
	}}}}}
	snapshot := bson.M{"participants": userID}
	return m.watch(ctx, m.conversations, pipeline, snapshot, nil, 0)
}

func (m *Mongo) WatchMessages(ctx context.Context, conversationID string, limit int) (Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.M{"$or": bson.A{
		bson.M{"fullDocument.conversationId": conversationID},
		bson.M{"operationType": "delete"},
	}}}}}
	snapshot := bson.M{"conversationId": conversationID}
	sort := bson.D{{Key: "timestamp", Value: -1}}
	return m.watch(ctx, m.messages, pipeline, snapshot, sort, limit)
}

func (m *Mongo) WatchTyping(ctx context.Context, conversationID string) (Subscription, error) {
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.M{"$or": bson.A{
		bson.M{"fullDocument.conversationId": conversationID},
		bson.M{"operationType": "delete"},
	}}}}}
	snapshot := bson.M{"conversationId": conversationID}
	return m.watch(ctx, m.typing, pipeline, snapshot, nil, 0)
}

// watch opens the change stream before taking the snapshot so no write is
// lost in between; the overlap resolves downstream because upserts are
// idempotent.
func (m *Mongo) watch(parent context.Context, coll *mongo.Collection, pipeline mongo.Pipeline, snapshot bson.M, sort bson.D, limit int) (Subscription, error) {
	sub, ctx := newStreamSub(parent)

	stream, err := coll.Watch(ctx, pipeline,
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		sub.cancel()
		return nil, chaterr.Wrap(chaterr.Transport, "open change stream", err)
	}

	go func() {
		defer close(sub.events)
		defer func() { _ = stream.Close(context.Background()) }()

		if err := m.emitSnapshot(ctx, sub, coll, snapshot, sort, limit); err != nil {
			if ctx.Err() == nil {
				sub.fail(err)
			}
			return
		}

		for stream.Next(ctx) {
			var raw bson.M
			if err := stream.Decode(&raw); err != nil {
				m.log.Warn("undecodable change event", zap.Error(err))
				continue
			}
			evt, ok := decodeChange(raw)
			if !ok {
				continue
			}
			if !sub.emit(ctx, evt) {
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			sub.fail(chaterr.Wrap(chaterr.Transport, "change stream", err))
		}
	}()

	return sub, nil
}

func (m *Mongo) emitSnapshot(ctx context.Context, sub *streamSub, coll *mongo.Collection, filter bson.M, sort bson.D, limit int) error {
	opts := options.Find()
	if sort != nil {
		opts.SetSort(sort)
	}
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return chaterr.Wrap(chaterr.Transport, "snapshot query", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			m.log.Warn("undecodable snapshot document", zap.Error(err))
			continue
		}
		id, _ := doc["_id"].(string)
		if id == "" {
			if oid, ok := doc["_id"].(primitive.ObjectID); ok {
				id = oid.Hex()
			}
		}
		delete(doc, "_id")
		if !sub.emit(ctx, ChangeEvent{Kind: Added, ID: id, Data: normalize(doc)}) {
			return ctx.Err()
		}
	}
	return chaterr.Wrap(chaterr.Transport, "snapshot cursor", cur.Err())
}

// decodeChange maps a raw change stream event onto the engine's change model.
func decodeChange(raw bson.M) (ChangeEvent, bool) {
	op, _ := raw["operationType"].(string)
	key, _ := raw["documentKey"].(bson.M)
	id := documentID(key)

	switch op {
	case "insert":
		doc, _ := raw["fullDocument"].(bson.M)
		return ChangeEvent{Kind: Added, ID: id, Data: normalizeDoc(doc)}, true
	case "update", "replace":
		doc, ok := raw["fullDocument"].(bson.M)
		if !ok {
			// fullDocument lookup can miss if the doc was deleted since.
			return ChangeEvent{}, false
		}
		return ChangeEvent{Kind: Modified, ID: id, Data: normalizeDoc(doc)}, true
	case "delete":
		return ChangeEvent{Kind: Removed, ID: id}, true
	default:
		return ChangeEvent{}, false
	}
}

func documentID(key bson.M) string {
	if key == nil {
		return ""
	}
	switch v := key["_id"].(type) {
	case string:
		return v
	case primitive.ObjectID:
		return v.Hex()
	default:
		return ""
	}
}

func normalizeDoc(doc bson.M) map[string]any {
	if doc == nil {
		return nil
	}
	delete(doc, "_id")
	return normalize(doc)
}

// normalize converts decoded BSON values into the plain Go types the parser
// expects.
func normalize(doc bson.M) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		return normalize(t)
	case bson.A:
		items := make([]any, len(t))
		for i, it := range t {
			items[i] = normalizeValue(it)
		}
		return items
	case primitive.DateTime:
		return t.Time()
	case primitive.ObjectID:
		return t.Hex()
	default:
		return v
	}
}

func (m *Mongo) CreateConversation(ctx context.Context, data map[string]any) (string, error) {
	id := m.NewID()
	doc := bson.M{"_id": id}
	for k, v := range data {
		doc[k] = v
	}
	if _, ok := doc["createdAt"]; !ok {
		doc["createdAt"] = time.Now().UnixMilli()
	}
	if _, ok := doc["updatedAt"]; !ok {
		doc["updatedAt"] = doc["createdAt"]
	}
	if _, err := m.conversations.InsertOne(ctx, doc); err != nil {
		return "", chaterr.Wrap(chaterr.Transport, "create conversation", err)
	}
	return id, nil
}

func (m *Mongo) FindDirectConversation(ctx context.Context, userA, userB string) (string, error) {
	filter := bson.M{
		"type":         "DIRECT",
		"participants": bson.M{"$all": bson.A{userA, userB}, "$size": 2},
	}
	var doc bson.M
	err := m.conversations.FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return "", nil
	}
	if err != nil {
		return "", chaterr.Wrap(chaterr.Transport, "find direct conversation", err)
	}
	return documentID(doc), nil
}

func (m *Mongo) UpdateConversation(ctx context.Context, id string, fields map[string]any) error {
	set := bson.M{}
	for k, v := range fields {
		set[k] = v
	}
	update := bson.M{
		"$set":         set,
		"$currentDate": bson.M{"updatedAt": true},
	}
	_, err := m.conversations.UpdateByID(ctx, id, update)
	return chaterr.Wrap(chaterr.Transport, "update conversation", err)
}

func (m *Mongo) PinMessage(ctx context.Context, conversationID, messageID string) error {
	_, err := m.conversations.UpdateByID(ctx, conversationID, bson.M{
		"$addToSet":    bson.M{"pinnedMessageIds": messageID},
		"$currentDate": bson.M{"updatedAt": true},
	})
	return chaterr.Wrap(chaterr.Transport, "pin message", err)
}

func (m *Mongo) UnpinMessage(ctx context.Context, conversationID, messageID string) error {
	_, err := m.conversations.UpdateByID(ctx, conversationID, bson.M{
		"$pull":        bson.M{"pinnedMessageIds": messageID},
		"$currentDate": bson.M{"updatedAt": true},
	})
	return chaterr.Wrap(chaterr.Transport, "unpin message", err)
}

func (m *Mongo) InsertMessage(ctx context.Context, data map[string]any) (string, int64, error) {
	id := m.NewID()
	// The store assigns the timestamp; the sender's local clock never makes
	// it into the document.
	ts := time.Now().UnixMilli()
	doc := bson.M{"_id": id}
	for k, v := range data {
		doc[k] = v
	}
	doc["timestamp"] = ts
	if _, err := m.messages.InsertOne(ctx, doc); err != nil {
		return "", 0, chaterr.Wrap(chaterr.Transport, "insert message", err)
	}
	return id, ts, nil
}

func (m *Mongo) RevokeMessage(ctx context.Context, messageID, placeholder string) error {
	res, err := m.messages.UpdateByID(ctx, messageID, bson.M{"$set": bson.M{
		"revoked":   true,
		"content":   placeholder,
		"mediaUrls": bson.A{},
	}})
	if err != nil {
		return chaterr.Wrap(chaterr.Transport, "revoke message", err)
	}
	if res.MatchedCount == 0 {
		return chaterr.New(chaterr.NotFound, "message not found: "+messageID)
	}
	return nil
}

func (m *Mongo) AddReaction(ctx context.Context, messageID, emoji, userID string) error {
	_, err := m.messages.UpdateByID(ctx, messageID, bson.M{
		"$addToSet": bson.M{"reactions." + emoji: userID},
	})
	return chaterr.Wrap(chaterr.Transport, "add reaction", err)
}

func (m *Mongo) RemoveReaction(ctx context.Context, messageID, emoji, userID string) error {
	field := "reactions." + emoji
	if _, err := m.messages.UpdateByID(ctx, messageID, bson.M{
		"$pull": bson.M{field: userID},
	}); err != nil {
		return chaterr.Wrap(chaterr.Transport, "remove reaction", err)
	}
	// Drop the key once the last reactor is gone so readers never see
	// ghost emoji entries.
	_, err := m.messages.UpdateOne(ctx,
		bson.M{"_id": messageID, field: bson.M{"$size": 0}},
		bson.M{"$unset": bson.M{field: ""}})
	return chaterr.Wrap(chaterr.Transport, "prune empty reaction", err)
}

func (m *Mongo) MarkSeen(ctx context.Context, conversationID, userID string) error {
	_, err := m.messages.UpdateMany(ctx,
		bson.M{"conversationId": conversationID, "senderId": bson.M{"$ne": userID}},
		bson.M{"$addToSet": bson.M{"seenBy": userID}})
	return chaterr.Wrap(chaterr.Transport, "mark seen", err)
}

func (m *Mongo) MarkDelivered(ctx context.Context, conversationID, userID string) error {
	_, err := m.messages.UpdateMany(ctx,
		bson.M{"conversationId": conversationID, "senderId": bson.M{"$ne": userID}},
		bson.M{"$addToSet": bson.M{"deliveredTo": userID}})
	return chaterr.Wrap(chaterr.Transport, "mark delivered", err)
}

func (m *Mongo) SetTyping(ctx context.Context, conversationID, userID string) error {
	_, err := m.typing.UpdateOne(ctx,
		bson.M{"conversationId": conversationID, "userId": userID},
		bson.M{
			"$set":         bson.M{"isTyping": true},
			"$currentDate": bson.M{"ts": true},
		},
		options.Update().SetUpsert(true))
	return chaterr.Wrap(chaterr.Transport, "set typing", err)
}

func (m *Mongo) ClearTyping(ctx context.Context, conversationID, userID string) error {
	_, err := m.typing.DeleteOne(ctx, bson.M{"conversationId": conversationID, "userId": userID})
	return chaterr.Wrap(chaterr.Transport, "clear typing", err)
}
