package outbox

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/minisocial/chatsync/internal/bus"
	"github.com/minisocial/chatsync/internal/chaterr"
	"github.com/minisocial/chatsync/internal/identity"
	"github.com/minisocial/chatsync/internal/media"
	"github.com/minisocial/chatsync/internal/remote"
	"github.com/minisocial/chatsync/internal/status"
	"github.com/minisocial/chatsync/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeUploader records uploads without real storage.
type fakeUploader struct {
	uploads []string
	fail    bool
}

func (f *fakeUploader) Upload(ctx context.Context, filename, mimeType, uploaderID string, content io.Reader) (*media.Upload, error) {
	if f.fail {
		return nil, chaterr.New(chaterr.Storage, "upload failed")
	}
	f.uploads = append(f.uploads, filename)
	return &media.Upload{URL: "gridfs://" + filename, Filename: filename, MimeType: mimeType}, nil
}

func (f *fakeUploader) Download(ctx context.Context, url string) (io.ReadCloser, *media.Upload, error) {
	return nil, nil, chaterr.New(chaterr.NotFound, "not stored")
}

func (f *fakeUploader) Delete(ctx context.Context, url string) error { return nil }

func testOutbox(t *testing.T) (*Outbox, *store.DB, *remote.Fake, *fakeUploader) {
	t.Helper()
	db := testDB(t)
	fake := remote.NewFake()
	up := &fakeUploader{}
	o := New(db, fake, bus.New(), identity.NewStatic("me", "Me", ""), up, zap.NewNop())
	t.Cleanup(o.Stop)
	return o, db, fake, up
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestSendOptimisticThenConfirmed(t *testing.T) {
	o, db, fake, _ := testOutbox(t)

	msg, err := o.Send(context.Background(), "c1", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	// The caller sees the message immediately, before any remote roundtrip.
	if msg.Status != string(status.Sending) {
		t.Errorf("status = %q, want SENDING", msg.Status)
	}
	if msg.ID != msg.CorrelationID {
		t.Errorf("provisional id = %q, want correlation id %q", msg.ID, msg.CorrelationID)
	}

	waitFor(t, "confirmation", func() bool {
		m, _ := db.GetMessageByCorrelationID(msg.CorrelationID)
		return m != nil && m.Status == string(status.Sent)
	})

	confirmed, _ := db.GetMessageByCorrelationID(msg.CorrelationID)
	if confirmed.ID == msg.CorrelationID {
		t.Error("id not swapped to the permanent remote id")
	}
	// The remote doc carries the correlation id for feed dedup.
	if doc := fake.Message(confirmed.ID); doc == nil || doc["clientId"] != msg.CorrelationID {
		t.Errorf("remote doc = %+v", doc)
	}
}

func TestSendFailureThenRetry(t *testing.T) {
	o, db, fake, _ := testOutbox(t)
	fake.FailWrites = true

	msg, err := o.Send(context.Background(), "c1", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "failure", func() bool {
		m, _ := db.GetMessageByCorrelationID(msg.CorrelationID)
		return m != nil && m.Status == string(status.Failed)
	})

	fake.FailWrites = false
	if err := o.Retry(context.Background(), msg.CorrelationID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "retry confirmation", func() bool {
		m, _ := db.GetMessageByCorrelationID(msg.CorrelationID)
		return m != nil && m.Status == string(status.Sent)
	})
}

func TestRetryRejectsMediaMessages(t *testing.T) {
	o, db, _, _ := testOutbox(t)
	if err := db.UpsertMessage(&store.Message{
		ID: "m1", ConversationID: "c1", SenderID: "me",
		Type: store.TypeImage, Status: string(status.Failed), Timestamp: 100,
	}); err != nil {
		t.Fatal(err)
	}

	err := o.Retry(context.Background(), "m1")
	if !chaterr.IsKind(err, chaterr.Unsupported) {
		t.Errorf("err = %v, want Unsupported", err)
	}
}

func TestRetryRejectsNonFailed(t *testing.T) {
	o, db, _, _ := testOutbox(t)
	if err := db.UpsertMessage(&store.Message{
		ID: "m1", ConversationID: "c1", SenderID: "me",
		Type: store.TypeText, Status: string(status.Sent), Timestamp: 100,
	}); err != nil {
		t.Fatal(err)
	}

	err := o.Retry(context.Background(), "m1")
	if !chaterr.IsKind(err, chaterr.Unsupported) {
		t.Errorf("err = %v, want Unsupported", err)
	}
}

func TestSendUpdatesConversationSummary(t *testing.T) {
	o, db, _, _ := testOutbox(t)
	if err := db.UpsertConversation(&store.Conversation{ID: "c1"}); err != nil {
		t.Fatal(err)
	}

	if _, err := o.Send(context.Background(), "c1", "latest news", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "summary update", func() bool {
		c, _ := db.GetConversation("c1")
		return c != nil && c.LastMessage != nil && c.LastMessage.Text == "latest news"
	})
}

func TestSendMediaUploadsFirst(t *testing.T) {
	o, db, fake, up := testOutbox(t)

	msg, err := o.SendMedia(context.Background(), "c1", "pic.jpg", "image/jpeg", strings.NewReader("bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if len(up.uploads) != 1 {
		t.Fatalf("uploads = %v", up.uploads)
	}
	if msg.Type != store.TypeImage || msg.Content != "📷 Photo" {
		t.Errorf("msg = %q %q", msg.Type, msg.Content)
	}
	if len(msg.MediaURLs) != 1 || msg.MediaURLs[0] != "gridfs://pic.jpg" {
		t.Errorf("mediaUrls = %v", msg.MediaURLs)
	}

	waitFor(t, "confirmation", func() bool {
		m, _ := db.GetMessageByCorrelationID(msg.CorrelationID)
		return m != nil && m.Status == string(status.Sent)
	})
	confirmed, _ := db.GetMessageByCorrelationID(msg.CorrelationID)
	if doc := fake.Message(confirmed.ID); doc == nil {
		t.Error("media message not written remotely")
	}
}

func TestSendMediaUploadFailureAborts(t *testing.T) {
	o, db, _, up := testOutbox(t)
	up.fail = true

	_, err := o.SendMedia(context.Background(), "c1", "pic.jpg", "image/jpeg", strings.NewReader("bytes"))
	if err == nil {
		t.Fatal("expected error")
	}
	// No optimistic insert without stored bytes.
	msgs, _ := db.ListMessages("c1", 0, 10)
	if len(msgs) != 0 {
		t.Errorf("messages = %d, want 0", len(msgs))
	}
}

func TestRevoke(t *testing.T) {
	o, db, fake, _ := testOutbox(t)
	fake.SeedMessage("m1", map[string]any{"conversationId": "c1", "senderId": "me", "content": "oops"})
	if err := db.UpsertMessage(&store.Message{
		ID: "m1", ConversationID: "c1", SenderID: "me",
		Type: store.TypeText, Content: "oops", Status: string(status.Sent),
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	if err := o.Revoke(context.Background(), "m1"); err != nil {
		t.Fatal(err)
	}
	m, _ := db.GetMessage("m1")
	if !m.Revoked || m.Content != "Message was unsent" {
		t.Errorf("message = %+v", m)
	}
	if doc := fake.Message("m1"); doc["revoked"] != true || doc["content"] != "Message was unsent" {
		t.Errorf("remote doc = %+v", doc)
	}
}

// The confirmed timestamp must be the one the remote store assigned, not
// the sender's local clock, so every device orders the message identically.
func TestConfirmedTimestampComesFromRemote(t *testing.T) {
	o, db, fake, _ := testOutbox(t)

	msg, err := o.Send(context.Background(), "c1", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "confirmation", func() bool {
		m, _ := db.GetMessageByCorrelationID(msg.CorrelationID)
		return m != nil && m.Status == string(status.Sent)
	})

	confirmed, _ := db.GetMessageByCorrelationID(msg.CorrelationID)
	doc := fake.Message(confirmed.ID)
	if doc == nil {
		t.Fatal("message missing from remote store")
	}
	if remoteTs, _ := doc["timestamp"].(int64); confirmed.Timestamp != remoteTs {
		t.Errorf("cached timestamp = %d, remote assigned %d", confirmed.Timestamp, remoteTs)
	}
	c, _ := db.GetConversation("c1")
	if c != nil && c.LastMessage != nil && c.LastMessage.Timestamp != confirmed.Timestamp {
		t.Errorf("summary timestamp = %d, want %d", c.LastMessage.Timestamp, confirmed.Timestamp)
	}
}

// A message that never reached the store has no remote document to rewrite,
// so unsend must be rejected before it fabricates a local placeholder.
func TestRevokeRejectsUnconfirmedMessage(t *testing.T) {
	o, db, fake, _ := testOutbox(t)
	for _, st := range []status.State{status.Sending, status.Failed} {
		id := "m-" + string(st)
		if err := db.UpsertMessage(&store.Message{
			ID: id, ConversationID: "c1", SenderID: "me",
			Type: store.TypeText, Content: "draft", Status: string(st),
			Timestamp: time.Now().UnixMilli(),
		}); err != nil {
			t.Fatal(err)
		}

		err := o.Revoke(context.Background(), id)
		if !chaterr.IsKind(err, chaterr.Unsupported) {
			t.Errorf("Revoke(%s) err = %v, want Unsupported", st, err)
		}
		m, _ := db.GetMessage(id)
		if m.Revoked || m.Content != "draft" {
			t.Errorf("local row mutated for %s message: %+v", st, m)
		}
		if fake.Message(id) != nil {
			t.Errorf("unexpected remote doc for %s message", st)
		}
	}
}

func TestRevokeRejectsOtherSenders(t *testing.T) {
	o, db, _, _ := testOutbox(t)
	if err := db.UpsertMessage(&store.Message{
		ID: "m1", ConversationID: "c1", SenderID: "u2",
		Type: store.TypeText, Status: string(status.Sent),
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	err := o.Revoke(context.Background(), "m1")
	if !chaterr.IsKind(err, chaterr.Unauthorized) {
		t.Errorf("err = %v, want Unauthorized", err)
	}
}

func TestRevokeRejectsExpiredWindow(t *testing.T) {
	o, db, _, _ := testOutbox(t)
	if err := db.UpsertMessage(&store.Message{
		ID: "m1", ConversationID: "c1", SenderID: "me",
		Type: store.TypeText, Status: string(status.Sent),
		Timestamp: time.Now().Add(-16 * time.Minute).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	err := o.Revoke(context.Background(), "m1")
	if !chaterr.IsKind(err, chaterr.WindowExpired) {
		t.Errorf("err = %v, want WindowExpired", err)
	}
}

// A restart must not leave messages stuck in SENDING forever.
func TestStartSettlesOrphanedSends(t *testing.T) {
	o, db, _, _ := testOutbox(t)
	if err := db.UpsertMessage(&store.Message{
		ID: "m1", ConversationID: "c1", SenderID: "me",
		Type: store.TypeText, Status: string(status.Sending), Timestamp: 100,
	}); err != nil {
		t.Fatal(err)
	}

	if err := o.Start(); err != nil {
		t.Fatal(err)
	}
	m, _ := db.GetMessage("m1")
	if m.Status != string(status.Failed) {
		t.Errorf("status = %q, want FAILED", m.Status)
	}
}

func TestPreviewLabels(t *testing.T) {
	tests := []struct {
		msgType string
		content string
		want    string
	}{
		{store.TypeText, "hello", "hello"},
		{store.TypeImage, "", "📷 Photo"},
		{store.TypeVideo, "", "🎥 Video"},
		{store.TypeAudio, "", "🎤 Voice message"},
		{store.TypeFile, "", "📎 File"},
	}
	for _, tt := range tests {
		if got := previewLabel(tt.msgType, tt.content); got != tt.want {
			t.Errorf("previewLabel(%q) = %q, want %q", tt.msgType, got, tt.want)
		}
	}
}
