package store

// Conversation kinds.
const (
	KindDirect = "DIRECT"
	KindGroup  = "GROUP"
)

// Message types.
const (
	TypeText  = "TEXT"
	TypeImage = "IMAGE"
	TypeVideo = "VIDEO"
	TypeAudio = "AUDIO"
	TypeFile  = "FILE"
)

// Conversation represents a cached conversation. Remote-owned fields,
// including PinnedMessageIDs, are overwritten on every reconciliation;
// UnreadCount, Pinned and Muted are owned by this device and survive
// remote refreshes.
type Conversation struct {
	ID               string
	Kind             string
	Name             string
	AvatarURL        string
	ParticipantIDs   []string
	LastMessage      *LastMessage
	UnreadCount      int
	Pinned           bool
	Muted            bool
	PinnedMessageIDs []string
	CreatedAt        int64
	UpdatedAt        int64
}

// LastMessage is the denormalized preview of a conversation's newest message.
type LastMessage struct {
	Text       string
	Type       string
	SenderID   string
	SenderName string
	Timestamp  int64
}

// LocalFields are the locally-owned columns of a conversation, read in one
// pass during reconciliation. Known reports whether the row existed at all,
// which drives the Added-vs-Modified unread decision.
type LocalFields struct {
	Known            bool
	UnreadCount      int
	Pinned           bool
	Muted            bool
	PinnedMessageIDs []string
	LastMessageAt    int64
}

// Message represents a cached message. ID is the permanent remote id; until
// the remote write confirms it equals CorrelationID. CorrelationID is the
// client-generated identity that survives the local-to-remote transition.
type Message struct {
	ID              string
	CorrelationID   string
	ConversationID  string
	SenderID        string
	SenderName      string
	SenderAvatarURL string
	Type            string
	Content         string
	MediaURLs       []string
	ReplyTo         *ReplyRef
	Reactions       map[string][]string
	Status          string
	Revoked         bool
	SeenBy          []string
	DeliveredTo     []string
	Timestamp       int64
	LocalCreatedAt  int64
}

// ReplyRef is the cached snippet of a replied-to message, denormalized so a
// reply preview renders without a second fetch.
type ReplyRef struct {
	MessageID  string
	SenderID   string
	SenderName string
	Type       string
	Content    string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
