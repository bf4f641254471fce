package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/minisocial/chatsync/internal/chaterr"
)

const conversationColumns = `id, kind, name, avatar_url, participant_ids,
	last_message_text, last_message_type, last_message_sender_id, last_message_sender_name, last_message_at,
	unread_count, pinned, muted, pinned_message_ids, created_at, updated_at`

// UpsertConversation inserts or updates a conversation record, all fields.
// Reconciliation merges locally-owned fields before calling this, so the
// row is written exactly as given.
func (db *DB) UpsertConversation(c *Conversation) error {
	return db.execUpsertConversation(db.DB, c)
}

// UpsertConversations writes a reconciled batch in one transaction, so the
// UI never observes a half-applied snapshot batch.
func (db *DB) UpsertConversations(convs []*Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return chaterr.Wrap(chaterr.Storage, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range convs {
		if err := db.execUpsertConversation(tx, c); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return chaterr.Wrap(chaterr.Storage, "commit conversation batch", err)
	}
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// execUpsertConversation inserts or refreshes a conversation row. On
// conflict the unread counter is left alone: only the atomic
// IncrementUnread/SetUnread/ResetUnread statements ever move it, so a
// concurrent reset cannot be overwritten with a stale value.
func (db *DB) execUpsertConversation(e execer, c *Conversation) error {
	lm := c.LastMessage
	if lm == nil {
		lm = &LastMessage{}
	}
	_, err := e.Exec(`
		INSERT INTO conversations (id, kind, name, avatar_url, participant_ids,
			last_message_text, last_message_type, last_message_sender_id, last_message_sender_name, last_message_at,
			unread_count, pinned, muted, pinned_message_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			avatar_url = excluded.avatar_url,
			participant_ids = excluded.participant_ids,
			last_message_text = excluded.last_message_text,
			last_message_type = excluded.last_message_type,
			last_message_sender_id = excluded.last_message_sender_id,
			last_message_sender_name = excluded.last_message_sender_name,
			last_message_at = excluded.last_message_at,
			pinned = excluded.pinned,
			muted = excluded.muted,
			pinned_message_ids = excluded.pinned_message_ids,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		c.ID, c.Kind, c.Name, c.AvatarURL, encodeJSON(c.ParticipantIDs, "[]"),
		lm.Text, lm.Type, lm.SenderID, lm.SenderName, lm.Timestamp,
		c.UnreadCount, c.Pinned, c.Muted, encodeJSON(c.PinnedMessageIDs, "[]"), c.CreatedAt, c.UpdatedAt)
	return chaterr.Wrap(chaterr.Storage, "upsert conversation", err)
}

// GetConversation returns a single conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	row := db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, chaterr.Wrap(chaterr.Storage, "get conversation", err)
	}
	return c, nil
}

// ListConversations returns all cached conversations, pinned first, then by
// last update descending. This is the synchronous read used both for the UI
// and for the degraded fallback when the remote feed errors.
func (db *DB) ListConversations() ([]*Conversation, error) {
	rows, err := db.Query(`SELECT ` + conversationColumns + ` FROM conversations ORDER BY pinned DESC, updated_at DESC`)
	if err != nil {
		return nil, chaterr.Wrap(chaterr.Storage, "list conversations", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, chaterr.Wrap(chaterr.Storage, "scan conversation", err)
		}
		convs = append(convs, c)
	}
	return convs, chaterr.Wrap(chaterr.Storage, "list conversations", rows.Err())
}

// LocalOwnedFields reads the locally-owned columns for every id in one pass.
// Missing ids report Known=false, which the unread rules treat as "first seen".
func (db *DB) LocalOwnedFields(ids []string) (map[string]LocalFields, error) {
	out := make(map[string]LocalFields, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := db.Query(fmt.Sprintf(`
		SELECT id, unread_count, pinned, muted, pinned_message_ids, last_message_at
		FROM conversations WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, chaterr.Wrap(chaterr.Storage, "read local fields", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id, pinnedIDs string
		var lf LocalFields
		if err := rows.Scan(&id, &lf.UnreadCount, &lf.Pinned, &lf.Muted, &pinnedIDs, &lf.LastMessageAt); err != nil {
			return nil, chaterr.Wrap(chaterr.Storage, "scan local fields", err)
		}
		lf.Known = true
		lf.PinnedMessageIDs = decodeStringList(pinnedIDs)
		out[id] = lf
	}
	return out, chaterr.Wrap(chaterr.Storage, "read local fields", rows.Err())
}

// DeleteConversation removes the local cache row only; the remote record is
// never hard-deleted.
func (db *DB) DeleteConversation(id string) error {
	_, err := db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	return chaterr.Wrap(chaterr.Storage, "delete conversation", err)
}

// SetPinned updates the locally-owned pinned flag.
func (db *DB) SetPinned(id string, pinned bool) error {
	_, err := db.Exec(`UPDATE conversations SET pinned = ? WHERE id = ?`, pinned, id)
	return chaterr.Wrap(chaterr.Storage, "set pinned", err)
}

// SetMuted updates the locally-owned muted flag.
func (db *DB) SetMuted(id string, muted bool) error {
	_, err := db.Exec(`UPDATE conversations SET muted = ? WHERE id = ?`, muted, id)
	return chaterr.Wrap(chaterr.Storage, "set muted", err)
}

// SetPinnedMessageIDs replaces the conversation's pinned message list.
func (db *DB) SetPinnedMessageIDs(id string, messageIDs []string) error {
	_, err := db.Exec(`UPDATE conversations SET pinned_message_ids = ? WHERE id = ?`,
		encodeJSON(messageIDs, "[]"), id)
	return chaterr.Wrap(chaterr.Storage, "set pinned messages", err)
}

// IncrementUnread bumps the unread counter by one inside the database, so
// concurrent increments never lose updates.
func (db *DB) IncrementUnread(id string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = unread_count + 1 WHERE id = ?`, id)
	return chaterr.Wrap(chaterr.Storage, "increment unread", err)
}

// SetUnread overwrites the unread counter. Negative values clamp to zero.
func (db *DB) SetUnread(id string, count int) error {
	if count < 0 {
		count = 0
	}
	_, err := db.Exec(`UPDATE conversations SET unread_count = ? WHERE id = ?`, count, id)
	return chaterr.Wrap(chaterr.Storage, "set unread", err)
}

// ResetUnread sets the unread counter to zero.
func (db *DB) ResetUnread(id string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0 WHERE id = ?`, id)
	return chaterr.Wrap(chaterr.Storage, "reset unread", err)
}

// TotalUnread sums unread counters across non-muted conversations.
func (db *DB) TotalUnread() (int, error) {
	var total sql.NullInt64
	err := db.QueryRow(`SELECT SUM(unread_count) FROM conversations WHERE muted = 0`).Scan(&total)
	if err != nil {
		return 0, chaterr.Wrap(chaterr.Storage, "total unread", err)
	}
	return int(total.Int64), nil
}

// UpdateSummary writes a conversation's last-message preview and update
// timestamp. Used by the send pipeline so the summary lands in the same
// logical operation as the message write.
func (db *DB) UpdateSummary(id string, lm *LastMessage, updatedAt int64) error {
	_, err := db.Exec(`
		UPDATE conversations SET
			last_message_text = ?,
			last_message_type = ?,
			last_message_sender_id = ?,
			last_message_sender_name = ?,
			last_message_at = ?,
			updated_at = ?
		WHERE id = ?`,
		lm.Text, lm.Type, lm.SenderID, lm.SenderName, lm.Timestamp, updatedAt, id)
	return chaterr.Wrap(chaterr.Storage, "update summary", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var participants, pinnedIDs string
	var lm LastMessage
	err := row.Scan(&c.ID, &c.Kind, &c.Name, &c.AvatarURL, &participants,
		&lm.Text, &lm.Type, &lm.SenderID, &lm.SenderName, &lm.Timestamp,
		&c.UnreadCount, &c.Pinned, &c.Muted, &pinnedIDs, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.ParticipantIDs = decodeStringList(participants)
	c.PinnedMessageIDs = decodeStringList(pinnedIDs)
	if lm.Timestamp != 0 || lm.Text != "" || lm.SenderID != "" {
		c.LastMessage = &lm
	}
	return &c, nil
}
