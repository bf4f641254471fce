package store

import (
	"database/sql"
	"time"

	"github.com/minisocial/chatsync/internal/chaterr"
)

const messageColumns = `id, correlation_id, conversation_id, sender_id, sender_name, sender_avatar_url,
	type, content, media_urls,
	reply_to_id, reply_to_sender_id, reply_to_sender_name, reply_to_type, reply_to_content,
	reactions, status, revoked, seen_by, delivered_to, timestamp, local_created_at`

// UpsertMessage inserts or updates a message, idempotent on correlation id.
// Remote echoes of a confirmed local message carry the same correlation id
// and therefore update the existing row instead of duplicating it.
func (db *DB) UpsertMessage(m *Message) error {
	return db.execUpsertMessage(db.DB, m)
}

// UpsertMessages writes a feed batch in one transaction.
func (db *DB) UpsertMessages(msgs []*Message) error {
	tx, err := db.Begin()
	if err != nil {
		return chaterr.Wrap(chaterr.Storage, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		if err := db.execUpsertMessage(tx, m); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return chaterr.Wrap(chaterr.Storage, "commit message batch", err)
	}
	return nil
}

func (db *DB) execUpsertMessage(e execer, m *Message) error {
	if m.CorrelationID == "" {
		m.CorrelationID = m.ID
	}
	if m.LocalCreatedAt == 0 {
		m.LocalCreatedAt = time.Now().UnixMilli()
	}
	reply := m.ReplyTo
	if reply == nil {
		reply = &ReplyRef{}
	}
	_, err := e.Exec(`
		INSERT INTO messages (id, correlation_id, conversation_id, sender_id, sender_name, sender_avatar_url,
			type, content, media_urls,
			reply_to_id, reply_to_sender_id, reply_to_sender_name, reply_to_type, reply_to_content,
			reactions, status, revoked, seen_by, delivered_to, timestamp, local_created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO UPDATE SET
			id = excluded.id,
			sender_name = excluded.sender_name,
			sender_avatar_url = excluded.sender_avatar_url,
			content = excluded.content,
			media_urls = excluded.media_urls,
			reactions = excluded.reactions,
			status = excluded.status,
			revoked = excluded.revoked,
			seen_by = excluded.seen_by,
			delivered_to = excluded.delivered_to,
			timestamp = excluded.timestamp`,
		m.ID, m.CorrelationID, m.ConversationID, m.SenderID, m.SenderName, m.SenderAvatarURL,
		m.Type, m.Content, encodeJSON(m.MediaURLs, "[]"),
		reply.MessageID, reply.SenderID, reply.SenderName, reply.Type, reply.Content,
		encodeJSON(m.Reactions, "{}"), m.Status, m.Revoked,
		encodeJSON(m.SeenBy, "[]"), encodeJSON(m.DeliveredTo, "[]"), m.Timestamp, m.LocalCreatedAt)
	return chaterr.Wrap(chaterr.Storage, "upsert message", err)
}

// GetMessage returns a message by its permanent id, or nil if absent.
func (db *DB) GetMessage(id string) (*Message, error) {
	return db.getMessageWhere(`id = ?`, id)
}

// GetMessageByCorrelationID returns a message by its client-generated id,
// or nil if absent. Works across the local-to-remote transition.
func (db *DB) GetMessageByCorrelationID(correlationID string) (*Message, error) {
	return db.getMessageWhere(`correlation_id = ?`, correlationID)
}

func (db *DB) getMessageWhere(where string, arg any) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE `+where, arg)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, chaterr.Wrap(chaterr.Storage, "get message", err)
	}
	return m, nil
}

// ConfirmMessage swaps a provisional identity for the permanent remote id
// in one statement: permanent id, SENT status and the server timestamp land
// together, keyed by the stable correlation id.
func (db *DB) ConfirmMessage(correlationID, permanentID string, timestamp int64) error {
	_, err := db.Exec(`
		UPDATE messages SET id = ?, status = ?, timestamp = ?
		WHERE correlation_id = ?`,
		permanentID, "SENT", timestamp, correlationID)
	return chaterr.Wrap(chaterr.Storage, "confirm message", err)
}

// SetMessageStatus updates the delivery status by correlation id.
func (db *DB) SetMessageStatus(correlationID, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE correlation_id = ?`, status, correlationID)
	return chaterr.Wrap(chaterr.Storage, "set message status", err)
}

// RevokeMessage replaces content with the placeholder and clears media refs.
func (db *DB) RevokeMessage(id, placeholder string) error {
	_, err := db.Exec(`
		UPDATE messages SET revoked = 1, content = ?, media_urls = '[]'
		WHERE id = ?`, placeholder, id)
	return chaterr.Wrap(chaterr.Storage, "revoke message", err)
}

// DeleteMessage evicts a message from the local cache only.
func (db *DB) DeleteMessage(id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return chaterr.Wrap(chaterr.Storage, "delete message", err)
}

// ListMessages returns messages for a conversation, most recent first,
// using keyset pagination by timestamp.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	return db.listMessagesWhere(`conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC LIMIT ?`, conversationID, beforeTs, limit)
}

// ListMediaMessages returns the non-revoked media messages of a conversation.
func (db *DB) ListMediaMessages(conversationID string) ([]*Message, error) {
	return db.listMessagesWhere(`conversation_id = ? AND type != 'TEXT' AND revoked = 0
		ORDER BY timestamp DESC`, conversationID)
}

// PendingMessages returns locally-created messages that have not confirmed,
// oldest first.
func (db *DB) PendingMessages() ([]*Message, error) {
	return db.listMessagesWhere(`status IN ('SENDING', 'FAILED') ORDER BY local_created_at ASC`)
}

func (db *DB) listMessagesWhere(where string, args ...any) ([]*Message, error) {
	rows, err := db.Query(`SELECT `+messageColumns+` FROM messages WHERE `+where, args...)
	if err != nil {
		return nil, chaterr.Wrap(chaterr.Storage, "list messages", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, chaterr.Wrap(chaterr.Storage, "scan message", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, chaterr.Wrap(chaterr.Storage, "list messages", rows.Err())
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var mediaURLs, reactions, seenBy, deliveredTo string
	var reply ReplyRef
	err := row.Scan(&m.ID, &m.CorrelationID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.SenderAvatarURL,
		&m.Type, &m.Content, &mediaURLs,
		&reply.MessageID, &reply.SenderID, &reply.SenderName, &reply.Type, &reply.Content,
		&reactions, &m.Status, &m.Revoked, &seenBy, &deliveredTo, &m.Timestamp, &m.LocalCreatedAt)
	if err != nil {
		return nil, err
	}
	m.MediaURLs = decodeStringList(mediaURLs)
	m.Reactions = decodeReactions(reactions)
	m.SeenBy = decodeStringList(seenBy)
	m.DeliveredTo = decodeStringList(deliveredTo)
	if reply.MessageID != "" {
		m.ReplyTo = &reply
	}
	return &m, nil
}
