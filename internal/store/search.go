package store

import "github.com/minisocial/chatsync/internal/chaterr"

// SearchMessages performs a full-text search on message content, optionally
// scoped to one conversation. Revoked messages never match because revoking
// rewrites the content to the placeholder text.
func (db *DB) SearchMessages(query string, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT ` + prefixed("m", messageColumns) + `,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.rowid = f.rowid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if conversationID != "" {
		q += " AND m.conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, chaterr.Wrap(chaterr.Storage, "search messages", err)
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var mediaURLs, reactions, seenBy, deliveredTo string
		var reply ReplyRef
		m := &r.Message
		if err := rows.Scan(
			&m.ID, &m.CorrelationID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.SenderAvatarURL,
			&m.Type, &m.Content, &mediaURLs,
			&reply.MessageID, &reply.SenderID, &reply.SenderName, &reply.Type, &reply.Content,
			&reactions, &m.Status, &m.Revoked, &seenBy, &deliveredTo, &m.Timestamp, &m.LocalCreatedAt,
			&r.Snippet,
		); err != nil {
			return nil, chaterr.Wrap(chaterr.Storage, "scan search result", err)
		}
		m.MediaURLs = decodeStringList(mediaURLs)
		m.Reactions = decodeReactions(reactions)
		m.SeenBy = decodeStringList(seenBy)
		m.DeliveredTo = decodeStringList(deliveredTo)
		if reply.MessageID != "" {
			m.ReplyTo = &reply
		}
		results = append(results, r)
	}
	return results, chaterr.Wrap(chaterr.Storage, "search messages", rows.Err())
}
