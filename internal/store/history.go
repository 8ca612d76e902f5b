package store

import (
	"fmt"
	"strings"
)

// ListHistory returns the messages of one room ascending by creation time
// (insertion order on ties), with keyset pagination: only messages created
// strictly after afterTS are returned. counterpartID denotes either the
// other participant of a direct chat or a group id.
func (db *DB) ListHistory(viewerID, counterpartID string, isGroup bool, afterTS int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		where string
		args  []any
	)
	if isGroup {
		where = `group_id = ?`
		args = []any{counterpartID}
	} else {
		where = `((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))`
		args = []any{viewerID, counterpartID, counterpartID, viewerID}
	}
	args = append(args, afterTS, limit)

	rows, err := db.Query(`
		SELECT id, sender_id, receiver_id, group_id, content, created_at, edited_at, deleted, rowid
		FROM messages
		WHERE `+where+` AND created_at > ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.GroupID, &m.Content, &m.CreatedAt, &m.EditedAt, &m.Deleted, &m.Seq); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := db.hydrate(msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// MessagesForViewer returns every message visible to the viewer: direct
// messages they sent or received, plus all messages of their approved
// groups. Receipts are hydrated (the aggregator needs them); media and
// reactions are not. Ordered ascending by creation time.
func (db *DB) MessagesForViewer(viewerID string, groups []string) ([]Message, error) {
	where := `(sender_id = ? OR receiver_id = ?)`
	args := []any{viewerID, viewerID}
	if len(groups) > 0 {
		where += ` OR group_id IN (` + strings.TrimSuffix(strings.Repeat("?,", len(groups)), ",") + `)`
		for _, g := range groups {
			args = append(args, g)
		}
	}

	rows, err := db.Query(`
		SELECT id, sender_id, receiver_id, group_id, content, created_at, edited_at, deleted, rowid
		FROM messages
		WHERE `+where+`
		ORDER BY created_at ASC, rowid ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("messages for viewer: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.GroupID, &m.Content, &m.CreatedAt, &m.EditedAt, &m.Deleted, &m.Seq); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := db.hydrateReceipts(msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (db *DB) hydrateReceipts(msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]*Message, len(msgs))
	ids := make([]any, 0, len(msgs))
	for i := range msgs {
		byID[msgs[i].ID] = &msgs[i]
		ids = append(ids, msgs[i].ID)
	}
	in := "(" + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")"

	rows, err := db.Query(`
		SELECT message_id, profile_id, read_at
		FROM read_receipts WHERE message_id IN `+in, ids...)
	if err != nil {
		return fmt.Errorf("load receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var r ReadReceipt
		if err := rows.Scan(&r.MessageID, &r.ProfileID, &r.ReadAt); err != nil {
			return err
		}
		if m := byID[r.MessageID]; m != nil {
			m.Receipts = append(m.Receipts, r)
		}
	}
	return rows.Err()
}
