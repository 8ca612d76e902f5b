package store

import (
	"fmt"
	"time"
)

// AddReadReceipt records that readerID has read the message. Idempotent:
// inserting a duplicate pair is a no-op. A sender never gets a receipt for
// their own message.
func (db *DB) AddReadReceipt(messageID, readerID string) error {
	msg, err := db.getRow(messageID)
	if err != nil {
		return err
	}
	if msg.SenderID == readerID {
		return nil
	}
	_, err = db.Exec(`
		INSERT INTO read_receipts (message_id, profile_id, read_at)
		VALUES (?, ?, ?)
		ON CONFLICT (message_id, profile_id) DO NOTHING`,
		messageID, readerID, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

// UnreadMessageIDs snapshots the ids of messages in a room that were
// authored by someone other than viewerID and carry no receipt from
// viewerID yet. A message persisted after this snapshot is legitimately
// still unread.
func (db *DB) UnreadMessageIDs(viewerID, counterpartID string, isGroup bool) ([]string, error) {
	var (
		where string
		args  []any
	)
	if isGroup {
		where = `group_id = ?`
		args = []any{counterpartID}
	} else {
		where = `sender_id = ? AND receiver_id = ?`
		args = []any{counterpartID, viewerID}
	}
	args = append(args, viewerID, viewerID)

	rows, err := db.Query(`
		SELECT id FROM messages m
		WHERE `+where+` AND m.sender_id <> ?
		AND NOT EXISTS (
			SELECT 1 FROM read_receipts r
			WHERE r.message_id = m.id AND r.profile_id = ?
		)
		ORDER BY m.created_at ASC, m.rowid ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("unread ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddReadReceipts bulk-inserts receipts for readerID in one transaction,
// skipping pairs that already exist.
func (db *DB) AddReadReceipts(messageIDs []string, readerID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().UnixMilli()
	for _, id := range messageIDs {
		if _, err := tx.Exec(`
			INSERT INTO read_receipts (message_id, profile_id, read_at)
			VALUES (?, ?, ?)
			ON CONFLICT (message_id, profile_id) DO NOTHING`,
			id, readerID, now); err != nil {
			return fmt.Errorf("insert receipt: %w", err)
		}
	}
	return tx.Commit()
}
