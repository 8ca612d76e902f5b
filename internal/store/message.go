package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relaychat/relay/internal/apperr"
)

// CreateMessage persists a new message and its attachments in one
// transaction. Exactly one of receiverID and groupID must be set.
func (db *DB) CreateMessage(senderID, content string, receiverID, groupID *string, attachments []Attachment) (*Message, error) {
	if (receiverID == nil) == (groupID == nil) {
		return nil, apperr.Validation("exactly one of receiver and group must be set")
	}

	msg := &Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		GroupID:    groupID,
		Content:    content,
		CreatedAt:  time.Now().UTC().UnixMilli(),
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		INSERT INTO messages (id, sender_id, receiver_id, group_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SenderID, msg.ReceiverID, msg.GroupID, msg.Content, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	msg.Seq, _ = res.LastInsertId()

	for i, a := range attachments {
		media := Media{
			ID:        uuid.NewString(),
			MessageID: msg.ID,
			FilePath:  a.FilePath,
			FileName:  a.FileName,
			Kind:      a.Kind,
			Ordinal:   i,
		}
		if _, err := tx.Exec(`
			INSERT INTO message_media (id, message_id, file_path, file_name, kind, ordinal)
			VALUES (?, ?, ?, ?, ?, ?)`,
			media.ID, media.MessageID, media.FilePath, media.FileName, media.Kind, media.Ordinal); err != nil {
			return nil, fmt.Errorf("insert media: %w", err)
		}
		msg.Media = append(msg.Media, media)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}

// GetMessage returns a single message with media, reactions and receipts.
func (db *DB) GetMessage(id string) (*Message, error) {
	msg, err := db.getRow(id)
	if err != nil {
		return nil, err
	}
	msgs := []Message{*msg}
	if err := db.hydrate(msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// EditMessage replaces the content of a message. Only the sender may edit,
// and a soft-deleted message cannot be edited. Editing to identical content
// is a no-op: the unchanged message is returned with changed=false and
// EditedAt untouched.
func (db *DB) EditMessage(id, editorID, newContent string) (*Message, bool, error) {
	msg, err := db.GetMessage(id)
	if err != nil {
		return nil, false, err
	}
	if msg.SenderID != editorID {
		return nil, false, apperr.Forbidden("only the sender can edit a message")
	}
	if msg.Deleted {
		return nil, false, apperr.Conflict("cannot edit a deleted message")
	}
	if msg.Content == newContent {
		return msg, false, nil
	}

	editedAt := time.Now().UTC().UnixMilli()
	if _, err := db.Exec(`UPDATE messages SET content = ?, edited_at = ? WHERE id = ?`,
		newContent, editedAt, id); err != nil {
		return nil, false, fmt.Errorf("update message: %w", err)
	}
	msg.Content = newContent
	msg.EditedAt = &editedAt
	return msg, true, nil
}

// SoftDeleteMessage marks a message deleted. Only the sender may delete.
// Attachments and reactions stay in storage for the audit trail; deleting
// an already-deleted message is a no-op.
func (db *DB) SoftDeleteMessage(id, requesterID string) (*Message, error) {
	msg, err := db.GetMessage(id)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != requesterID {
		return nil, apperr.Forbidden("only the sender can delete a message")
	}
	if msg.Deleted {
		return msg, nil
	}

	if _, err := db.Exec(`UPDATE messages SET deleted = 1 WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete message: %w", err)
	}
	msg.Deleted = true
	return msg, nil
}

func (db *DB) getRow(id string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, sender_id, receiver_id, group_id, content, created_at, edited_at, deleted, rowid
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.GroupID, &m.Content, &m.CreatedAt, &m.EditedAt, &m.Deleted, &m.Seq)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("message not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &m, nil
}

// hydrate loads media, reactions and receipts for a batch of messages.
func (db *DB) hydrate(msgs []Message) error {
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
		SELECT id, message_id, file_path, file_name, kind, ordinal
		FROM message_media WHERE message_id IN `+in+` ORDER BY message_id, ordinal`, ids...)
	if err != nil {
		return fmt.Errorf("load media: %w", err)
	}
	for rows.Next() {
		var md Media
		if err := rows.Scan(&md.ID, &md.MessageID, &md.FilePath, &md.FileName, &md.Kind, &md.Ordinal); err != nil {
			_ = rows.Close()
			return err
		}
		if m := byID[md.MessageID]; m != nil {
			m.Media = append(m.Media, md)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()

	rows, err = db.Query(`
		SELECT message_id, profile_id, type, reacted_at
		FROM reactions WHERE message_id IN `+in+` ORDER BY reacted_at`, ids...)
	if err != nil {
		return fmt.Errorf("load reactions: %w", err)
	}
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.MessageID, &r.ProfileID, &r.Type, &r.ReactedAt); err != nil {
			_ = rows.Close()
			return err
		}
		if m := byID[r.MessageID]; m != nil {
			m.Reactions = append(m.Reactions, r)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()

	rows, err = db.Query(`
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
