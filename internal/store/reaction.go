package store

import (
	"fmt"
	"time"
)

// AddReaction upserts a reaction by profileID on a message. Reacting again
// replaces the previous reaction type. Returns the updated message.
func (db *DB) AddReaction(messageID, profileID, reactionType string) (*Message, error) {
	if _, err := db.getRow(messageID); err != nil {
		return nil, err
	}
	_, err := db.Exec(`
		INSERT INTO reactions (message_id, profile_id, type, reacted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (message_id, profile_id) DO UPDATE SET
			type = excluded.type,
			reacted_at = excluded.reacted_at`,
		messageID, profileID, reactionType, time.Now().UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert reaction: %w", err)
	}
	return db.GetMessage(messageID)
}
