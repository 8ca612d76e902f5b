// Package conversation derives the per-viewer inbox from raw messages.
package conversation

import (
	"sort"

	"github.com/relaychat/relay/internal/store"
)

// Conversation is one derived inbox row. It is never persisted; the client
// cache patches it incrementally from live events after the initial fetch.
type Conversation struct {
	RoomKey       string `json:"room_key"`
	IsGroup       bool   `json:"is_group"`
	DisplayName   string `json:"display_name,omitempty"`
	AvatarURL     string `json:"avatar_url,omitempty"`
	Preview       string `json:"preview"`
	LastMessageID string `json:"last_message_id"`
	LastSenderID  string `json:"last_sender_id"`
	LastMessageAt int64  `json:"last_message_at"`
	Unread        int    `json:"unread"`
}

const previewLimit = 100

// Aggregate partitions the viewer's messages by room key, picks the latest
// message of each room as the preview and counts unread messages (authored
// by others, no receipt from the viewer). Rows are sorted descending by
// preview time; ties keep insertion order.
//
// msgs must be ordered ascending by creation time with insertion order as
// the tie-break, which is what the store's viewer feed returns. That makes
// "last message wins" equivalent to "maximum createdDate, tie-break by id".
func Aggregate(viewerID string, msgs []store.Message) []Conversation {
	byRoom := make(map[string]*Conversation)
	order := make([]string, 0)

	for i := range msgs {
		m := &msgs[i]
		key := m.RoomKey(viewerID)

		row, ok := byRoom[key]
		if !ok {
			row = &Conversation{RoomKey: key, IsGroup: m.IsGroup()}
			byRoom[key] = row
			order = append(order, key)
		}

		row.Preview = previewFor(m)
		row.LastMessageID = m.ID
		row.LastSenderID = m.SenderID
		row.LastMessageAt = m.CreatedAt

		if m.SenderID != viewerID && !m.ReadBy(viewerID) {
			row.Unread++
		}
	}

	out := make([]Conversation, 0, len(order))
	for _, key := range order {
		out = append(out, *byRoom[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageAt > out[j].LastMessageAt
	})
	return out
}

// previewFor renders the inbox preview: deleted messages still anchor the
// row but show the placeholder.
func previewFor(m *store.Message) string {
	if m.Deleted {
		return store.DeletedPlaceholder
	}
	return PreviewText(m.Content)
}

// PreviewText truncates content to the inbox preview length.
func PreviewText(content string) string {
	if len(content) > previewLimit {
		return content[:previewLimit]
	}
	return content
}
