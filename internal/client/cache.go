package client

import (
	"slices"
	"sort"
	"sync"

	"github.com/relaychat/relay/internal/conversation"
	"github.com/relaychat/relay/internal/hub"
)

// Cache is the local reconciliation state: per-room message lists, the
// conversation list and the presence set, all folded together from the
// initial REST seed and live hub events. Every merge is idempotent, so an
// event that races the seed fetch (or gets rebroadcast) is safe to apply
// twice.
type Cache struct {
	selfID string

	mu            sync.RWMutex
	openRoom      string
	rooms         map[string][]hub.MessageDTO
	conversations []conversation.Conversation
	online        map[string]bool
}

// NewCache creates an empty cache for the given local participant.
func NewCache(selfID string) *Cache {
	return &Cache{
		selfID: selfID,
		rooms:  make(map[string][]hub.MessageDTO),
		online: make(map[string]bool),
	}
}

// SetOpenRoom records which room the UI currently shows. Handlers read the
// latest value at event time, so messages into the open room never count
// as unread. Empty string means no room is open.
func (c *Cache) SetOpenRoom(roomKey string) {
	c.mu.Lock()
	c.openRoom = roomKey
	c.mu.Unlock()
}

// OpenRoom returns the currently open room key, if any.
func (c *Cache) OpenRoom() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.openRoom
}

// SeedConversations replaces the conversation list with a fresh server
// aggregate. Live patches resume on top of it.
func (c *Cache) SeedConversations(rows []conversation.Conversation) {
	c.mu.Lock()
	c.conversations = slices.Clone(rows)
	c.mu.Unlock()
}

// SeedHistory merges a fetched history page into the room's list. Events
// applied before the fetch completed are preserved, not duplicated.
func (c *Cache) SeedHistory(roomKey string, msgs []hub.MessageDTO) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		c.mergeLocked(roomKey, m)
	}
}

// ApplyMessage folds one message event (send, edit, delete or reaction
// update) into the cache: replace-by-id in the room list, else append, then
// patch the conversation row.
func (c *Cache) ApplyMessage(m hub.MessageDTO) {
	roomKey := m.RoomKey(c.selfID)

	c.mu.Lock()
	defer c.mu.Unlock()

	appended := c.mergeLocked(roomKey, m)

	row := c.rowLocked(roomKey)
	if row == nil {
		c.conversations = append(c.conversations, conversation.Conversation{
			RoomKey: roomKey,
			IsGroup: m.IsGroup(),
		})
		row = &c.conversations[len(c.conversations)-1]
	}

	// An edit or delete of an older message must not move the room up the
	// inbox; only the row's anchoring message refreshes the preview.
	if appended || row.LastMessageID == m.ID || row.LastMessageID == "" {
		row.Preview = conversation.PreviewText(m.Content)
		row.LastMessageID = m.ID
		row.LastSenderID = m.SenderID
		row.LastMessageAt = m.CreatedAt
	}

	if appended && m.SenderID != c.selfID && roomKey != c.openRoom {
		row.Unread++
	}
}

// ApplyRead folds a read broadcast in. When the local viewer is the
// reader, the room's unread count drops to zero unconditionally; for any
// reader, cached messages gain the receipt so "seen by" renders without a
// re-fetch.
func (c *Cache) ApplyRead(ev hub.MessagesReadEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	roomKey := ev.RoomKey
	if !ev.IsGroup && ev.ReaderID != c.selfID {
		// The broadcast carries the reader's view of the room; flip it to
		// ours so the direct room resolves to the counterpart.
		roomKey = ev.ReaderID
	}

	msgs := c.rooms[roomKey]
	for i := range msgs {
		if !slices.Contains(ev.MessageIDs, msgs[i].ID) {
			continue
		}
		if !hasReceipt(msgs[i].Receipts, ev.ReaderID) {
			msgs[i].Receipts = append(msgs[i].Receipts, hub.ReceiptDTO{ProfileID: ev.ReaderID})
		}
	}

	if ev.ReaderID == c.selfID {
		if row := c.rowLocked(roomKey); row != nil {
			row.Unread = 0
		}
	}
}

// ApplyPresence updates the live presence set.
func (c *Cache) ApplyPresence(participantID string, isOnline bool) {
	c.mu.Lock()
	if isOnline {
		c.online[participantID] = true
	} else {
		delete(c.online, participantID)
	}
	c.mu.Unlock()
}

// SetOnline replaces the presence set with a server snapshot.
func (c *Cache) SetOnline(participants []string) {
	c.mu.Lock()
	c.online = make(map[string]bool, len(participants))
	for _, id := range participants {
		c.online[id] = true
	}
	c.mu.Unlock()
}

// IsOnline reports whether a participant currently has a live connection.
func (c *Cache) IsOnline(participantID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online[participantID]
}

// Messages returns a copy of the room's message list in merge order.
func (c *Cache) Messages(roomKey string) []hub.MessageDTO {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.rooms[roomKey])
}

// Conversations returns the inbox rows sorted descending by last message
// time, ties keeping insertion order.
func (c *Cache) Conversations() []conversation.Conversation {
	c.mu.RLock()
	out := slices.Clone(c.conversations)
	c.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageAt > out[j].LastMessageAt
	})
	return out
}

// mergeLocked applies the replace-else-append rule and reports whether the
// message was new to the list.
func (c *Cache) mergeLocked(roomKey string, m hub.MessageDTO) bool {
	msgs := c.rooms[roomKey]
	for i := range msgs {
		if msgs[i].ID == m.ID {
			msgs[i] = m
			return false
		}
	}
	c.rooms[roomKey] = append(msgs, m)
	return true
}

func (c *Cache) rowLocked(roomKey string) *conversation.Conversation {
	for i := range c.conversations {
		if c.conversations[i].RoomKey == roomKey {
			return &c.conversations[i]
		}
	}
	return nil
}

func hasReceipt(receipts []hub.ReceiptDTO, profileID string) bool {
	for _, r := range receipts {
		if r.ProfileID == profileID {
			return true
		}
	}
	return false
}
