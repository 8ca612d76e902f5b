package conversation

import (
	"strings"
	"testing"

	"github.com/relaychat/relay/internal/store"
)

func ptr(s string) *string { return &s }

func direct(id, sender, receiver, content string, at int64) store.Message {
	return store.Message{ID: id, SenderID: sender, ReceiverID: ptr(receiver), Content: content, CreatedAt: at}
}

func group(id, sender, groupID, content string, at int64) store.Message {
	return store.Message{ID: id, SenderID: sender, GroupID: ptr(groupID), Content: content, CreatedAt: at}
}

func TestAggregatePartitionsByRoomKey(t *testing.T) {
	msgs := []store.Message{
		direct("m1", "bob", "alice", "hi alice", 100),
		direct("m2", "alice", "bob", "hi bob", 200),
		group("m3", "carol", "g1", "group hello", 300),
	}

	rows := Aggregate("alice", msgs)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	// Sorted descending by preview time: group first.
	if rows[0].RoomKey != "g1" || !rows[0].IsGroup {
		t.Errorf("rows[0] = %+v, want group g1", rows[0])
	}
	if rows[1].RoomKey != "bob" || rows[1].IsGroup {
		t.Errorf("rows[1] = %+v, want direct bob", rows[1])
	}
	// Direct room key is the counterpart regardless of direction.
	if rows[1].Preview != "hi bob" || rows[1].LastMessageID != "m2" {
		t.Errorf("preview = %+v, want latest message m2", rows[1])
	}
}

func TestAggregateUnreadCount(t *testing.T) {
	withReceipt := direct("m2", "bob", "alice", "second", 200)
	withReceipt.Receipts = []store.ReadReceipt{{MessageID: "m2", ProfileID: "alice", ReadAt: 250}}

	msgs := []store.Message{
		direct("m1", "bob", "alice", "first", 100),
		withReceipt,
		direct("m3", "alice", "bob", "own message", 300),
		direct("m4", "bob", "alice", "fourth", 400),
	}

	rows := Aggregate("alice", msgs)
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	// m1 and m4 are unread; m2 has a receipt, m3 is self-authored.
	if rows[0].Unread != 2 {
		t.Errorf("unread = %d, want 2", rows[0].Unread)
	}
}

func TestAggregateDeletedMessageAnchorsRow(t *testing.T) {
	del := direct("m1", "bob", "alice", "you never saw this", 100)
	del.Deleted = true

	rows := Aggregate("alice", []store.Message{del})
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].Preview != store.DeletedPlaceholder {
		t.Errorf("preview = %q, want placeholder", rows[0].Preview)
	}
}

func TestAggregateTieBreakIsInsertionOrder(t *testing.T) {
	// Two rooms whose previews share a timestamp: row order must follow
	// the order their latest messages were inserted, not map iteration.
	msgs := []store.Message{
		direct("m1", "bob", "alice", "from bob", 100),
		direct("m2", "carol", "alice", "from carol", 100),
	}

	rows := Aggregate("alice", msgs)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].RoomKey != "bob" || rows[1].RoomKey != "carol" {
		t.Errorf("order = %s, %s; want bob, carol", rows[0].RoomKey, rows[1].RoomKey)
	}
}

func TestAggregateTruncatesPreview(t *testing.T) {
	long := strings.Repeat("x", 300)
	rows := Aggregate("alice", []store.Message{direct("m1", "bob", "alice", long, 100)})
	if len(rows[0].Preview) != 100 {
		t.Errorf("preview length = %d, want 100", len(rows[0].Preview))
	}
}
