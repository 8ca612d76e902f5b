package store

// DeletedPlaceholder replaces the content of soft-deleted messages at the
// read boundary. Storage keeps the original row untouched.
const DeletedPlaceholder = "This message was deleted"

// Message is a stored chat message. Exactly one of ReceiverID and GroupID
// is set: ReceiverID for direct messages, GroupID for group messages.
type Message struct {
	ID         string
	SenderID   string
	ReceiverID *string
	GroupID    *string
	Content    string
	CreatedAt  int64 // unix ms
	EditedAt   *int64
	Deleted    bool
	Seq        int64 // insertion order, used as a stable tie-break

	Media     []Media
	Reactions []Reaction
	Receipts  []ReadReceipt
}

// Media is an attachment persisted at send time; immutable afterward.
type Media struct {
	ID        string
	MessageID string
	FilePath  string
	FileName  string
	Kind      string
	Ordinal   int
}

// Reaction is a per-profile reaction on a message. A profile reacting twice
// replaces its previous reaction type.
type Reaction struct {
	MessageID string
	ProfileID string
	Type      string
	ReactedAt int64
}

// ReadReceipt records that a profile has read a message. At most one per
// (message, profile) pair.
type ReadReceipt struct {
	MessageID string
	ProfileID string
	ReadAt    int64
}

// Attachment is the input shape for media at message creation.
type Attachment struct {
	FilePath string
	FileName string
	Kind     string
}

// IsGroup reports whether the message belongs to a group room.
func (m *Message) IsGroup() bool { return m.GroupID != nil }

// RoomKey returns the conversation key from the viewer's perspective:
// the group id for group messages, otherwise the other participant's id.
func (m *Message) RoomKey(viewerID string) string {
	if m.GroupID != nil {
		return *m.GroupID
	}
	if m.SenderID == viewerID && m.ReceiverID != nil {
		return *m.ReceiverID
	}
	return m.SenderID
}

// ReadBy reports whether the given profile has a receipt on the message.
func (m *Message) ReadBy(profileID string) bool {
	for _, r := range m.Receipts {
		if r.ProfileID == profileID {
			return true
		}
	}
	return false
}

// Projected returns the read-boundary view of the message: soft-deleted
// messages render the placeholder and omit attachments, but keep their row.
func (m *Message) Projected() Message {
	out := *m
	if out.Deleted {
		out.Content = DeletedPlaceholder
		out.Media = nil
	}
	return out
}
