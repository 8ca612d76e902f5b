package hub

import (
	"encoding/json"

	"github.com/relaychat/relay/internal/store"
)

// Client → server operations.
const (
	OpSendMessage    = "send_message"
	OpEditMessage    = "edit_message"
	OpDeleteMessage  = "delete_message"
	OpReactMessage   = "react_message"
	OpMarkChatRead   = "mark_chat_read"
	OpJoinChat       = "join_chat"
	OpGetOnlineUsers = "get_online_users"
)

// Server → client events.
const (
	EvtMessageReceived = "message_received"
	EvtMessageEdited   = "message_edited"
	EvtMessageDeleted  = "message_deleted"
	EvtMessagesRead    = "messages_marked_read"
	EvtUserOnline      = "user_online"
	EvtUserOffline     = "user_offline"
	EvtOnlineUsers     = "online_users"
	EvtAck             = "ack"
	EvtError           = "error"
)

// Envelope is the client → server wire frame.
type Envelope struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EventEnvelope is the server → client wire frame.
type EventEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MessageDTO is the projected message shape shared by hub events, the REST
// surface and the client cache.
type MessageDTO struct {
	ID         string        `json:"id"`
	SenderID   string        `json:"sender_id"`
	ReceiverID *string       `json:"receiver_id,omitempty"`
	GroupID    *string       `json:"group_id,omitempty"`
	Content    string        `json:"content"`
	CreatedAt  int64         `json:"created_at"`
	EditedAt   *int64        `json:"edited_at,omitempty"`
	Deleted    bool          `json:"deleted"`
	Media      []MediaDTO    `json:"media,omitempty"`
	Reactions  []ReactionDTO `json:"reactions,omitempty"`
	Receipts   []ReceiptDTO  `json:"receipts,omitempty"`
}

type MediaDTO struct {
	FilePath string `json:"file_path"`
	FileName string `json:"file_name"`
	Kind     string `json:"kind"`
	Ordinal  int    `json:"ordinal"`
}

type ReactionDTO struct {
	ProfileID string `json:"profile_id"`
	Type      string `json:"type"`
	ReactedAt int64  `json:"reacted_at"`
}

type ReceiptDTO struct {
	ProfileID string `json:"profile_id"`
	ReadAt    int64  `json:"read_at"`
}

// IsGroup reports whether the message belongs to a group room.
func (m *MessageDTO) IsGroup() bool { return m.GroupID != nil }

// RoomKey returns the conversation key from the viewer's perspective.
func (m *MessageDTO) RoomKey(viewerID string) string {
	if m.GroupID != nil {
		return *m.GroupID
	}
	if m.SenderID == viewerID && m.ReceiverID != nil {
		return *m.ReceiverID
	}
	return m.SenderID
}

// ToDTO converts a stored message into its read-boundary wire shape.
func ToDTO(m store.Message) MessageDTO {
	p := m.Projected()
	out := MessageDTO{
		ID:         p.ID,
		SenderID:   p.SenderID,
		ReceiverID: p.ReceiverID,
		GroupID:    p.GroupID,
		Content:    p.Content,
		CreatedAt:  p.CreatedAt,
		EditedAt:   p.EditedAt,
		Deleted:    p.Deleted,
	}
	for _, md := range p.Media {
		out.Media = append(out.Media, MediaDTO{
			FilePath: md.FilePath,
			FileName: md.FileName,
			Kind:     md.Kind,
			Ordinal:  md.Ordinal,
		})
	}
	for _, r := range p.Reactions {
		out.Reactions = append(out.Reactions, ReactionDTO{ProfileID: r.ProfileID, Type: r.Type, ReactedAt: r.ReactedAt})
	}
	for _, r := range p.Receipts {
		out.Receipts = append(out.Receipts, ReceiptDTO{ProfileID: r.ProfileID, ReadAt: r.ReadAt})
	}
	return out
}

// Operation payloads.

type SendMessagePayload struct {
	Content     string          `json:"content"`
	ReceiverID  *string         `json:"receiver_id,omitempty"`
	GroupID     *string         `json:"group_id,omitempty"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
}

// AttachmentRef references media already stored via the upload endpoint.
type AttachmentRef struct {
	FilePath string `json:"file_path"`
	FileName string `json:"file_name"`
	Kind     string `json:"kind"`
}

type EditMessagePayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type DeleteMessagePayload struct {
	MessageID string `json:"message_id"`
}

type ReactMessagePayload struct {
	MessageID string `json:"message_id"`
	Type      string `json:"type"`
}

type MarkChatReadPayload struct {
	RoomKey string `json:"room_key"`
	IsGroup bool   `json:"is_group"`
}

type JoinChatPayload struct {
	RoomKey string `json:"room_key"`
	IsGroup bool   `json:"is_group"`
}

// Event payloads.

type MessagesReadEvent struct {
	ReaderID   string   `json:"reader_id"`
	MessageIDs []string `json:"message_ids"`
	RoomKey    string   `json:"room_key"`
	IsGroup    bool     `json:"is_group"`
}

type PresenceEvent struct {
	ParticipantID string `json:"participant_id"`
}

type OnlineUsersEvent struct {
	Participants []string `json:"participants"`
}

type AckEvent struct {
	Op      string `json:"op"`
	Message string `json:"message"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(EventEnvelope{Event: event, Data: raw})
}
