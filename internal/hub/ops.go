package hub

import (
	"context"
	"encoding/json"

	"github.com/relaychat/relay/internal/apperr"
	"github.com/relaychat/relay/internal/bus"
	"github.com/relaychat/relay/internal/store"
)

// dispatch routes one inbound frame. Every failure path ends at the
// calling session; nothing here broadcasts an error.
func (h *Hub) dispatch(s *Session, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.sendError(s, apperr.Validation("malformed envelope"))
		return
	}

	switch env.Op {
	case OpSendMessage:
		h.handleSend(s, env.Data)
	case OpEditMessage:
		h.handleEdit(s, env.Data)
	case OpDeleteMessage:
		h.handleDelete(s, env.Data)
	case OpReactMessage:
		h.handleReact(s, env.Data)
	case OpMarkChatRead:
		h.handleMarkRead(s, env.Data)
	case OpJoinChat:
		h.handleJoin(s, env.Data)
	case OpGetOnlineUsers:
		h.sendTo(s, EvtOnlineUsers, OnlineUsersEvent{Participants: h.OnlineUsers()})
	default:
		h.sendError(s, apperr.Validation("unknown op: "+env.Op))
	}
}

// handleSend persists the message and fans it out. The room lock keeps
// concurrent sends into the same room from interleaving their
// persist-then-broadcast steps; a failed persist aborts the broadcast
// entirely.
func (h *Hub) handleSend(s *Session, data json.RawMessage) {
	var p SendMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.sendError(s, apperr.Validation("malformed send_message payload"))
		return
	}
	if p.Content == "" && len(p.Attachments) == 0 {
		h.sendError(s, apperr.Validation("message needs content or attachments"))
		return
	}

	var key string
	switch {
	case p.GroupID != nil:
		if err := h.requireMember(context.Background(), *p.GroupID, s.participantID); err != nil {
			h.sendError(s, err)
			return
		}
		key = canonicalRoomKey(s.participantID, *p.GroupID, true)
	case p.ReceiverID != nil:
		key = canonicalRoomKey(s.participantID, *p.ReceiverID, false)
	default:
		h.sendError(s, apperr.Validation("exactly one of receiver and group must be set"))
		return
	}

	lock := h.roomLock(key)
	lock.Lock()
	defer lock.Unlock()

	attachments := make([]store.Attachment, 0, len(p.Attachments))
	for _, a := range p.Attachments {
		attachments = append(attachments, store.Attachment{FilePath: a.FilePath, FileName: a.FileName, Kind: a.Kind})
	}

	msg, err := h.db.CreateMessage(s.participantID, p.Content, p.ReceiverID, p.GroupID, attachments)
	if err != nil {
		h.sendError(s, err)
		return
	}

	// Membership snapshot is taken after the persist; a member removed
	// by now no longer receives the message.
	members, err := h.roomMembers(context.Background(), msg)
	if err != nil {
		h.sendError(s, err)
		return
	}

	dto := ToDTO(*msg)
	h.broadcastRoom(members, key, EvtMessageReceived, dto)
	h.publish(bus.KindMessageSent, dto)
}

func (h *Hub) handleEdit(s *Session, data json.RawMessage) {
	var p EditMessagePayload
	if err := json.Unmarshal(data, &p); err != nil || p.MessageID == "" {
		h.sendError(s, apperr.Validation("malformed edit_message payload"))
		return
	}

	msg, changed, err := h.db.EditMessage(p.MessageID, s.participantID, p.Content)
	if err != nil {
		h.sendError(s, err)
		return
	}
	if !changed {
		h.sendTo(s, EvtAck, AckEvent{Op: OpEditMessage, Message: "No changes made"})
		return
	}

	h.broadcastMessageUpdate(s, msg, EvtMessageEdited, bus.KindMessageEdited)
}

func (h *Hub) handleDelete(s *Session, data json.RawMessage) {
	var p DeleteMessagePayload
	if err := json.Unmarshal(data, &p); err != nil || p.MessageID == "" {
		h.sendError(s, apperr.Validation("malformed delete_message payload"))
		return
	}

	msg, err := h.db.SoftDeleteMessage(p.MessageID, s.participantID)
	if err != nil {
		h.sendError(s, err)
		return
	}

	h.broadcastMessageUpdate(s, msg, EvtMessageDeleted, bus.KindMessageDeleted)
}

// handleReact persists the reaction and rebroadcasts the updated message
// snapshot; clients apply it through the same merge-by-id path as edits.
func (h *Hub) handleReact(s *Session, data json.RawMessage) {
	var p ReactMessagePayload
	if err := json.Unmarshal(data, &p); err != nil || p.MessageID == "" || p.Type == "" {
		h.sendError(s, apperr.Validation("malformed react_message payload"))
		return
	}

	msg, err := h.db.AddReaction(p.MessageID, s.participantID, p.Type)
	if err != nil {
		h.sendError(s, err)
		return
	}

	h.broadcastMessageUpdate(s, msg, EvtMessageEdited, bus.KindMessageReacted)
}

// handleMarkRead snapshots the currently-unread messages of a room, bulk
// inserts receipts and tells the room. A message persisted concurrently
// with the snapshot is legitimately still unread and stays unmarked.
func (h *Hub) handleMarkRead(s *Session, data json.RawMessage) {
	var p MarkChatReadPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomKey == "" {
		h.sendError(s, apperr.Validation("malformed mark_chat_read payload"))
		return
	}
	if p.IsGroup {
		if err := h.requireMember(context.Background(), p.RoomKey, s.participantID); err != nil {
			h.sendError(s, err)
			return
		}
	}

	ids, err := h.db.UnreadMessageIDs(s.participantID, p.RoomKey, p.IsGroup)
	if err != nil {
		h.sendError(s, err)
		return
	}
	if len(ids) == 0 {
		h.sendTo(s, EvtAck, AckEvent{Op: OpMarkChatRead, Message: "Nothing unread"})
		return
	}
	if err := h.db.AddReadReceipts(ids, s.participantID); err != nil {
		h.sendError(s, err)
		return
	}

	var members []string
	if p.IsGroup {
		members, err = h.groups.Members(context.Background(), p.RoomKey)
		if err != nil {
			h.sendError(s, err)
			return
		}
	} else {
		members = []string{s.participantID, p.RoomKey}
	}

	evt := MessagesReadEvent{
		ReaderID:   s.participantID,
		MessageIDs: ids,
		RoomKey:    p.RoomKey,
		IsGroup:    p.IsGroup,
	}
	h.broadcastRoom(members, canonicalRoomKey(s.participantID, p.RoomKey, p.IsGroup), EvtMessagesRead, evt)
	h.publish(bus.KindMessagesRead, evt)
}

func (h *Hub) handleJoin(s *Session, data json.RawMessage) {
	var p JoinChatPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomKey == "" {
		h.sendError(s, apperr.Validation("malformed join_chat payload"))
		return
	}
	if p.IsGroup {
		if err := h.requireMember(context.Background(), p.RoomKey, s.participantID); err != nil {
			h.sendError(s, err)
			return
		}
	}
	h.JoinRoom(s, canonicalRoomKey(s.participantID, p.RoomKey, p.IsGroup))
	h.sendTo(s, EvtAck, AckEvent{Op: OpJoinChat, Message: p.RoomKey})
}

// broadcastMessageUpdate fans an updated message snapshot out to its room.
func (h *Hub) broadcastMessageUpdate(s *Session, msg *store.Message, event, busKind string) {
	members, err := h.roomMembers(context.Background(), msg)
	if err != nil {
		h.sendError(s, err)
		return
	}
	dto := ToDTO(*msg)
	h.broadcastRoom(members, canonicalKeyFor(msg), event, dto)
	h.publish(busKind, dto)
}
