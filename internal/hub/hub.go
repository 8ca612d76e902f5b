// Package hub is the realtime connection and room manager: it accepts
// authenticated client connections, maps participants to chat rooms and
// fans out message events to room members.
package hub

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaychat/relay/internal/apperr"
	"github.com/relaychat/relay/internal/bus"
	"github.com/relaychat/relay/internal/directory"
	"github.com/relaychat/relay/internal/presence"
	"github.com/relaychat/relay/internal/store"
	"go.uber.org/zap"
)

// Hub owns all live sessions and the room membership maps. Presence and
// room state are guarded here; per-room locks serialize the
// persist-then-broadcast step so two concurrent sends into one room cannot
// interleave into an inconsistent order.
type Hub struct {
	db       *store.DB
	profiles directory.Profiles
	groups   directory.Groups
	presence *presence.Tracker
	bus      *bus.Bus
	logger   *zap.Logger
	sendBuf  int

	mu            sync.RWMutex
	byParticipant map[string]map[*Session]struct{}
	rooms         map[string]map[*Session]struct{}

	lockMu    sync.Mutex
	roomLocks map[string]*sync.Mutex
}

// New creates a hub. sendBuf sizes each session's outbound buffer.
func New(db *store.DB, profiles directory.Profiles, groups directory.Groups, tracker *presence.Tracker, b *bus.Bus, logger *zap.Logger, sendBuf int) *Hub {
	if sendBuf <= 0 {
		sendBuf = 64
	}
	return &Hub{
		db:            db,
		profiles:      profiles,
		groups:        groups,
		presence:      tracker,
		bus:           b,
		logger:        logger,
		sendBuf:       sendBuf,
		byParticipant: make(map[string]map[*Session]struct{}),
		rooms:         make(map[string]map[*Session]struct{}),
		roomLocks:     make(map[string]*sync.Mutex),
	}
}

// Handshake authenticates a transport via the profile directory and
// registers the resulting session. An invalid credential fails the whole
// handshake, never an individual operation. On the participant's first
// connection an online broadcast goes out to everyone.
func (h *Hub) Handshake(ctx context.Context, token string, conn ConnLike) (*Session, error) {
	participantID, err := h.profiles.ResolveToken(ctx, token)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:            uuid.NewString(),
		participantID: participantID,
		conn:          conn,
		send:          make(chan []byte, h.sendBuf),
		hub:           h,
		rooms:         make(map[string]bool),
	}

	h.mu.Lock()
	if h.byParticipant[participantID] == nil {
		h.byParticipant[participantID] = make(map[*Session]struct{})
	}
	h.byParticipant[participantID][s] = struct{}{}
	h.mu.Unlock()

	if h.presence.MarkOnline(participantID) {
		h.broadcastAll(EvtUserOnline, PresenceEvent{ParticipantID: participantID})
	}

	h.logger.Info("session connected",
		zap.String("session", s.id),
		zap.String("participant", participantID))
	return s, nil
}

// Serve runs the session's pumps and tears the session down when the
// transport drops.
func (h *Hub) Serve(s *Session) {
	go s.writePump()
	s.readPump()
	h.Close(s)
}

// Close unregisters a session. The offline broadcast goes out only when
// the participant's last connection is gone.
func (h *Hub) Close(s *Session) {
	s.closeOnce.Do(func() {
		h.mu.Lock()
		if set, ok := h.byParticipant[s.participantID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.byParticipant, s.participantID)
			}
		}
		for _, key := range s.joinedRooms() {
			if set, ok := h.rooms[key]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(h.rooms, key)
				}
			}
		}
		h.mu.Unlock()

		s.shutdown()
		_ = s.conn.Close()

		if h.presence.MarkOffline(s.participantID) {
			h.broadcastAll(EvtUserOffline, PresenceEvent{ParticipantID: s.participantID})
		}

		h.logger.Info("session closed",
			zap.String("session", s.id),
			zap.String("participant", s.participantID))
	})
}

// JoinRoom subscribes a session to a canonical room key. Idempotent.
func (h *Hub) JoinRoom(s *Session, key string) {
	h.mu.Lock()
	if h.rooms[key] == nil {
		h.rooms[key] = make(map[*Session]struct{})
	}
	h.rooms[key][s] = struct{}{}
	h.mu.Unlock()
	s.markJoined(key)
}

// OnlineUsers returns a presence snapshot.
func (h *Hub) OnlineUsers() []string {
	return h.presence.Snapshot()
}

// roomLock returns the mutex serializing persist-then-broadcast for one
// canonical room key.
func (h *Hub) roomLock(key string) *sync.Mutex {
	h.lockMu.Lock()
	defer h.lockMu.Unlock()
	lock, ok := h.roomLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		h.roomLocks[key] = lock
	}
	return lock
}

// canonicalRoomKey normalizes a viewer-relative room key: group rooms map
// to "g:<id>", direct rooms to "d:<a>|<b>" with the pair sorted so both
// participants resolve to the same key.
func canonicalRoomKey(participantID, roomKey string, isGroup bool) string {
	if isGroup {
		return "g:" + roomKey
	}
	a, b := participantID, roomKey
	if b < a {
		a, b = b, a
	}
	return "d:" + a + "|" + b
}

func canonicalKeyFor(m *store.Message) string {
	if m.GroupID != nil {
		return "g:" + *m.GroupID
	}
	receiver := ""
	if m.ReceiverID != nil {
		receiver = *m.ReceiverID
	}
	return canonicalRoomKey(m.SenderID, receiver, false)
}

// roomMembers resolves the participant ids a message fans out to. Group
// membership is recomputed at broadcast time, so a member removed
// mid-conversation stops receiving immediately.
func (h *Hub) roomMembers(ctx context.Context, m *store.Message) ([]string, error) {
	if m.GroupID != nil {
		return h.groups.Members(ctx, *m.GroupID)
	}
	members := []string{m.SenderID}
	if m.ReceiverID != nil && *m.ReceiverID != m.SenderID {
		members = append(members, *m.ReceiverID)
	}
	return members, nil
}

// requireMember rejects callers outside a group's current member set; the
// check mirrors the REST history guard so neither surface lets a
// non-member into a group room.
func (h *Hub) requireMember(ctx context.Context, groupID, participantID string) error {
	members, err := h.groups.Members(ctx, groupID)
	if err != nil {
		return err
	}
	if slices.Contains(members, participantID) {
		return nil
	}
	return apperr.Forbidden("not a member of this group")
}

// broadcastRoom fans an event out to every session of the given member
// participants plus any session explicitly joined to the room, each
// session at most once.
func (h *Hub) broadcastRoom(members []string, canonicalKey, event string, data any) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		h.logger.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make(map[*Session]struct{})
	for _, id := range members {
		for s := range h.byParticipant[id] {
			targets[s] = struct{}{}
		}
	}
	for s := range h.rooms[canonicalKey] {
		targets[s] = struct{}{}
	}
	h.mu.RUnlock()

	for s := range targets {
		s.deliver(frame)
	}
}

// broadcastAll sends an event to every connected session (presence edges).
func (h *Hub) broadcastAll(event string, data any) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		h.logger.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	h.mu.RLock()
	for _, set := range h.byParticipant {
		for s := range set {
			s.deliver(frame)
		}
	}
	h.mu.RUnlock()
}

// sendTo targets a single session (acks, errors, snapshot replies).
func (h *Hub) sendTo(s *Session, event string, data any) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		h.logger.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	s.deliver(frame)
}

// sendError reports a failure to the calling connection only; failures are
// never broadcast.
func (h *Hub) sendError(s *Session, err error) {
	code := apperr.CodeOf(err)
	h.logger.Warn("operation failed",
		zap.String("participant", s.participantID),
		zap.String("code", string(code)),
		zap.Error(err))
	h.sendTo(s, EvtError, ErrorEvent{Code: string(code), Message: err.Error()})
}

func (h *Hub) publish(kind string, payload any) {
	if h.bus != nil {
		h.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
	}
}
