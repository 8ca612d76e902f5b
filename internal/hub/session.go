package hub

import (
	"sync"

	"github.com/gofiber/contrib/websocket"
)

// ConnLike is the transport surface a session needs. The websocket
// connection satisfies it; tests substitute an in-memory pipe.
type ConnLike interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one authenticated client connection. A participant may hold
// several sessions at once (multiple tabs/devices).
type Session struct {
	id            string
	participantID string
	conn          ConnLike
	send          chan []byte
	hub           *Hub

	mu     sync.Mutex
	rooms  map[string]bool // canonical room keys this session joined
	closed bool

	closeOnce sync.Once
}

// ParticipantID returns the authenticated participant this session belongs to.
func (s *Session) ParticipantID() string { return s.participantID }

// deliver queues an event frame without blocking; a full buffer drops the
// frame (the client re-fetches on reconnect rather than replaying gaps).
// Delivery and shutdown share the session mutex: a broadcaster that
// captured this session before teardown finds closed set and drops the
// frame instead of hitting a closed channel.
func (s *Session) deliver(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.send <- data:
	default:
	}
}

// shutdown marks the session closed and releases the write pump. Must be
// called at most once.
func (s *Session) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	close(s.send)
}

func (s *Session) joinedRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for key := range s.rooms {
		out = append(out, key)
	}
	return out
}

func (s *Session) markJoined(key string) {
	s.mu.Lock()
	s.rooms[key] = true
	s.mu.Unlock()
}

func (s *Session) writePump() {
	for data := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// readPump reads frames and dispatches ops until the transport drops.
// A dropped transport cancels only this session's pending work; committed
// persists are never rolled back.
func (s *Session) readPump() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.hub.dispatch(s, data)
	}
}
