package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/relaychat/relay/internal/apperr"
	"github.com/relaychat/relay/internal/hub"
	"go.uber.org/zap"
)

// ConnManager owns the client's hub connection: one explicit value holding
// the reconnect state machine, the transport and the room the client wants
// rejoined after every re-handshake. Missed broadcasts during a gap are
// not replayed; the seeder re-fetches the affected views instead.
type ConnManager struct {
	wsURL   string
	token   string
	machine *Machine
	cache   *Cache
	seeder  *Seeder
	logger  *zap.Logger
	dialer  *websocket.Dialer

	mu          sync.Mutex
	conn        *websocket.Conn
	activeRoom  string
	activeGroup bool
}

// NewConnManager wires the manager. wsURL is the daemon websocket
// endpoint, e.g. "ws://127.0.0.1:8480/ws".
func NewConnManager(wsURL, token string, machine *Machine, cache *Cache, seeder *Seeder, logger *zap.Logger) *ConnManager {
	return &ConnManager{
		wsURL:   wsURL,
		token:   token,
		machine: machine,
		cache:   cache,
		seeder:  seeder,
		logger:  logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Run drives the connect/read/reconnect loop until the context is
// canceled. Each successful handshake re-seeds the cache and rejoins the
// active room before events flow.
func (m *ConnManager) Run(ctx context.Context) error {
	attempt := 0
	for {
		conn, err := m.dial(ctx)
		if err != nil {
			if apperr.Is(err, apperr.CodeUnauthorized) {
				// A bad credential is terminal; retrying cannot fix it.
				_ = m.machine.Transition(Closed)
				return err
			}
			m.logger.Warn("connect failed",
				zap.Int("attempt", attempt),
				zap.Error(err))

			_ = m.machine.Transition(Reconnecting)
			attempt++
			if err := sleepCtx(ctx, backoffFor(attempt)); err != nil {
				_ = m.machine.Transition(Closed)
				return nil
			}
			_ = m.machine.Transition(Connecting)
			continue
		}

		attempt = 0
		m.setConn(conn)
		_ = m.machine.Transition(Connected)
		m.logger.Info("connected", zap.String("url", m.wsURL))

		if err := m.resync(ctx); err != nil {
			m.logger.Warn("resync failed", zap.Error(err))
		}

		// The read loop blocks in ReadMessage; cancellation reaches it by
		// closing the transport out from under it.
		watchDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				m.close()
			case <-watchDone:
			}
		}()
		m.readLoop()
		close(watchDone)
		m.close()

		select {
		case <-ctx.Done():
			_ = m.machine.Transition(Closed)
			return nil
		default:
		}

		// First retry after a transport drop is immediate; only repeated
		// failures back off.
		_ = m.machine.Transition(Reconnecting)
		attempt = 0
		if err := sleepCtx(ctx, backoffFor(attempt)); err != nil {
			_ = m.machine.Transition(Closed)
			return nil
		}
		_ = m.machine.Transition(Connecting)
	}
}

// JoinRoom subscribes to a room's fan-out and remembers it so every
// reconnect rejoins automatically.
func (m *ConnManager) JoinRoom(roomKey string, isGroup bool) error {
	m.mu.Lock()
	m.activeRoom = roomKey
	m.activeGroup = isGroup
	m.mu.Unlock()
	m.cache.SetOpenRoom(roomKey)
	return m.Send(hub.OpJoinChat, hub.JoinChatPayload{RoomKey: roomKey, IsGroup: isGroup})
}

// SendMessage submits a message into the active connection.
func (m *ConnManager) SendMessage(p hub.SendMessagePayload) error {
	return m.Send(hub.OpSendMessage, p)
}

// MarkChatRead asks the hub to flip every currently-unread message of the
// room to read.
func (m *ConnManager) MarkChatRead(roomKey string, isGroup bool) error {
	return m.Send(hub.OpMarkChatRead, hub.MarkChatReadPayload{RoomKey: roomKey, IsGroup: isGroup})
}

// Send writes one op frame. Fails with a transient error when no
// connection is live; the caller retries after reconnect.
func (m *ConnManager) Send(op string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(hub.Envelope{Op: op, Data: data})
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return apperr.Transient("not connected", nil)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return apperr.Transient("write failed", err)
	}
	return nil
}

func (m *ConnManager) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := m.dialer.DialContext(ctx, m.wsURL+"?token="+m.token, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, apperr.Unauthorized("handshake rejected")
		}
		return nil, apperr.Transient("dial failed", err)
	}
	return conn, nil
}

// resync runs after every handshake: re-fetch the inbox and open-room
// history, rejoin the active room and refresh the presence snapshot.
func (m *ConnManager) resync(ctx context.Context) error {
	m.mu.Lock()
	room, isGroup := m.activeRoom, m.activeGroup
	m.mu.Unlock()

	if m.seeder != nil {
		if err := m.seeder.Seed(ctx, m.cache, isGroup); err != nil {
			return err
		}
	}
	if room != "" {
		if err := m.Send(hub.OpJoinChat, hub.JoinChatPayload{RoomKey: room, IsGroup: isGroup}); err != nil {
			return err
		}
	}
	return m.Send(hub.OpGetOnlineUsers, struct{}{})
}

// readLoop folds inbound events into the cache until the transport drops.
func (m *ConnManager) readLoop() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m.handleFrame(data)
	}
}

func (m *ConnManager) handleFrame(data []byte) {
	var env hub.EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.logger.Warn("malformed event frame", zap.Error(err))
		return
	}

	switch env.Event {
	case hub.EvtMessageReceived, hub.EvtMessageEdited, hub.EvtMessageDeleted:
		var msg hub.MessageDTO
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			m.logger.Warn("malformed message event", zap.Error(err))
			return
		}
		m.cache.ApplyMessage(msg)
	case hub.EvtMessagesRead:
		var ev hub.MessagesReadEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			m.logger.Warn("malformed read event", zap.Error(err))
			return
		}
		m.cache.ApplyRead(ev)
	case hub.EvtUserOnline:
		var ev hub.PresenceEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		m.cache.ApplyPresence(ev.ParticipantID, true)
	case hub.EvtUserOffline:
		var ev hub.PresenceEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		m.cache.ApplyPresence(ev.ParticipantID, false)
	case hub.EvtOnlineUsers:
		var ev hub.OnlineUsersEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		m.cache.SetOnline(ev.Participants)
	case hub.EvtError:
		var ev hub.ErrorEvent
		_ = json.Unmarshal(env.Data, &ev)
		// Terminal for the one operation; surfaced, never auto-retried.
		m.logger.Warn("operation rejected",
			zap.String("code", ev.Code),
			zap.String("message", ev.Message))
	case hub.EvtAck:
	default:
		m.logger.Debug("ignoring event", zap.String("event", env.Event))
	}
}

func (m *ConnManager) setConn(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
}

func (m *ConnManager) close() {
	m.mu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
