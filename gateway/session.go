package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mahtamzz/Reve-sub002/membership"
	"github.com/mahtamzz/Reve-sub002/protocol"
	"github.com/mahtamzz/Reve-sub002/registry"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	maxFrameBytes = 64 * 1024

	defaultHistoryLimit = 50
)

// session is one websocket connection's protocol state. The read loop owns
// all handler dispatch; the write loop is the only goroutine touching the
// socket for writes.
type session struct {
	gw   *Gateway
	ws   *websocket.Conn
	conn *registry.Conn

	uid        string
	credential string

	mu   sync.Mutex
	sent map[string]protocol.ChatMessage // clientMessageId -> original result
}

func newSession(g *Gateway, ws *websocket.Conn, ident membership.Identity, credential string) *session {
	c := registry.NewConn(uuid.NewString(), ident.UserID, g.sendBuffer)
	g.reg.Register(c)
	return &session{
		gw:         g,
		ws:         ws,
		conn:       c,
		uid:        ident.UserID,
		credential: credential,
		sent:       make(map[string]protocol.ChatMessage),
	}
}

func (s *session) readLoop() {
	defer s.teardown()

	s.ws.SetReadLimit(maxFrameBytes)
	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.gw.log.Debug("read error", "conn", s.conn.ID, "error", err)
			}
			return
		}
		s.handleFrame(context.Background(), raw)
	}
}

// writeLoop drains the registry outbound channel onto the socket and keeps
// the connection alive with pings. It owns closing the socket: the channel
// closes when the connection is unregistered.
func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-s.conn.Outbound():
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := s.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown runs once when the read loop exits. Unregister kills the
// connection and closes its outbound channel, which ends the write loop.
func (s *session) teardown() {
	ctx := context.Background()
	s.gw.presence.DropConn(s.conn.ID)
	rooms := s.gw.reg.Unregister(s.conn.ID)
	if s.uid != "" {
		s.gw.presence.Stop(ctx, s.uid, "disconnect")
	}
	s.gw.log.Debug("session closed", "conn", s.conn.ID, "user", s.uid, "rooms", len(rooms))
}

func (s *session) handleFrame(ctx context.Context, raw []byte) {
	payload, err := protocol.DecodeClient(raw)
	if err != nil {
		s.pushError(err)
		return
	}

	switch p := payload.(type) {
	case *protocol.Join:
		s.handleJoin(ctx, p)
	case *protocol.Leave:
		s.gw.reg.LeaveRoom(s.conn.ID, p.GroupID)
	case *protocol.Send:
		s.handleSend(ctx, p)
	case *protocol.List:
		s.handleList(ctx, p)
	case *protocol.Watch:
		snap := s.gw.presence.Watch(ctx, s.conn.ID, p.GroupID, p.MemberUIDs)
		s.push(protocol.OpPresenceSnapshot, snap)
	case *protocol.Unwatch:
		s.gw.presence.Unwatch(s.conn.ID, p.GroupID)
	case *protocol.StudyStart:
		if s.uid == "" {
			s.pushError(protocol.NewError(protocol.CodeNoAuthCookie, "study tracking requires a session credential"))
			return
		}
		s.gw.presence.Start(ctx, s.uid, p.SubjectID)
	case *protocol.StudyStop:
		if s.uid != "" {
			s.gw.presence.Stop(ctx, s.uid, "")
		}
	case *protocol.Heartbeat:
		if s.uid != "" {
			s.gw.presence.Beat(s.uid)
		}
	}
}

// handleJoin asks the membership oracle before admitting the connection to
// the room. An oracle timeout or error never admits: the client gets
// JOIN_FAILED and may retry.
func (s *session) handleJoin(ctx context.Context, p *protocol.Join) {
	if s.uid == "" {
		s.pushError(protocol.NewError(protocol.CodeNoAuthCookie, "join requires a session credential"))
		return
	}

	ok, err := s.gw.oracle.IsMember(ctx, s.uid, p.GroupID, s.credential)
	if err != nil {
		s.gw.log.Warn("membership check failed", "user", s.uid, "group", p.GroupID, "error", err)
		s.pushError(protocol.NewError(protocol.CodeJoinFailed, "membership check failed"))
		return
	}
	if !ok {
		s.pushError(protocol.NewError(protocol.CodeNotMember, "not a member of this group"))
		return
	}

	s.gw.reg.JoinRoom(s.conn.ID, p.GroupID)
	s.push(protocol.OpGroupJoined, protocol.Joined{GroupID: p.GroupID})
	s.pushHistory(ctx, p.GroupID, defaultHistoryLimit, 0)
}

func (s *session) handleSend(ctx context.Context, p *protocol.Send) {
	if !s.gw.reg.InRoom(s.conn.ID, p.GroupID) {
		s.pushError(protocol.NewError(protocol.CodeNotJoined, "join the group before sending"))
		return
	}

	text := strings.TrimSpace(p.Text)
	if text == "" {
		return
	}

	if p.ClientMessageID != "" {
		s.mu.Lock()
		orig, dup := s.sent[p.ClientMessageID]
		s.mu.Unlock()
		if dup {
			s.push(protocol.OpMessageNew, orig)
			return
		}
	}

	lock := s.gw.roomLock(p.GroupID)
	lock.Lock()
	msg, created, err := s.gw.store.Append(ctx, p.GroupID, s.uid, text, p.ClientMessageID)
	if err != nil {
		lock.Unlock()
		s.gw.log.Error("message append failed", "group", p.GroupID, "error", err)
		s.pushError(protocol.NewError(protocol.CodeUnknown, "message could not be stored"))
		return
	}
	if created {
		s.gw.bc.ToRoom(ctx, p.GroupID, protocol.OpMessageNew, msg)
	}
	lock.Unlock()

	// A conflict on the idempotency token means some earlier delivery
	// already broadcast this message; only the sender needs the result.
	if !created {
		s.push(protocol.OpMessageNew, msg)
	}
	if p.ClientMessageID != "" {
		s.mu.Lock()
		s.sent[p.ClientMessageID] = msg
		s.mu.Unlock()
	}
}

// handleList serves a history page. Reads are gated on a prior join just
// like sends, so a refused or unauthenticated connection can never page
// through a room's messages.
func (s *session) handleList(ctx context.Context, p *protocol.List) {
	if !s.gw.reg.InRoom(s.conn.ID, p.GroupID) {
		s.pushError(protocol.NewError(protocol.CodeNotJoined, "join the group before reading history"))
		return
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > s.gw.historyMaxLimit {
		limit = s.gw.historyMaxLimit
	}
	s.pushHistory(ctx, p.GroupID, limit, p.Before)
}

func (s *session) pushHistory(ctx context.Context, groupID string, limit int, before int64) {
	msgs, hasMore, err := s.gw.store.List(ctx, groupID, limit, before)
	if err != nil {
		s.gw.log.Error("history read failed", "group", groupID, "error", err)
		s.pushError(protocol.NewError(protocol.CodeUnknown, "history unavailable"))
		return
	}
	s.push(protocol.OpMessagesResult, protocol.ListResult{
		GroupID:  groupID,
		Messages: msgs,
		HasMore:  hasMore,
	})
}

func (s *session) push(op string, data any) {
	f, err := protocol.Push(op, data)
	if err != nil {
		s.gw.log.Error("encode push failed", "op", op, "error", err)
		return
	}
	b, err := f.Encode()
	if err != nil {
		s.gw.log.Error("encode frame failed", "op", op, "error", err)
		return
	}
	if !s.conn.Enqueue(b) {
		s.gw.log.Warn("outbound buffer full, frame dropped", "conn", s.conn.ID, "op", op)
	}
}

func (s *session) pushError(err error) {
	s.push(protocol.OpError, protocol.AsClientError(err))
}
