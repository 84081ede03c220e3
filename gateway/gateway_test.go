package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mahtamzz/Reve-sub002/broadcast"
	"github.com/mahtamzz/Reve-sub002/protocol"
	"github.com/mahtamzz/Reve-sub002/registry"
)

type stubStore struct {
	mu      sync.Mutex
	appends int

	appendMsg     protocol.ChatMessage
	appendCreated bool
	appendErr     error

	listMsgs    []protocol.ChatMessage
	listHasMore bool
	listErr     error
	lastLimit   int
	lastBefore  int64
}

func (s *stubStore) Append(_ context.Context, groupID, senderID, text, token string) (protocol.ChatMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	if s.appendErr != nil {
		return protocol.ChatMessage{}, false, s.appendErr
	}
	if s.appendMsg.ID != "" {
		return s.appendMsg, s.appendCreated, nil
	}
	return protocol.ChatMessage{
		ID:              uuid.NewString(),
		GroupID:         groupID,
		SenderID:        senderID,
		Text:            text,
		ClientMessageID: token,
		CreatedAt:       time.Now().UnixMilli(),
	}, true, nil
}

func (s *stubStore) List(_ context.Context, _ string, limit int, before int64) ([]protocol.ChatMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLimit = limit
	s.lastBefore = before
	return s.listMsgs, s.listHasMore, s.listErr
}

type stubPresence struct {
	mu        sync.Mutex
	watched   []string
	unwatched []string
	drops     []string
	roomDrops []string
	removed   []string
	starts    []string
	stops     []string
	beats     int
	snap      *protocol.PresenceSnapshot
}

func (p *stubPresence) Watch(_ context.Context, _, groupID string, _ []string) *protocol.PresenceSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watched = append(p.watched, groupID)
	if p.snap != nil {
		return p.snap
	}
	return &protocol.PresenceSnapshot{GroupID: groupID}
}

func (p *stubPresence) Unwatch(_, groupID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unwatched = append(p.unwatched, groupID)
}

func (p *stubPresence) DropConn(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drops = append(p.drops, connID)
}

func (p *stubPresence) DropRoom(groupID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roomDrops = append(p.roomDrops, groupID)
}

func (p *stubPresence) RemoveFromRoster(groupID, uid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, groupID+"/"+uid)
}

func (p *stubPresence) Start(_ context.Context, uid, subjectID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts = append(p.starts, uid+"/"+subjectID)
}

func (p *stubPresence) Stop(_ context.Context, uid, reason string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops = append(p.stops, uid+"/"+reason)
	return time.Now(), true
}

func (p *stubPresence) Beat(string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.beats++
}

type stubOracle struct {
	member bool
	err    error
	calls  int
}

func (o *stubOracle) IsMember(context.Context, string, string, string) (bool, error) {
	o.calls++
	return o.member, o.err
}

func newTestGateway(store *stubStore, pres *stubPresence, oracle *stubOracle) *Gateway {
	reg := registry.New()
	return New(Deps{
		Registry:        reg,
		Broadcast:       broadcast.New(reg),
		Messages:        store,
		Presence:        pres,
		Oracle:          oracle,
		HistoryMaxLimit: 100,
		SendBuffer:      16,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func attach(g *Gateway, uid string) *session {
	c := registry.NewConn(uuid.NewString(), uid, g.sendBuffer)
	g.reg.Register(c)
	return &session{
		gw:         g,
		conn:       c,
		uid:        uid,
		credential: "cred",
		sent:       make(map[string]protocol.ChatMessage),
	}
}

func nextFrame(t *testing.T, s *session) protocol.Frame {
	t.Helper()
	select {
	case b := <-s.conn.Outbound():
		var f protocol.Frame
		require.NoError(t, json.Unmarshal(b, &f))
		return f
	default:
		t.Fatal("no frame queued")
		return protocol.Frame{}
	}
}

func requireNoFrame(t *testing.T, s *session) {
	t.Helper()
	select {
	case b := <-s.conn.Outbound():
		t.Fatalf("unexpected frame: %s", b)
	default:
	}
}

func errCode(t *testing.T, f protocol.Frame) string {
	t.Helper()
	require.Equal(t, protocol.OpError, f.Op)
	var e protocol.Error
	require.NoError(t, json.Unmarshal(f.Data, &e))
	return e.Code
}

func TestJoinAdmitsMemberAndSendsHistory(t *testing.T) {
	store := &stubStore{listMsgs: []protocol.ChatMessage{{ID: "m1", GroupID: "g1"}}}
	g := newTestGateway(store, &stubPresence{}, &stubOracle{member: true})
	s := attach(g, "u1")

	s.handleFrame(context.Background(), []byte(`{"op":"group:join","data":{"groupId":"g1"}}`))

	f := nextFrame(t, s)
	require.Equal(t, protocol.OpGroupJoined, f.Op)

	f = nextFrame(t, s)
	require.Equal(t, protocol.OpMessagesResult, f.Op)
	var res protocol.ListResult
	require.NoError(t, json.Unmarshal(f.Data, &res))
	require.Len(t, res.Messages, 1)

	require.True(t, g.reg.InRoom(s.conn.ID, "g1"))
}

func TestJoinWithoutCredential(t *testing.T) {
	oracle := &stubOracle{member: true}
	g := newTestGateway(&stubStore{}, &stubPresence{}, oracle)
	s := attach(g, "")

	s.handleFrame(context.Background(), []byte(`{"op":"group:join","data":{"groupId":"g1"}}`))

	require.Equal(t, protocol.CodeNoAuthCookie, errCode(t, nextFrame(t, s)))
	require.Zero(t, oracle.calls)
	require.False(t, g.reg.InRoom(s.conn.ID, "g1"))
}

func TestJoinOracleOutcomes(t *testing.T) {
	t.Run("oracle error maps to JOIN_FAILED", func(t *testing.T) {
		g := newTestGateway(&stubStore{}, &stubPresence{}, &stubOracle{err: errors.New("timeout")})
		s := attach(g, "u1")
		s.handleJoin(context.Background(), &protocol.Join{GroupID: "g1"})
		require.Equal(t, protocol.CodeJoinFailed, errCode(t, nextFrame(t, s)))
		require.False(t, g.reg.InRoom(s.conn.ID, "g1"))
	})

	t.Run("non-member maps to NOT_MEMBER", func(t *testing.T) {
		g := newTestGateway(&stubStore{}, &stubPresence{}, &stubOracle{member: false})
		s := attach(g, "u1")
		s.handleJoin(context.Background(), &protocol.Join{GroupID: "g1"})
		require.Equal(t, protocol.CodeNotMember, errCode(t, nextFrame(t, s)))
	})
}

func TestSendRequiresJoin(t *testing.T) {
	g := newTestGateway(&stubStore{}, &stubPresence{}, &stubOracle{member: true})
	s := attach(g, "u1")

	s.handleSend(context.Background(), &protocol.Send{GroupID: "g1", Text: "hi"})
	require.Equal(t, protocol.CodeNotJoined, errCode(t, nextFrame(t, s)))
}

func TestSendBroadcastsToRoom(t *testing.T) {
	store := &stubStore{}
	g := newTestGateway(store, &stubPresence{}, &stubOracle{member: true})
	a := attach(g, "u1")
	b := attach(g, "u2")
	g.reg.JoinRoom(a.conn.ID, "g1")
	g.reg.JoinRoom(b.conn.ID, "g1")

	a.handleSend(context.Background(), &protocol.Send{GroupID: "g1", Text: "  hello  "})

	for _, s := range []*session{a, b} {
		f := nextFrame(t, s)
		require.Equal(t, protocol.OpMessageNew, f.Op)
		var msg protocol.ChatMessage
		require.NoError(t, json.Unmarshal(f.Data, &msg))
		require.Equal(t, "hello", msg.Text, "text is trimmed before storage")
	}
}

func TestSendEmptyTextIsSilentNoOp(t *testing.T) {
	store := &stubStore{}
	g := newTestGateway(store, &stubPresence{}, &stubOracle{member: true})
	s := attach(g, "u1")
	g.reg.JoinRoom(s.conn.ID, "g1")

	s.handleSend(context.Background(), &protocol.Send{GroupID: "g1", Text: "   "})

	requireNoFrame(t, s)
	require.Zero(t, store.appends)
}

func TestSendDuplicateTokenReturnsOriginal(t *testing.T) {
	store := &stubStore{}
	g := newTestGateway(store, &stubPresence{}, &stubOracle{member: true})
	s := attach(g, "u1")
	g.reg.JoinRoom(s.conn.ID, "g1")

	s.handleSend(context.Background(), &protocol.Send{GroupID: "g1", Text: "hi", ClientMessageID: "tok"})
	first := nextFrame(t, s)
	var orig protocol.ChatMessage
	require.NoError(t, json.Unmarshal(first.Data, &orig))

	s.handleSend(context.Background(), &protocol.Send{GroupID: "g1", Text: "hi", ClientMessageID: "tok"})
	second := nextFrame(t, s)
	var again protocol.ChatMessage
	require.NoError(t, json.Unmarshal(second.Data, &again))

	require.Equal(t, 1, store.appends, "duplicate must not hit the store")
	require.Equal(t, orig.ID, again.ID)
}

func TestSendStoreConflictGoesToSenderOnly(t *testing.T) {
	store := &stubStore{
		appendMsg:     protocol.ChatMessage{ID: "old", GroupID: "g1", SenderID: "u1", Text: "hi"},
		appendCreated: false,
	}
	g := newTestGateway(store, &stubPresence{}, &stubOracle{member: true})
	a := attach(g, "u1")
	b := attach(g, "u2")
	g.reg.JoinRoom(a.conn.ID, "g1")
	g.reg.JoinRoom(b.conn.ID, "g1")

	a.handleSend(context.Background(), &protocol.Send{GroupID: "g1", Text: "hi", ClientMessageID: "tok"})

	f := nextFrame(t, a)
	require.Equal(t, protocol.OpMessageNew, f.Op)
	requireNoFrame(t, b)
}

func TestSendStoreErrorSurfacesAsUnknown(t *testing.T) {
	store := &stubStore{appendErr: errors.New("db down")}
	g := newTestGateway(store, &stubPresence{}, &stubOracle{member: true})
	s := attach(g, "u1")
	g.reg.JoinRoom(s.conn.ID, "g1")

	s.handleSend(context.Background(), &protocol.Send{GroupID: "g1", Text: "hi"})
	require.Equal(t, protocol.CodeUnknown, errCode(t, nextFrame(t, s)))
}

func TestListRequiresJoin(t *testing.T) {
	store := &stubStore{listMsgs: []protocol.ChatMessage{{ID: "m1", GroupID: "g1", Text: "private"}}}
	g := newTestGateway(store, &stubPresence{}, &stubOracle{member: false})
	s := attach(g, "u1")

	s.handleFrame(context.Background(), []byte(`{"op":"group:join","data":{"groupId":"g1"}}`))
	require.Equal(t, protocol.CodeNotMember, errCode(t, nextFrame(t, s)))

	s.handleFrame(context.Background(), []byte(`{"op":"messages:list","data":{"groupId":"g1"}}`))
	require.Equal(t, protocol.CodeNotJoined, errCode(t, nextFrame(t, s)))
	require.Zero(t, store.lastLimit, "refused connection must never reach the store")
}

func TestListClampsLimit(t *testing.T) {
	store := &stubStore{listHasMore: true}
	g := newTestGateway(store, &stubPresence{}, &stubOracle{member: true})
	s := attach(g, "u1")
	g.reg.JoinRoom(s.conn.ID, "g1")

	s.handleList(context.Background(), &protocol.List{GroupID: "g1", Limit: 10_000, Before: 42})

	require.Equal(t, 100, store.lastLimit)
	require.Equal(t, int64(42), store.lastBefore)

	var res protocol.ListResult
	f := nextFrame(t, s)
	require.NoError(t, json.Unmarshal(f.Data, &res))
	require.True(t, res.HasMore)
}

func TestListDefaultsLimit(t *testing.T) {
	store := &stubStore{}
	g := newTestGateway(store, &stubPresence{}, &stubOracle{member: true})
	s := attach(g, "u1")
	g.reg.JoinRoom(s.conn.ID, "g1")

	s.handleList(context.Background(), &protocol.List{GroupID: "g1"})
	require.Equal(t, defaultHistoryLimit, store.lastLimit)
	nextFrame(t, s)
}

func TestWatchPushesSnapshot(t *testing.T) {
	pres := &stubPresence{snap: &protocol.PresenceSnapshot{GroupID: "g1", Day: "2026-08-31"}}
	g := newTestGateway(&stubStore{}, pres, &stubOracle{})
	s := attach(g, "u1")

	s.handleFrame(context.Background(), []byte(`{"op":"group:watch","data":{"groupId":"g1","memberUids":["u1","u2"]}}`))

	f := nextFrame(t, s)
	require.Equal(t, protocol.OpPresenceSnapshot, f.Op)
	require.Equal(t, []string{"g1"}, pres.watched)

	s.handleFrame(context.Background(), []byte(`{"op":"group:unwatch","data":{"groupId":"g1"}}`))
	require.Equal(t, []string{"g1"}, pres.unwatched)
}

func TestStudyOpsRouteToPresence(t *testing.T) {
	pres := &stubPresence{}
	g := newTestGateway(&stubStore{}, pres, &stubOracle{})
	s := attach(g, "u1")

	s.handleFrame(context.Background(), []byte(`{"op":"study:start","data":{"subjectId":"math"}}`))
	s.handleFrame(context.Background(), []byte(`{"op":"heartbeat"}`))
	s.handleFrame(context.Background(), []byte(`{"op":"study:stop"}`))

	require.Equal(t, []string{"u1/math"}, pres.starts)
	require.Equal(t, 1, pres.beats)
	require.Equal(t, []string{"u1/"}, pres.stops)
}

func TestStudyStartWithoutCredential(t *testing.T) {
	pres := &stubPresence{}
	g := newTestGateway(&stubStore{}, pres, &stubOracle{})
	s := attach(g, "")

	s.handleFrame(context.Background(), []byte(`{"op":"study:start","data":{"subjectId":"math"}}`))
	require.Equal(t, protocol.CodeNoAuthCookie, errCode(t, nextFrame(t, s)))
	require.Empty(t, pres.starts)
}

func TestMalformedFrames(t *testing.T) {
	g := newTestGateway(&stubStore{}, &stubPresence{}, &stubOracle{})
	s := attach(g, "u1")

	s.handleFrame(context.Background(), []byte(`not json`))
	require.Equal(t, protocol.CodeUnknown, errCode(t, nextFrame(t, s)))

	s.handleFrame(context.Background(), []byte(`{"op":"nope"}`))
	require.Equal(t, protocol.CodeUnknown, errCode(t, nextFrame(t, s)))

	s.handleFrame(context.Background(), []byte(`{"op":"group:join","data":{}}`))
	require.Equal(t, protocol.CodeGroupIDRequired, errCode(t, nextFrame(t, s)))
}

func TestTeardownCleansUp(t *testing.T) {
	pres := &stubPresence{}
	g := newTestGateway(&stubStore{}, pres, &stubOracle{member: true})
	s := attach(g, "u1")
	g.reg.JoinRoom(s.conn.ID, "g1")

	s.teardown()

	require.Equal(t, []string{s.conn.ID}, pres.drops)
	require.Equal(t, []string{"u1/disconnect"}, pres.stops)
	_, ok := g.reg.Get(s.conn.ID)
	require.False(t, ok)
	require.Empty(t, g.reg.ConnsInRoom("g1"))
}

func TestRevokeMembershipEvictsAndNotifies(t *testing.T) {
	pres := &stubPresence{}
	g := newTestGateway(&stubStore{}, pres, &stubOracle{member: true})
	a := attach(g, "u1")
	b := attach(g, "u2")
	g.reg.JoinRoom(a.conn.ID, "g1")
	g.reg.JoinRoom(b.conn.ID, "g1")

	g.RevokeMembership(context.Background(), "u1", "g1")

	f := nextFrame(t, a)
	require.Equal(t, protocol.OpGroupRevoked, f.Op)
	requireNoFrame(t, b)
	require.False(t, g.reg.InRoom(a.conn.ID, "g1"))
	require.True(t, g.reg.InRoom(b.conn.ID, "g1"))
	require.Equal(t, []string{"g1/u1"}, pres.removed)
}

func TestGroupDeletedDropsRoom(t *testing.T) {
	pres := &stubPresence{}
	g := newTestGateway(&stubStore{}, pres, &stubOracle{member: true})
	a := attach(g, "u1")
	b := attach(g, "u2")
	g.reg.JoinRoom(a.conn.ID, "g1")
	g.reg.JoinRoom(b.conn.ID, "g1")

	g.GroupDeleted(context.Background(), "g1")

	for _, s := range []*session{a, b} {
		f := nextFrame(t, s)
		require.Equal(t, protocol.OpGroupDeleted, f.Op)
		require.False(t, g.reg.InRoom(s.conn.ID, "g1"))
	}
	require.Equal(t, []string{"g1"}, pres.roomDrops)
}

func TestCredentialFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	require.Empty(t, credentialFrom(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer tok-h")
	require.Equal(t, "tok-h", credentialFrom(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: "access_token", Value: "tok-c"})
	r.Header.Set("Authorization", "Bearer tok-h")
	require.Equal(t, "tok-c", credentialFrom(r), "cookie wins over header")
}
