// Package gateway owns the websocket edge: it authenticates connections,
// runs the per-connection protocol loop, and applies server-initiated
// membership changes pushed down from the event consumer.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/mahtamzz/Reve-sub002/broadcast"
	"github.com/mahtamzz/Reve-sub002/membership"
	"github.com/mahtamzz/Reve-sub002/protocol"
	"github.com/mahtamzz/Reve-sub002/registry"
)

// MessageStore is the slice of the message store the gateway needs.
type MessageStore interface {
	Append(ctx context.Context, groupID, senderID, text, clientMessageID string) (protocol.ChatMessage, bool, error)
	List(ctx context.Context, groupID string, limit int, before int64) ([]protocol.ChatMessage, bool, error)
}

// Presence is the slice of the presence engine the gateway drives.
type Presence interface {
	Watch(ctx context.Context, connID, groupID string, memberUIDs []string) *protocol.PresenceSnapshot
	Unwatch(connID, groupID string)
	DropConn(connID string)
	DropRoom(groupID string)
	RemoveFromRoster(groupID, uid string)
	Start(ctx context.Context, uid, subjectID string)
	Stop(ctx context.Context, uid, reason string) (time.Time, bool)
	Beat(uid string)
}

// Verifier turns a raw credential into an identity.
type Verifier interface {
	Verify(token string) (membership.Identity, error)
}

// Deps carries everything a Gateway needs. Wired once in main.
type Deps struct {
	Registry  *registry.Registry
	Broadcast *broadcast.Broadcaster
	Messages  MessageStore
	Presence  Presence
	Oracle    membership.Oracle
	Verifier  Verifier

	HistoryMaxLimit int
	SendBuffer      int
	Logger          *slog.Logger
}

type Gateway struct {
	reg      *registry.Registry
	bc       *broadcast.Broadcaster
	store    MessageStore
	presence Presence
	oracle   membership.Oracle
	verifier Verifier

	historyMaxLimit int
	sendBuffer      int

	mu        sync.Mutex
	roomLocks map[string]*sync.Mutex

	upgrader websocket.Upgrader
	log      *slog.Logger
	sessions metric.Int64UpDownCounter
}

func New(d Deps) *Gateway {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	meter := otel.Meter("gateway")
	sessions, _ := meter.Int64UpDownCounter("gateway.sessions.open",
		metric.WithDescription("websocket sessions currently open"))
	return &Gateway{
		reg:             d.Registry,
		bc:              d.Broadcast,
		store:           d.Messages,
		presence:        d.Presence,
		oracle:          d.Oracle,
		verifier:        d.Verifier,
		historyMaxLimit: d.HistoryMaxLimit,
		sendBuffer:      d.SendBuffer,
		roomLocks:       make(map[string]*sync.Mutex),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:      d.Logger,
		sessions: sessions,
	}
}

// ServeHTTP upgrades the request and runs the session until the peer goes
// away. A missing or invalid credential still gets a connection; every
// identity-scoped operation on it fails with NO_AUTH_COOKIE instead.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cred := credentialFrom(r)
	var ident membership.Identity
	if cred != "" {
		id, err := g.verifier.Verify(cred)
		if err != nil {
			g.log.Warn("credential rejected", "error", err)
			cred = ""
		} else {
			ident = id
			g.log.Debug("credential verified", "user", ident.UserID, "username", ident.Username)
		}
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := newSession(g, ws, ident, cred)
	g.sessions.Add(r.Context(), 1)
	defer g.sessions.Add(context.Background(), -1)

	go s.writeLoop()
	s.readLoop()
}

// credentialFrom prefers the session cookie and falls back to a bearer
// header for non-browser clients.
func credentialFrom(r *http.Request) string {
	if c, err := r.Cookie("access_token"); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// roomLock serializes accept-and-broadcast per room so every connection in
// a room observes messages in the same order they were accepted.
func (g *Gateway) roomLock(groupID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.roomLocks[groupID]
	if !ok {
		l = &sync.Mutex{}
		g.roomLocks[groupID] = l
	}
	return l
}

// RevokeMembership evicts a user's connections from a room and tells them.
// Local membership is dropped before the push so the connection can no
// longer send into the room.
func (g *Gateway) RevokeMembership(ctx context.Context, userID, groupID string) {
	conns := g.reg.EvictUserFromRoom(userID, groupID)
	g.presence.RemoveFromRoster(groupID, userID)
	if len(conns) == 0 {
		return
	}
	g.bc.ToConns(ctx, conns, protocol.OpGroupRevoked, protocol.Revoked{GroupID: groupID})
	g.log.Info("membership revoked", "user", userID, "group", groupID, "conns", len(conns))
}

// GroupDeleted tears the room down everywhere and notifies its members.
func (g *Gateway) GroupDeleted(ctx context.Context, groupID string) {
	conns := g.reg.DropRoom(groupID)
	g.presence.DropRoom(groupID)
	g.mu.Lock()
	delete(g.roomLocks, groupID)
	g.mu.Unlock()
	if len(conns) == 0 {
		return
	}
	g.bc.ToConns(ctx, conns, protocol.OpGroupDeleted, protocol.Deleted{GroupID: groupID})
	g.log.Info("group deleted", "group", groupID, "conns", len(conns))
}
