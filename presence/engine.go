// Package presence tracks which users are in an active study session and
// broadcasts changes to the group rooms that watch them. All state here is
// ephemeral; committed daily totals live with the collaborator store and are
// only read through for display.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mahtamzz/Reve-sub002/protocol"
)

// MinutesReader is the daily-totals collaborator.
type MinutesReader interface {
	TotalByDay(ctx context.Context, uid, day string) (int, error)
}

// RoomPusher fans a presence frame out to a group room.
type RoomPusher interface {
	ToRoom(ctx context.Context, groupID, op string, payload any)
}

type session struct {
	subjectID string
	startedAt time.Time
	lastBeat  time.Time
}

// Engine is the per-deployment authority for live study state. One active
// session per user, however many rooms are watching them.
type Engine struct {
	minutes MinutesReader
	pusher  RoomPusher
	window  time.Duration
	sweep   time.Duration
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	// roster per watched room, and who watches it
	rosters  map[string]map[string]bool // groupID -> member uids
	watchers map[string]map[string]bool // groupID -> connIDs
	byConn   map[string]map[string]bool // connID -> groupIDs
	byUID    map[string]map[string]bool // uid -> groupIDs watching them

	snapshots    metric.Int64Counter
	transitions  metric.Int64Counter
	timeoutStops metric.Int64Counter
}

// New builds an engine. window bounds how long a session may look active
// without a heartbeat; sweep is how often that bound is enforced.
func New(minutes MinutesReader, pusher RoomPusher, window, sweep time.Duration) *Engine {
	e := &Engine{
		minutes:  minutes,
		pusher:   pusher,
		window:   window,
		sweep:    sweep,
		now:      time.Now,
		sessions: make(map[string]*session),
		rosters:  make(map[string]map[string]bool),
		watchers: make(map[string]map[string]bool),
		byConn:   make(map[string]map[string]bool),
		byUID:    make(map[string]map[string]bool),
	}

	meter := otel.Meter("presence")
	e.snapshots, _ = meter.Int64Counter("presence_snapshots_total",
		metric.WithDescription("Watch snapshots served"))
	e.transitions, _ = meter.Int64Counter("presence_transitions_total",
		metric.WithDescription("Study state transitions"))
	e.timeoutStops, _ = meter.Int64Counter("presence_timeout_stops_total",
		metric.WithDescription("Sessions ended by heartbeat timeout"))
	activeGauge, _ := meter.Int64ObservableGauge("presence_active_sessions",
		metric.WithDescription("Users currently studying"))
	meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		e.mu.Lock()
		n := len(e.sessions)
		e.mu.Unlock()
		o.ObserveInt64(activeGauge, int64(n))
		return nil
	}, activeGauge)

	return e
}

func day(t time.Time) string {
	return t.Format("2006-01-02")
}

// Watch registers a connection's interest in a group roster and returns the
// full snapshot for it. The minutes lookup is best-effort: a failing
// collaborator yields a 0 baseline, never a blocked or missing snapshot.
func (e *Engine) Watch(ctx context.Context, connID, groupID string, memberUIDs []string) *protocol.PresenceSnapshot {
	now := e.now()
	snap := &protocol.PresenceSnapshot{
		GroupID:       groupID,
		Day:           day(now),
		Active:        make(map[string]*protocol.ActiveSession, len(memberUIDs)),
		TodayMinsBase: make(map[string]int, len(memberUIDs)),
	}

	e.mu.Lock()
	roster := make(map[string]bool, len(memberUIDs))
	for _, uid := range memberUIDs {
		roster[uid] = true
		if e.byUID[uid] == nil {
			e.byUID[uid] = make(map[string]bool)
		}
		e.byUID[uid][groupID] = true
	}
	// A re-watch replaces the roster; members dropped from it must stop
	// fanning out to this room.
	for uid := range e.rosters[groupID] {
		if roster[uid] {
			continue
		}
		if rooms, ok := e.byUID[uid]; ok {
			delete(rooms, groupID)
			if len(rooms) == 0 {
				delete(e.byUID, uid)
			}
		}
	}
	e.rosters[groupID] = roster
	if e.watchers[groupID] == nil {
		e.watchers[groupID] = make(map[string]bool)
	}
	e.watchers[groupID][connID] = true
	if e.byConn[connID] == nil {
		e.byConn[connID] = make(map[string]bool)
	}
	e.byConn[connID][groupID] = true

	for _, uid := range memberUIDs {
		if s, ok := e.sessions[uid]; ok {
			snap.Active[uid] = &protocol.ActiveSession{
				SubjectID: s.subjectID,
				StartedAt: s.startedAt.UnixMilli(),
			}
		}
	}
	e.mu.Unlock()

	for _, uid := range memberUIDs {
		mins, err := e.minutes.TotalByDay(ctx, uid, snap.Day)
		if err != nil {
			// Documented fallback: presence delivery never blocks on the
			// minutes collaborator.
			slog.DebugContext(ctx, "Minutes lookup failed, defaulting to 0", "uid", uid, "error", err)
			mins = 0
		}
		snap.TodayMinsBase[uid] = mins
	}

	e.snapshots.Add(ctx, 1, metric.WithAttributes(attribute.String("group", groupID)))
	return snap
}

// Unwatch drops a connection's interest in a group. The roster survives
// while other connections still watch the room.
func (e *Engine) Unwatch(connID, groupID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unwatchLocked(connID, groupID)
}

func (e *Engine) unwatchLocked(connID, groupID string) {
	if set, ok := e.byConn[connID]; ok {
		delete(set, groupID)
		if len(set) == 0 {
			delete(e.byConn, connID)
		}
	}
	watchers, ok := e.watchers[groupID]
	if !ok {
		return
	}
	delete(watchers, connID)
	if len(watchers) > 0 {
		return
	}
	delete(e.watchers, groupID)
	for uid := range e.rosters[groupID] {
		if rooms, ok := e.byUID[uid]; ok {
			delete(rooms, groupID)
			if len(rooms) == 0 {
				delete(e.byUID, uid)
			}
		}
	}
	delete(e.rosters, groupID)
}

// DropConn removes every watch the connection held. Called on disconnect.
func (e *Engine) DropConn(connID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for groupID := range e.byConn[connID] {
		e.unwatchLocked(connID, groupID)
	}
}

// DropRoom tears down a group's roster and every watch on it. Used when the
// group itself is deleted upstream.
func (e *Engine) DropRoom(groupID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for connID := range e.watchers[groupID] {
		e.unwatchLocked(connID, groupID)
	}
}

// RemoveFromRoster drops a single member from a group's roster so later
// state changes for that user no longer fan out to the room.
func (e *Engine) RemoveFromRoster(groupID, uid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if roster, ok := e.rosters[groupID]; ok {
		delete(roster, uid)
	}
	if rooms, ok := e.byUID[uid]; ok {
		delete(rooms, groupID)
		if len(rooms) == 0 {
			delete(e.byUID, uid)
		}
	}
}

// Start begins (or restarts) a study session. A second start without a stop
// keeps the original start time and switches the subject; elapsed time is
// never reset by a repeated start.
func (e *Engine) Start(ctx context.Context, uid, subjectID string) {
	now := e.now()

	e.mu.Lock()
	s, ok := e.sessions[uid]
	if ok {
		s.subjectID = subjectID
		s.lastBeat = now
	} else {
		s = &session{subjectID: subjectID, startedAt: now, lastBeat: now}
		e.sessions[uid] = s
	}
	update := protocol.PresenceUpdate{
		UID:       uid,
		Studying:  true,
		SubjectID: s.subjectID,
		StartedAt: s.startedAt.UnixMilli(),
	}
	rooms := e.watchingRoomsLocked(uid)
	e.mu.Unlock()

	e.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", "studying")))
	for _, room := range rooms {
		e.pusher.ToRoom(ctx, room, protocol.OpPresenceUpdate, update)
	}
}

// Stop ends the user's session, if any, and notifies every watching room.
// reason is empty for a client-initiated stop. Returns the ended session's
// start time and whether a session was actually ended; committing the
// elapsed minutes to the durable store belongs to the caller.
func (e *Engine) Stop(ctx context.Context, uid, reason string) (time.Time, bool) {
	now := e.now()

	e.mu.Lock()
	s, ok := e.sessions[uid]
	if !ok {
		e.mu.Unlock()
		return time.Time{}, false
	}
	delete(e.sessions, uid)
	rooms := e.watchingRoomsLocked(uid)
	e.mu.Unlock()

	d := day(now)
	update := protocol.PresenceUpdate{
		UID:      uid,
		Studying: false,
		Day:      d,
		Reason:   reason,
	}
	if mins, err := e.minutes.TotalByDay(ctx, uid, d); err == nil {
		update.TodayMinsBase = &mins
	}

	e.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", "idle")))
	for _, room := range rooms {
		e.pusher.ToRoom(ctx, room, protocol.OpPresenceUpdate, update)
	}
	return s.startedAt, true
}

// Beat refreshes the liveness of an active session. A heartbeat from an
// idle user is ignored.
func (e *Engine) Beat(uid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[uid]; ok {
		s.lastBeat = e.now()
	}
}

// Studying reports whether the user currently has an active session.
func (e *Engine) Studying(uid string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[uid]
	return ok
}

func (e *Engine) watchingRoomsLocked(uid string) []string {
	set := e.byUID[uid]
	if len(set) == 0 {
		return nil
	}
	rooms := make([]string, 0, len(set))
	for room := range set {
		rooms = append(rooms, room)
	}
	return rooms
}

// Run sweeps for sessions whose heartbeat went quiet and stops them, so no
// user is ever shown studying forever. Blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepExpired(ctx)
		}
	}
}

func (e *Engine) sweepExpired(ctx context.Context) {
	cutoff := e.now().Add(-e.window)

	e.mu.Lock()
	var expired []string
	for uid, s := range e.sessions {
		if s.lastBeat.Before(cutoff) {
			expired = append(expired, uid)
		}
	}
	e.mu.Unlock()

	for _, uid := range expired {
		slog.InfoContext(ctx, "Study session expired (heartbeat timeout)", "uid", uid)
		e.timeoutStops.Add(ctx, 1)
		e.Stop(ctx, uid, "timeout")
	}
}
