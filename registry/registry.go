// Package registry tracks live realtime connections, their authenticated
// identity, and the group rooms each connection has joined. It is the single
// source of truth for "is this connection still live and in this room".
package registry

import (
	"sync"
)

// Conn is one live realtime connection. The room set is owned exclusively by
// the Registry; nothing else mutates it.
type Conn struct {
	ID     string
	UserID string

	mu    sync.Mutex
	send  chan []byte
	alive bool
}

// NewConn wraps an accepted transport connection. sendBuffer bounds the
// outbound queue; a full queue means the client is too slow and the frame is
// dropped by Enqueue.
func NewConn(id, userID string, sendBuffer int) *Conn {
	return &Conn{
		ID:     id,
		UserID: userID,
		send:   make(chan []byte, sendBuffer),
		alive:  true,
	}
}

// Outbound is the channel the connection's write loop drains. It is closed
// when the connection dies.
func (c *Conn) Outbound() <-chan []byte {
	return c.send
}

// Enqueue offers an encoded frame to the connection without blocking.
// Returns false if the connection is dead or its buffer is full.
func (c *Conn) Enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Alive reports whether the connection still accepts frames.
func (c *Conn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// kill marks the connection dead and closes the outbound channel. Idempotent.
func (c *Conn) kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return
	}
	c.alive = false
	close(c.send)
}

// Registry maps connection ids to connections and rooms to their joined
// connections. Writers are join/leave/disconnect; the broadcaster only reads.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	// forward index: room -> connID -> conn
	rooms map[string]map[string]*Conn
	// per-connection room set: connID -> room -> true
	joined map[string]map[string]bool
}

func New() *Registry {
	return &Registry{
		conns:  make(map[string]*Conn),
		rooms:  make(map[string]map[string]*Conn),
		joined: make(map[string]map[string]bool),
	}
}

// Register stores a connection. No effect on rooms.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	r.joined[c.ID] = make(map[string]bool)
}

// Unregister kills the connection and removes it from every room. Returns
// the rooms it had joined. The kill happens under the write lock, so a
// fan-out snapshot taken afterwards cannot contain a deliverable handle to
// this connection.
func (r *Registry) Unregister(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return nil
	}
	c.kill()
	rooms := make([]string, 0, len(r.joined[connID]))
	for room := range r.joined[connID] {
		rooms = append(rooms, room)
		r.removeFromRoomLocked(room, connID)
	}
	delete(r.joined, connID)
	delete(r.conns, connID)
	return rooms
}

// JoinRoom adds the connection to a room. Idempotent; joining an already
// joined room is a no-op returning true. Returns false only for an unknown
// connection.
func (r *Registry) JoinRoom(connID, groupID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	if r.rooms[groupID] == nil {
		r.rooms[groupID] = make(map[string]*Conn)
	}
	r.rooms[groupID][connID] = c
	r.joined[connID][groupID] = true
	return true
}

// LeaveRoom removes the connection from a room. Removing an absent room is a
// no-op.
func (r *Registry) LeaveRoom(connID, groupID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.joined[connID]; ok {
		delete(set, groupID)
	}
	r.removeFromRoomLocked(groupID, connID)
}

func (r *Registry) removeFromRoomLocked(groupID, connID string) {
	if members, ok := r.rooms[groupID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, groupID)
		}
	}
}

// RoomsOf returns a snapshot of the connection's current room set.
func (r *Registry) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.joined[connID]
	if len(set) == 0 {
		return nil
	}
	rooms := make([]string, 0, len(set))
	for room := range set {
		rooms = append(rooms, room)
	}
	return rooms
}

// InRoom reports whether the connection has joined the room.
func (r *Registry) InRoom(connID, groupID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.joined[connID][groupID]
}

// ConnsInRoom returns the live connections joined to a room.
func (r *Registry) ConnsInRoom(groupID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[groupID]
	if len(members) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// Get looks up a connection by id.
func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// EvictUserFromRoom removes every connection of the user from the room and
// returns the affected connections so the caller can push a revocation
// notice to each.
func (r *Registry) EvictUserFromRoom(userID, groupID string) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	var affected []*Conn
	for connID, c := range r.rooms[groupID] {
		if c.UserID != userID {
			continue
		}
		affected = append(affected, c)
		delete(r.joined[connID], groupID)
		r.removeFromRoomLocked(groupID, connID)
	}
	return affected
}

// DropRoom removes the room entirely and returns the connections that were
// in it. Used when the group itself is deleted.
func (r *Registry) DropRoom(groupID string) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[groupID]
	if len(members) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(members))
	for connID, c := range members {
		out = append(out, c)
		delete(r.joined[connID], groupID)
	}
	delete(r.rooms, groupID)
	return out
}
