// Package registry tracks live room membership. It is purely in-memory and
// process-local; room history lives in storage.
package registry

import (
	"sync"
)

// Member is a connection currently associated with a room.
type Member struct {
	ID       string
	Username string
}

// Registry maps room names to member sets and sessions back to their
// current room. A session belongs to at most one room at any instant;
// callers enforce the implicit-leave sequence before re-adding.
type Registry struct {
	mx       *sync.RWMutex
	rooms    map[string]map[string]string // room -> session id -> username
	sessions map[string]string            // session id -> room
}

func New() *Registry {
	return &Registry{
		mx:       &sync.RWMutex{},
		rooms:    make(map[string]map[string]string),
		sessions: make(map[string]string),
	}
}

// Add inserts the session into the room's member set. Adding an existing
// member is a no-op apart from refreshing the username.
func (r *Registry) Add(room, sid, username string) {
	r.mx.Lock()
	defer r.mx.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]string)
		r.rooms[room] = members
	}
	members[sid] = username
	r.sessions[sid] = room
}

// Remove takes the session out of the room's member set and reports whether
// it was present, along with the username it was registered under. Empty
// rooms are pruned.
func (r *Registry) Remove(room, sid string) (string, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.remove(room, sid)
}

func (r *Registry) remove(room, sid string) (string, bool) {
	members, ok := r.rooms[room]
	if !ok {
		return "", false
	}
	username, present := members[sid]
	if !present {
		return "", false
	}
	delete(members, sid)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	if r.sessions[sid] == room {
		delete(r.sessions, sid)
	}
	return username, true
}

// RemoveEverywhere drops the session from whatever room it is in, returning
// that room and username. Used on disconnect.
func (r *Registry) RemoveEverywhere(sid string) (room, username string, ok bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	room, ok = r.sessions[sid]
	if !ok {
		return "", "", false
	}
	username, _ = r.remove(room, sid)
	return room, username, true
}

// Room returns the session's current room and username, if any.
func (r *Registry) Room(sid string) (room, username string, ok bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	room, ok = r.sessions[sid]
	if !ok {
		return "", "", false
	}
	return room, r.rooms[room][sid], true
}

// Members returns a snapshot of the room's current members. Unknown rooms
// yield an empty slice.
func (r *Registry) Members(room string) []Member {
	r.mx.RLock()
	defer r.mx.RUnlock()

	members := make([]Member, 0, len(r.rooms[room]))
	for sid, username := range r.rooms[room] {
		members = append(members, Member{ID: sid, Username: username})
	}
	return members
}

// Count returns the room's current member count.
func (r *Registry) Count(room string) int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.rooms[room])
}

// Snapshot returns room name -> member count for every active room.
func (r *Registry) Snapshot() map[string]int {
	r.mx.RLock()
	defer r.mx.RUnlock()

	counts := make(map[string]int, len(r.rooms))
	for room, members := range r.rooms {
		counts[room] = len(members)
	}
	return counts
}

// Sessions returns the number of sessions currently in any room.
func (r *Registry) Sessions() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.sessions)
}
