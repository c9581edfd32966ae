// Package realtime binds live connections to threads and fans events out to
// the room watching each thread.
package realtime

import "sync"

// Conn is a receiver the registry can deliver encoded events to. Deliver
// must not block; it reports false when the connection cannot keep up.
type Conn interface {
	ID() string
	Deliver(data []byte) bool
}

type member struct {
	conn     Conn
	userID   string
	threadID string
}

// Registry is the process-local presence map: connection -> (thread, user)
// and thread -> connections. Nothing here is persisted; it is rebuilt from
// live connections after a restart.
type Registry struct {
	mu     sync.Mutex
	byConn map[string]*member
	rooms  map[string]map[string]*member
}

func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]*member),
		rooms:  make(map[string]map[string]*member),
	}
}

// Attach binds conn to threadID, first removing it from any thread it was
// attached to (a connection views at most one thread at a time). It returns
// the previous thread id (empty if none) and the post-change participant
// counts for both rooms, computed under the same lock so count events stay
// causally ordered per thread.
func (r *Registry) Attach(conn Conn, threadID, userID string) (previous string, previousCount, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byConn[conn.ID()]; ok {
		previous = existing.threadID
		if previous == threadID {
			existing.userID = userID
			return "", 0, len(r.rooms[threadID])
		}
		r.removeLocked(conn.ID())
		previousCount = len(r.rooms[previous])
	}

	entry := &member{conn: conn, userID: userID, threadID: threadID}
	r.byConn[conn.ID()] = entry
	room := r.rooms[threadID]
	if room == nil {
		room = make(map[string]*member)
		r.rooms[threadID] = room
	}
	room[conn.ID()] = entry
	return previous, previousCount, len(room)
}

// Detach removes the connection from whatever thread it was attached to and
// returns that thread id with its remaining participant count.
func (r *Registry) Detach(connID string) (threadID string, count int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.byConn[connID]
	if !exists {
		return "", 0, false
	}
	threadID = entry.threadID
	r.removeLocked(connID)
	return threadID, len(r.rooms[threadID]), true
}

func (r *Registry) removeLocked(connID string) {
	entry, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)
	room := r.rooms[entry.threadID]
	delete(room, connID)
	if len(room) == 0 {
		delete(r.rooms, entry.threadID)
	}
}

// Count reports how many connections are attached to threadID.
func (r *Registry) Count(threadID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[threadID])
}

// Members snapshots the connections attached to threadID.
func (r *Registry) Members(threadID string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make([]Conn, 0, len(r.rooms[threadID]))
	for _, entry := range r.rooms[threadID] {
		conns = append(conns, entry.conn)
	}
	return conns
}
