// Package control implements the local control server (spec.md §4.7,
// component C6) and its connection registry (component C7). Grounded on
// the teacher's internal/web.Server — an accept loop with a bounded
// wait so shutdown is always observed — adapted from net/http's
// graceful Shutdown to a raw unix-socket accept loop with its own
// timeout-based polling, since net.Listener has no Shutdown method.
package control

import (
	"sync"
	"time"
)

// Connection is a single live control connection, tracked for status
// reporting and shutdown (spec.md §3 ClientConnection).
type Connection struct {
	ID        int64
	StartTime time.Time
}

// ConnectionRegistry is the mutex-guarded set of connections currently
// being served (component C7).
type ConnectionRegistry struct {
	mu    sync.Mutex
	next  int64
	conns map[int64]*Connection
}

// NewConnectionRegistry returns an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: map[int64]*Connection{}}
}

// Open registers a new connection and returns it; call Close on the
// returned value's ID when the handler finishes.
func (r *ConnectionRegistry) Open() *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	c := &Connection{ID: r.next, StartTime: time.Now()}
	r.conns[c.ID] = c
	return c
}

// Close removes a connection from the registry. Safe to call once per
// Connection.
func (r *ConnectionRegistry) Close(id int64) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// Snapshot returns a point-in-time copy of all live connections, for
// status reporting.
func (r *ConnectionRegistry) Snapshot() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len reports the number of live connections.
func (r *ConnectionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
