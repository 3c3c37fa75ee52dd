// Package registry implements the process-wide writer registry (spec.md
// §4.4, component C4): a mutex-guarded set of active writers keyed by
// host id, with the replacement protocol C5 and the `remove` control
// command rely on. Grounded on the teacher's internal/mcp.Manager
// (mutex-protected map, snapshot-then-release-lock before any blocking
// join) and internal/session.Store (lock only around mutation).
package registry

import (
	"sync"
	"time"

	"github.com/opsiorg/opsipxeconfd/internal/writer"
)

// stopJoinTimeout bounds how long Replace waits for a stopped writer to
// reach DONE before giving up on it (spec.md §4.4 step 2: "up to 5s").
const stopJoinTimeout = 5 * time.Second

// Registry is the set of currently active writers, at most one per host
// id (spec.md §3 invariant).
type Registry struct {
	mu      sync.Mutex
	writers map[string]*writer.Writer
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{writers: map[string]*writer.Writer{}}
}

// Insert registers w under its HostID. Callers are responsible for
// having already removed any prior writer for that host (see Replace).
func (r *Registry) Insert(w *writer.Writer) {
	r.mu.Lock()
	r.writers[w.HostID] = w
	r.mu.Unlock()
}

// Remove drops w if it is still the registered writer for its host;
// silent no-op otherwise (it may already have been replaced).
func (r *Registry) Remove(w *writer.Writer) {
	r.mu.Lock()
	if cur, ok := r.writers[w.HostID]; ok && cur == w {
		delete(r.writers, w.HostID)
	}
	r.mu.Unlock()
}

// ForHost returns the writer registered for hostID, or nil.
func (r *Registry) ForHost(hostID string) *writer.Writer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writers[hostID]
}

// Snapshot returns a point-in-time copy of every active writer, for
// status reporting and shutdown.
func (r *Registry) Snapshot() []*writer.Writer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*writer.Writer, 0, len(r.writers))
	for _, w := range r.writers {
		out = append(out, w)
	}
	return out
}

// Replace applies the replacement protocol for hostID: take the lock,
// remove any writer registered for hostID, release the lock, then stop
// and join it outside the lock (spec.md §4.4). Returns the removed
// writer, or nil if none was registered.
func (r *Registry) Replace(hostID string) *writer.Writer {
	r.mu.Lock()
	old, ok := r.writers[hostID]
	if ok {
		delete(r.writers, hostID)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	old.Stop()
	old.Wait(stopJoinTimeout)
	return old
}

// PathOwner returns the host id of the writer (if any) whose PXE files
// include path. Used by the cross-host collision check (spec.md §4.5
// step 9).
func (r *Registry) PathOwner(path string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for hostID, w := range r.writers {
		if w.HasPath(path) {
			return hostID, true
		}
	}
	return "", false
}

// StopAll stops every active writer and waits up to stopJoinTimeout for
// each, used during daemon shutdown (spec.md §4.9 step 2).
func (r *Registry) StopAll() {
	writers := r.Snapshot()
	for _, w := range writers {
		w.Stop()
	}
	for _, w := range writers {
		w.Wait(stopJoinTimeout)
	}
}

// Len reports how many writers are currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writers)
}
