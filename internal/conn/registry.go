// Package conn is the authoritative store of logical data connections and
// media sessions, keyed by peer identifier. Multiple connections may exist
// concurrently for one peer (both sides dialing at once, reconnect races);
// the most-recently-added open one is canonical for sending.
package conn

import (
	"io"
	"sort"
	"sync"

	"peerlink/internal/media"
	"peerlink/internal/transport"
)

// Status is the derived process-wide connection summary.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

type Registry struct {
	mu       sync.RWMutex
	conns    map[string][]transport.DataConn
	sessions map[string]*MediaSession
	remotes  map[string]*media.RemoteStream
	status   Status
	endpoint io.Closer
}

func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[string][]transport.DataConn),
		sessions: make(map[string]*MediaSession),
		remotes:  make(map[string]*media.RemoteStream),
		status:   StatusDisconnected,
	}
}

// BindEndpoint hands the registry the local transport endpoint so Reset can
// release it with everything else.
func (r *Registry) BindEndpoint(ep io.Closer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoint = ep
}

// AddConnection appends dc to its peer's connection list. Adding the same
// instance twice is a no-op.
func (r *Registry) AddConnection(dc transport.DataConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peerID := dc.RemoteID()
	for _, existing := range r.conns[peerID] {
		if existing == dc {
			return
		}
	}
	r.conns[peerID] = append(r.conns[peerID], dc)
}

// GetConnection returns the canonical connection for the peer: the
// most-recently-added open one, or failing that the most-recently-added
// connection of any state, or nil.
func (r *Registry) GetConnection(peerID string) transport.DataConn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.conns[peerID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].IsOpen() {
			return list[i]
		}
	}
	if len(list) > 0 {
		return list[len(list)-1]
	}
	return nil
}

// HasConnection reports whether at least one connection to the peer is open.
func (r *Registry) HasConnection(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, dc := range r.conns[peerID] {
		if dc.IsOpen() {
			return true
		}
	}
	return false
}

// RemoveConnection removes one specific connection instance, closing it. The
// peer entry disappears when its list empties; other instances for the same
// peer are untouched.
func (r *Registry) RemoveConnection(dc transport.DataConn) {
	r.mu.Lock()

	peerID := dc.RemoteID()
	list := r.conns[peerID]
	for i, existing := range list {
		if existing == dc {
			r.conns[peerID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.conns[peerID]) == 0 {
		delete(r.conns, peerID)
	}
	r.recomputeStatusLocked()
	r.mu.Unlock()

	_ = dc.Close()
}

// RemovePeer closes and removes every connection for the identifier. Used
// for full teardown of one peer.
func (r *Registry) RemovePeer(peerID string) {
	r.mu.Lock()
	list := r.conns[peerID]
	delete(r.conns, peerID)
	r.recomputeStatusLocked()
	r.mu.Unlock()

	for _, dc := range list {
		_ = dc.Close()
	}
}

// ConnectedPeerIDs returns the ids of peers with at least one open
// connection, sorted.
func (r *Registry) ConnectedPeerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for peerID, list := range r.conns {
		for _, dc := range list {
			if dc.IsOpen() {
				ids = append(ids, peerID)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// Status returns the current process-wide connection status.
func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// SetStatus overrides the derived status; used by the event handler for the
// connecting and transport-error transitions.
func (r *Registry) SetStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

// recomputeStatusLocked re-derives the status from registry contents after a
// removal: once nothing is tracked the process is disconnected.
func (r *Registry) recomputeStatusLocked() {
	if len(r.conns) == 0 {
		r.status = StatusDisconnected
		return
	}
	for _, list := range r.conns {
		for _, dc := range list {
			if dc.IsOpen() {
				r.status = StatusConnected
				return
			}
		}
	}
	r.status = StatusConnecting
}

// Reset stops every registered media session (including its local tracks),
// closes and clears all connections, and releases the transport endpoint.
// Safe to call repeatedly.
func (r *Registry) Reset() {
	r.mu.Lock()
	conns := r.conns
	sessions := r.sessions
	endpoint := r.endpoint
	r.conns = make(map[string][]transport.DataConn)
	r.sessions = make(map[string]*MediaSession)
	r.remotes = make(map[string]*media.RemoteStream)
	r.endpoint = nil
	r.status = StatusDisconnected
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	for _, list := range conns {
		for _, dc := range list {
			_ = dc.Close()
		}
	}
	if endpoint != nil {
		_ = endpoint.Close()
	}
}
