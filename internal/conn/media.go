package conn

import (
	"sync"

	"peerlink/internal/media"
	"peerlink/internal/transport"
)

// MediaSession binds one media connection and its local stream to a peer. At
// most one session exists per peer; replacing one means tearing the old one
// down first so its capture producers stop.
type MediaSession struct {
	peerID string
	kind   media.Kind
	conn   transport.MediaConn
	local  *media.Stream

	mu     sync.Mutex
	closed bool
}

func NewMediaSession(peerID string, kind media.Kind, mc transport.MediaConn, local *media.Stream) *MediaSession {
	return &MediaSession{peerID: peerID, kind: kind, conn: mc, local: local}
}

func (s *MediaSession) PeerID() string { return s.peerID }

func (s *MediaSession) Kind() media.Kind { return s.kind }

func (s *MediaSession) Conn() transport.MediaConn { return s.conn }

// Close tears down the media connection and stops the local stream's tracks.
// Idempotent.
func (s *MediaSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.local != nil {
		s.local.StopTracks()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func (s *MediaSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// AddMediaSession registers the session unless the peer already has one; the
// caller is expected to have removed any previous session first. Returns
// whether the session was stored.
func (r *Registry) AddMediaSession(s *MediaSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.PeerID()]; exists {
		return false
	}
	r.sessions[s.PeerID()] = s
	return true
}

// MediaSessionFor returns the peer's session, or nil.
func (r *Registry) MediaSessionFor(peerID string) *MediaSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[peerID]
}

// RemoveMediaSession closes and removes the peer's session and discards any
// stored remote stream. No-op when absent.
func (r *Registry) RemoveMediaSession(peerID string) {
	r.mu.Lock()
	s := r.sessions[peerID]
	delete(r.sessions, peerID)
	remote := r.remotes[peerID]
	delete(r.remotes, peerID)
	r.mu.Unlock()

	if remote != nil {
		remote.Close()
	}
	if s != nil {
		s.Close()
	}
}

// SetRemoteStream records the remote stream for a peer. Streams can arrive
// after the session was registered, or race its removal; the entry is kept
// independent of the session for that reason.
func (r *Registry) SetRemoteStream(peerID string, rs *media.RemoteStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remotes[peerID] = rs
}

// RemoteStreamFor returns the stored remote stream for a peer, or nil.
func (r *Registry) RemoteStreamFor(peerID string) *media.RemoteStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.remotes[peerID]
}
