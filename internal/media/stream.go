// Package media models local and remote media streams. Local streams own
// their sample generators and must be stopped on every teardown path: a
// garbage-collected stream does not release whatever feeds it.
package media

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// Kind is the active media kind of a session.
type Kind string

const (
	KindNone   Kind = "none"
	KindVideo  Kind = "video"
	KindScreen Kind = "screen"
)

// Stream is a local outbound media stream: a set of tracks plus the stop
// functions of whatever produces their samples.
type Stream struct {
	id     string
	kind   Kind
	tracks []webrtc.TrackLocal

	mu      sync.Mutex
	stops   []func()
	stopped bool
}

// NewStream builds a local stream from tracks and their producer stop
// functions.
func NewStream(id string, kind Kind, tracks []webrtc.TrackLocal, stops ...func()) *Stream {
	return &Stream{id: id, kind: kind, tracks: tracks, stops: stops}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Kind() Kind { return s.kind }

// Tracks returns the local tracks to attach to a peer connection.
func (s *Stream) Tracks() []webrtc.TrackLocal { return s.tracks }

// StopTracks halts every sample producer. Idempotent.
func (s *Stream) StopTracks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for _, stop := range s.stops {
		stop()
	}
}

// Stopped reports whether StopTracks has run.
func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// RemoteStream is the receive side of a media session. Tracks are added as
// they arrive from the transport; each one is drained so RTP keeps flowing
// and per-stream counters stay current.
type RemoteStream struct {
	peerID string

	mu       sync.Mutex
	tracks   []*webrtc.TrackRemote
	closed   bool
	packets  int64
	bytes    int64
	OnPacket func(*rtp.Packet)
}

func NewRemoteStream(peerID string) *RemoteStream {
	return &RemoteStream{peerID: peerID}
}

func (rs *RemoteStream) PeerID() string { return rs.peerID }

// AddTrack registers a remote track and starts draining it.
func (rs *RemoteStream) AddTrack(track *webrtc.TrackRemote) {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return
	}
	rs.tracks = append(rs.tracks, track)
	rs.mu.Unlock()

	go rs.drain(track)
}

func (rs *RemoteStream) drain(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		rs.mu.Lock()
		if rs.closed {
			rs.mu.Unlock()
			return
		}
		rs.packets++
		rs.bytes += int64(len(pkt.Payload))
		onPacket := rs.OnPacket
		rs.mu.Unlock()

		if onPacket != nil {
			onPacket(pkt)
		}
	}
}

// Stats returns the packets and payload bytes received so far.
func (rs *RemoteStream) Stats() (packets, bytes int64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.packets, rs.bytes
}

func (rs *RemoteStream) TrackCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.tracks)
}

// Close stops the drain loops from accounting further packets. The underlying
// tracks die with their peer connection.
func (rs *RemoteStream) Close() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.closed = true
}
