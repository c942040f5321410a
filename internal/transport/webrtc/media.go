package webrtc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"

	"peerlink/internal/media"
	"peerlink/internal/signal"
	"peerlink/internal/transport"
)

// mediaConn is one audio/video peer connection. Remote tracks are grouped
// into a single RemoteStream per connection.
type mediaConn struct {
	remoteID string
	connID   string
	pc       *webrtc.PeerConnection
	onDown   func()

	mu       sync.Mutex
	remote   *media.RemoteStream
	onStream func(*media.RemoteStream)
	onClose  func()
	closed   bool
}

var _ transport.MediaConn = (*mediaConn)(nil)

// newMediaConn wires the peer connection's lifecycle into the conn. onDown
// runs exactly once when the session is finished, however it finishes.
func newMediaConn(remoteID, connID string, pc *webrtc.PeerConnection, onDown func()) *mediaConn {
	mc := &mediaConn{
		remoteID: remoteID,
		connID:   connID,
		pc:       pc,
		onDown:   onDown,
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		mc.mu.Lock()
		first := mc.remote == nil
		if first {
			mc.remote = media.NewRemoteStream(remoteID)
		}
		remote := mc.remote
		onStream := mc.onStream
		mc.mu.Unlock()

		remote.AddTrack(track)
		if first && onStream != nil {
			onStream(remote)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			mc.fireClose()
		}
	})

	return mc
}

func (mc *mediaConn) RemoteID() string {
	return mc.remoteID
}

func (mc *mediaConn) OnStream(fn func(*media.RemoteStream)) {
	mc.mu.Lock()
	mc.onStream = fn
	remote := mc.remote
	mc.mu.Unlock()

	// A track may already have arrived.
	if remote != nil && fn != nil {
		fn(remote)
	}
}

func (mc *mediaConn) OnClose(fn func()) {
	mc.mu.Lock()
	mc.onClose = fn
	mc.mu.Unlock()
}

func (mc *mediaConn) fireClose() {
	mc.mu.Lock()
	if mc.closed {
		mc.mu.Unlock()
		return
	}
	mc.closed = true
	remote := mc.remote
	onClose := mc.onClose
	mc.mu.Unlock()

	if remote != nil {
		remote.Close()
	}
	if onClose != nil {
		onClose()
	}
	if mc.onDown != nil {
		mc.onDown()
	}
}

func (mc *mediaConn) Close() error {
	mc.fireClose()
	return mc.pc.Close()
}

// incomingCall defers peer connection setup until the application decides to
// answer: a rejected call never allocates media resources.
type incomingCall struct {
	endpoint *Endpoint
	offer    signal.Message
}

var _ transport.IncomingCall = (*incomingCall)(nil)

func (ic *incomingCall) RemoteID() string {
	return ic.offer.From
}

func (ic *incomingCall) Answer(local *media.Stream) (transport.MediaConn, error) {
	e := ic.endpoint

	pc, err := webrtc.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	mc := newMediaConn(ic.offer.From, ic.offer.ConnID, pc, func() { e.dropCall(ic.offer.ConnID) })

	if local != nil {
		for _, track := range local.Tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				pc.Close()
				return nil, fmt.Errorf("failed to add local track: %w", err)
			}
		}
	}

	e.registerCall(mc)
	e.forwardICE(pc, ic.offer.From, ic.offer.ConnID, signal.SessionMedia)

	if err := e.answer(pc, ic.offer, signal.SessionMedia); err != nil {
		pc.Close()
		e.dropCall(ic.offer.ConnID)
		return nil, err
	}
	e.flushPendingICE(ic.offer.ConnID, pc)

	return mc, nil
}

func (ic *incomingCall) Reject() error {
	reason, _ := json.Marshal(map[string]string{"reason": "call rejected"})
	return ic.endpoint.signaler.Send(signal.Message{
		Type:    signal.TypeError,
		To:      ic.offer.From,
		ConnID:  ic.offer.ConnID,
		Session: signal.SessionMedia,
		Payload: reason,
	})
}
