// Package webrtc implements the peer transport on pion data channels and
// media tracks, with session negotiation carried over the relay's signaling
// channel.
package webrtc

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"peerlink/internal/media"
	"peerlink/internal/signal"
	"peerlink/internal/transport"
)

// Endpoint negotiates data and media peer connections through a signaling
// client. Each negotiation has its own connection id so several logical
// connections to the same peer can be in flight at once.
type Endpoint struct {
	localID  string
	config   webrtc.Configuration
	signaler *signal.Client
	logger   *logrus.Logger

	mu         sync.Mutex
	data       map[string]*dataConn
	calls      map[string]*mediaConn
	pendingICE map[string][]webrtc.ICECandidateInit

	onConn func(transport.DataConn)
	onCall func(transport.IncomingCall)
}

var _ transport.Endpoint = (*Endpoint)(nil)

// New builds an endpoint on top of an already-connected signaling client.
func New(signaler *signal.Client, stunServers []string, logger *logrus.Logger) *Endpoint {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, server := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{server}})
	}

	e := &Endpoint{
		localID: signaler.LocalID(),
		config: webrtc.Configuration{
			ICEServers:         iceServers,
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
		},
		signaler:   signaler,
		logger:     logger,
		data:       make(map[string]*dataConn),
		calls:      make(map[string]*mediaConn),
		pendingICE: make(map[string][]webrtc.ICECandidateInit),
	}
	signaler.OnSignal(e.handleSignal)
	return e
}

func (e *Endpoint) LocalID() string {
	return e.localID
}

func (e *Endpoint) OnConnection(fn func(transport.DataConn)) {
	e.mu.Lock()
	e.onConn = fn
	e.mu.Unlock()
}

func (e *Endpoint) OnCall(fn func(transport.IncomingCall)) {
	e.mu.Lock()
	e.onCall = fn
	e.mu.Unlock()
}

// Dial opens a new data connection to remoteID: it creates the peer
// connection and data channel, then sends the offer through the relay. The
// returned conn reports open once the channel is established.
func (e *Endpoint) Dial(remoteID string) (transport.DataConn, error) {
	pc, err := webrtc.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	connID := uuid.NewString()
	conn := newDataConn(remoteID, connID, pc, func() { e.dropData(connID) })
	e.registerData(conn)
	e.forwardICE(pc, remoteID, connID, signal.SessionData)

	if err := conn.createDataChannel(); err != nil {
		pc.Close()
		e.dropData(connID)
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		e.dropData(connID)
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		e.dropData(connID)
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	err = e.signaler.Send(signal.Message{
		Type:    signal.TypeOffer,
		To:      remoteID,
		ConnID:  connID,
		Session: signal.SessionData,
		SDP:     offer.SDP,
	})
	if err != nil {
		pc.Close()
		e.dropData(connID)
		return nil, fmt.Errorf("failed to send offer: %w", err)
	}

	return conn, nil
}

// Call opens a media session to remoteID carrying the local stream's tracks.
func (e *Endpoint) Call(remoteID string, local *media.Stream) (transport.MediaConn, error) {
	pc, err := webrtc.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	connID := uuid.NewString()
	mc := newMediaConn(remoteID, connID, pc, func() { e.dropCall(connID) })

	if local != nil {
		for _, track := range local.Tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				pc.Close()
				return nil, fmt.Errorf("failed to add local track: %w", err)
			}
		}
	}

	e.registerCall(mc)
	e.forwardICE(pc, remoteID, connID, signal.SessionMedia)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		e.dropCall(connID)
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		e.dropCall(connID)
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	err = e.signaler.Send(signal.Message{
		Type:    signal.TypeOffer,
		To:      remoteID,
		ConnID:  connID,
		Session: signal.SessionMedia,
		SDP:     offer.SDP,
	})
	if err != nil {
		pc.Close()
		e.dropCall(connID)
		return nil, fmt.Errorf("failed to send offer: %w", err)
	}

	return mc, nil
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	data := e.data
	calls := e.calls
	e.data = make(map[string]*dataConn)
	e.calls = make(map[string]*mediaConn)
	e.pendingICE = make(map[string][]webrtc.ICECandidateInit)
	e.mu.Unlock()

	for _, conn := range data {
		_ = conn.Close()
	}
	for _, mc := range calls {
		_ = mc.Close()
	}
	return nil
}

func (e *Endpoint) handleSignal(msg signal.Message) {
	switch msg.Type {
	case signal.TypeOffer:
		e.handleOffer(msg)
	case signal.TypeAnswer:
		e.handleAnswer(msg)
	case signal.TypeICE:
		e.handleICE(msg)
	}
}

func (e *Endpoint) handleOffer(msg signal.Message) {
	switch msg.Session {
	case signal.SessionMedia:
		e.mu.Lock()
		onCall := e.onCall
		e.mu.Unlock()
		if onCall == nil {
			e.logger.Warnf("dropping media offer from %s, no call handler", msg.From)
			return
		}
		onCall(&incomingCall{endpoint: e, offer: msg})

	case signal.SessionData, "":
		pc, err := webrtc.NewPeerConnection(e.config)
		if err != nil {
			e.logger.Errorf("failed to create peer connection for %s: %v", msg.From, err)
			return
		}

		conn := newDataConn(msg.From, msg.ConnID, pc, func() { e.dropData(msg.ConnID) })
		e.registerData(conn)
		e.forwardICE(pc, msg.From, msg.ConnID, signal.SessionData)

		e.mu.Lock()
		onConn := e.onConn
		e.mu.Unlock()
		if onConn != nil {
			onConn(conn)
		}

		if err := e.answer(pc, msg, signal.SessionData); err != nil {
			e.logger.Errorf("failed to answer data offer from %s: %v", msg.From, err)
			conn.Close()
			e.dropData(msg.ConnID)
			return
		}
		e.flushPendingICE(msg.ConnID, pc)

	default:
		e.logger.Warnf("offer from %s names unknown session %q", msg.From, msg.Session)
	}
}

// answer applies a remote offer and sends the local answer back.
func (e *Endpoint) answer(pc *webrtc.PeerConnection, offer signal.Message, session string) error {
	err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	})
	if err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	return e.signaler.Send(signal.Message{
		Type:    signal.TypeAnswer,
		To:      offer.From,
		ConnID:  offer.ConnID,
		Session: session,
		SDP:     answer.SDP,
	})
}

func (e *Endpoint) handleAnswer(msg signal.Message) {
	pc := e.lookupPC(msg.ConnID)
	if pc == nil {
		e.logger.Warnf("answer from %s for unknown connection %s", msg.From, msg.ConnID)
		return
	}

	err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  msg.SDP,
	})
	if err != nil {
		e.logger.Errorf("failed to set remote description from %s: %v", msg.From, err)
		return
	}
	e.flushPendingICE(msg.ConnID, pc)
}

func (e *Endpoint) handleICE(msg signal.Message) {
	if msg.Candidate == nil {
		return
	}

	pc := e.lookupPC(msg.ConnID)
	if pc == nil || pc.RemoteDescription() == nil {
		// The candidate raced ahead of the description. Hold it.
		e.mu.Lock()
		e.pendingICE[msg.ConnID] = append(e.pendingICE[msg.ConnID], *msg.Candidate)
		e.mu.Unlock()
		return
	}

	if err := pc.AddICECandidate(*msg.Candidate); err != nil {
		e.logger.Warnf("failed to add ICE candidate from %s: %v", msg.From, err)
	}
}

// forwardICE relays locally gathered candidates to the remote peer.
func (e *Endpoint) forwardICE(pc *webrtc.PeerConnection, remoteID, connID, session string) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		err := e.signaler.Send(signal.Message{
			Type:      signal.TypeICE,
			To:        remoteID,
			ConnID:    connID,
			Session:   session,
			Candidate: &init,
		})
		if err != nil {
			e.logger.Debugf("failed to forward ICE candidate to %s: %v", remoteID, err)
		}
	})
}

func (e *Endpoint) flushPendingICE(connID string, pc *webrtc.PeerConnection) {
	e.mu.Lock()
	pending := e.pendingICE[connID]
	delete(e.pendingICE, connID)
	e.mu.Unlock()

	for _, candidate := range pending {
		if err := pc.AddICECandidate(candidate); err != nil {
			e.logger.Warnf("failed to add buffered ICE candidate: %v", err)
		}
	}
}

func (e *Endpoint) lookupPC(connID string) *webrtc.PeerConnection {
	e.mu.Lock()
	defer e.mu.Unlock()
	if conn, ok := e.data[connID]; ok {
		return conn.pc
	}
	if mc, ok := e.calls[connID]; ok {
		return mc.pc
	}
	return nil
}

func (e *Endpoint) registerData(conn *dataConn) {
	e.mu.Lock()
	e.data[conn.connID] = conn
	e.mu.Unlock()
}

func (e *Endpoint) dropData(connID string) {
	e.mu.Lock()
	delete(e.data, connID)
	delete(e.pendingICE, connID)
	e.mu.Unlock()
}

func (e *Endpoint) registerCall(mc *mediaConn) {
	e.mu.Lock()
	e.calls[mc.connID] = mc
	e.mu.Unlock()
}

func (e *Endpoint) dropCall(connID string) {
	e.mu.Lock()
	delete(e.calls, connID)
	delete(e.pendingICE, connID)
	e.mu.Unlock()
}
