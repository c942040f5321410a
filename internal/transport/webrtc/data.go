package webrtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"

	"peerlink/internal/transport"
)

// dataConn is one logical data-channel connection to a peer.
type dataConn struct {
	remoteID string
	connID   string
	pc       *webrtc.PeerConnection
	onDown   func()
	down     sync.Once

	mu      sync.Mutex
	dc      *webrtc.DataChannel
	open    bool
	onOpen  func()
	onClose func()
	onError func(error)
	onData  func([]byte)
}

var _ transport.DataConn = (*dataConn)(nil)

// newDataConn wires the peer connection's lifecycle into the conn. onDown
// runs exactly once when the connection is finished, however it finishes.
func newDataConn(remoteID, connID string, pc *webrtc.PeerConnection, onDown func()) *dataConn {
	conn := &dataConn{
		remoteID: remoteID,
		connID:   connID,
		pc:       pc,
		onDown:   onDown,
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed {
			conn.mu.Lock()
			conn.open = false
			onError := conn.onError
			conn.mu.Unlock()
			if onError != nil {
				onError(fmt.Errorf("peer connection to %s failed", remoteID))
			}
			conn.fireDown()
		}
	})

	// The dialing side creates the channel itself; the answering side waits
	// for the remote one.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		conn.setupDataChannel(dc)
	})

	return conn
}

func (c *dataConn) createDataChannel() error {
	ordered := true
	dc, err := c.pc.CreateDataChannel("data", &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	c.setupDataChannel(dc)
	return nil
}

func (c *dataConn) setupDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.mu.Lock()
		c.open = true
		onOpen := c.onOpen
		c.mu.Unlock()
		if onOpen != nil {
			onOpen()
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		onData := c.onData
		c.mu.Unlock()
		if onData != nil {
			onData(msg.Data)
		}
	})

	dc.OnClose(func() {
		c.mu.Lock()
		c.open = false
		onClose := c.onClose
		c.mu.Unlock()
		if onClose != nil {
			onClose()
		}
		c.fireDown()
	})
}

func (c *dataConn) fireDown() {
	c.down.Do(func() {
		if c.onDown != nil {
			c.onDown()
		}
	})
}

func (c *dataConn) RemoteID() string {
	return c.remoteID
}

func (c *dataConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *dataConn) Send(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil {
		return fmt.Errorf("data channel not ready")
	}
	return dc.Send(data)
}

func (c *dataConn) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	open := c.open
	c.mu.Unlock()
	if open && fn != nil {
		fn()
	}
}

func (c *dataConn) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *dataConn) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

func (c *dataConn) OnData(fn func([]byte)) {
	c.mu.Lock()
	c.onData = fn
	c.mu.Unlock()
}

func (c *dataConn) Close() error {
	c.mu.Lock()
	c.open = false
	dc := c.dc
	c.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	err := c.pc.Close()
	c.fireDown()
	return err
}
