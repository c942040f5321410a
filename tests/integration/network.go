package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"peerlink/internal/chat"
	"peerlink/internal/media"
	"peerlink/internal/peer"
	"peerlink/internal/transport"
)

// Network wires managers together over an in-memory transport so full client
// flows run without sockets or ICE.
type Network struct {
	t  *testing.T
	mu sync.Mutex

	endpoints map[string]*memEndpoint
	managers  map[string]*peer.Manager
	stores    map[string]*chat.SQLStore
	cancel    context.CancelFunc
	ctx       context.Context
}

func NewNetwork(t *testing.T) *Network {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	n := &Network{
		t:         t,
		endpoints: make(map[string]*memEndpoint),
		managers:  make(map[string]*peer.Manager),
		stores:    make(map[string]*chat.SQLStore),
		ctx:       ctx,
		cancel:    cancel,
	}
	t.Cleanup(n.Close)
	return n
}

// NewClient registers a manager under id with its own chat store.
func (n *Network) NewClient(id string) *peer.Manager {
	n.t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	db, err := chat.NewDB(":memory:")
	if err != nil {
		n.t.Fatalf("failed to open chat db: %v", err)
	}
	store := chat.NewStore(db)

	ep := &memEndpoint{network: n, localID: id}
	mgr := peer.New(n.ctx, peer.Options{
		LocalID:  id,
		Chat:     store,
		Capture:  media.NewSyntheticCapturer(),
		Endpoint: ep,
		Logger:   log,
	})
	mgr.Bind()

	n.mu.Lock()
	n.endpoints[id] = ep
	n.managers[id] = mgr
	n.stores[id] = store
	n.mu.Unlock()

	return mgr
}

// Store returns the chat store backing a client.
func (n *Network) Store(id string) *chat.SQLStore {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stores[id]
}

func (n *Network) Close() {
	n.cancel()
	n.mu.Lock()
	managers := make([]*peer.Manager, 0, len(n.managers))
	for _, mgr := range n.managers {
		managers = append(managers, mgr)
	}
	n.mu.Unlock()
	for _, mgr := range managers {
		mgr.Registry().Reset()
	}
}

func (n *Network) endpoint(id string) *memEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[id]
}

// memEndpoint implements transport.Endpoint against the in-memory network.
type memEndpoint struct {
	network *Network
	localID string

	mu     sync.Mutex
	onConn func(transport.DataConn)
	onCall func(transport.IncomingCall)
}

var _ transport.Endpoint = (*memEndpoint)(nil)

func (e *memEndpoint) LocalID() string { return e.localID }

func (e *memEndpoint) OnConnection(fn func(transport.DataConn)) {
	e.mu.Lock()
	e.onConn = fn
	e.mu.Unlock()
}

func (e *memEndpoint) OnCall(fn func(transport.IncomingCall)) {
	e.mu.Lock()
	e.onCall = fn
	e.mu.Unlock()
}

func (e *memEndpoint) Dial(remoteID string) (transport.DataConn, error) {
	remote := e.network.endpoint(remoteID)
	if remote == nil {
		return nil, fmt.Errorf("peer %s not reachable", remoteID)
	}

	local := &memDataConn{remoteID: remoteID}
	far := &memDataConn{remoteID: e.localID}
	local.peer = far
	far.peer = local

	remote.mu.Lock()
	onConn := remote.onConn
	remote.mu.Unlock()
	if onConn != nil {
		onConn(far)
	}

	local.setOpen()
	far.setOpen()
	return local, nil
}

func (e *memEndpoint) Call(remoteID string, localStream *media.Stream) (transport.MediaConn, error) {
	remote := e.network.endpoint(remoteID)
	if remote == nil {
		return nil, fmt.Errorf("peer %s not reachable", remoteID)
	}

	remote.mu.Lock()
	onCall := remote.onCall
	remote.mu.Unlock()
	if onCall == nil {
		return nil, fmt.Errorf("peer %s does not accept calls", remoteID)
	}

	local := &memMediaConn{remoteID: remoteID}
	far := &memMediaConn{remoteID: e.localID}
	local.peer = far
	far.peer = local

	onCall(&memCall{from: e.localID, conn: far})

	// If the callee answered, both sides see a remote stream.
	if far.answered {
		local.deliverStream(media.NewRemoteStream(remoteID))
		far.deliverStream(media.NewRemoteStream(e.localID))
	}

	return local, nil
}

func (e *memEndpoint) Close() error { return nil }

// memDataConn is one half of a bidirectional in-memory connection.
type memDataConn struct {
	remoteID string
	peer     *memDataConn

	mu      sync.Mutex
	open    bool
	onOpen  func()
	onClose func()
	onError func(error)
	onData  func([]byte)
}

var _ transport.DataConn = (*memDataConn)(nil)

func (c *memDataConn) RemoteID() string { return c.remoteID }

func (c *memDataConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *memDataConn) setOpen() {
	c.mu.Lock()
	c.open = true
	onOpen := c.onOpen
	c.mu.Unlock()
	if onOpen != nil {
		onOpen()
	}
}

func (c *memDataConn) Send(data []byte) error {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !open {
		return fmt.Errorf("connection closed")
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	c.peer.mu.Lock()
	onData := c.peer.onData
	c.peer.mu.Unlock()
	if onData != nil {
		onData(buf)
	}
	return nil
}

func (c *memDataConn) Close() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = false
	onClose := c.onClose
	c.mu.Unlock()

	if onClose != nil {
		onClose()
	}

	c.peer.mu.Lock()
	peerOpen := c.peer.open
	c.peer.mu.Unlock()
	if peerOpen {
		c.peer.Close()
	}
	return nil
}

func (c *memDataConn) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	open := c.open
	c.mu.Unlock()
	if open && fn != nil {
		fn()
	}
}

func (c *memDataConn) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *memDataConn) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

func (c *memDataConn) OnData(fn func([]byte)) {
	c.mu.Lock()
	c.onData = fn
	c.mu.Unlock()
}

// memMediaConn is one half of an in-memory media session.
type memMediaConn struct {
	remoteID string
	peer     *memMediaConn

	mu       sync.Mutex
	answered bool
	closed   bool
	remote   *media.RemoteStream
	onStream func(*media.RemoteStream)
	onClose  func()
}

var _ transport.MediaConn = (*memMediaConn)(nil)

func (c *memMediaConn) RemoteID() string { return c.remoteID }

func (c *memMediaConn) OnStream(fn func(*media.RemoteStream)) {
	c.mu.Lock()
	c.onStream = fn
	remote := c.remote
	c.mu.Unlock()
	if remote != nil && fn != nil {
		fn(remote)
	}
}

func (c *memMediaConn) deliverStream(rs *media.RemoteStream) {
	c.mu.Lock()
	c.remote = rs
	onStream := c.onStream
	c.mu.Unlock()
	if onStream != nil {
		onStream(rs)
	}
}

func (c *memMediaConn) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *memMediaConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	onClose := c.onClose
	c.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	c.peer.Close()
	return nil
}

// memCall is an inbound call waiting for the callee's decision.
type memCall struct {
	from     string
	conn     *memMediaConn
	rejected bool
}

var _ transport.IncomingCall = (*memCall)(nil)

func (ic *memCall) RemoteID() string { return ic.from }

func (ic *memCall) Answer(local *media.Stream) (transport.MediaConn, error) {
	ic.conn.mu.Lock()
	ic.conn.answered = true
	ic.conn.mu.Unlock()
	return ic.conn, nil
}

func (ic *memCall) Reject() error {
	ic.rejected = true
	return nil
}
