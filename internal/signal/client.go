package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Client maintains a websocket to the relay server. Envelopes addressed to
// the local peer are demultiplexed to the registered handlers; outbound
// envelopes are serialized through a single writer goroutine so callers may
// send from any goroutine.
type Client struct {
	localID string
	url     string
	logger  *logrus.Logger

	conn    *websocket.Conn
	sendCh  chan Message
	closeCh chan struct{}
	closed  sync.Once
	started sync.Once

	mu         sync.RWMutex
	onSignal   func(Message)
	onRelay    func(Message)
	onPresence func(peerID string, online bool)
	onPeerList func(peers []string)
}

// NewClient dials the relay at rawURL and registers under localID. The
// returned client does not read from the socket until Start is called, so
// handlers can be registered without missing early envelopes.
func NewClient(ctx context.Context, rawURL, localID string, logger *logrus.Logger) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url %q: %w", rawURL, err)
	}
	q := u.Query()
	q.Set("id", localID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s: %w", rawURL, err)
	}

	c := &Client{
		localID: localID,
		url:     rawURL,
		logger:  logger,
		conn:    conn,
		sendCh:  make(chan Message, 64),
		closeCh: make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go c.writeLoop()

	return c, nil
}

// Start begins demultiplexing inbound envelopes. Call it after every handler
// is registered; envelopes that arrive before Start sit in the socket buffer
// rather than being dropped. Calling Start more than once is a no-op.
func (c *Client) Start() {
	c.started.Do(func() {
		go c.readLoop()
	})
}

// LocalID returns the identifier this client registered under.
func (c *Client) LocalID() string {
	return c.localID
}

// Send queues an envelope for delivery. The From field is stamped with the
// local id if unset.
func (c *Client) Send(msg Message) error {
	if msg.From == "" {
		msg.From = c.localID
	}
	select {
	case c.sendCh <- msg:
		return nil
	case <-c.closeCh:
		return fmt.Errorf("signal client closed")
	}
}

// Relay asks the server to deliver an opaque payload to another peer. Used
// as the fallback path when no direct connection exists.
func (c *Client) Relay(to string, payload []byte) error {
	return c.Send(Message{Type: TypeRelay, To: to, Payload: payload})
}

// RequestPeers asks the relay for the list of currently registered peers.
// The answer arrives through the OnPeerList handler.
func (c *Client) RequestPeers() error {
	return c.Send(Message{Type: TypeWho})
}

// OnSignal registers the handler for offer, answer and ice envelopes.
func (c *Client) OnSignal(fn func(Message)) {
	c.mu.Lock()
	c.onSignal = fn
	c.mu.Unlock()
}

// OnRelay registers the handler for relayed application payloads.
func (c *Client) OnRelay(fn func(Message)) {
	c.mu.Lock()
	c.onRelay = fn
	c.mu.Unlock()
}

// OnPresence registers the handler for peer online/offline notifications.
func (c *Client) OnPresence(fn func(peerID string, online bool)) {
	c.mu.Lock()
	c.onPresence = fn
	c.mu.Unlock()
}

// OnPeerList registers the handler for answers to RequestPeers.
func (c *Client) OnPeerList(fn func(peers []string)) {
	c.mu.Lock()
	c.onPeerList = fn
	c.mu.Unlock()
}

// Close tears the websocket down. Safe to call more than once.
func (c *Client) Close() error {
	c.closed.Do(func() {
		close(c.closeCh)
		deadline := time.Now().Add(writeTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()
	})
	return nil
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.closeCh:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logger.Warnf("relay connection lost: %v", err)
				}
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	c.mu.RLock()
	onSignal := c.onSignal
	onRelay := c.onRelay
	onPresence := c.onPresence
	onPeerList := c.onPeerList
	c.mu.RUnlock()

	switch msg.Type {
	case TypeOffer, TypeAnswer, TypeICE:
		if onSignal != nil {
			onSignal(msg)
		}
	case TypeRelay:
		if onRelay != nil {
			onRelay(msg)
		}
	case TypePresence:
		if onPresence != nil {
			var state struct {
				State string `json:"state"`
			}
			if err := json.Unmarshal(msg.Payload, &state); err != nil {
				c.logger.Warnf("malformed presence payload from relay: %v", err)
				return
			}
			onPresence(msg.From, state.State == PresenceOnline)
		}
	case TypeWho:
		if onPeerList != nil {
			var peers struct {
				Peers []string `json:"peers"`
			}
			if err := json.Unmarshal(msg.Payload, &peers); err != nil {
				c.logger.Warnf("malformed peer list from relay: %v", err)
				return
			}
			onPeerList(peers.Peers)
		}
	case TypeError:
		c.logger.Warnf("relay error: %s", string(msg.Payload))
	default:
		c.logger.Debugf("ignoring unknown envelope type %q from relay", msg.Type)
	}
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Errorf("failed to write to relay: %v", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.closeCh:
			return
		}
	}
}
