// Package relay implements the signaling and fallback-delivery server that
// peers register with. It routes offer/answer/ice envelopes between peers,
// carries application payloads for peers without a direct link, and
// broadcasts presence changes.
package relay

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"peerlink/internal/identity"
	"peerlink/internal/signal"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client is one registered peer socket. Writes are serialized with a
// per-client mutex because gorilla conns allow one concurrent writer.
type client struct {
	id      string
	conn    *websocket.Conn
	limiter *rate.Limiter

	writeMu sync.Mutex
}

func (c *client) write(msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// Server is the relay hub.
type Server struct {
	logger  *logrus.Logger
	metrics *Metrics

	limit rate.Limit
	burst int

	mu      sync.RWMutex
	clients map[string]*client
}

// Options configures a relay server.
type Options struct {
	Logger *logrus.Logger
	// EnvelopesPerSecond caps each peer's signaling rate. Zero means the
	// default of 50 envelopes per second with a burst of 100.
	EnvelopesPerSecond float64
	Burst              int
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	limit := rate.Limit(opts.EnvelopesPerSecond)
	if limit == 0 {
		limit = 50
	}
	burst := opts.Burst
	if burst == 0 {
		burst = 100
	}

	return &Server{
		logger:  logger,
		metrics: NewMetrics(),
		limit:   limit,
		burst:   burst,
		clients: make(map[string]*client),
	}
}

// Routes returns the relay's HTTP mux: the websocket endpoint plus health
// and metrics.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/health", s.HandleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// PeerIDs returns the currently registered peers, sorted.
func (s *Server) PeerIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	peerID := identity.Sanitize(r.URL.Query().Get("id"))
	if peerID == "" {
		http.Error(w, "missing id query parameter", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("websocket upgrade failed: %v", err)
		return
	}

	c := &client{
		id:      peerID,
		conn:    conn,
		limiter: rate.NewLimiter(s.limit, s.burst),
	}

	// A reconnecting peer replaces its previous socket.
	s.mu.Lock()
	if old, ok := s.clients[peerID]; ok {
		old.conn.Close()
		s.logger.Infof("peer %s reconnected, closing previous socket", peerID)
	}
	s.clients[peerID] = c
	count := len(s.clients)
	s.mu.Unlock()

	s.metrics.peersConnected.Set(float64(count))
	s.logger.Infof("peer %s registered (%d online)", peerID, count)
	s.broadcastPresence(peerID, signal.PresenceOnline)

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	done := make(chan struct{})
	go s.pingLoop(c, done)

	s.readLoop(c)
	close(done)

	s.mu.Lock()
	// Only deregister if this socket is still the current one: a reconnect
	// may already have replaced it.
	if current, ok := s.clients[peerID]; ok && current == c {
		delete(s.clients, peerID)
	}
	count = len(s.clients)
	s.mu.Unlock()

	conn.Close()
	s.metrics.peersConnected.Set(float64(count))
	s.logger.Infof("peer %s disconnected (%d online)", peerID, count)
	s.broadcastPresence(peerID, signal.PresenceOffline)
}

func (s *Server) pingLoop(c *client, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) readLoop(c *client) {
	for {
		var msg signal.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warnf("read error from %s: %v", c.id, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		if !c.limiter.Allow() {
			s.metrics.rateLimited.Inc()
			s.logger.Warnf("dropping envelope from %s, rate limit exceeded", c.id)
			continue
		}

		s.handleEnvelope(c, msg)
	}
}

func (s *Server) handleEnvelope(c *client, msg signal.Message) {
	// The sender's identity comes from its registration, never from the
	// envelope it wrote.
	msg.From = c.id

	switch msg.Type {
	case signal.TypeOffer, signal.TypeAnswer, signal.TypeICE, signal.TypeError:
		s.metrics.envelopesRouted.WithLabelValues(msg.Type).Inc()
		s.routeToPeer(c, msg)

	case signal.TypeRelay:
		s.metrics.relayedPayloads.Inc()
		s.routeToPeer(c, msg)

	case signal.TypeWho:
		payload, err := json.Marshal(map[string][]string{"peers": s.PeerIDs()})
		if err != nil {
			return
		}
		if err := c.write(signal.Message{Type: signal.TypeWho, Payload: payload}); err != nil {
			s.logger.Warnf("failed to send peer list to %s: %v", c.id, err)
		}

	default:
		s.sendError(c, "unknown envelope type: "+msg.Type)
	}
}

func (s *Server) routeToPeer(from *client, msg signal.Message) {
	to := identity.Sanitize(msg.To)
	if to == "" {
		s.sendError(from, "envelope is missing a target")
		return
	}

	s.mu.RLock()
	target, ok := s.clients[to]
	s.mu.RUnlock()

	if !ok {
		s.metrics.routingErrors.Inc()
		s.sendError(from, "peer "+to+" is not connected")
		return
	}

	if err := target.write(msg); err != nil {
		s.metrics.routingErrors.Inc()
		s.logger.Warnf("failed to route %s envelope from %s to %s: %v", msg.Type, from.id, to, err)
	}
}

func (s *Server) broadcastPresence(peerID, state string) {
	payload, err := json.Marshal(map[string]string{"state": state})
	if err != nil {
		return
	}
	msg := signal.Message{Type: signal.TypePresence, From: peerID, Payload: payload}

	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		if id != peerID {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(msg); err != nil {
			s.logger.Debugf("failed to notify %s of presence change: %v", c.id, err)
		}
	}
}

func (s *Server) sendError(c *client, message string) {
	payload, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return
	}
	if err := c.write(signal.Message{Type: signal.TypeError, Payload: payload}); err != nil {
		s.logger.Debugf("failed to send error to %s: %v", c.id, err)
	}
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	count := len(s.clients)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "healthy",
		"peers":  count,
	})
}
