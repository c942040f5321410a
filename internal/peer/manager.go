// Package peer wires connection, transfer, and queue state together: it
// reacts to transport lifecycle events and exposes the action surface
// UI-facing code calls.
package peer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peerlink/internal/chat"
	"peerlink/internal/conn"
	"peerlink/internal/media"
	"peerlink/internal/queue"
	"peerlink/internal/transfer"
	"peerlink/internal/transport"
	"peerlink/internal/wire"
)

// Options carries the collaborators a Manager needs. Registry, Transfers and
// Queue default to fresh instances when nil.
type Options struct {
	LocalID   string
	Registry  *conn.Registry
	Transfers *transfer.Registry
	Queue     *queue.Queue
	Chat      chat.Store
	Capture   media.Capturer
	Endpoint  transport.Endpoint
	Logger    *logrus.Logger

	// RelaySend, when set, offers queued messages to the relay as a fallback
	// delivery path for peers without a direct link.
	RelaySend func(toID string, payload []byte) error
}

// Manager owns the connection event handling and the peer action facade. It
// is constructed once per session and never lives in package-level state.
type Manager struct {
	ctx       context.Context
	localID   string
	registry  *conn.Registry
	transfers *transfer.Registry
	queue     *queue.Queue
	chat      chat.Store
	capture   media.Capturer
	endpoint  transport.Endpoint
	logger    *logrus.Logger
	relaySend func(string, []byte) error
	now       func() time.Time

	// OnTransferProgress, when set, observes both directions of chunked
	// transfers: transferred and total bytes per appended/sent chunk.
	// Invocations are serialized, so the callback may touch unguarded state.
	OnTransferProgress func(transferID string, transferred, total int64)

	progressMu sync.Mutex
}

// emitProgress serializes OnTransferProgress calls. Inbound chunks arrive on
// transport goroutines while outbound sends run on the caller's, so without
// this the callback would race against itself.
func (m *Manager) emitProgress(transferID string, transferred, total int64) {
	m.progressMu.Lock()
	defer m.progressMu.Unlock()
	if m.OnTransferProgress != nil {
		m.OnTransferProgress(transferID, transferred, total)
	}
}

func New(ctx context.Context, opts Options) *Manager {
	reg := opts.Registry
	if reg == nil {
		reg = conn.NewRegistry()
	}
	transfers := opts.Transfers
	if transfers == nil {
		transfers = transfer.NewRegistry()
	}
	q := opts.Queue
	if q == nil {
		q = queue.New()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}

	return &Manager{
		ctx:       ctx,
		localID:   opts.LocalID,
		registry:  reg,
		transfers: transfers,
		queue:     q,
		chat:      opts.Chat,
		capture:   opts.Capture,
		endpoint:  opts.Endpoint,
		logger:    log,
		relaySend: opts.RelaySend,
		now:       time.Now,
	}
}

// Bind subscribes the manager to the endpoint's inbound events and hands the
// endpoint to the registry for teardown. Call once after construction.
func (m *Manager) Bind() {
	m.registry.BindEndpoint(m.endpoint)
	m.endpoint.OnConnection(m.HandleConnection)
	m.endpoint.OnCall(m.handleIncomingCall)
}

func (m *Manager) LocalID() string { return m.localID }

func (m *Manager) Registry() *conn.Registry { return m.registry }

func (m *Manager) Transfers() *transfer.Registry { return m.transfers }

// HandleConnection tracks a new logical connection, inbound or outbound, and
// wires its lifecycle events. The transport invokes open handlers immediately
// for conns that are already open at registration time.
func (m *Manager) HandleConnection(dc transport.DataConn) {
	m.registry.AddConnection(dc)

	dc.OnOpen(func() { m.handleOpen(dc) })
	dc.OnData(func(raw []byte) { m.handleData(dc, raw) })
	dc.OnClose(func() {
		m.logger.Infof("connection to %s closed", dc.RemoteID())
		m.registry.RemoveConnection(dc)
	})
	dc.OnError(func(err error) {
		// An error event degrades the global status but does not remove the
		// conn; a close event does that.
		m.logger.Errorf("connection error with %s: %v", dc.RemoteID(), err)
		m.registry.SetStatus(conn.StatusDisconnected)
	})
}

func (m *Manager) handleOpen(dc transport.DataConn) {
	peerID := dc.RemoteID()
	m.logger.Infof("connection to %s open", peerID)

	m.registry.AddConnection(dc)
	m.registry.SetStatus(conn.StatusConnected)

	for _, queued := range m.queue.Flush(peerID) {
		payload, err := wire.Encode(wire.Text{Content: queued.Content, SenderID: queued.SenderID})
		if err != nil {
			m.logger.Warnf("failed to encode queued message for %s: %v", peerID, err)
			continue
		}
		if err := dc.Send(payload); err != nil {
			m.logger.Warnf("failed to flush queued message to %s: %v", peerID, err)
			continue
		}
		m.appendChat(&chat.Message{
			Sender:    m.localID,
			Receiver:  peerID,
			Content:   queued.Content,
			Kind:      chat.KindText,
			Timestamp: queued.Timestamp,
		})
	}
}

// handleData decodes one inbound payload and dispatches it. The same table
// applies no matter which logical connection delivered the payload.
func (m *Manager) handleData(dc transport.DataConn, raw []byte) {
	m.dispatch(dc.RemoteID(), raw)
}

// HandleRelayPayload feeds a payload that arrived through the relay fallback
// into the same dispatch table a direct connection uses.
func (m *Manager) HandleRelayPayload(from string, raw []byte) {
	m.dispatch(from, raw)
}

func (m *Manager) dispatch(defaultSender string, raw []byte) {
	msg, err := wire.Decode(raw)
	if err != nil {
		m.logger.Warnf("dropping undecodable payload from %s: %v", defaultSender, err)
		return
	}

	senderID := defaultSender

	switch p := msg.(type) {
	case wire.Text:
		if p.SenderID != "" {
			senderID = p.SenderID
		}
		// Some rendezvous setups echo a peer's own traffic back; drop it.
		if senderID == m.localID {
			m.logger.Debugf("discarding self-message echo")
			return
		}
		m.appendChat(&chat.Message{
			Sender:    senderID,
			Receiver:  m.localID,
			Content:   p.Content,
			Kind:      chat.KindText,
			Timestamp: m.now().UTC().Format(time.RFC3339),
		})

	case wire.FileMetadata:
		m.transfers.Start(p.TransferID, transfer.StartOptions{
			PeerID:    senderID,
			Direction: transfer.Incoming,
			FileName:  p.FileName,
			FileSize:  p.FileSize,
			MimeType:  p.MimeType,
		})
		// An empty file carries no chunks, so it is already complete here.
		status := chat.StatusPending
		if p.FileSize <= 0 {
			status = chat.StatusCompleted
			m.logger.Infof("transfer %s from %s complete (0 bytes)", p.TransferID, senderID)
		}
		m.appendChat(&chat.Message{
			Sender:     senderID,
			Receiver:   m.localID,
			Kind:       chat.KindFile,
			TransferID: p.TransferID,
			FileName:   p.FileName,
			FileSize:   p.FileSize,
			MimeType:   p.MimeType,
			Status:     status,
			Timestamp:  m.now().UTC().Format(time.RFC3339),
		})
		if p.FileSize <= 0 {
			m.emitProgress(p.TransferID, 0, 0)
		}

	case wire.FileChunk:
		received, ok := m.transfers.AppendChunk(p.TransferID, p.Chunk)
		if !ok {
			// Stray chunk for a cancelled or never-started transfer.
			return
		}
		t := m.transfers.Get(p.TransferID)
		if t == nil {
			return
		}
		m.emitProgress(p.TransferID, received, t.Meta.FileSize)
		if received >= t.Meta.FileSize {
			m.logger.Infof("transfer %s from %s complete (%d bytes)", p.TransferID, senderID, received)
			m.updateChatByTransfer(p.TransferID, map[string]any{
				"status":    chat.StatusCompleted,
				"file_name": t.Meta.FileName,
				"file_size": t.Meta.FileSize,
				"mime_type": t.Meta.MimeType,
			})
		}

	case wire.EndCall:
		m.logger.Infof("peer %s ended the call", senderID)
		m.registry.RemoveMediaSession(senderID)
	}
}

// handleIncomingCall answers an inbound call with freshly acquired local
// media, or rejects it when acquisition fails or a session already exists.
func (m *Manager) handleIncomingCall(call transport.IncomingCall) {
	peerID := call.RemoteID()

	if m.registry.MediaSessionFor(peerID) != nil {
		m.logger.Warnf("rejecting call from %s: session already active", peerID)
		_ = call.Reject()
		return
	}

	local, err := m.capture.Video(m.ctx)
	if err != nil {
		m.logger.Errorf("failed to acquire local media, rejecting call from %s: %v", peerID, err)
		_ = call.Reject()
		return
	}

	mc, err := call.Answer(local)
	if err != nil {
		m.logger.Errorf("failed to answer call from %s: %v", peerID, err)
		local.StopTracks()
		return
	}

	session := conn.NewMediaSession(peerID, media.KindVideo, mc, local)
	m.registry.AddMediaSession(session)
	m.watchMediaConn(peerID, mc)
	m.logger.Infof("answered call from %s", peerID)
}

// watchMediaConn records the remote stream when it arrives and cleans up the
// session when the transport closes it.
func (m *Manager) watchMediaConn(peerID string, mc transport.MediaConn) {
	mc.OnStream(func(rs *media.RemoteStream) {
		m.registry.SetRemoteStream(peerID, rs)
	})
	mc.OnClose(func() {
		m.registry.RemoveMediaSession(peerID)
	})
}

func (m *Manager) appendChat(msg *chat.Message) {
	if m.chat == nil {
		return
	}
	if err := m.chat.Append(msg); err != nil {
		m.logger.Warnf("failed to append chat message: %v", err)
	}
}

func (m *Manager) updateChatByTransfer(transferID string, fields map[string]any) {
	if m.chat == nil {
		return
	}
	if err := m.chat.UpdateByTransferID(transferID, fields); err != nil {
		m.logger.Warnf("failed to update chat entry for transfer %s: %v", transferID, err)
	}
}
