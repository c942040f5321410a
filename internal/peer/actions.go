package peer

import (
	"fmt"
	"time"

	"peerlink/internal/chat"
	"peerlink/internal/conn"
	"peerlink/internal/identity"
	"peerlink/internal/media"
	"peerlink/internal/queue"
	"peerlink/internal/transfer"
	"peerlink/internal/wire"
)

// The peer action facade: the only entry points UI-facing code uses. Every
// operation sanitizes the target identifier before touching the registries.

// Connect opens a new logical connection to the target. No-op when an open
// connection already exists. The connection's lifecycle is processed by the
// event handler; Connect does not wait for it to open.
func (m *Manager) Connect(targetID string) error {
	to := identity.Sanitize(targetID)
	if m.registry.HasConnection(to) {
		m.logger.Debugf("already connected to %s", to)
		return nil
	}

	m.registry.SetStatus(conn.StatusConnecting)
	dc, err := m.endpoint.Dial(to)
	if err != nil {
		m.registry.SetStatus(conn.StatusDisconnected)
		return fmt.Errorf("dial %s: %w", to, err)
	}

	m.HandleConnection(dc)
	return nil
}

// Disconnect tears down every connection and any media session for the
// target.
func (m *Manager) Disconnect(targetID string) {
	to := identity.Sanitize(targetID)
	m.registry.RemoveMediaSession(to)
	m.registry.RemovePeer(to)
}

// SendMessage delivers a text message to the target, or queues it when no
// connection is open. Absence of a connection is the queuing path, not an
// error.
func (m *Manager) SendMessage(content, targetID string) {
	to := identity.Sanitize(targetID)
	ts := m.now().UTC().Format(time.RFC3339)

	dc := m.registry.GetConnection(to)
	if dc != nil && dc.IsOpen() {
		payload, err := wire.Encode(wire.Text{Content: content, SenderID: m.localID})
		if err != nil {
			m.logger.Warnf("failed to encode message for %s: %v", to, err)
			return
		}
		if err := dc.Send(payload); err == nil {
			m.appendChat(&chat.Message{
				Sender:    m.localID,
				Receiver:  to,
				Content:   content,
				Kind:      chat.KindText,
				Timestamp: ts,
			})
			return
		}
		m.logger.Warnf("send to %s failed, queueing message", to)
	}

	m.queue.Enqueue(to, queue.Message{
		SenderID: m.localID,
		Content:  content,
		Kind:     chat.KindText,
	}, ts)

	// Offer the message to the relay too: the peer may be online without a
	// direct link. The local queue stays authoritative for flush-on-open.
	if m.relaySend != nil {
		payload, err := wire.Encode(wire.Text{Content: content, SenderID: m.localID})
		if err == nil {
			if err := m.relaySend(to, payload); err != nil {
				m.logger.Debugf("relay fallback for %s unavailable: %v", to, err)
			}
		}
	}
}

// SendFile runs the chunking protocol against the target: one metadata
// message, then 16 KiB chunks until the file is exhausted. Requires an
// already-open connection; file sends are never queued. Returns false when no
// open connection exists or any send fails.
func (m *Manager) SendFile(file *transfer.File, targetID string) bool {
	to := identity.Sanitize(targetID)

	dc := m.registry.GetConnection(to)
	if dc == nil || !dc.IsOpen() {
		m.logger.Warnf("no open connection to %s, not sending file %s", to, file.Name)
		return false
	}

	transferID := transfer.DeriveID(m.localID, m.now())
	t := m.transfers.Start(transferID, transfer.StartOptions{
		PeerID:    to,
		Direction: transfer.Outgoing,
		File:      file,
	})

	meta, err := wire.Encode(wire.FileMetadata{
		TransferID: transferID,
		FileName:   file.Name,
		FileSize:   file.Size,
		MimeType:   file.MimeType,
	})
	if err != nil {
		m.transfers.Cancel(transferID)
		m.logger.Errorf("failed to encode file metadata: %v", err)
		return false
	}
	if err := dc.Send(meta); err != nil {
		m.transfers.Cancel(transferID)
		m.logger.Errorf("failed to send file metadata to %s: %v", to, err)
		return false
	}

	m.appendChat(&chat.Message{
		Sender:     m.localID,
		Receiver:   to,
		Kind:       chat.KindFile,
		TransferID: transferID,
		FileName:   file.Name,
		FileSize:   file.Size,
		MimeType:   file.MimeType,
		Status:     chat.StatusPending,
		Timestamp:  m.now().UTC().Format(time.RFC3339),
	})

	for offset := int64(0); offset < file.Size; offset += wire.ChunkSize {
		if t.Aborted() {
			m.logger.Infof("transfer %s cancelled at offset %d", transferID, offset)
			return false
		}

		end := offset + wire.ChunkSize
		if end > file.Size {
			end = file.Size
		}
		payload, err := wire.Encode(wire.FileChunk{
			TransferID: transferID,
			Chunk:      file.Data[offset:end],
			Offset:     offset,
		})
		if err != nil {
			m.logger.Errorf("failed to encode chunk at %d: %v", offset, err)
			return false
		}
		if err := dc.Send(payload); err != nil {
			m.logger.Errorf("failed to send chunk at %d to %s: %v", offset, to, err)
			return false
		}
		m.emitProgress(transferID, end, file.Size)
	}

	m.updateChatByTransfer(transferID, map[string]any{"status": chat.StatusCompleted})
	m.logger.Infof("sent %s (%d bytes) to %s", file.Name, file.Size, to)
	return true
}

// SwitchMedia replaces the target's media session with one of the requested
// kind. Any existing session is torn down, and its local tracks stopped,
// before the new capture is acquired. Requires an open data connection.
func (m *Manager) SwitchMedia(targetID string, kind media.Kind) (*conn.MediaSession, error) {
	to := identity.Sanitize(targetID)

	if !m.registry.HasConnection(to) {
		return nil, fmt.Errorf("no open connection to %s", to)
	}

	m.registry.RemoveMediaSession(to)

	var (
		local *media.Stream
		err   error
	)
	switch kind {
	case media.KindVideo:
		local, err = m.capture.Video(m.ctx)
	case media.KindScreen:
		local, err = m.capture.Screen(m.ctx)
	case media.KindNone:
		local = m.capture.None()
	default:
		return nil, fmt.Errorf("unknown media kind %q", kind)
	}
	if err != nil {
		m.logger.Errorf("failed to acquire %s media: %v", kind, err)
		return nil, err
	}

	mc, err := m.endpoint.Call(to, local)
	if err != nil {
		local.StopTracks()
		m.logger.Errorf("failed to call %s: %v", to, err)
		return nil, err
	}

	session := conn.NewMediaSession(to, kind, mc, local)
	m.registry.AddMediaSession(session)
	m.watchMediaConn(to, mc)
	m.logger.Infof("started %s media session with %s", kind, to)
	return session, nil
}

// EndMedia tears down the target's media session and tells the peer to do
// the same. Idempotent.
func (m *Manager) EndMedia(targetID string) {
	to := identity.Sanitize(targetID)

	if dc := m.registry.GetConnection(to); dc != nil && dc.IsOpen() {
		if payload, err := wire.Encode(wire.EndCall{}); err == nil {
			if err := dc.Send(payload); err != nil {
				m.logger.Debugf("failed to notify %s of call end: %v", to, err)
			}
		}
	}
	m.registry.RemoveMediaSession(to)
}
