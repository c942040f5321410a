// Package transfer tracks byte-level progress of chunked file transfers,
// incoming and outgoing, independent of which connection carries them.
package transfer

import (
	"context"
	"fmt"
	"time"
)

type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// Meta is the file metadata exchanged ahead of the first chunk.
type Meta struct {
	FileName string
	FileSize int64
	MimeType string
}

// File is a materialized file-like object: recorded metadata plus, once
// available, the assembled bytes. Descriptors returned for not-yet-complete
// outgoing transfers carry nil Data.
type File struct {
	Name     string
	Size     int64
	MimeType string
	Data     []byte
}

// Transfer is one chunked file in flight. Exported fields are fixed at
// creation; chunk buffers and byte counts are owned by the Registry and only
// move through its operations.
type Transfer struct {
	ID        string
	PeerID    string
	Direction Direction
	Meta      Meta

	chunks   [][]byte
	received int64
	file     *File

	ctx    context.Context
	cancel context.CancelFunc
}

// Aborted reports whether an outgoing transfer has been cancelled. Chunk send
// loops poll this between chunks.
func (t *Transfer) Aborted() bool {
	if t.ctx == nil {
		return false
	}
	select {
	case <-t.ctx.Done():
		return true
	default:
		return false
	}
}

// Done exposes the abort signal for select-based send loops. Returns nil for
// incoming transfers, which cannot be aborted.
func (t *Transfer) Done() <-chan struct{} {
	if t.ctx == nil {
		return nil
	}
	return t.ctx.Done()
}

// DeriveID builds a transfer id from the sender and a timestamp, for callers
// that do not supply their own.
func DeriveID(senderID string, now time.Time) string {
	return fmt.Sprintf("%s-%d", senderID, now.UnixMilli())
}

// Progress converts a byte count into a percentage, clamped to 100.
func Progress(received, total int64) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(received) / float64(total) * 100
	if p > 100 {
		return 100
	}
	return p
}
