package transfer

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ChunkedRoundTrip(t *testing.T) {
	r := NewRegistry()

	content := bytes.Repeat([]byte("abcd"), 10240) // 40 KiB
	r.Start("t1", StartOptions{
		PeerID:    "bob",
		Direction: Incoming,
		FileName:  "photo.png",
		FileSize:  int64(len(content)),
		MimeType:  "image/png",
	})

	const chunkSize = 16 * 1024
	for off := 0; off < len(content); off += chunkSize {
		end := off + chunkSize
		if end > len(content) {
			end = len(content)
		}
		_, ok := r.AppendChunk("t1", content[off:end])
		require.True(t, ok)
	}

	require.True(t, r.Complete("t1"))

	f := r.Finalize("t1")
	require.NotNil(t, f)
	assert.Equal(t, "photo.png", f.Name)
	assert.Equal(t, "image/png", f.MimeType)
	assert.Equal(t, int64(len(content)), f.Size)
	assert.True(t, bytes.Equal(content, f.Data), "reassembled bytes differ from original")

	// Finalize removed the record; late chunks are dropped.
	assert.Nil(t, r.Get("t1"))
	_, ok := r.AppendChunk("t1", []byte("stray"))
	assert.False(t, ok)
}

func TestRegistry_ProgressMonotonic(t *testing.T) {
	r := NewRegistry()
	r.Start("t1", StartOptions{Direction: Incoming, FileName: "a.bin", FileSize: 100})

	var last float64
	for i := 0; i < 12; i++ {
		n, ok := r.AppendChunk("t1", make([]byte, 10))
		require.True(t, ok)
		p := Progress(n, 100)
		assert.GreaterOrEqual(t, p, last)
		assert.LessOrEqual(t, p, 100.0)
		last = p
	}
	assert.Equal(t, 100.0, last)
}

func TestRegistry_StrayChunkIgnored(t *testing.T) {
	r := NewRegistry()
	_, ok := r.AppendChunk("never-started", []byte("data"))
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_OutgoingWithFileNeverBuffers(t *testing.T) {
	r := NewRegistry()
	f := &File{Name: "doc.pdf", Size: 3, MimeType: "application/pdf", Data: []byte("pdf")}
	tr := r.Start("t2", StartOptions{PeerID: "bob", Direction: Outgoing, File: f})

	assert.Equal(t, "doc.pdf", tr.Meta.FileName)
	assert.Equal(t, int64(3), tr.Meta.FileSize)

	got := r.Finalize("t2")
	require.NotNil(t, got)
	assert.Same(t, f, got)
	assert.Nil(t, r.Get("t2"))
}

func TestRegistry_PeekOutgoingDescriptor(t *testing.T) {
	r := NewRegistry()
	r.Start("t3", StartOptions{
		Direction: Outgoing,
		FileName:  "big.iso",
		FileSize:  1 << 30,
		MimeType:  "application/octet-stream",
	})

	f := r.Peek("t3")
	require.NotNil(t, f)
	assert.Equal(t, "big.iso", f.Name)
	assert.Equal(t, int64(1<<30), f.Size)
	assert.Nil(t, f.Data)

	// Peek is non-destructive.
	assert.NotNil(t, r.Get("t3"))
}

func TestRegistry_PeekIncomingPartial(t *testing.T) {
	r := NewRegistry()
	r.Start("t4", StartOptions{Direction: Incoming, FileName: "part.txt", FileSize: 10})
	r.AppendChunk("t4", []byte("hello"))

	f := r.Peek("t4")
	require.NotNil(t, f)
	assert.Equal(t, []byte("hello"), f.Data)
	assert.NotNil(t, r.Get("t4"), "peek must not finalize")
}

func TestRegistry_CancelAbortsOutgoing(t *testing.T) {
	r := NewRegistry()
	tr := r.Start("t5", StartOptions{Direction: Outgoing, FileName: "x", FileSize: 1})

	require.False(t, tr.Aborted())
	r.Cancel("t5")
	assert.True(t, tr.Aborted())
	assert.Nil(t, r.Get("t5"))

	// Cancelling again is a no-op.
	r.Cancel("t5")
}

func TestRegistry_IncomingHasNoAbortSignal(t *testing.T) {
	r := NewRegistry()
	tr := r.Start("t6", StartOptions{Direction: Incoming, FileName: "x", FileSize: 1})
	assert.Nil(t, tr.Done())
	assert.False(t, tr.Aborted())
}

func TestRegistry_StartExistingIDReturnsSameRecord(t *testing.T) {
	r := NewRegistry()
	a := r.Start("dup", StartOptions{Direction: Incoming, FileName: "a", FileSize: 1})
	b := r.Start("dup", StartOptions{Direction: Incoming, FileName: "b", FileSize: 2})
	assert.Same(t, a, b)
	assert.Equal(t, "a", b.Meta.FileName)
}

func TestRegistry_FinalizeWithoutMetadata(t *testing.T) {
	r := NewRegistry()
	r.Start("meta-less", StartOptions{Direction: Incoming})
	assert.Nil(t, r.Finalize("meta-less"))
}

func TestDeriveID(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	assert.Equal(t, "alice-1700000000000", DeriveID("alice", now))
}

func TestProgress_ZeroSize(t *testing.T) {
	assert.Equal(t, 0.0, Progress(10, 0))
}

func TestRegistry_ZeroSizeCompleteOnStart(t *testing.T) {
	r := NewRegistry()
	r.Start("t1", StartOptions{Direction: Incoming, FileName: "empty.txt", FileSize: 0})

	assert.True(t, r.Complete("t1"), "metadata alone completes a zero-size transfer")
	assert.False(t, r.Complete("missing"))

	f := r.Finalize("t1")
	require.NotNil(t, f)
	assert.Equal(t, "empty.txt", f.Name)
	assert.Zero(t, f.Size)
	assert.Empty(t, f.Data)
}
