package peer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerlink/internal/chat"
	"peerlink/internal/conn"
	"peerlink/internal/media"
	"peerlink/internal/transfer"
	"peerlink/internal/transport"
	"peerlink/internal/wire"
)

// stubConn implements transport.DataConn with manual event firing.
type stubConn struct {
	mu       sync.Mutex
	remoteID string
	open     bool
	failSend bool
	sent     [][]byte
	closed   int

	onOpen  func()
	onClose func()
	onError func(error)
	onData  func([]byte)
}

func (s *stubConn) RemoteID() string { return s.remoteID }

func (s *stubConn) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *stubConn) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSend {
		return errors.New("send failed")
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	s.open = false
	return nil
}

func (s *stubConn) OnOpen(fn func()) {
	s.onOpen = fn
	if s.IsOpen() {
		fn()
	}
}

func (s *stubConn) OnClose(fn func()) { s.onClose = fn }
func (s *stubConn) OnError(fn func(error)) { s.onError = fn }
func (s *stubConn) OnData(fn func([]byte)) { s.onData = fn }

func (s *stubConn) fireOpen() {
	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	if s.onOpen != nil {
		s.onOpen()
	}
}

func (s *stubConn) fireData(payload []byte) {
	if s.onData != nil {
		s.onData(payload)
	}
}

func (s *stubConn) fireClose() {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	if s.onClose != nil {
		s.onClose()
	}
}

func (s *stubConn) sentPayloads(t *testing.T) []wire.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.Message
	for _, raw := range s.sent {
		msg, err := wire.Decode(raw)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

type stubMediaConn struct {
	remoteID string
	closed   int
	onStream func(*media.RemoteStream)
	onClose  func()
}

func (s *stubMediaConn) RemoteID() string { return s.remoteID }

func (s *stubMediaConn) OnStream(fn func(*media.RemoteStream)) { s.onStream = fn }

func (s *stubMediaConn) OnClose(fn func()) { s.onClose = fn }

func (s *stubMediaConn) Close() error { s.closed++; return nil }

type stubCall struct {
	remoteID string
	answered *media.Stream
	rejected int
	conn     *stubMediaConn
	fail     bool
}

func (s *stubCall) RemoteID() string { return s.remoteID }

func (s *stubCall) Answer(local *media.Stream) (transport.MediaConn, error) {
	if s.fail {
		return nil, errors.New("answer failed")
	}
	s.answered = local
	s.conn = &stubMediaConn{remoteID: s.remoteID}
	return s.conn, nil
}

func (s *stubCall) Reject() error { s.rejected++; return nil }

type stubEndpoint struct {
	localID  string
	dialed   []string
	dialConn *stubConn
	dialErr  error
	called   []string
	callConn *stubMediaConn
	callErr  error
	closed   int
	onConn   func(transport.DataConn)
	onCall   func(transport.IncomingCall)
}

func (s *stubEndpoint) LocalID() string { return s.localID }

func (s *stubEndpoint) Dial(remoteID string) (transport.DataConn, error) {
	s.dialed = append(s.dialed, remoteID)
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	if s.dialConn == nil {
		s.dialConn = &stubConn{remoteID: remoteID}
	}
	return s.dialConn, nil
}

func (s *stubEndpoint) Call(remoteID string, _ *media.Stream) (transport.MediaConn, error) {
	s.called = append(s.called, remoteID)
	if s.callErr != nil {
		return nil, s.callErr
	}
	s.callConn = &stubMediaConn{remoteID: remoteID}
	return s.callConn, nil
}

func (s *stubEndpoint) OnConnection(fn func(transport.DataConn)) { s.onConn = fn }

func (s *stubEndpoint) OnCall(fn func(transport.IncomingCall)) { s.onCall = fn }

func (s *stubEndpoint) Close() error { s.closed++; return nil }

type stubCapturer struct {
	fail bool
}

func (c *stubCapturer) Video(context.Context) (*media.Stream, error) {
	if c.fail {
		return nil, errors.New("device busy")
	}
	return media.NewStream("video-stream", media.KindVideo, nil), nil
}

func (c *stubCapturer) Screen(context.Context) (*media.Stream, error) {
	if c.fail {
		return nil, errors.New("permission denied")
	}
	return media.NewStream("screen-stream", media.KindScreen, nil), nil
}

func (c *stubCapturer) None() *media.Stream {
	return media.NewStream("empty-stream", media.KindNone, nil)
}

type memChat struct {
	mu      sync.Mutex
	msgs    []chat.Message
	updates map[string][]map[string]any
}

func newMemChat() *memChat {
	return &memChat{updates: make(map[string][]map[string]any)}
}

func (c *memChat) Append(msg *chat.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, *msg)
	return nil
}

func (c *memChat) UpdateByTransferID(transferID string, fields map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates[transferID] = append(c.updates[transferID], fields)
	return nil
}

func (c *memChat) History(string, string) ([]chat.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chat.Message(nil), c.msgs...), nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestManager(t *testing.T) (*Manager, *stubEndpoint, *memChat) {
	t.Helper()
	ep := &stubEndpoint{localID: "alice"}
	store := newMemChat()
	m := New(context.Background(), Options{
		LocalID:  "alice",
		Chat:     store,
		Capture:  &stubCapturer{},
		Endpoint: ep,
		Logger:   quietLogger(),
	})
	m.Bind()
	return m, ep, store
}

func TestManager_OpenFlushesBacklogInOrder(t *testing.T) {
	m, _, store := newTestManager(t)

	m.SendMessage("m1", "bob")
	m.SendMessage("m2", "bob")
	m.SendMessage("m3", "bob")

	dc := &stubConn{remoteID: "bob"}
	m.HandleConnection(dc)
	dc.fireOpen()

	payloads := dc.sentPayloads(t)
	require.Len(t, payloads, 3)
	for i, want := range []string{"m1", "m2", "m3"} {
		txt, ok := payloads[i].(wire.Text)
		require.True(t, ok)
		assert.Equal(t, want, txt.Content)
		assert.Equal(t, "alice", txt.SenderID)
	}

	assert.Equal(t, conn.StatusConnected, m.Registry().Status())
	require.Len(t, store.msgs, 3)

	// Backlog is cleared: reopening sends nothing further.
	dc2 := &stubConn{remoteID: "bob"}
	m.HandleConnection(dc2)
	dc2.fireOpen()
	assert.Empty(t, dc2.sentPayloads(t))
}

func TestManager_SendMessageOverOpenConn(t *testing.T) {
	m, _, store := newTestManager(t)
	dc := &stubConn{remoteID: "bob", open: true}
	m.HandleConnection(dc)

	m.SendMessage("hello", "bob")

	payloads := dc.sentPayloads(t)
	require.Len(t, payloads, 1)
	assert.Equal(t, "hello", payloads[0].(wire.Text).Content)
	require.Len(t, store.msgs, 1)
	assert.Equal(t, "alice", store.msgs[0].Sender)
	assert.Equal(t, "bob", store.msgs[0].Receiver)
}

func TestManager_SendMessageSanitizesTarget(t *testing.T) {
	m, _, _ := newTestManager(t)
	dc := &stubConn{remoteID: "bob_example_com", open: true}
	m.HandleConnection(dc)

	m.SendMessage("hi", "bob@example.com")
	assert.Len(t, dc.sentPayloads(t), 1)
}

func TestManager_SendMessageRelayFallback(t *testing.T) {
	var relayed [][]byte
	ep := &stubEndpoint{localID: "alice"}
	m := New(context.Background(), Options{
		LocalID:  "alice",
		Capture:  &stubCapturer{},
		Endpoint: ep,
		Logger:   quietLogger(),
		RelaySend: func(to string, payload []byte) error {
			relayed = append(relayed, payload)
			return nil
		},
	})
	m.Bind()

	m.SendMessage("offline msg", "bob")
	require.Len(t, relayed, 1)
	msg, err := wire.Decode(relayed[0])
	require.NoError(t, err)
	assert.Equal(t, "offline msg", msg.(wire.Text).Content)
}

func TestManager_InboundTextAppendsChat(t *testing.T) {
	m, _, store := newTestManager(t)
	dc := &stubConn{remoteID: "bob", open: true}
	m.HandleConnection(dc)

	raw, _ := wire.Encode(wire.Text{Content: "yo", SenderID: "bob"})
	dc.fireData(raw)

	require.Len(t, store.msgs, 1)
	assert.Equal(t, "bob", store.msgs[0].Sender)
	assert.Equal(t, "yo", store.msgs[0].Content)
}

func TestManager_InboundBareStringIsText(t *testing.T) {
	m, _, store := newTestManager(t)
	dc := &stubConn{remoteID: "bob", open: true}
	m.HandleConnection(dc)

	dc.fireData([]byte("legacy hello"))

	require.Len(t, store.msgs, 1)
	assert.Equal(t, "legacy hello", store.msgs[0].Content)
	assert.Equal(t, "bob", store.msgs[0].Sender)
}

func TestManager_SelfMessageDiscarded(t *testing.T) {
	m, _, store := newTestManager(t)
	dc := &stubConn{remoteID: "bob", open: true}
	m.HandleConnection(dc)

	raw, _ := wire.Encode(wire.Text{Content: "echo", SenderID: "alice"})
	dc.fireData(raw)

	assert.Empty(t, store.msgs)
}

func TestManager_IncomingFileLifecycle(t *testing.T) {
	m, _, store := newTestManager(t)
	dc := &stubConn{remoteID: "bob", open: true}
	m.HandleConnection(dc)

	var progress []int64
	m.OnTransferProgress = func(_ string, transferred, _ int64) {
		progress = append(progress, transferred)
	}

	meta, _ := wire.Encode(wire.FileMetadata{
		TransferID: "bob-1",
		FileName:   "photo.png",
		FileSize:   40960,
		MimeType:   "image/png",
	})
	dc.fireData(meta)

	require.Len(t, store.msgs, 1)
	assert.Equal(t, chat.StatusPending, store.msgs[0].Status)
	assert.Equal(t, "bob-1", store.msgs[0].TransferID)

	sizes := []int{16384, 16384, 8192}
	offset := int64(0)
	for _, n := range sizes {
		raw, _ := wire.Encode(wire.FileChunk{TransferID: "bob-1", Chunk: make([]byte, n), Offset: offset})
		dc.fireData(raw)
		offset += int64(n)
	}

	assert.Equal(t, []int64{16384, 32768, 40960}, progress)

	updates := store.updates["bob-1"]
	require.Len(t, updates, 1)
	assert.Equal(t, chat.StatusCompleted, updates[0]["status"])
	assert.Equal(t, int64(40960), updates[0]["file_size"])

	f := m.Transfers().Finalize("bob-1")
	require.NotNil(t, f)
	assert.Equal(t, int64(40960), f.Size)
	assert.Equal(t, "photo.png", f.Name)
}

func TestManager_StrayChunkIgnored(t *testing.T) {
	m, _, store := newTestManager(t)
	dc := &stubConn{remoteID: "bob", open: true}
	m.HandleConnection(dc)

	raw, _ := wire.Encode(wire.FileChunk{TransferID: "never-started", Chunk: []byte("x")})
	dc.fireData(raw)

	assert.Empty(t, store.msgs)
	assert.Zero(t, m.Transfers().Len())
}

func TestManager_EndCallTearsDownSession(t *testing.T) {
	m, _, _ := newTestManager(t)
	dc := &stubConn{remoteID: "bob", open: true}
	m.HandleConnection(dc)

	mc := &stubMediaConn{remoteID: "bob"}
	local := media.NewStream("s", media.KindVideo, nil)
	m.Registry().AddMediaSession(conn.NewMediaSession("bob", media.KindVideo, mc, local))

	raw, _ := wire.Encode(wire.EndCall{})
	dc.fireData(raw)

	assert.Nil(t, m.Registry().MediaSessionFor("bob"))
	assert.Equal(t, 1, mc.closed)
	assert.True(t, local.Stopped())
}

func TestManager_CloseRemovesConnAndRecomputesStatus(t *testing.T) {
	m, _, _ := newTestManager(t)
	dc := &stubConn{remoteID: "bob"}
	m.HandleConnection(dc)
	dc.fireOpen()
	require.Equal(t, conn.StatusConnected, m.Registry().Status())

	dc.fireClose()
	assert.Nil(t, m.Registry().GetConnection("bob"))
	assert.Equal(t, conn.StatusDisconnected, m.Registry().Status())
}

func TestManager_ErrorDegradesStatusWithoutRemoval(t *testing.T) {
	m, _, _ := newTestManager(t)
	dc := &stubConn{remoteID: "bob", open: true}
	m.HandleConnection(dc)
	require.Equal(t, conn.StatusConnected, m.Registry().Status())

	dc.onError(errors.New("ice failed"))

	assert.Equal(t, conn.StatusDisconnected, m.Registry().Status())
	assert.NotNil(t, m.Registry().GetConnection("bob"), "error alone must not remove the conn")
}

func TestManager_ConnectIsNoopWhenConnected(t *testing.T) {
	m, ep, _ := newTestManager(t)
	dc := &stubConn{remoteID: "bob", open: true}
	m.HandleConnection(dc)

	require.NoError(t, m.Connect("bob"))
	assert.Empty(t, ep.dialed)
}

func TestManager_ConnectDialError(t *testing.T) {
	m, ep, _ := newTestManager(t)
	ep.dialErr = errors.New("relay unreachable")

	err := m.Connect("bob")
	assert.Error(t, err)
	assert.Equal(t, conn.StatusDisconnected, m.Registry().Status())
}

func TestManager_SendFileWithoutConnection(t *testing.T) {
	m, _, store := newTestManager(t)

	ok := m.SendFile(&transfer.File{Name: "a.bin", Size: 4, Data: []byte("data")}, "bob")

	assert.False(t, ok)
	assert.Zero(t, m.Transfers().Len(), "no transfer may be created")
	assert.Empty(t, store.msgs, "no chat entry may be emitted")
}

func TestManager_SendFileChunksAndCompletes(t *testing.T) {
	m, _, store := newTestManager(t)
	dc := &stubConn{remoteID: "bob", open: true}
	m.HandleConnection(dc)

	content := make([]byte, 40960)
	for i := range content {
		content[i] = byte(i)
	}
	ok := m.SendFile(&transfer.File{Name: "blob.bin", Size: 40960, MimeType: "application/octet-stream", Data: content}, "bob")
	require.True(t, ok)

	payloads := dc.sentPayloads(t)
	require.Len(t, payloads, 4, "one metadata message plus three chunks")

	meta := payloads[0].(wire.FileMetadata)
	assert.Equal(t, "blob.bin", meta.FileName)
	assert.Equal(t, int64(40960), meta.FileSize)

	var reassembled []byte
	wantOffsets := []int64{0, 16384, 32768}
	for i, p := range payloads[1:] {
		c := p.(wire.FileChunk)
		assert.Equal(t, wantOffsets[i], c.Offset)
		reassembled = append(reassembled, c.Chunk...)
	}
	assert.Equal(t, content, reassembled)

	require.Len(t, store.msgs, 1)
	assert.Equal(t, chat.StatusPending, store.msgs[0].Status)
	updates := store.updates[meta.TransferID]
	require.Len(t, updates, 1)
	assert.Equal(t, chat.StatusCompleted, updates[0]["status"])
}

func TestManager_SendFileSendFailure(t *testing.T) {
	m, _, _ := newTestManager(t)
	dc := &stubConn{remoteID: "bob", open: true, failSend: true}
	m.HandleConnection(dc)

	ok := m.SendFile(&transfer.File{Name: "a.bin", Size: 4, Data: []byte("data")}, "bob")
	assert.False(t, ok)
	assert.Zero(t, m.Transfers().Len(), "failed metadata send cancels the transfer")
}

func TestManager_SendFileCancelledMidTransfer(t *testing.T) {
	m, _, _ := newTestManager(t)
	dc := &stubConn{remoteID: "bob", open: true}
	m.HandleConnection(dc)

	m.OnTransferProgress = func(transferID string, transferred, total int64) {
		if transferred >= 16384 {
			m.Transfers().Cancel(transferID)
		}
	}

	ok := m.SendFile(&transfer.File{Name: "big.bin", Size: 65536, Data: make([]byte, 65536)}, "bob")
	assert.False(t, ok)

	payloads := dc.sentPayloads(t)
	// Metadata plus the single chunk sent before the abort was observed.
	assert.Len(t, payloads, 2)
}

func TestManager_SwitchMediaReplacesSession(t *testing.T) {
	m, ep, _ := newTestManager(t)
	dc := &stubConn{remoteID: "bob", open: true}
	m.HandleConnection(dc)

	first, err := m.SwitchMedia("bob", media.KindVideo)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, media.KindVideo, first.Kind())
	firstConn := ep.callConn

	second, err := m.SwitchMedia("bob", media.KindScreen)
	require.NoError(t, err)
	assert.Equal(t, media.KindScreen, second.Kind())

	assert.True(t, first.Closed(), "prior session must be closed")
	assert.Equal(t, 1, firstConn.closed)
	assert.Same(t, second, m.Registry().MediaSessionFor("bob"), "exactly one session remains")
}

func TestManager_SwitchMediaRequiresConnection(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.SwitchMedia("bob", media.KindVideo)
	assert.Error(t, err)
}

func TestManager_SwitchMediaAcquisitionFailure(t *testing.T) {
	ep := &stubEndpoint{localID: "alice"}
	m := New(context.Background(), Options{
		LocalID:  "alice",
		Capture:  &stubCapturer{fail: true},
		Endpoint: ep,
		Logger:   quietLogger(),
	})
	m.Bind()
	dc := &stubConn{remoteID: "bob", open: true}
	m.HandleConnection(dc)

	_, err := m.SwitchMedia("bob", media.KindVideo)
	assert.Error(t, err)
	assert.Nil(t, m.Registry().MediaSessionFor("bob"))
	assert.Empty(t, ep.called, "no call may be placed without local media")
}

func TestManager_EndMediaNotifiesPeer(t *testing.T) {
	m, _, _ := newTestManager(t)
	dc := &stubConn{remoteID: "bob", open: true}
	m.HandleConnection(dc)

	_, err := m.SwitchMedia("bob", media.KindVideo)
	require.NoError(t, err)

	m.EndMedia("bob")
	assert.Nil(t, m.Registry().MediaSessionFor("bob"))

	payloads := dc.sentPayloads(t)
	require.NotEmpty(t, payloads)
	_, isEndCall := payloads[len(payloads)-1].(wire.EndCall)
	assert.True(t, isEndCall)

	// Idempotent.
	m.EndMedia("bob")
}

func TestManager_InboundCallAnswered(t *testing.T) {
	m, ep, _ := newTestManager(t)

	call := &stubCall{remoteID: "bob"}
	ep.onCall(call)

	require.NotNil(t, call.answered, "call must be answered with acquired media")
	session := m.Registry().MediaSessionFor("bob")
	require.NotNil(t, session)
	assert.Equal(t, media.KindVideo, session.Kind())

	// Remote stream arrives after the session is registered.
	rs := media.NewRemoteStream("bob")
	call.conn.onStream(rs)
	assert.Same(t, rs, m.Registry().RemoteStreamFor("bob"))
}

func TestManager_InboundCallRejectedOnCaptureFailure(t *testing.T) {
	ep := &stubEndpoint{localID: "alice"}
	m := New(context.Background(), Options{
		LocalID:  "alice",
		Capture:  &stubCapturer{fail: true},
		Endpoint: ep,
		Logger:   quietLogger(),
	})
	m.Bind()

	call := &stubCall{remoteID: "bob"}
	ep.onCall(call)

	assert.Equal(t, 1, call.rejected)
	assert.Nil(t, m.Registry().MediaSessionFor("bob"))
}

func TestManager_InboundCallRejectedWhenSessionExists(t *testing.T) {
	m, ep, _ := newTestManager(t)
	m.Registry().AddMediaSession(conn.NewMediaSession("bob", media.KindVideo, &stubMediaConn{remoteID: "bob"}, nil))

	call := &stubCall{remoteID: "bob"}
	ep.onCall(call)

	assert.Equal(t, 1, call.rejected)
}

func TestManager_TimestampNormalizedOnQueue(t *testing.T) {
	m, _, _ := newTestManager(t)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	m.SendMessage("later", "bob")

	dc := &stubConn{remoteID: "bob"}
	m.HandleConnection(dc)
	dc.fireOpen()

	require.Len(t, dc.sentPayloads(t), 1)
}

func TestManager_ZeroByteFileCompletesOnMetadata(t *testing.T) {
	m, _, store := newTestManager(t)
	dc := &stubConn{remoteID: "bob", open: true}
	m.HandleConnection(dc)

	var progress [][2]int64
	m.OnTransferProgress = func(_ string, transferred, total int64) {
		progress = append(progress, [2]int64{transferred, total})
	}

	meta, _ := wire.Encode(wire.FileMetadata{
		TransferID: "bob-empty",
		FileName:   "empty.txt",
		FileSize:   0,
		MimeType:   "text/plain",
	})
	dc.fireData(meta)

	require.Len(t, store.msgs, 1)
	assert.Equal(t, chat.StatusCompleted, store.msgs[0].Status)
	assert.Equal(t, [][2]int64{{0, 0}}, progress)
	assert.True(t, m.Transfers().Complete("bob-empty"))

	f := m.Transfers().Finalize("bob-empty")
	require.NotNil(t, f)
	assert.Equal(t, "empty.txt", f.Name)
	assert.Zero(t, f.Size)
	assert.Empty(t, f.Data)
}

func TestManager_ProgressSerializedAcrossDirections(t *testing.T) {
	m, _, _ := newTestManager(t)
	sendConn := &stubConn{remoteID: "bob", open: true}
	m.HandleConnection(sendConn)
	recvConn := &stubConn{remoteID: "carol", open: true}
	m.HandleConnection(recvConn)

	// Deliberately unguarded: the manager promises serialized delivery, so
	// concurrent inbound chunks and an outbound send must not race here.
	bars := make(map[string]int64)
	m.OnTransferProgress = func(transferID string, transferred, _ int64) {
		bars[transferID] = transferred
	}

	meta, _ := wire.Encode(wire.FileMetadata{
		TransferID: "carol-1",
		FileName:   "in.bin",
		FileSize:   40960,
	})
	recvConn.fireData(meta)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ok := m.SendFile(&transfer.File{Name: "out.bin", Size: 40960, Data: make([]byte, 40960)}, "bob")
		assert.True(t, ok)
	}()
	go func() {
		defer wg.Done()
		for offset := int64(0); offset < 40960; offset += 16384 {
			n := int64(16384)
			if offset+n > 40960 {
				n = 40960 - offset
			}
			raw, _ := wire.Encode(wire.FileChunk{TransferID: "carol-1", Chunk: make([]byte, n), Offset: offset})
			recvConn.fireData(raw)
		}
	}()
	wg.Wait()

	assert.Equal(t, int64(40960), bars["carol-1"])
	require.Len(t, bars, 2)
	for _, transferred := range bars {
		assert.Equal(t, int64(40960), transferred)
	}
}
