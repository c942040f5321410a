// Package wire defines the payloads exchanged over a logical data connection
// and their JSON encoding. The wire format is browser-compatible: every payload
// is a JSON object carrying a "type" tag, except legacy bare-string text
// messages which decode to a Text payload.
package wire

// ChunkSize is the fixed size of one file chunk on the wire.
const ChunkSize = 16 * 1024

type MsgType string

const (
	MsgFileMetadata MsgType = "file-metadata"
	MsgFileChunk    MsgType = "file-chunk"
	MsgText         MsgType = "text"
	MsgEndCall      MsgType = "END_CALL"
)

func (t MsgType) String() string { return string(t) }

// Message is one decoded data-channel payload.
type Message interface {
	Type() MsgType
}

// FileMetadata announces an incoming file: it precedes the first chunk and
// carries everything the receiver needs to track the transfer.
type FileMetadata struct {
	TransferID string `json:"transferId"`
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
	MimeType   string `json:"mimeType"`
}

func (FileMetadata) Type() MsgType { return MsgFileMetadata }

// FileChunk carries one fixed-size slice of a file. Offsets increase
// monotonically by ChunkSize; the final chunk may be short.
type FileChunk struct {
	TransferID string `json:"transferId"`
	Chunk      []byte `json:"chunk"`
	Offset     int64  `json:"offset"`
}

func (FileChunk) Type() MsgType { return MsgFileChunk }

// Text is a chat message. SenderID is optional on the wire; receivers fall
// back to the delivering connection's remote id when it is absent.
type Text struct {
	Content  string `json:"content"`
	SenderID string `json:"senderId,omitempty"`
}

func (Text) Type() MsgType { return MsgText }

// EndCall asks the receiver to tear down the sender's media session.
type EndCall struct{}

func (EndCall) Type() MsgType { return MsgEndCall }
