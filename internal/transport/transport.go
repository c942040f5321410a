// Package transport defines the contract between the peer core and the
// rendezvous/transport collaborator. The core only needs dial/call intents
// plus lifecycle events; how links get negotiated is the implementation's
// business.
package transport

import "peerlink/internal/media"

// DataConn is one logical bidirectional ordered-message channel to a remote
// peer. Delivery is FIFO within a single conn; nothing is guaranteed across
// two conns to the same peer.
type DataConn interface {
	RemoteID() string
	IsOpen() bool
	Send(data []byte) error
	Close() error

	// Event registration. Registering an open handler on a conn that is
	// already open invokes it immediately.
	OnOpen(func())
	OnClose(func())
	OnError(func(error))
	OnData(func([]byte))
}

// MediaConn is one call-like media session with a remote peer. The remote
// stream arrives asynchronously, possibly after the session is already
// registered locally.
type MediaConn interface {
	RemoteID() string
	OnStream(func(*media.RemoteStream))
	OnClose(func())
	Close() error
}

// IncomingCall is an inbound call awaiting an answer. Callers invoke exactly
// one of Answer or Reject.
type IncomingCall interface {
	RemoteID() string
	Answer(local *media.Stream) (MediaConn, error)
	Reject() error
}

// Endpoint is the local transport endpoint: the origin of outbound intents
// and the source of inbound connection and call events.
type Endpoint interface {
	LocalID() string
	Dial(remoteID string) (DataConn, error)
	Call(remoteID string, local *media.Stream) (MediaConn, error)
	OnConnection(func(DataConn))
	OnCall(func(IncomingCall))
	Close() error
}
