// Package signal defines the envelope exchanged with the relay server and a
// websocket client that peers use to trade session descriptions and ICE
// candidates before a direct link exists.
package signal

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
)

// Envelope message types.
const (
	TypeOffer    = "offer"
	TypeAnswer   = "answer"
	TypeICE      = "ice"
	TypeRelay    = "relay"
	TypePresence = "presence"
	TypeWho      = "who"
	TypeError    = "error"
)

// Session labels inside an envelope. A data session negotiates the data
// channel link, a media session negotiates an audio/video link. The two are
// independent peer connections between the same pair of peers.
const (
	SessionData  = "data"
	SessionMedia = "media"
)

// Presence states carried by TypePresence envelopes.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Message is the envelope routed through the relay. Only the fields relevant
// to the Type are populated.
type Message struct {
	Type    string `json:"type"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	ConnID  string `json:"connId,omitempty"`
	Session string `json:"session,omitempty"`

	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`

	// Payload carries relayed application data (TypeRelay), presence state
	// (TypePresence) or peer lists (TypeWho).
	Payload json.RawMessage `json:"payload,omitempty"`
}
