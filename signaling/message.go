// Package signaling relays WebRTC negotiation messages between the two
// peers of a monitored call. A room holds at most two peers; a third is
// refused with ROOM_FULL and close code 1008. When a peer leaves, the other
// receives a peer_left message, which the monitor treats as a teardown
// signal.
package signaling

import "encoding/json"

// Message types. Anything else is relayed untouched.
const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
	TypePeerLeft  = "peer_left"
	TypeError     = "error"
)

// ErrRoomFull is the message of the error sent to a third peer.
const ErrRoomFull = "ROOM_FULL"

// Message is the envelope exchanged over a room. Payload is opaque to the
// hub (SDP, ICE candidate).
type Message struct {
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
