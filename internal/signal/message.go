package signal

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// MessageType discriminates signaling messages on the wire.
type MessageType string

const (
	TypeInit         MessageType = "init"
	TypeSDPOffer     MessageType = "sdp_offer"
	TypeSDPAnswer    MessageType = "sdp_answer"
	TypeICECandidate MessageType = "ice_candidate"
	TypePing         MessageType = "ping"
	TypePong         MessageType = "pong"
	TypeError        MessageType = "error"
)

// Message is the envelope exchanged over the signaling channel. Each
// variant carries only the fields it needs; transcript-delta events from
// the provider pass through untouched in Raw.
type Message struct {
	Type           MessageType                `json:"type"`
	SessionID      string                     `json:"sessionId,omitempty"`
	SimulationMode bool                       `json:"simulationMode,omitempty"`
	Timestamp      string                     `json:"timestamp,omitempty"`
	Offer          *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer         *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate      *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Message        string                     `json:"message,omitempty"`

	// Raw is the original wire payload, kept for passthrough of message
	// types this layer does not interpret.
	Raw json.RawMessage `json:"-"`
}

func Init(sessionID string, simulation bool) Message {
	return Message{
		Type:           TypeInit,
		SessionID:      sessionID,
		SimulationMode: simulation,
		Timestamp:      now(),
	}
}

func Ping() Message { return Message{Type: TypePing, Timestamp: now()} }

func Pong() Message { return Message{Type: TypePong, Timestamp: now()} }

func Offer(desc webrtc.SessionDescription) Message {
	return Message{Type: TypeSDPOffer, Offer: &desc}
}

func Answer(desc webrtc.SessionDescription) Message {
	return Message{Type: TypeSDPAnswer, Answer: &desc}
}

func Candidate(ci webrtc.ICECandidateInit) Message {
	return Message{Type: TypeICECandidate, Candidate: &ci}
}

// Decode parses a wire payload, preserving the raw bytes. Unknown types
// are not an error here; callers ignore what they do not handle.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	m.Raw = append(json.RawMessage(nil), data...)
	return m, nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }
