// Package rtc implements the WebRTC signaling coordinator: a per-stream
// SDP/ICE state machine carried over WEBRTC_SIGNALING channel events and
// bridged to a pluggable peer-connection factory.
package rtc

import (
	"encoding/json"
	"fmt"
	"strconv"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("agentwire/rtc")

// Signal message kinds on the wire.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
)

// ICECandidate is one trickled candidate. SDPMLineIndex travels as a JSON
// number but some agents emit it as a string; decoding accepts both.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	SDPMid        string `json:"sdpMid"`
}

func (c *ICECandidate) UnmarshalJSON(b []byte) error {
	var aux struct {
		Candidate     string          `json:"candidate"`
		SDPMLineIndex json.RawMessage `json:"sdpMLineIndex"`
		SDPMid        string          `json:"sdpMid"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	c.Candidate = aux.Candidate
	c.SDPMid = aux.SDPMid
	c.SDPMLineIndex = 0
	if len(aux.SDPMLineIndex) > 0 {
		s := string(aux.SDPMLineIndex)
		if unq, err := strconv.Unquote(s); err == nil {
			s = unq
		}
		if s != "" && s != "null" {
			n, err := strconv.ParseUint(s, 10, 16)
			if err != nil {
				return fmt.Errorf("sdpMLineIndex: %w", err)
			}
			c.SDPMLineIndex = uint16(n)
		}
	}
	return nil
}

// SignalMessage is the JSON content of a WEBRTC_SIGNALING event.
type SignalMessage struct {
	Type            string        `json:"type"`
	SDP             string        `json:"sdp,omitempty"`
	Candidate       *ICECandidate `json:"candidate,omitempty"`
	StreamSessionID string        `json:"streamSessionId"`
}

// ParseSignal decodes one signaling payload and checks its shape.
func ParseSignal(content []byte) (*SignalMessage, error) {
	var msg SignalMessage
	if err := json.Unmarshal(content, &msg); err != nil {
		return nil, fmt.Errorf("malformed signaling message: %w", err)
	}
	if msg.StreamSessionID == "" {
		return nil, fmt.Errorf("signaling message without streamSessionId")
	}
	switch msg.Type {
	case SignalOffer, SignalAnswer:
		if msg.SDP == "" {
			return nil, fmt.Errorf("%s without sdp", msg.Type)
		}
	case SignalICECandidate:
		if msg.Candidate == nil {
			return nil, fmt.Errorf("ice-candidate without candidate")
		}
	default:
		return nil, fmt.Errorf("unknown signal type %q", msg.Type)
	}
	return &msg, nil
}
