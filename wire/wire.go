// Package wire holds the JSON shapes exchanged with the messaging service.
// Field names and encoding quirks follow the service contract exactly;
// everything above this package works with the typed forms.
package wire

import (
	"bytes"
	"encoding/json"
	"strings"
)

// EventType enumerates the typed event kinds a channel carries.
type EventType string

const (
	EventChatText         EventType = "CHAT_TEXT"
	EventChatFile         EventType = "CHAT_FILE"
	EventWebRTCSignaling  EventType = "WEBRTC_SIGNALING"
	EventGameState        EventType = "GAME_STATE"
	EventGameInput        EventType = "GAME_INPUT"
	EventGameSync         EventType = "GAME_SYNC"
	EventCustom           EventType = "CUSTOM"
	EventPasswordRequest  EventType = "PASSWORD_REQUEST"
	EventPasswordReply    EventType = "PASSWORD_REPLY"
)

// legacy name still emitted by older agents.
const eventWebRTCSignalAlias = "CHAT_WEBRTC_SIGNAL"

// UnmarshalJSON normalizes the legacy signaling name to EventWebRTCSignaling.
func (t *EventType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == eventWebRTCSignalAlias {
		s = string(EventWebRTCSignaling)
	}
	*t = EventType(s)
	return nil
}

// PollSource selects the service layer that fulfills a pull.
// The client carries it through without interpreting it.
type PollSource string

const (
	PollAuto     PollSource = "AUTO"
	PollCache    PollSource = "CACHE"
	PollKafka    PollSource = "KAFKA"
	PollDatabase PollSource = "DATABASE"
)

// EventMessage is one event on a channel.
// GlobalOffset/LocalOffset are server-assigned for durable events and nil
// for ephemeral ones.
type EventMessage struct {
	Timestamp    int64     `json:"timestamp,omitempty"`
	From         string    `json:"from,omitempty"`
	To           string    `json:"to,omitempty"`
	Filter       string    `json:"filter,omitempty"`
	Type         EventType `json:"type"`
	Content      string    `json:"content"`
	Encrypted    bool      `json:"encrypted"`
	Ephemeral    bool      `json:"ephemeral,omitempty"`
	GlobalOffset *int64    `json:"globalOffset,omitempty"`
	LocalOffset  *int64    `json:"localOffset,omitempty"`
}

// UnmarshalJSON accepts both the current "timestamp" key and the older
// "date" key for the event time.
func (e *EventMessage) UnmarshalJSON(b []byte) error {
	type plain EventMessage
	var aux struct {
		plain
		Date int64 `json:"date,omitempty"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*e = EventMessage(aux.plain)
	if e.Timestamp == 0 && aux.Date != 0 {
		e.Timestamp = aux.Date
	}
	return nil
}

// Broadcast reports whether the event is addressed to every agent.
func (e *EventMessage) Broadcast() bool { return e.To == "" || e.To == "*" }

// AgentInfo is the observed view of a channel participant.
type AgentInfo struct {
	AgentName              string            `json:"agentName"`
	AgentType              string            `json:"agentType,omitempty"`
	Descriptor             string            `json:"descriptor,omitempty"`
	IPAddress              string            `json:"ipAddress,omitempty"`
	ConnectionTime         int64             `json:"connectionTime,omitempty"`
	Metadata               map[string]string `json:"metadata,omitempty"`
	Role                   *string           `json:"role,omitempty"`
	CustomEventType        string            `json:"customEventType,omitempty"`
	RestrictedCapabilities []string          `json:"restrictedCapabilities,omitempty"`
}

// System reports whether the agent holds any system role. Role names are
// service configuration; any non-null role counts.
func (a *AgentInfo) System() bool { return a.Role != nil }

// ReceiveConfig is the cursor snapshot sent with every pull.
type ReceiveConfig struct {
	GlobalOffset int64      `json:"globalOffset"`
	LocalOffset  int64      `json:"localOffset"`
	Limit        int64      `json:"limit"`
	PollSource   PollSource `json:"pollSource,omitempty"`
}

// ConnectRequest is the /connect body. ChannelPassword carries the HMAC
// password hash, never the raw password. Optional fields are omitted from
// the wire when empty.
type ConnectRequest struct {
	ChannelID         string            `json:"channelId,omitempty"`
	ChannelName       string            `json:"channelName,omitempty"`
	ChannelPassword   string            `json:"channelPassword,omitempty"`
	AgentName         string            `json:"agentName"`
	SessionID         string            `json:"sessionId,omitempty"`
	EnableWebrtcRelay bool              `json:"enableWebrtcRelay"`
	APIKeyScope       string            `json:"apiKeyScope,omitempty"`
	PollSource        PollSource        `json:"pollSource,omitempty"`
	AgentContext      map[string]string `json:"agentContext,omitempty"`
}

// ConnectResponse is the service's answer to /connect. Offsets are nil when
// the server did not report them.
type ConnectResponse struct {
	Status               string `json:"status,omitempty"`
	SessionID            string `json:"sessionId,omitempty"`
	ChannelID            string `json:"channelId,omitempty"`
	GlobalOffset         *int64 `json:"globalOffset,omitempty"`
	LocalOffset          *int64 `json:"localOffset,omitempty"`
	OriginalGlobalOffset *int64 `json:"originalGlobalOffset,omitempty"`
	ConnectionTime       int64  `json:"connectionTime,omitempty"`
	Message              string `json:"message,omitempty"`
}

// OK reports the only success condition the service defines for connect.
func (r *ConnectResponse) OK() bool {
	return r.Status == StatusSuccess && r.SessionID != ""
}

// CreateChannelRequest is the /create-channel body.
type CreateChannelRequest struct {
	ChannelName     string `json:"channelName"`
	ChannelPassword string `json:"channelPassword"`
}

// PushRequest is the /push body and the payload of a UDP push envelope.
type PushRequest struct {
	SessionID string    `json:"sessionId"`
	Type      EventType `json:"type"`
	To        string    `json:"to,omitempty"`
	Filter    string    `json:"filter,omitempty"`
	Content   string    `json:"content"`
	Encrypted bool      `json:"encrypted"`
	Ephemeral bool      `json:"ephemeral,omitempty"`
}

// PullRequest is the /pull body and the payload of a UDP pull envelope.
type PullRequest struct {
	SessionID     string        `json:"sessionId"`
	ReceiveConfig ReceiveConfig `json:"receiveConfig"`
}

// SessionRequest is the body of the operations that carry only a session id.
type SessionRequest struct {
	SessionID string `json:"sessionId"`
}

// DisconnectRequest is the /disconnect body.
type DisconnectRequest struct {
	SessionID       string `json:"sessionId"`
	AsyncDisconnect bool   `json:"asyncDisconnect,omitempty"`
}

// Response is the generic operation envelope `{status, data, statusMessage}`.
type Response struct {
	Status        string          `json:"status"`
	Data          json.RawMessage `json:"data,omitempty"`
	StatusMessage string          `json:"statusMessage,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// OK reports whether the service accepted the operation.
func (r *Response) OK() bool { return r.Status == StatusSuccess }

// ParseResponse decodes an operation envelope. Bodies that are not valid
// JSON objects yield an error so callers can classify them as protocol
// failures.
func ParseResponse(body []byte) (*Response, error) {
	var r Response
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}
