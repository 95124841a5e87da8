package wire

import "encoding/json"

// EventMessageResult is a decoded pull response. Nil next offsets mean the
// corresponding cursor is unchanged.
type EventMessageResult struct {
	Events           []EventMessage
	EphemeralEvents  []EventMessage
	NextGlobalOffset *int64
	NextLocalOffset  *int64
	PollSource       PollSource
}

// Empty reports whether the result carries no events of either kind.
func (r *EventMessageResult) Empty() bool {
	return len(r.Events) == 0 && len(r.EphemeralEvents) == 0
}

// UnmarshalJSON tolerates the two durable-array names the service has used
// ("events" and the older "messages") and lets nextGlobalOffset /
// nextLocalOffset override the legacy globalOffset / localOffset fields.
func (r *EventMessageResult) UnmarshalJSON(b []byte) error {
	var aux struct {
		Events          []EventMessage `json:"events"`
		Messages        []EventMessage `json:"messages"`
		EphemeralEvents []EventMessage `json:"ephemeralEvents"`

		NextGlobalOffset *int64 `json:"nextGlobalOffset"`
		NextLocalOffset  *int64 `json:"nextLocalOffset"`
		GlobalOffset     *int64 `json:"globalOffset"`
		LocalOffset      *int64 `json:"localOffset"`

		PollSource PollSource `json:"pollSource"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	r.Events = aux.Events
	if len(r.Events) == 0 {
		r.Events = aux.Messages
	}
	r.EphemeralEvents = aux.EphemeralEvents

	r.NextGlobalOffset = aux.NextGlobalOffset
	if r.NextGlobalOffset == nil {
		r.NextGlobalOffset = aux.GlobalOffset
	}
	r.NextLocalOffset = aux.NextLocalOffset
	if r.NextLocalOffset == nil {
		r.NextLocalOffset = aux.LocalOffset
	}

	r.PollSource = aux.PollSource
	return nil
}

// MarshalJSON emits the current field names only.
func (r EventMessageResult) MarshalJSON() ([]byte, error) {
	out := struct {
		Events           []EventMessage `json:"events"`
		EphemeralEvents  []EventMessage `json:"ephemeralEvents,omitempty"`
		NextGlobalOffset *int64         `json:"nextGlobalOffset,omitempty"`
		NextLocalOffset  *int64         `json:"nextLocalOffset,omitempty"`
		PollSource       PollSource     `json:"pollSource,omitempty"`
	}{
		Events:           r.Events,
		EphemeralEvents:  r.EphemeralEvents,
		NextGlobalOffset: r.NextGlobalOffset,
		NextLocalOffset:  r.NextLocalOffset,
		PollSource:       r.PollSource,
	}
	if out.Events == nil {
		out.Events = []EventMessage{}
	}
	return json.Marshal(out)
}

// UDPEnvelope wraps one HTTP payload for datagram transport.
type UDPEnvelope struct {
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

const (
	UDPActionPush = "push"
	UDPActionPull = "pull"
)

// UDPReply is the service's datagram reply, echoing the requestId.
type UDPReply struct {
	Status    string          `json:"status"`
	RequestID string          `json:"requestId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// OK reports whether the datagram was accepted.
func (r *UDPReply) OK() bool { return r.Status == "ok" }
