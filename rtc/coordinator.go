package rtc

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StreamState is the signaling state of one stream session.
type StreamState string

const (
	StreamPending        StreamState = "pending"
	StreamOfferSent      StreamState = "offer-sent"
	StreamOfferReceived  StreamState = "offer-received"
	StreamAnswerSent     StreamState = "answer-sent"
	StreamAnswerReceived StreamState = "answer-received"
	StreamConnected      StreamState = "connected"
	StreamFailed         StreamState = "failed"
	StreamClosed         StreamState = "closed"
)

// Role distinguishes the side that created the offer.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// StreamSession is the coordinator's bookkeeping for one streamSessionId.
// It lives independently of whatever connection the factory holds.
type StreamSession struct {
	ID               string
	RemoteAgent      string
	Role             Role
	State            StreamState
	LocalSDP         string
	RemoteSDP        string
	LocalCandidates  []ICECandidate
	RemoteCandidates []ICECandidate
	CreatedAt        int64
}

// Signaler publishes signaling content to a remote agent over the channel.
// The session facade implements it with push(type=WEBRTC_SIGNALING).
type Signaler interface {
	SendSignal(to string, content []byte) error
}

// NewStreamID mints a client-chosen stream session id.
func NewStreamID() string { return uuid.NewString() }

// Coordinator runs the per-stream state machines. Safe for concurrent
// use; factory and handler callbacks are never invoked under its lock.
type Coordinator struct {
	sig     Signaler
	factory Factory
	handler EventHandler

	mu      sync.Mutex
	streams map[string]*StreamSession
}

// NewCoordinator wires the three collaborators together. handler may be
// nil when the application only uses data-channel callbacks on the
// factory side.
func NewCoordinator(sig Signaler, factory Factory, handler EventHandler) *Coordinator {
	c := &Coordinator{
		sig:     sig,
		factory: factory,
		handler: handler,
		streams: make(map[string]*StreamSession),
	}
	factory.SetListener(c)
	return c
}

// Session returns a copy of the stream's bookkeeping.
func (c *Coordinator) Session(streamSessionID string) (StreamSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ss, ok := c.streams[streamSessionID]
	if !ok {
		return StreamSession{}, false
	}
	return c.copyLocked(ss), true
}

// Sessions returns copies of every known stream session.
func (c *Coordinator) Sessions() []StreamSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StreamSession, 0, len(c.streams))
	for _, ss := range c.streams {
		out = append(out, c.copyLocked(ss))
	}
	return out
}

func (c *Coordinator) copyLocked(ss *StreamSession) StreamSession {
	cp := *ss
	cp.LocalCandidates = append([]ICECandidate(nil), ss.LocalCandidates...)
	cp.RemoteCandidates = append([]ICECandidate(nil), ss.RemoteCandidates...)
	return cp
}

// CreateOffer starts an outbound stream: the factory produces the local
// offer and the coordinator publishes it to remoteAgent.
func (c *Coordinator) CreateOffer(streamSessionID, remoteAgent string) error {
	c.mu.Lock()
	if _, exists := c.streams[streamSessionID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("stream %s already exists", streamSessionID)
	}
	c.streams[streamSessionID] = &StreamSession{
		ID:          streamSessionID,
		RemoteAgent: remoteAgent,
		Role:        RoleOfferer,
		State:       StreamPending,
		CreatedAt:   time.Now().UnixMilli(),
	}
	c.mu.Unlock()

	sdp, err := c.factory.CreateOfferForStream(streamSessionID, remoteAgent)
	if err != nil {
		c.fail(streamSessionID, fmt.Sprintf("create offer: %v", err))
		return err
	}

	if err := c.send(remoteAgent, SignalMessage{
		Type:            SignalOffer,
		SDP:             sdp,
		StreamSessionID: streamSessionID,
	}); err != nil {
		c.fail(streamSessionID, fmt.Sprintf("publish offer: %v", err))
		return err
	}

	c.transition(streamSessionID, StreamOfferSent, func(ss *StreamSession) {
		ss.LocalSDP = sdp
	})
	return nil
}

// CloseStream tears one stream down. Idempotent.
func (c *Coordinator) CloseStream(streamSessionID string) {
	c.mu.Lock()
	ss, ok := c.streams[streamSessionID]
	if ok && ss.State != StreamClosed {
		ss.State = StreamClosed
	} else {
		ok = false
	}
	c.mu.Unlock()

	if ok {
		if err := c.factory.ClosePeerConnection(streamSessionID); err != nil {
			log.Debugf("close peer connection %s: %v", streamSessionID, err)
		}
	}
}

// Close tears every stream down.
func (c *Coordinator) Close() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.streams))
	for id := range c.streams {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.CloseStream(id)
	}
}

// HandleSignal consumes one WEBRTC_SIGNALING event's content. The session
// facade routes events here from the receive loop.
func (c *Coordinator) HandleSignal(from string, content []byte) {
	msg, err := ParseSignal(content)
	if err != nil {
		log.Debugf("signal from %s dropped: %v", from, err)
		return
	}

	switch msg.Type {
	case SignalOffer:
		c.handleOffer(from, msg)
	case SignalAnswer:
		c.handleAnswer(from, msg)
	case SignalICECandidate:
		c.handleCandidate(from, msg)
	}
}

func (c *Coordinator) handleOffer(from string, msg *SignalMessage) {
	id := msg.StreamSessionID

	c.mu.Lock()
	if ss, exists := c.streams[id]; exists && ss.State != StreamClosed {
		c.mu.Unlock()
		log.Debugf("duplicate offer for stream %s ignored", id)
		return
	}
	c.streams[id] = &StreamSession{
		ID:          id,
		RemoteAgent: from,
		Role:        RoleAnswerer,
		State:       StreamOfferReceived,
		RemoteSDP:   msg.SDP,
		CreatedAt:   time.Now().UnixMilli(),
	}
	c.mu.Unlock()

	if c.handler != nil {
		c.handler.OnStreamOfferReceived(id, from, msg.SDP)
	}

	answer, err := c.factory.CreateAnswerForOffer(id, from, msg.SDP)
	if err != nil {
		c.fail(id, fmt.Sprintf("create answer: %v", err))
		return
	}

	if err := c.send(from, SignalMessage{
		Type:            SignalAnswer,
		SDP:             answer,
		StreamSessionID: id,
	}); err != nil {
		c.fail(id, fmt.Sprintf("publish answer: %v", err))
		return
	}

	c.transition(id, StreamAnswerSent, func(ss *StreamSession) {
		ss.LocalSDP = answer
	})
}

func (c *Coordinator) handleAnswer(from string, msg *SignalMessage) {
	id := msg.StreamSessionID

	c.mu.Lock()
	ss, ok := c.streams[id]
	if !ok || ss.Role != RoleOfferer || ss.State != StreamOfferSent {
		c.mu.Unlock()
		log.Debugf("unexpected answer for stream %s ignored", id)
		return
	}
	ss.RemoteSDP = msg.SDP
	ss.State = StreamAnswerReceived
	c.mu.Unlock()

	if err := c.factory.HandleRemoteAnswer(id, msg.SDP); err != nil {
		c.fail(id, fmt.Sprintf("apply answer: %v", err))
		return
	}
	if c.handler != nil {
		c.handler.OnStreamAnswerReceived(id, from, msg.SDP)
	}
}

func (c *Coordinator) handleCandidate(from string, msg *SignalMessage) {
	id := msg.StreamSessionID

	c.mu.Lock()
	ss, ok := c.streams[id]
	if !ok || ss.State == StreamClosed || ss.State == StreamFailed {
		c.mu.Unlock()
		log.Debugf("candidate for unknown stream %s dropped", id)
		return
	}
	ss.RemoteCandidates = append(ss.RemoteCandidates, *msg.Candidate)
	c.mu.Unlock()

	if err := c.factory.AddICECandidate(id, *msg.Candidate); err != nil {
		log.Debugf("add candidate to stream %s: %v", id, err)
	}
	if c.handler != nil {
		c.handler.OnICECandidateReceived(id, from, *msg.Candidate)
	}
}

// OnICECandidate implements FactoryListener: record the local candidate
// and trickle it to the peer.
func (c *Coordinator) OnICECandidate(streamSessionID string, candidate ICECandidate) {
	c.mu.Lock()
	ss, ok := c.streams[streamSessionID]
	var remote string
	if ok && ss.State != StreamClosed {
		ss.LocalCandidates = append(ss.LocalCandidates, candidate)
		remote = ss.RemoteAgent
	}
	c.mu.Unlock()
	if remote == "" {
		return
	}

	if err := c.send(remote, SignalMessage{
		Type:            SignalICECandidate,
		Candidate:       &candidate,
		StreamSessionID: streamSessionID,
	}); err != nil {
		log.Debugf("publish candidate for stream %s: %v", streamSessionID, err)
	}
}

// OnRemoteStreamReady implements FactoryListener.
func (c *Coordinator) OnRemoteStreamReady(streamSessionID, remoteAgent string) {
	c.transition(streamSessionID, StreamConnected, nil)
	if c.handler != nil {
		c.handler.OnRemoteStreamReady(streamSessionID, remoteAgent)
	}
}

// OnPeerConnectionError implements FactoryListener.
func (c *Coordinator) OnPeerConnectionError(streamSessionID, message string) {
	c.fail(streamSessionID, message)
}

func (c *Coordinator) send(to string, msg SignalMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.sig.SendSignal(to, b)
}

// transition moves a live stream to state and applies mutate under the
// lock. Terminal states are never overwritten.
func (c *Coordinator) transition(streamSessionID string, state StreamState, mutate func(*StreamSession)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ss, ok := c.streams[streamSessionID]
	if !ok || ss.State == StreamClosed || ss.State == StreamFailed {
		return
	}
	if mutate != nil {
		mutate(ss)
	}
	ss.State = state
}

func (c *Coordinator) fail(streamSessionID, message string) {
	c.mu.Lock()
	ss, ok := c.streams[streamSessionID]
	if ok && ss.State != StreamClosed && ss.State != StreamFailed {
		ss.State = StreamFailed
	} else {
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	log.Warnf("stream %s failed: %s", streamSessionID, message)
	if c.handler != nil {
		c.handler.OnPeerConnectionError(streamSessionID, message)
	}
}
