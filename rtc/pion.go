package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// DataChannelLabel is the label of the channel PionFactory negotiates on
// offered streams.
const DataChannelLabel = "agentwire"

// PionFactory is a Factory backed by pion/webrtc, negotiating one data
// channel per stream. Media factories can embed the same pattern with
// tracks instead.
type PionFactory struct {
	config webrtc.Configuration

	mu       sync.Mutex
	listener FactoryListener
	peers    map[string]*webrtc.PeerConnection
	onData   func(streamSessionID string, dc *webrtc.DataChannel)
}

// NewPionFactory builds a factory. A zero Configuration gets a public
// STUN server so candidates exist outside the loopback.
func NewPionFactory(config webrtc.Configuration) *PionFactory {
	if len(config.ICEServers) == 0 {
		config.ICEServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}
	return &PionFactory{
		config: config,
		peers:  make(map[string]*webrtc.PeerConnection),
	}
}

// SetListener implements Factory.
func (f *PionFactory) SetListener(l FactoryListener) {
	f.mu.Lock()
	f.listener = l
	f.mu.Unlock()
}

// OnDataChannel registers the application callback for negotiated data
// channels, on either side of the handshake.
func (f *PionFactory) OnDataChannel(fn func(streamSessionID string, dc *webrtc.DataChannel)) {
	f.mu.Lock()
	f.onData = fn
	f.mu.Unlock()
}

func (f *PionFactory) callbacks() (FactoryListener, func(string, *webrtc.DataChannel)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listener, f.onData
}

func (f *PionFactory) newPeer(streamSessionID, remoteAgent string) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		l, _ := f.callbacks()
		if l == nil {
			return
		}
		init := c.ToJSON()
		cand := ICECandidate{Candidate: init.Candidate}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		l.OnICECandidate(streamSessionID, cand)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l, _ := f.callbacks()
		if l == nil {
			return
		}
		switch state {
		case webrtc.PeerConnectionStateConnected:
			l.OnRemoteStreamReady(streamSessionID, remoteAgent)
		case webrtc.PeerConnectionStateFailed:
			l.OnPeerConnectionError(streamSessionID, "peer connection failed")
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if _, onData := f.callbacks(); onData != nil {
			onData(streamSessionID, dc)
		}
	})

	f.mu.Lock()
	f.peers[streamSessionID] = pc
	f.mu.Unlock()
	return pc, nil
}

func (f *PionFactory) peer(streamSessionID string) (*webrtc.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc, ok := f.peers[streamSessionID]
	if !ok {
		return nil, fmt.Errorf("unknown stream %s", streamSessionID)
	}
	return pc, nil
}

// CreateOfferForStream implements Factory.
func (f *PionFactory) CreateOfferForStream(streamSessionID, remoteAgent string) (string, error) {
	pc, err := f.newPeer(streamSessionID, remoteAgent)
	if err != nil {
		return "", err
	}

	dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		f.ClosePeerConnection(streamSessionID)
		return "", fmt.Errorf("create data channel: %w", err)
	}
	if _, onData := f.callbacks(); onData != nil {
		onData(streamSessionID, dc)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		f.ClosePeerConnection(streamSessionID)
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		f.ClosePeerConnection(streamSessionID)
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

// CreateAnswerForOffer implements Factory.
func (f *PionFactory) CreateAnswerForOffer(streamSessionID, remoteAgent, sdp string) (string, error) {
	pc, err := f.newPeer(streamSessionID, remoteAgent)
	if err != nil {
		return "", err
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		f.ClosePeerConnection(streamSessionID)
		return "", fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		f.ClosePeerConnection(streamSessionID)
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		f.ClosePeerConnection(streamSessionID)
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

// HandleRemoteAnswer implements Factory.
func (f *PionFactory) HandleRemoteAnswer(streamSessionID, sdp string) error {
	pc, err := f.peer(streamSessionID)
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

// AddICECandidate implements Factory.
func (f *PionFactory) AddICECandidate(streamSessionID string, candidate ICECandidate) error {
	pc, err := f.peer(streamSessionID)
	if err != nil {
		return err
	}
	mid := candidate.SDPMid
	idx := candidate.SDPMLineIndex
	return pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

// ClosePeerConnection implements Factory.
func (f *PionFactory) ClosePeerConnection(streamSessionID string) error {
	f.mu.Lock()
	pc, ok := f.peers[streamSessionID]
	if ok {
		delete(f.peers, streamSessionID)
	}
	f.mu.Unlock()
	if !ok {
		return nil
	}
	return pc.Close()
}
