package rtc

// Factory creates and drives peer connections on behalf of the
// coordinator. The coordinator owns no media code; implementations decide
// what a "stream" is (data channel, audio, video).
type Factory interface {
	// CreateOfferForStream builds a peer connection for a new outbound
	// stream and returns its local SDP offer.
	CreateOfferForStream(streamSessionID, remoteAgent string) (sdp string, err error)

	// CreateAnswerForOffer builds a peer connection for an inbound offer
	// and returns the local SDP answer.
	CreateAnswerForOffer(streamSessionID, remoteAgent, sdp string) (answer string, err error)

	// HandleRemoteAnswer applies the remote answer to an offered stream.
	HandleRemoteAnswer(streamSessionID, sdp string) error

	// AddICECandidate applies one remote candidate.
	AddICECandidate(streamSessionID string, candidate ICECandidate) error

	// ClosePeerConnection tears the stream's peer connection down.
	// Closing an unknown stream is a no-op.
	ClosePeerConnection(streamSessionID string) error

	// SetListener installs the coordinator's callback sink. Called once
	// before any stream is created; implementations must not invoke
	// listener methods while holding locks the other methods take.
	SetListener(l FactoryListener)
}

// FactoryListener receives factory-originated events.
type FactoryListener interface {
	OnICECandidate(streamSessionID string, candidate ICECandidate)
	OnRemoteStreamReady(streamSessionID, remoteAgent string)
	OnPeerConnectionError(streamSessionID, message string)
}

// EventHandler is the application-facing view of signaling progress.
// Methods run on the session's receive worker or a factory callback
// goroutine; implementations should return quickly.
type EventHandler interface {
	OnStreamOfferReceived(streamSessionID, remoteAgent, sdp string)
	OnStreamAnswerReceived(streamSessionID, remoteAgent, sdp string)
	OnICECandidateReceived(streamSessionID, remoteAgent string, candidate ICECandidate)
	OnRemoteStreamReady(streamSessionID, remoteAgent string)
	OnPeerConnectionError(streamSessionID, message string)
}
