package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentwire/sdk-go/internal/channel"
	"github.com/agentwire/sdk-go/internal/util"
	"github.com/agentwire/sdk-go/wire"
)

// Pull failure backoff: 200ms doubling to a 5s cap, reset on success.
const (
	backoffInitial = 200 * time.Millisecond
	backoffCap     = 5 * time.Second
)

// ReceiveAsync installs the batch handler and starts the background
// receive loop. fromStart rewinds the cursors to the channel-start offsets
// for a full replay and is only accepted before the loop is running: a
// pull already in flight would re-advance the rewound cursors and skip the
// replay. Calling it again on a running session swaps the handler.
func (s *Session) ReceiveAsync(h Handler, fromStart bool) error {
	s.mu.Lock()
	if s.state != StateConnected {
		st := s.state
		s.mu.Unlock()
		return errors.Join(channel.ErrConfig, errors.New("receive from state "+st.String()))
	}
	if fromStart && s.loopDone != nil {
		s.mu.Unlock()
		return errors.Join(channel.ErrConfig, errors.New("replay requested while the receive loop is running"))
	}
	s.handler = h
	if fromStart {
		s.globalOffset = s.initialGlobal
		s.localOffset = s.initialLocal
	}
	if s.loopDone != nil {
		s.mu.Unlock()
		return nil
	}
	s.loopDone = make(chan struct{})
	ctx, done := s.loopCtx, s.loopDone
	s.mu.Unlock()

	go s.receiveLoop(ctx, done)
	return nil
}

// receiveLoop is the single background worker per session. One handler
// invocation at a time; offsets advance only after the handler returns
// normally, so a failed batch is redelivered (at-least-once).
func (s *Session) receiveLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitial
	bo.MaxInterval = backoffCap
	bo.MaxElapsedTime = 0
	bo.Clock = s.clk
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		sessionID, rc := s.receiveConfig()
		res, err := s.api.Pull(ctx, sessionID, rc)
		switch {
		case err == nil:
			bo.Reset()
			s.deliver(res)

		case errors.Is(err, channel.ErrCancelled):
			return

		case errors.Is(err, channel.ErrAuth), errors.Is(err, channel.ErrNotFound):
			log.Warnf("session rejected, reconnecting: %v", err)
			if s.reconnect(ctx) {
				bo.Reset()
			} else if !s.sleep(ctx, bo.NextBackOff()) {
				return
			}

		default:
			log.Debugf("pull failed: %v", err)
			if !s.sleep(ctx, bo.NextBackOff()) {
				return
			}
		}
	}
}

// deliver hands one pull result to the handlers. Ephemeral events go out
// first and never touch offsets.
func (s *Session) deliver(res *wire.EventMessageResult) {
	durable, ephemeral := s.processBatch(res)

	if len(ephemeral) > 0 {
		s.mu.Lock()
		eh := s.ephemeralHandler
		if eh == nil {
			eh = s.handler
		}
		s.mu.Unlock()
		s.invoke(eh, ephemeral)
	}

	if len(durable) > 0 {
		s.mu.Lock()
		h := s.handler
		s.mu.Unlock()
		if !s.invoke(h, durable) {
			return
		}
	}
	s.advanceOffsets(res)
}

// invoke isolates a handler call; a panic is logged and reported false.
func (s *Session) invoke(h Handler, batch []wire.EventMessage) (ok bool) {
	if h == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("event handler panic: %v", util.Sanitize(toString(r)))
			ok = false
		}
	}()
	h(batch)
	return true
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return "panic"
}

// sleep waits d or until cancellation; false means stop the loop.
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	t := s.clk.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// reconnect drops the rejected session identity and connects again with
// the same agent name and channel. The server may honor the old session
// id or mint a fresh one; either way the response's offsets are adopted
// so delivery resumes at the server-side cursor.
func (s *Session) reconnect(ctx context.Context) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateReconnecting
	cfg := s.cfg
	oldSession := s.sessionID
	channelID := cfg.ChannelID
	if channelID == "" {
		channelID = s.channelID
	}
	s.mu.Unlock()

	if s.store != nil && channelID != "" {
		s.store.Delete(channelID, cfg.AgentName)
	}

	resp, err := s.api.Connect(ctx, channel.ConnectParams{
		ChannelID:         channelID,
		ChannelName:       cfg.ChannelName,
		ChannelPassword:   cfg.ChannelPassword,
		AgentName:         cfg.AgentName,
		SessionID:         oldSession,
		EnableWebrtcRelay: cfg.EnableWebrtcRelay,
		APIKeyScope:       cfg.APIKeyScope,
		PollSource:        cfg.PollSource,
		AgentContext:      s.agentContext(cfg),
	})
	if err != nil {
		log.Debugf("reconnect failed: %v", err)
		return false
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.adoptConnectLocked(resp, nil)
	s.state = StateConnected
	s.mu.Unlock()

	s.persist()
	log.Infof("reconnected as %s", util.Sanitize(cfg.AgentName))
	return true
}
