// Package agentwire is the client SDK for the agentwire messaging
// platform. An Agent joins a named, password-protected channel and
// exchanges ordered, typed events with the other agents on it, over HTTP
// long polling with an optional low-latency UDP path and WebRTC signaling
// on top.
//
// Operations other than Connect never return errors: in line with the
// platform's client contract they report failure as false or an empty
// result and log the cause, so application loops stay simple.
package agentwire

import (
	"context"

	logging "github.com/ipfs/go-log/v2"

	"github.com/agentwire/sdk-go/internal/channel"
	"github.com/agentwire/sdk-go/internal/session"
	"github.com/agentwire/sdk-go/internal/util"
	"github.com/agentwire/sdk-go/rtc"
	"github.com/agentwire/sdk-go/wire"
)

var log = logging.Logger("agentwire")

// Handler consumes one batch of delivered events. It runs on the agent's
// receive worker, one batch at a time. A panicking handler does not
// advance offsets; the batch is delivered again (at-least-once).
type Handler func(events []wire.EventMessage)

// PushOptions modify a single push.
type PushOptions struct {
	// Encrypted seals the content with the channel secret.
	Encrypted bool
	// Ephemeral delivers via the cache layer only: no persistence, no
	// offsets. Advisory; the server may still reject it.
	Ephemeral bool
	// Filter targets recipients by metadata when To is empty.
	Filter string
}

// ConnectConfig describes the channel to join. Either ChannelID or
// ChannelName+ChannelPassword must be set; AgentName always.
type ConnectConfig struct {
	ChannelID         string
	ChannelName       string
	ChannelPassword   string
	AgentName         string
	APIKeyScope       string // "private" (default) or "public"
	EnableWebrtcRelay bool
	PollSource        wire.PollSource
	CheckLastSession  bool
	ReceiveLimit      int64
	AgentContext      map[string]string
}

// Agent is one connection to one channel. Safe for concurrent use; create
// one Agent per channel membership.
type Agent struct {
	opts  Options
	api   *channel.API
	sess  *session.Session
	coord *rtc.Coordinator
}

// New builds an Agent. It opens the transports immediately but contacts
// the service only on Connect.
func New(opts Options) (*Agent, error) {
	opts = opts.withDefaults()

	api, err := channel.New(channel.Config{
		BaseURL:         opts.APIURL,
		DeveloperAPIKey: opts.DeveloperAPIKey,
		UDPPort:         opts.UDPPort,
		Clock:           opts.Clock,
	})
	if err != nil {
		return nil, err
	}

	var store *session.Store
	if !opts.DisableStore {
		store = session.NewStore(opts.StorePath, opts.Clock)
	}

	a := &Agent{
		opts: opts,
		api:  api,
		sess: session.New(api, store, opts.Clock),
	}

	if opts.RTCFactory != nil {
		a.coord = rtc.NewCoordinator(agentSignaler{a}, opts.RTCFactory, opts.RTCHandler)
		a.sess.SetSignalHandler(func(ev wire.EventMessage) {
			a.coord.HandleSignal(ev.From, []byte(ev.Content))
		})
	}
	return a, nil
}

// agentSignaler publishes coordinator messages as signaling events.
type agentSignaler struct{ a *Agent }

func (s agentSignaler) SendSignal(to string, content []byte) error {
	return s.a.sess.Push(context.Background(), wire.EventWebRTCSignaling, string(content), to, session.PushOptions{})
}

// Connect joins the configured channel. This is the one operation that
// surfaces errors, since the caller must know why joining failed.
func (a *Agent) Connect(ctx context.Context, cfg ConnectConfig) error {
	return a.sess.Connect(ctx, session.Config{
		ChannelID:         cfg.ChannelID,
		ChannelName:       cfg.ChannelName,
		ChannelPassword:   cfg.ChannelPassword,
		AgentName:         cfg.AgentName,
		APIKeyScope:       cfg.APIKeyScope,
		EnableWebrtcRelay: cfg.EnableWebrtcRelay,
		PollSource:        cfg.PollSource,
		CheckLastSession:  cfg.CheckLastSession,
		ReceiveLimit:      cfg.ReceiveLimit,
		AgentContext:      cfg.AgentContext,
	})
}

// ReceiveAsync starts background delivery to h from the connect-time
// cursors onward.
func (a *Agent) ReceiveAsync(h Handler) bool {
	if err := a.sess.ReceiveAsync(session.Handler(h), false); err != nil {
		log.Debugf("receive: %v", err)
		return false
	}
	return true
}

// ReceiveAsyncFromStart starts background delivery with a full replay
// from the channel-start offsets. It must be the first receive call on
// the session; once the loop is running the replay is rejected.
func (a *Agent) ReceiveAsyncFromStart(h Handler) bool {
	if err := a.sess.ReceiveAsync(session.Handler(h), true); err != nil {
		log.Debugf("receive: %v", err)
		return false
	}
	return true
}

// OnEphemeral routes ephemeral events to h instead of the main handler.
func (a *Agent) OnEphemeral(h Handler) {
	a.sess.SetEphemeralHandler(session.Handler(h))
}

// OnPasswordRequest installs a veto for the password disclosure flow:
// return false to decline a PASSWORD_REQUEST from the named agent.
func (a *Agent) OnPasswordRequest(h func(from string) bool) {
	a.sess.SetPasswordRequestHandler(h)
}

// Push sends one event. Empty to broadcasts.
func (a *Agent) Push(ctx context.Context, typ wire.EventType, content, to string, opts PushOptions) bool {
	err := a.sess.Push(ctx, typ, content, to, session.PushOptions{
		Encrypted: opts.Encrypted,
		Ephemeral: opts.Ephemeral,
		Filter:    opts.Filter,
	})
	if err != nil {
		log.Debugf("push: %v", err)
		return false
	}
	return true
}

// Send broadcasts a plain chat text event.
func (a *Agent) Send(ctx context.Context, content string) bool {
	return a.Push(ctx, wire.EventChatText, content, "", PushOptions{})
}

// SendTo sends a plain chat text event to one agent.
func (a *Agent) SendTo(ctx context.Context, to, content string) bool {
	return a.Push(ctx, wire.EventChatText, content, to, PushOptions{})
}

// UDPPush fires one event as a datagram; delivery is best-effort.
func (a *Agent) UDPPush(typ wire.EventType, content, to string, opts PushOptions) bool {
	return a.sess.UDPPush(typ, content, to, session.PushOptions{
		Encrypted: opts.Encrypted,
		Ephemeral: opts.Ephemeral,
		Filter:    opts.Filter,
	})
}

// Pull performs one synchronous pull at the current cursors.
func (a *Agent) Pull(ctx context.Context) *wire.EventMessageResult {
	res, err := a.sess.Receive(ctx)
	if err != nil {
		log.Debugf("pull: %v", err)
		return &wire.EventMessageResult{}
	}
	return res
}

// UDPPull polls over UDP; empty result on timeout. UDP pulls never move
// the durable cursors.
func (a *Agent) UDPPull(limit int64) *wire.EventMessageResult {
	return a.sess.UDPPull(limit)
}

// Agents snapshots the channel's normal membership.
func (a *Agent) Agents(ctx context.Context) []wire.AgentInfo {
	agents, err := a.sess.Agents(ctx)
	if err != nil {
		log.Debugf("list agents: %v", err)
		return nil
	}
	return agents
}

// SystemAgents snapshots the members holding a system role.
func (a *Agent) SystemAgents(ctx context.Context) []wire.AgentInfo {
	agents, err := a.sess.SystemAgents(ctx)
	if err != nil {
		log.Debugf("list system agents: %v", err)
		return nil
	}
	return agents
}

// IsHost reports whether this agent connected earliest on the channel,
// the convention game clients use to elect a state authority.
func (a *Agent) IsHost(ctx context.Context) bool {
	return a.sess.IsHost(ctx)
}

// RequestPassword asks the channel's members for the password over the
// RSA-sealed exchange, blocking until the secret is known or ctx expires.
func (a *Agent) RequestPassword(ctx context.Context) bool {
	return a.sess.RequestPassword(ctx)
}

// RTC returns the signaling coordinator, nil unless Options.RTCFactory
// was set.
func (a *Agent) RTC() *rtc.Coordinator { return a.coord }

// SessionID returns the server-assigned session id, empty before Connect.
func (a *Agent) SessionID() string { return a.sess.SessionID() }

// ChannelID returns the joined channel's id, empty before Connect.
func (a *Agent) ChannelID() string { return a.sess.ChannelID() }

// AgentName returns the name this agent connected under.
func (a *Agent) AgentName() string { return a.sess.AgentName() }

// Offsets returns the current (globalOffset, localOffset) cursor pair.
func (a *Agent) Offsets() (global, local int64) { return a.sess.Offsets() }

// Connected reports whether the session is currently usable.
func (a *Agent) Connected() bool {
	st := a.sess.State()
	return st == session.StateConnected || st == session.StateReconnecting
}

// Disconnect stops delivery, persists offsets and releases the
// transports. Idempotent; always returns true once local teardown is
// done.
func (a *Agent) Disconnect(ctx context.Context) bool {
	if a.coord != nil {
		a.coord.Close()
	}
	ok := a.sess.Disconnect(ctx)
	log.Infof("agent %s disconnected", util.Sanitize(a.sess.AgentName()))
	return ok
}
