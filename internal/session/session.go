// Package session holds the per-connection state machine: connect and
// reconnect, dual-offset bookkeeping, the long-poll receive loop and
// snapshot persistence. Offsets live here and nowhere else; the channel
// API only ever sees immutable snapshots of them.
package session

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/agentwire/sdk-go/internal/channel"
	"github.com/agentwire/sdk-go/internal/util"
	"github.com/agentwire/sdk-go/security"
	"github.com/agentwire/sdk-go/wire"
)

var log = logging.Logger("agentwire/session")

// State is the session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// API is the slice of the channel API the session consumes. Tests swap in
// fakes here.
type API interface {
	CreateChannel(ctx context.Context, name, passwordHash string) (string, error)
	Connect(ctx context.Context, p channel.ConnectParams) (*wire.ConnectResponse, error)
	Push(ctx context.Context, req wire.PushRequest) error
	Pull(ctx context.Context, sessionID string, rc wire.ReceiveConfig) (*wire.EventMessageResult, error)
	ListAgents(ctx context.Context, sessionID string) ([]wire.AgentInfo, error)
	ListSystemAgents(ctx context.Context, sessionID string) ([]wire.AgentInfo, error)
	Disconnect(ctx context.Context, sessionID string)
	UDPPush(req wire.PushRequest) bool
	UDPPull(sessionID string, rc wire.ReceiveConfig) *wire.EventMessageResult
}

// DefaultReceiveLimit caps one pull batch unless the config overrides it.
const DefaultReceiveLimit = 20

// Config is the connect input.
type Config struct {
	ChannelID         string
	ChannelName       string
	ChannelPassword   string
	AgentName         string
	APIKeyScope       string
	EnableWebrtcRelay bool
	PollSource        wire.PollSource
	CheckLastSession  bool
	ReceiveLimit      int64
	AgentContext      map[string]string
}

// Handler consumes one delivered batch. It runs on the session's receive
// worker; a batch handler that panics does not advance offsets (the batch
// is redelivered: at-least-once).
type Handler func(events []wire.EventMessage)

// PasswordRequestHandler decides whether to answer a password request from
// the named agent. Nil means always answer.
type PasswordRequestHandler func(from string) bool

// Session is one connection to one channel.
type Session struct {
	api   API
	store *Store
	clk   clock.Clock

	mu             sync.Mutex
	state          State
	cfg            Config
	sessionID      string
	channelID      string
	secret         string
	connectionTime int64

	globalOffset  int64
	localOffset   int64
	initialGlobal int64
	initialLocal  int64

	handler          Handler
	ephemeralHandler Handler
	signalHandler    func(ev wire.EventMessage)
	passwordHandler  PasswordRequestHandler

	rsaKey      *rsa.PrivateKey
	secretReady chan struct{}

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New builds an idle session over the given API. store may be nil to
// disable persistence.
func New(api API, store *Store, clk clock.Clock) *Session {
	if clk == nil {
		clk = clock.New()
	}
	return &Session{
		api:         api,
		store:       store,
		clk:         clk,
		state:       StateDisconnected,
		secretReady: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the server-assigned id, empty before connect.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// ChannelID returns the joined channel's id, empty before connect.
func (s *Session) ChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID
}

// AgentName returns the configured agent name.
func (s *Session) AgentName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.AgentName
}

// ConnectionTime returns the server-assigned connect time in millis.
func (s *Session) ConnectionTime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionTime
}

// Offsets returns the current cursor pair.
func (s *Session) Offsets() (global, local int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalOffset, s.localOffset
}

// SetSignalHandler routes WEBRTC_SIGNALING events; they bypass the user
// handler entirely.
func (s *Session) SetSignalHandler(h func(ev wire.EventMessage)) {
	s.mu.Lock()
	s.signalHandler = h
	s.mu.Unlock()
}

// SetEphemeralHandler routes ephemeral events. When unset they go to the
// main handler, still without touching offsets.
func (s *Session) SetEphemeralHandler(h Handler) {
	s.mu.Lock()
	s.ephemeralHandler = h
	s.mu.Unlock()
}

// SetPasswordRequestHandler installs the disclosure veto callback.
func (s *Session) SetPasswordRequestHandler(h PasswordRequestHandler) {
	s.mu.Lock()
	s.passwordHandler = h
	s.mu.Unlock()
}

// Connect joins the channel described by cfg, restoring a persisted
// snapshot first when cfg.CheckLastSession allows it.
func (s *Session) Connect(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return fmt.Errorf("%w: connect from state %s", channel.ErrConfig, s.state)
	}
	if cfg.ReceiveLimit <= 0 {
		cfg.ReceiveLimit = DefaultReceiveLimit
	}
	if cfg.APIKeyScope == "" {
		cfg.APIKeyScope = channel.ScopePrivate
	}
	s.cfg = cfg
	s.state = StateConnecting
	s.mu.Unlock()

	// Resolve the channel id up front so the snapshot lookup can use it.
	// create-channel is idempotent for (name, hash).
	if cfg.ChannelID == "" && cfg.ChannelName != "" && cfg.ChannelPassword != "" {
		secret := security.DeriveChannelSecret(cfg.ChannelName, cfg.ChannelPassword)
		hash := security.HashPassword(cfg.ChannelPassword, secret)
		id, err := s.api.CreateChannel(ctx, cfg.ChannelName, hash)
		if err != nil {
			s.setState(StateDisconnected)
			return err
		}
		cfg.ChannelID = id
	}

	params := channel.ConnectParams{
		ChannelID:         cfg.ChannelID,
		ChannelName:       cfg.ChannelName,
		ChannelPassword:   cfg.ChannelPassword,
		AgentName:         cfg.AgentName,
		EnableWebrtcRelay: cfg.EnableWebrtcRelay,
		APIKeyScope:       cfg.APIKeyScope,
		PollSource:        cfg.PollSource,
		AgentContext:      s.agentContext(cfg),
	}

	var restored *Snapshot
	if cfg.CheckLastSession && s.store != nil && cfg.ChannelID != "" {
		if snap, ok := s.store.Load(cfg.ChannelID, cfg.AgentName); ok {
			restored = snap
			params.SessionID = snap.SessionID
		}
	}

	resp, err := s.api.Connect(ctx, params)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}

	s.mu.Lock()
	s.cfg.ChannelID = cfg.ChannelID
	s.adoptConnectLocked(resp, restored)
	s.state = StateConnected
	s.loopCtx, s.loopCancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.persist()
	return nil
}

// agentContext merges the caller's metadata over the defaults every agent
// reports.
func (s *Session) agentContext(cfg Config) map[string]string {
	out := map[string]string{
		"agentType":  "GO-AGENT",
		"descriptor": cfg.AgentName,
	}
	for k, v := range cfg.AgentContext {
		out[k] = v
	}
	return out
}

// adoptConnectLocked records identity and offsets from a connect response,
// falling back to a restored snapshot where the server left fields out.
func (s *Session) adoptConnectLocked(resp *wire.ConnectResponse, restored *Snapshot) {
	s.sessionID = resp.SessionID
	if resp.ChannelID != "" {
		s.channelID = resp.ChannelID
	} else if s.cfg.ChannelID != "" {
		s.channelID = s.cfg.ChannelID
	}
	if resp.ConnectionTime > 0 {
		s.connectionTime = resp.ConnectionTime
	}

	switch {
	case resp.GlobalOffset != nil:
		s.globalOffset = *resp.GlobalOffset
	case restored != nil:
		s.globalOffset = *restored.GlobalOffset
	}
	switch {
	case resp.LocalOffset != nil:
		s.localOffset = *resp.LocalOffset
	case restored != nil:
		s.localOffset = *restored.LocalOffset
	}

	if resp.OriginalGlobalOffset != nil {
		s.initialGlobal = *resp.OriginalGlobalOffset
	}
	s.initialLocal = 0

	if s.cfg.ChannelName != "" && s.cfg.ChannelPassword != "" {
		s.setSecretLocked(security.DeriveChannelSecret(s.cfg.ChannelName, s.cfg.ChannelPassword))
	}
}

func (s *Session) setSecretLocked(secret string) {
	if secret == "" || s.secret != "" {
		return
	}
	s.secret = secret
	close(s.secretReady)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// persist writes the current snapshot; failures are logged only.
func (s *Session) persist() {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	channelID, agentName := s.channelID, s.cfg.AgentName
	snap := Snapshot{
		SessionID:      s.sessionID,
		GlobalOffset:   ptr(s.globalOffset),
		LocalOffset:    ptr(s.localOffset),
		ConnectionTime: s.connectionTime,
	}
	s.mu.Unlock()

	if channelID == "" || snap.SessionID == "" {
		return
	}
	if err := s.store.Save(channelID, agentName, snap); err != nil {
		log.Debugf("persist session snapshot: %v", err)
	}
}

func ptr(v int64) *int64 { return &v }

// receiveConfig snapshots the cursors for one pull.
func (s *Session) receiveConfig() (string, wire.ReceiveConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID, wire.ReceiveConfig{
		GlobalOffset: s.globalOffset,
		LocalOffset:  s.localOffset,
		Limit:        s.cfg.ReceiveLimit,
		PollSource:   s.cfg.PollSource,
	}
}

// advanceOffsets applies next-offset fields. Cursors never move backwards.
func (s *Session) advanceOffsets(res *wire.EventMessageResult) {
	s.mu.Lock()
	if res.NextGlobalOffset != nil && *res.NextGlobalOffset > s.globalOffset {
		s.globalOffset = *res.NextGlobalOffset
	}
	if res.NextLocalOffset != nil && *res.NextLocalOffset > s.localOffset {
		s.localOffset = *res.NextLocalOffset
	}
	s.mu.Unlock()
	s.persist()
}

// PushOptions modify one push.
type PushOptions struct {
	Encrypted bool
	Ephemeral bool
	Filter    string
}

// Push sends one event. Empty destination broadcasts (or applies the
// filter when one is given).
func (s *Session) Push(ctx context.Context, typ wire.EventType, content, to string, opts PushOptions) error {
	req, err := s.pushRequest(typ, content, to, opts)
	if err != nil {
		return err
	}
	return s.api.Push(ctx, req)
}

// UDPPush is the best-effort datagram variant of Push.
func (s *Session) UDPPush(typ wire.EventType, content, to string, opts PushOptions) bool {
	req, err := s.pushRequest(typ, content, to, opts)
	if err != nil {
		log.Debugf("udp push: %v", err)
		return false
	}
	return s.api.UDPPush(req)
}

func (s *Session) pushRequest(typ wire.EventType, content, to string, opts PushOptions) (wire.PushRequest, error) {
	s.mu.Lock()
	sessionID, secret, st := s.sessionID, s.secret, s.state
	s.mu.Unlock()

	if st != StateConnected && st != StateReconnecting {
		return wire.PushRequest{}, fmt.Errorf("%w: push from state %s", channel.ErrConfig, st)
	}
	if opts.Encrypted {
		if secret == "" {
			return wire.PushRequest{}, fmt.Errorf("%w: no channel secret for encrypted push", channel.ErrConfig)
		}
		sealed, err := security.EncryptAndSign(content, secret)
		if err != nil {
			return wire.PushRequest{}, err
		}
		content = sealed
	}
	if to == "" && opts.Filter == "" {
		to = "*"
	}
	return wire.PushRequest{
		SessionID: sessionID,
		Type:      typ,
		To:        to,
		Filter:    opts.Filter,
		Content:   content,
		Encrypted: opts.Encrypted,
		Ephemeral: opts.Ephemeral,
	}, nil
}

// Receive performs one synchronous pull at the current cursors, delivers
// nothing, and returns the processed batch. Auto-handled event types are
// consumed here just as in the background loop.
func (s *Session) Receive(ctx context.Context) (*wire.EventMessageResult, error) {
	sessionID, rc := s.receiveConfig()
	res, err := s.api.Pull(ctx, sessionID, rc)
	if err != nil {
		return nil, err
	}
	durable, ephemeral := s.processBatch(res)
	s.advanceOffsets(res)
	return &wire.EventMessageResult{
		Events:           durable,
		EphemeralEvents:  ephemeral,
		NextGlobalOffset: res.NextGlobalOffset,
		NextLocalOffset:  res.NextLocalOffset,
		PollSource:       res.PollSource,
	}, nil
}

// UDPPull polls over UDP at the current cursors. UDP results never move
// the durable cursors; the long-poll loop is the single offset writer.
func (s *Session) UDPPull(limit int64) *wire.EventMessageResult {
	sessionID, rc := s.receiveConfig()
	if limit > 0 {
		rc.Limit = limit
	}
	res := s.api.UDPPull(sessionID, rc)
	durable, ephemeral := s.processBatch(res)
	return &wire.EventMessageResult{Events: durable, EphemeralEvents: ephemeral}
}

// Agents lists the channel's normal membership.
func (s *Session) Agents(ctx context.Context) ([]wire.AgentInfo, error) {
	return s.api.ListAgents(ctx, s.SessionID())
}

// SystemAgents lists the members holding a system role.
func (s *Session) SystemAgents(ctx context.Context) ([]wire.AgentInfo, error) {
	return s.api.ListSystemAgents(ctx, s.SessionID())
}

// IsHost reports whether this agent has the earliest connection time on
// the channel. Ties go to self.
func (s *Session) IsHost(ctx context.Context) bool {
	agents, err := s.Agents(ctx)
	if err != nil {
		return false
	}
	s.mu.Lock()
	self, selfTime := s.cfg.AgentName, s.connectionTime
	s.mu.Unlock()
	for _, a := range agents {
		if a.AgentName == self {
			selfTime = a.ConnectionTime
		}
	}
	for _, a := range agents {
		if a.AgentName != self && a.ConnectionTime > 0 && a.ConnectionTime < selfTime {
			return false
		}
	}
	return true
}

// Disconnect stops the receive loop, persists the final snapshot and
// notifies the service. Idempotent; always succeeds locally.
func (s *Session) Disconnect(ctx context.Context) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return true
	}
	s.state = StateClosed
	cancel := s.loopCancel
	done := s.loopDone
	sessionID := s.sessionID
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		t := s.clk.Timer(util.LongPollTimeout + time.Second)
		select {
		case <-done:
			t.Stop()
		case <-t.C:
			log.Warnf("receive loop did not stop within bound")
		}
	}

	s.persist()
	s.api.Disconnect(ctx, sessionID)
	return true
}

// RequestPassword broadcasts a PASSWORD_REQUEST carrying a fresh RSA
// public key and waits for a holder of the password to answer. True once
// the channel secret is known.
func (s *Session) RequestPassword(ctx context.Context) bool {
	s.mu.Lock()
	if s.secret != "" {
		s.mu.Unlock()
		return true
	}
	if s.rsaKey == nil {
		key, err := security.GenerateRSAKeyPair()
		if err != nil {
			s.mu.Unlock()
			log.Errorf("password request: %v", err)
			return false
		}
		s.rsaKey = key
	}
	pub := &s.rsaKey.PublicKey
	ready := s.secretReady
	s.mu.Unlock()

	pem, err := security.EncodePublicKeyPEM(pub)
	if err != nil {
		log.Errorf("password request: %v", err)
		return false
	}
	if err := s.Push(ctx, wire.EventPasswordRequest, pem, "*", PushOptions{}); err != nil {
		log.Debugf("password request push: %v", err)
		return false
	}

	select {
	case <-ready:
		return true
	case <-ctx.Done():
		return false
	}
}

// passwordExchange is the RSA-sealed payload of a PASSWORD_REPLY.
type passwordExchange struct {
	ChannelName     string `json:"channelName"`
	ChannelPassword string `json:"channelPassword"`
}

// handleAutoEvent consumes the event types the session answers itself.
// Returns true when the event must not reach the user handler.
func (s *Session) handleAutoEvent(ev wire.EventMessage) bool {
	switch ev.Type {
	case wire.EventWebRTCSignaling:
		s.mu.Lock()
		h := s.signalHandler
		s.mu.Unlock()
		if h != nil {
			h(ev)
		}
		return true
	case wire.EventPasswordRequest:
		s.answerPasswordRequest(ev)
		return true
	case wire.EventPasswordReply:
		s.adoptPasswordReply(ev)
		return true
	}
	return false
}

func (s *Session) answerPasswordRequest(ev wire.EventMessage) {
	s.mu.Lock()
	name, password := s.cfg.ChannelName, s.cfg.ChannelPassword
	connTime := s.connectionTime
	veto := s.passwordHandler
	self := s.cfg.AgentName
	s.mu.Unlock()

	// only answer requests newer than our own connect, and never our own
	if name == "" || password == "" || ev.From == self || ev.Timestamp <= connTime {
		return
	}
	if veto != nil && !veto(ev.From) {
		log.Infof("password request from %s declined", util.Sanitize(ev.From))
		return
	}

	pub, err := security.DecodePublicKeyPEM(ev.Content)
	if err != nil {
		log.Debugf("password request from %s: %v", util.Sanitize(ev.From), err)
		return
	}
	payload, err := json.Marshal(passwordExchange{ChannelName: name, ChannelPassword: password})
	if err != nil {
		return
	}
	sealed, err := security.RSAEncrypt(pub, payload)
	if err != nil {
		log.Debugf("password reply encryption: %v", err)
		return
	}
	if err := s.Push(context.Background(), wire.EventPasswordReply, sealed, ev.From, PushOptions{}); err != nil {
		log.Debugf("password reply push: %v", err)
	}
}

func (s *Session) adoptPasswordReply(ev wire.EventMessage) {
	s.mu.Lock()
	key := s.rsaKey
	known := s.secret != ""
	connTime := s.connectionTime
	s.mu.Unlock()
	// same freshness gate as requests: never adopt a replayed reply
	if key == nil || known || ev.Timestamp <= connTime {
		return
	}

	raw, err := security.RSADecrypt(key, ev.Content)
	if err != nil {
		log.Debugf("password reply from %s: %v", util.Sanitize(ev.From), err)
		return
	}
	var pe passwordExchange
	if err := json.Unmarshal(raw, &pe); err != nil || pe.ChannelName == "" || pe.ChannelPassword == "" {
		return
	}

	s.mu.Lock()
	s.cfg.ChannelName = pe.ChannelName
	s.cfg.ChannelPassword = pe.ChannelPassword
	s.setSecretLocked(security.DeriveChannelSecret(pe.ChannelName, pe.ChannelPassword))
	s.mu.Unlock()
	log.Infof("channel secret obtained via password reply from %s", util.Sanitize(ev.From))
}

// processBatch decrypts sealed content, consumes auto-handled types and
// splits the batch into deliverable durable and ephemeral events.
func (s *Session) processBatch(res *wire.EventMessageResult) (durable, ephemeral []wire.EventMessage) {
	if res == nil {
		return nil, nil
	}
	s.mu.Lock()
	secret := s.secret
	s.mu.Unlock()

	prepare := func(in []wire.EventMessage) []wire.EventMessage {
		out := make([]wire.EventMessage, 0, len(in))
		for _, ev := range in {
			if ev.Encrypted && secret != "" {
				if pt, err := security.DecryptAndVerify(ev.Content, secret); err == nil {
					ev.Content = pt
					ev.Encrypted = false
				} else {
					log.Debugf("event from %s left sealed: %v", util.Sanitize(ev.From), err)
				}
			}
			if s.handleAutoEvent(ev) {
				continue
			}
			out = append(out, ev)
		}
		return out
	}
	return prepare(res.Events), prepare(res.EphemeralEvents)
}
