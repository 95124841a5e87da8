// Package channel is the stateless facade over the HTTP and UDP transports:
// typed operations, authentication hashing and request shaping. Offsets are
// owned by the session core and arrive here only as immutable snapshots.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/agentwire/sdk-go/internal/transport"
	"github.com/agentwire/sdk-go/internal/util"
	"github.com/agentwire/sdk-go/security"
	"github.com/agentwire/sdk-go/wire"
)

var log = logging.Logger("agentwire/channel")

// Scope values for APIKeyScope.
const (
	ScopePrivate = "private"
	ScopePublic  = "public"
)

// Config builds an API.
type Config struct {
	BaseURL         string
	DeveloperAPIKey string
	UDPPort         int
	Clock           clock.Clock
}

// API executes channel operations. One instance per session; safe for
// concurrent use.
type API struct {
	http *transport.HTTPClient
	udp  *transport.UDPClient
}

// New normalizes the base URL and opens both transports.
func New(cfg Config) (*API, error) {
	base, err := util.NormalizeURL(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: base URL: %v", ErrConfig, err)
	}
	udp, err := transport.NewUDPClient(util.HostOf(base), transport.UDPPort(cfg.UDPPort))
	if err != nil {
		return nil, errors.Join(ErrTransport, err)
	}
	return &API{
		http: transport.NewHTTPClient(base, cfg.DeveloperAPIKey, cfg.Clock),
		udp:  udp,
	}, nil
}

// UDP exposes the datagram client for listener-mode callers.
func (a *API) UDP() *transport.UDPClient { return a.udp }

// ConnectParams is the caller-side connect input. ChannelPassword is the
// raw password; hashing happens here and the raw value never leaves the
// process.
type ConnectParams struct {
	ChannelID         string
	ChannelName       string
	ChannelPassword   string
	AgentName         string
	SessionID         string
	EnableWebrtcRelay bool
	APIKeyScope       string
	PollSource        wire.PollSource
	AgentContext      map[string]string
}

// CreateChannel asks the service to mint (or return) the channel for
// (name, passwordHash). Idempotent server-side.
func (a *API) CreateChannel(ctx context.Context, name, passwordHash string) (string, error) {
	res, err := a.http.Post(ctx, "/create-channel", wire.CreateChannelRequest{
		ChannelName:     name,
		ChannelPassword: passwordHash,
	})
	resp, cerr := classify(ctx, res, err)
	if cerr != nil {
		return "", cerr
	}
	var data struct {
		ChannelID string `json:"channelId"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil || data.ChannelID == "" {
		return "", fmt.Errorf("%w: create-channel returned no channelId", ErrProtocol)
	}
	return data.ChannelID, nil
}

// Connect joins the channel. With a name and password it derives the
// password hash and ensures the channel exists first; with only a
// channelId it joins directly.
func (a *API) Connect(ctx context.Context, p ConnectParams) (*wire.ConnectResponse, error) {
	if p.AgentName == "" {
		return nil, fmt.Errorf("%w: agentName required", ErrConfig)
	}
	if p.ChannelID == "" && (p.ChannelName == "" || p.ChannelPassword == "") {
		return nil, fmt.Errorf("%w: need channelId or channelName+channelPassword", ErrConfig)
	}
	scope := p.APIKeyScope
	if scope == "" {
		scope = ScopePrivate
	}

	req := wire.ConnectRequest{
		ChannelID:         p.ChannelID,
		ChannelName:       p.ChannelName,
		AgentName:         p.AgentName,
		SessionID:         p.SessionID,
		EnableWebrtcRelay: p.EnableWebrtcRelay,
		APIKeyScope:       scope,
		PollSource:        p.PollSource,
		AgentContext:      p.AgentContext,
	}

	if p.ChannelName != "" && p.ChannelPassword != "" {
		secret := security.DeriveChannelSecret(p.ChannelName, p.ChannelPassword)
		req.ChannelPassword = security.HashPassword(p.ChannelPassword, secret)
		if req.ChannelID == "" {
			id, err := a.CreateChannel(ctx, p.ChannelName, req.ChannelPassword)
			if err != nil {
				return nil, err
			}
			req.ChannelID = id
		}
	}

	res, err := a.http.Post(ctx, "/connect", req)
	resp, cerr := classify(ctx, res, err)
	if cerr != nil {
		return nil, cerr
	}
	var conn wire.ConnectResponse
	if err := json.Unmarshal(resp.Data, &conn); err != nil {
		return nil, fmt.Errorf("%w: malformed connect response", ErrProtocol)
	}
	if conn.Status == "" {
		conn.Status = resp.Status
	}
	if !conn.OK() {
		return nil, fmt.Errorf("%w: connect rejected: %s", ErrProtocol, util.Sanitize(conn.Message))
	}
	if conn.ChannelID == "" {
		conn.ChannelID = req.ChannelID
	}
	log.Infof("connected agent %s to channel %s", util.Sanitize(p.AgentName), util.Sanitize(conn.ChannelID))
	return &conn, nil
}

// Push posts one event.
func (a *API) Push(ctx context.Context, req wire.PushRequest) error {
	res, err := a.http.Post(ctx, "/push", req)
	_, cerr := classify(ctx, res, err)
	return cerr
}

// Pull long-polls for events at the given cursor snapshot.
func (a *API) Pull(ctx context.Context, sessionID string, rc wire.ReceiveConfig) (*wire.EventMessageResult, error) {
	res, err := a.http.PostLongPoll(ctx, "/pull", wire.PullRequest{
		SessionID:     sessionID,
		ReceiveConfig: rc,
	})
	resp, cerr := classify(ctx, res, err)
	if cerr != nil {
		return nil, cerr
	}
	var result wire.EventMessageResult
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &result); err != nil {
			return nil, fmt.Errorf("%w: malformed pull response", ErrProtocol)
		}
	}
	return &result, nil
}

// ListAgents returns the channel's normal membership snapshot.
func (a *API) ListAgents(ctx context.Context, sessionID string) ([]wire.AgentInfo, error) {
	return a.listAgents(ctx, "/list-agents", sessionID)
}

// ListSystemAgents returns the agents holding a system role.
func (a *API) ListSystemAgents(ctx context.Context, sessionID string) ([]wire.AgentInfo, error) {
	return a.listAgents(ctx, "/list-system-agents", sessionID)
}

func (a *API) listAgents(ctx context.Context, path, sessionID string) ([]wire.AgentInfo, error) {
	res, err := a.http.Post(ctx, path, wire.SessionRequest{SessionID: sessionID})
	resp, cerr := classify(ctx, res, err)
	if cerr != nil {
		return nil, cerr
	}
	var agents []wire.AgentInfo
	if err := json.Unmarshal(resp.Data, &agents); err != nil {
		return nil, fmt.Errorf("%w: malformed agent list", ErrProtocol)
	}
	return agents, nil
}

// Disconnect tells the service the session is gone and tears down both
// transports. Best-effort: server failure is logged, never returned.
func (a *API) Disconnect(ctx context.Context, sessionID string) {
	if sessionID != "" {
		res, err := a.http.Post(ctx, "/disconnect", wire.DisconnectRequest{SessionID: sessionID})
		if _, cerr := classify(ctx, res, err); cerr != nil {
			log.Debugf("disconnect: %v", cerr)
		}
	}
	a.Close()
}

// Close releases both transports without notifying the service.
func (a *API) Close() {
	a.udp.Close()
	a.http.CloseAll()
}

// UDPPush fires the push payload as a datagram. Best-effort.
func (a *API) UDPPush(req wire.PushRequest) bool {
	payload, err := json.Marshal(req)
	if err != nil {
		return false
	}
	return a.udp.Send(wire.UDPEnvelope{Action: wire.UDPActionPush, Payload: payload})
}

// UDPPull polls over UDP with requestId correlation. Timeout or any
// malformed reply yields an empty result, never an error.
func (a *API) UDPPull(sessionID string, rc wire.ReceiveConfig) *wire.EventMessageResult {
	payload, err := json.Marshal(wire.PullRequest{SessionID: sessionID, ReceiveConfig: rc})
	if err != nil {
		return &wire.EventMessageResult{}
	}
	reply := a.udp.SendAndWait(wire.UDPEnvelope{Action: wire.UDPActionPull, Payload: payload}, util.UDPPullTimeout)
	if reply == nil || !reply.OK() || len(reply.Result) == 0 {
		return &wire.EventMessageResult{}
	}

	var resp wire.Response
	if err := json.Unmarshal(reply.Result, &resp); err != nil || !resp.OK() {
		return &wire.EventMessageResult{}
	}
	var result wire.EventMessageResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return &wire.EventMessageResult{}
	}
	return &result
}
