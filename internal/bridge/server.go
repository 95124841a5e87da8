// Package bridge is the local TCP line-protocol server: one JSON request
// per line, one JSON response per line, plus asynchronously streamed event
// lines. It exists for callers without a native binding; each TCP client
// maps to exactly one channel session.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	agentwire "github.com/agentwire/sdk-go"
	"github.com/agentwire/sdk-go/internal/util"
	"github.com/agentwire/sdk-go/wire"
)

var log = logging.Logger("agentwire/bridge")

// DefaultPort is the bridge's listen port on 127.0.0.1.
const DefaultPort = 7071

// Line length cap; events carry opaque content that can be sizable.
const maxLineBytes = 1 << 20

// request is the union of all operation parameters.
type request struct {
	Op string `json:"op"`

	ChannelID        string `json:"channelId,omitempty"`
	ChannelName      string `json:"channelName,omitempty"`
	ChannelPassword  string `json:"channelPassword,omitempty"`
	AgentName        string `json:"agentName,omitempty"`
	APIKeyScope      string `json:"apiKeyScope,omitempty"`
	CheckLastSession bool   `json:"checkLastSession,omitempty"`

	Type      string `json:"type,omitempty"`
	To        string `json:"to,omitempty"`
	Filter    string `json:"filter,omitempty"`
	Content   string `json:"content,omitempty"`
	Encrypted bool   `json:"encrypted,omitempty"`
	Ephemeral bool   `json:"ephemeral,omitempty"`

	Limit int64 `json:"limit,omitempty"`
}

type response struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// eventLine is the payload of an asynchronously streamed event. Seq is
// monotonic per connection so clients can detect drops.
type eventLine struct {
	Kind  string            `json:"kind"`
	Seq   int64             `json:"seq"`
	Event wire.EventMessage `json:"event"`
}

// Server accepts local clients and translates their lines into channel
// operations.
type Server struct {
	opts agentwire.Options
	addr string

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New builds a server for 127.0.0.1:port (0 picks an ephemeral port,
// useful in tests).
func New(port int, opts agentwire.Options) *Server {
	return &Server{
		opts:  opts,
		addr:  fmt.Sprintf("127.0.0.1:%d", port),
		conns: make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bridge listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	log.Infof("bridge listening on %s", ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting, drops every client and waits for their sessions
// to disconnect.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// client is the per-connection state: at most one agent, serialized
// writes, a monotonic event sequence.
type client struct {
	conn net.Conn

	writeMu sync.Mutex
	seq     int64

	agent *agentwire.Agent
}

func (c *client) write(resp response) {
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.Write(append(b, '\n'))
}

func (c *client) writeEvents(events []wire.EventMessage) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, ev := range events {
		c.seq++
		b, err := json.Marshal(response{
			Status: "ok",
			Data:   eventLine{Kind: "event", Seq: c.seq, Event: ev},
		})
		if err != nil {
			continue
		}
		c.conn.Write(append(b, '\n'))
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	c := &client{conn: conn}
	defer func() {
		if c.agent != nil {
			c.agent.Disconnect(context.Background())
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			c.write(response{Status: "error", Error: "malformed request line"})
			continue
		}
		c.write(s.dispatch(c, &req))
		if req.Op == "disconnect" {
			c.agent = nil
		}
	}
}

func (s *Server) dispatch(c *client, req *request) response {
	ctx := context.Background()

	if req.Op == "connect" {
		return s.connect(c, req)
	}
	if c.agent == nil {
		return response{Status: "error", Error: "not connected"}
	}

	switch req.Op {
	case "push":
		ok := c.agent.Push(ctx, eventType(req.Type), req.Content, req.To, agentwire.PushOptions{
			Encrypted: req.Encrypted,
			Ephemeral: req.Ephemeral,
			Filter:    req.Filter,
		})
		if !ok {
			return response{Status: "error", Error: "push failed"}
		}
		return response{Status: "ok"}

	case "udpPush":
		ok := c.agent.UDPPush(eventType(req.Type), req.Content, req.To, agentwire.PushOptions{
			Encrypted: req.Encrypted,
			Ephemeral: req.Ephemeral,
			Filter:    req.Filter,
		})
		if !ok {
			return response{Status: "error", Error: "udp push failed"}
		}
		return response{Status: "ok"}

	case "pull":
		return response{Status: "ok", Data: c.agent.Pull(ctx)}

	case "udpPull":
		return response{Status: "ok", Data: c.agent.UDPPull(req.Limit)}

	case "listAgents":
		return response{Status: "ok", Data: orEmpty(c.agent.Agents(ctx))}

	case "listSystemAgents":
		return response{Status: "ok", Data: orEmpty(c.agent.SystemAgents(ctx))}

	case "disconnect":
		c.agent.Disconnect(ctx)
		return response{Status: "ok"}
	}

	return response{Status: "error", Error: "unknown op " + util.Sanitize(req.Op)}
}

func (s *Server) connect(c *client, req *request) response {
	if c.agent != nil {
		return response{Status: "error", Error: "already connected"}
	}

	agent, err := agentwire.New(s.opts)
	if err != nil {
		return response{Status: "error", Error: util.Sanitize(err.Error())}
	}
	err = agent.Connect(context.Background(), agentwire.ConnectConfig{
		ChannelID:        req.ChannelID,
		ChannelName:      req.ChannelName,
		ChannelPassword:  req.ChannelPassword,
		AgentName:        req.AgentName,
		APIKeyScope:      req.APIKeyScope,
		CheckLastSession: req.CheckLastSession,
	})
	if err != nil {
		return response{Status: "error", Error: util.Sanitize(err.Error())}
	}

	c.agent = agent
	agent.ReceiveAsync(c.writeEvents)

	return response{Status: "ok", Data: map[string]any{
		"sessionId": agent.SessionID(),
		"channelId": agent.ChannelID(),
	}}
}

func eventType(t string) wire.EventType {
	if t == "" {
		return wire.EventChatText
	}
	return wire.EventType(t)
}

func orEmpty(agents []wire.AgentInfo) []wire.AgentInfo {
	if agents == nil {
		return []wire.AgentInfo{}
	}
	return agents
}
