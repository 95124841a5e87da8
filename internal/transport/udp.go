package transport

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentwire/sdk-go/internal/util"
	"github.com/agentwire/sdk-go/wire"
)

// DefaultUDPPort is the service's datagram port unless MESSAGING_UDP_PORT
// overrides it.
const DefaultUDPPort = 9999

// Datagrams above this size are refused before hitting the socket.
const maxDatagram = 60 * 1024

// UDPPort resolves the effective UDP port: explicit override, then the
// MESSAGING_UDP_PORT environment variable, then the default.
func UDPPort(override int) int {
	if override > 0 && override < 65536 {
		return override
	}
	if p := util.EnvInt("MESSAGING_UDP_PORT", 0); p > 0 && p < 65536 {
		return p
	}
	return DefaultUDPPort
}

// UDPClient is a single connected datagram socket shared by every caller.
// SendAndWait correlates replies by requestId through one background
// reader; uncorrelated datagrams go to the listener when one is set.
type UDPClient struct {
	conn *net.UDPConn

	mu       sync.Mutex
	pending  map[string]chan *wire.UDPReply
	listener func(datagram []byte)
	started  bool
	closed   bool
	done     chan struct{}
}

// NewUDPClient resolves host once and connects the socket to host:port.
func NewUDPClient(host string, port int) (*UDPClient, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("resolve udp %s:%d: %w", host, port, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp %s: %w", addr, err)
	}
	return &UDPClient{
		conn:    conn,
		pending: make(map[string]chan *wire.UDPReply),
		done:    make(chan struct{}),
	}, nil
}

// Send serializes and fires the envelope. True means the write syscall
// succeeded; delivery is never guaranteed.
func (c *UDPClient) Send(env wire.UDPEnvelope) bool {
	b, err := json.Marshal(env)
	if err != nil {
		log.Debugf("udp encode: %v", err)
		return false
	}
	if len(b) > maxDatagram {
		log.Warnf("udp datagram of %d bytes exceeds %d, dropped", len(b), maxDatagram)
		return false
	}
	if _, err := c.conn.Write(b); err != nil {
		log.Debugf("udp send: %v", err)
		return false
	}
	return true
}

// SendAndWait sends the envelope with a fresh requestId (unless the caller
// set one) and blocks until the matching reply arrives or the timeout
// elapses. Returns nil on timeout or socket failure.
func (c *UDPClient) SendAndWait(env wire.UDPEnvelope, timeout time.Duration) *wire.UDPReply {
	if env.RequestID == "" {
		env.RequestID = uuid.NewString()
	}

	ch := make(chan *wire.UDPReply, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.pending[env.RequestID] = ch
	c.ensureReaderLocked()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, env.RequestID)
		c.mu.Unlock()
	}()

	if !c.Send(env) {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply
	case <-timer.C:
		return nil
	case <-c.done:
		return nil
	}
}

// Start hands uncorrelated datagrams (server-initiated pushes) to the
// listener. Replies claimed by a pending SendAndWait never reach it.
func (c *UDPClient) Start(listener func(datagram []byte)) {
	c.mu.Lock()
	c.listener = listener
	if !c.closed {
		c.ensureReaderLocked()
	}
	c.mu.Unlock()
}

func (c *UDPClient) ensureReaderLocked() {
	if c.started {
		return
	}
	c.started = true
	go c.readLoop()
}

func (c *UDPClient) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Debugf("udp read: %v", err)
			}
			return
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		c.dispatch(datagram)
	}
}

func (c *UDPClient) dispatch(datagram []byte) {
	var reply wire.UDPReply
	if err := json.Unmarshal(datagram, &reply); err == nil && reply.RequestID != "" {
		c.mu.Lock()
		ch, ok := c.pending[reply.RequestID]
		if ok {
			delete(c.pending, reply.RequestID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &reply
			return
		}
	}

	c.mu.Lock()
	listener := c.listener
	c.mu.Unlock()
	if listener != nil {
		listener(datagram)
	}
}

// Close shuts the socket down and releases every waiter. Idempotent.
func (c *UDPClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	return c.conn.Close()
}
