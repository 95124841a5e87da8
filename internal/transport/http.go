// Package transport implements the two physical transports to the
// messaging service: a shared HTTP client with long-poll support and a
// burst throttle, and a single-socket UDP client with requestId
// correlation.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/agentwire/sdk-go/internal/util"
)

var log = logging.Logger("agentwire/transport")

// Result is the outcome of one HTTP exchange.
type Result struct {
	Status int
	Body   []byte
}

// OK reports a 2xx status.
func (r Result) OK() bool { return r.Status >= 200 && r.Status < 300 }

// connectionReset is the sentinel body returned while the burst throttle
// is engaged. Tests and the receive loop match on it via ConnectionReset.
const connectionResetBody = "connection-reset"

// ConnectionReset reports whether the result is the throttle sentinel.
func (r Result) ConnectionReset() bool {
	return r.Status == 0 && string(r.Body) == connectionResetBody
}

// Burst throttle: more than burstLimit requests inside burstWindow pauses
// everything but long polls for burstPause.
const (
	burstLimit  = 12
	burstWindow = 1500 * time.Millisecond
	burstPause  = 5 * time.Second
)

// HTTPClient is the single per-session HTTP handle. Safe for concurrent
// use; CloseAll aborts every in-flight request.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	clk     clock.Clock

	headerMu sync.RWMutex
	headers  map[string]string

	// throttle state: ring of the last burstLimit request times
	throttleMu  sync.Mutex
	recent      [burstLimit]time.Time
	recentHead  int
	recentCount int
	pausedUntil time.Time

	pendingMu sync.Mutex
	pending   map[int]context.CancelFunc
	nextID    int
	closed    bool
}

// NewHTTPClient builds a client for a normalized base URL. The developer
// API key, when non-empty, rides along as X-Api-Key on every request.
func NewHTTPClient(baseURL, apiKey string, clk clock.Clock) *HTTPClient {
	if clk == nil {
		clk = clock.New()
	}
	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "*/*",
	}
	if apiKey != "" {
		headers["X-Api-Key"] = apiKey
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{},
		clk:     clk,
		headers: headers,
		pending: make(map[int]context.CancelFunc),
	}
}

// BaseURL returns the normalized base URL the client was built with.
func (c *HTTPClient) BaseURL() string { return c.baseURL }

// SetHeader adds or replaces a default header.
func (c *HTTPClient) SetHeader(name, value string) {
	c.headerMu.Lock()
	c.headers[name] = value
	c.headerMu.Unlock()
}

// Post issues a short JSON request with the default 30s timeout. Subject
// to the burst throttle.
func (c *HTTPClient) Post(ctx context.Context, path string, payload any) (Result, error) {
	if res, throttled := c.throttle(); throttled {
		return res, nil
	}
	return c.do(ctx, http.MethodPost, path, payload, util.DefaultRequestTimeout)
}

// PostLongPoll issues a long-poll request with the 40s timeout. Long polls
// bypass the throttle: their spacing is governed by the receive loop.
func (c *HTTPClient) PostLongPoll(ctx context.Context, path string, payload any) (Result, error) {
	return c.do(ctx, http.MethodPost, path, payload, util.LongPollTimeout)
}

// Get issues a short GET. Subject to the burst throttle.
func (c *HTTPClient) Get(ctx context.Context, path string) (Result, error) {
	if res, throttled := c.throttle(); throttled {
		return res, nil
	}
	return c.do(ctx, http.MethodGet, path, nil, util.DefaultRequestTimeout)
}

// throttle applies the burst rule and returns the sentinel when engaged.
func (c *HTTPClient) throttle() (Result, bool) {
	c.throttleMu.Lock()
	defer c.throttleMu.Unlock()

	now := c.clk.Now()
	if now.Before(c.pausedUntil) {
		return Result{Body: []byte(connectionResetBody)}, true
	}
	if c.recentCount == burstLimit {
		oldest := c.recent[c.recentHead]
		if now.Sub(oldest) <= burstWindow {
			c.pausedUntil = now.Add(burstPause)
			c.recentCount = 0
			c.recentHead = 0
			log.Warnf("request burst exceeded %d in %v, pausing %v", burstLimit, burstWindow, burstPause)
			return Result{Body: []byte(connectionResetBody)}, true
		}
	}
	idx := (c.recentHead + c.recentCount) % burstLimit
	c.recent[idx] = now
	if c.recentCount == burstLimit {
		c.recentHead = (c.recentHead + 1) % burstLimit
	} else {
		c.recentCount++
	}
	return Result{}, false
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload any, timeout time.Duration) (Result, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Result{}, fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	id, err := c.track(cancel)
	if err != nil {
		cancel()
		return Result{}, err
	}
	defer c.untrack(id, cancel)

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, body)
	if err != nil {
		return Result{}, err
	}
	c.headerMu.RLock()
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	c.headerMu.RUnlock()

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: resp.StatusCode, Body: b}, nil
}

func (c *HTTPClient) track(cancel context.CancelFunc) (int, error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.closed {
		return 0, context.Canceled
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = cancel
	return id, nil
}

func (c *HTTPClient) untrack(id int, cancel context.CancelFunc) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
	cancel()
}

// CloseAll aborts every in-flight request and rejects new ones. Idempotent.
func (c *HTTPClient) CloseAll() {
	c.pendingMu.Lock()
	c.closed = true
	cancels := make([]context.CancelFunc, 0, len(c.pending))
	for _, cancel := range c.pending {
		cancels = append(cancels, cancel)
	}
	c.pending = make(map[int]context.CancelFunc)
	c.pendingMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.client.CloseIdleConnections()
}
