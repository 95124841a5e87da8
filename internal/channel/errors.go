package channel

import (
	"context"
	"errors"
	"net/http"
	"regexp"

	"github.com/agentwire/sdk-go/internal/transport"
	"github.com/agentwire/sdk-go/wire"
)

// Failure kinds, checked with errors.Is. The receive loop keys its retry
// and reconnect decisions off these.
var (
	ErrTransport   = errors.New("transport failure")
	ErrProtocol    = errors.New("protocol failure")
	ErrAuth        = errors.New("authentication failure")
	ErrNotFound    = errors.New("not found")
	ErrConfig      = errors.New("invalid configuration")
	ErrRateLimited = errors.New("rate limited")
	ErrCancelled   = errors.New("cancelled")
)

// Session-rejection phrasings observed from the service.
var sessionErrRe = regexp.MustCompile(`(?i)(unknown|invalid|expired)\s+session|session\s+(unknown|invalid|expired|not\s+found)`)

// classify maps a raw exchange to the failure taxonomy. A nil return means
// the envelope was accepted (HTTP 2xx and status "success").
func classify(ctx context.Context, res transport.Result, err error) (*wire.Response, error) {
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil, ErrCancelled
		}
		return nil, errors.Join(ErrTransport, err)
	}
	if res.ConnectionReset() {
		return nil, ErrRateLimited
	}
	switch res.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrAuth
	case http.StatusNotFound:
		return nil, ErrNotFound
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	}
	if !res.OK() {
		return nil, ErrTransport
	}

	resp, perr := wire.ParseResponse(res.Body)
	if perr != nil {
		return nil, errors.Join(ErrProtocol, perr)
	}
	if !resp.OK() {
		if sessionErrRe.MatchString(resp.StatusMessage) {
			return nil, ErrAuth
		}
		return resp, ErrProtocol
	}
	return resp, nil
}
