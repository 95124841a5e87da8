package agentwire

import (
	"github.com/benbjohnson/clock"

	"github.com/agentwire/sdk-go/internal/util"
	"github.com/agentwire/sdk-go/rtc"
)

// DefaultAPIURL is the platform's production endpoint.
const DefaultAPIURL = "https://api.agentwire.io"

// Environment variables consulted when Options fields are left empty.
const (
	EnvAPIURL     = "MESSAGING_API_URL"
	EnvAPIKey     = "MESSAGING_API_KEY"
	EnvDefaultKey = "DEFAULT_API_KEY"
	EnvUDPPort    = "MESSAGING_UDP_PORT"
)

// Options configure one Agent. The zero value targets the production
// endpoint with persistence enabled and no WebRTC.
type Options struct {
	// APIURL is the service base URL. Empty falls back to
	// MESSAGING_API_URL, then DefaultAPIURL.
	APIURL string

	// DeveloperAPIKey rides along as X-Api-Key. Empty falls back to
	// MESSAGING_API_KEY, then DEFAULT_API_KEY.
	DeveloperAPIKey string

	// UDPPort overrides the datagram port (default 9999, or
	// MESSAGING_UDP_PORT).
	UDPPort int

	// StorePath overrides the sessions.json location.
	StorePath string

	// DisableStore turns session persistence off entirely.
	DisableStore bool

	// RTCFactory enables the WebRTC signaling coordinator.
	RTCFactory rtc.Factory

	// RTCHandler observes signaling progress; optional.
	RTCHandler rtc.EventHandler

	// Clock substitutes the time source in tests.
	Clock clock.Clock
}

func (o Options) withDefaults() Options {
	if o.APIURL == "" {
		o.APIURL = util.Env(EnvAPIURL, DefaultAPIURL)
	}
	if o.DeveloperAPIKey == "" {
		o.DeveloperAPIKey = util.Env(EnvAPIKey, util.Env(EnvDefaultKey, ""))
	}
	return o
}
