// agentwire-bridge exposes the channel API to local processes over a
// line-delimited JSON TCP protocol (one session per TCP client).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	logging "github.com/ipfs/go-log/v2"

	agentwire "github.com/agentwire/sdk-go"
	"github.com/agentwire/sdk-go/internal/bridge"
)

var cli struct {
	URL     string `help:"Base URL of the messaging service." env:"MESSAGING_API_URL" default:"${default_url}"`
	APIKey  string `help:"Developer API key, sent as X-Api-Key." env:"MESSAGING_API_KEY"`
	Port    int    `help:"Local TCP port to listen on (127.0.0.1 only)." default:"7071"`
	UDPPort int    `help:"Override the service UDP port." env:"MESSAGING_UDP_PORT"`
	Verbose bool   `short:"v" help:"Enable debug logging."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("agentwire-bridge"),
		kong.Description("Local TCP bridge to the agentwire messaging platform."),
		kong.Vars{"default_url": agentwire.DefaultAPIURL},
	)

	if cli.Verbose {
		logging.SetAllLoggers(logging.LevelDebug)
	} else {
		logging.SetAllLoggers(logging.LevelInfo)
	}

	srv := bridge.New(cli.Port, agentwire.Options{
		APIURL:          cli.URL,
		DeveloperAPIKey: cli.APIKey,
		UDPPort:         cli.UDPPort,
	})
	if err := srv.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "agentwire-bridge:", err)
		os.Exit(1)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	srv.Close()
}
