package agentwire_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	agentwire "github.com/agentwire/sdk-go"
	"github.com/agentwire/sdk-go/rtc"
	"github.com/agentwire/sdk-go/wire"
)

// fakeService plays the platform side for facade-level tests.
type fakeService struct {
	mu       sync.Mutex
	pushes   []wire.PushRequest
	pullOnce bool
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()

	envelope := func(w http.ResponseWriter, data any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "success", "data": data})
	}

	mux.HandleFunc("/create-channel", func(w http.ResponseWriter, r *http.Request) {
		var req wire.CreateChannelRequest
		json.NewDecoder(r.Body).Decode(&req)
		envelope(w, map[string]string{"channelId": "c-" + req.ChannelName})
	})
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		var req wire.ConnectRequest
		json.NewDecoder(r.Body).Decode(&req)
		envelope(w, map[string]any{
			"status": "success", "sessionId": "s-7", "channelId": req.ChannelID,
			"globalOffset": 3, "localOffset": 1, "connectionTime": 1700000000000,
		})
	})
	mux.HandleFunc("/push", func(w http.ResponseWriter, r *http.Request) {
		var req wire.PushRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.pushes = append(f.pushes, req)
		f.mu.Unlock()
		envelope(w, map[string]string{"status": "success"})
	})
	mux.HandleFunc("/pull", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		first := !f.pullOnce
		f.pullOnce = true
		f.mu.Unlock()
		if first {
			envelope(w, map[string]any{
				"events": []map[string]any{
					{"type": "CHAT_TEXT", "from": "bob", "content": "welcome"},
				},
				"nextGlobalOffset": 4, "nextLocalOffset": 2,
			})
			return
		}
		time.Sleep(100 * time.Millisecond)
		envelope(w, map[string]any{"events": []map[string]any{}})
	})
	mux.HandleFunc("/list-agents", func(w http.ResponseWriter, r *http.Request) {
		envelope(w, []map[string]any{
			{"agentName": "alice", "connectionTime": 1700000000000},
			{"agentName": "bob", "connectionTime": 1700000005000},
		})
	})
	mux.HandleFunc("/list-system-agents", func(w http.ResponseWriter, r *http.Request) {
		envelope(w, []map[string]any{})
	})
	mux.HandleFunc("/disconnect", func(w http.ResponseWriter, r *http.Request) {
		envelope(w, map[string]string{"status": "success"})
	})

	return mux
}

func newAgent(t *testing.T, f *fakeService, opts agentwire.Options) *agentwire.Agent {
	t.Helper()
	ts := httptest.NewServer(f.handler())
	t.Cleanup(ts.Close)

	opts.APIURL = ts.URL
	opts.DisableStore = true
	opts.UDPPort = freeUDPPort(t)

	a, err := agentwire.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { a.Disconnect(context.Background()) })
	return a
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func connectCfg() agentwire.ConnectConfig {
	return agentwire.ConnectConfig{
		ChannelName:     "lobby",
		ChannelPassword: "p",
		AgentName:       "alice",
	}
}

func TestAgentLifecycle(t *testing.T) {
	f := &fakeService{}
	a := newAgent(t, f, agentwire.Options{})
	ctx := context.Background()

	require.False(t, a.Connected())
	require.NoError(t, a.Connect(ctx, connectCfg()))
	require.True(t, a.Connected())
	require.Equal(t, "s-7", a.SessionID())
	require.Equal(t, "c-lobby", a.ChannelID())
	require.Equal(t, "alice", a.AgentName())

	g, l := a.Offsets()
	require.EqualValues(t, 3, g)
	require.EqualValues(t, 1, l)

	require.True(t, a.Send(ctx, "hello"))
	require.True(t, a.SendTo(ctx, "bob", "psst"))

	f.mu.Lock()
	require.Equal(t, "*", f.pushes[0].To)
	require.Equal(t, "bob", f.pushes[1].To)
	require.Equal(t, wire.EventChatText, f.pushes[1].Type)
	f.mu.Unlock()

	require.True(t, a.Disconnect(ctx))
	require.False(t, a.Connected())
	require.True(t, a.Disconnect(ctx))
}

func TestAgentPullAdvancesOffsets(t *testing.T) {
	a := newAgent(t, &fakeService{}, agentwire.Options{})
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx, connectCfg()))

	res := a.Pull(ctx)
	require.Len(t, res.Events, 1)
	require.Equal(t, "welcome", res.Events[0].Content)

	g, l := a.Offsets()
	require.EqualValues(t, 4, g)
	require.EqualValues(t, 2, l)
}

func TestAgentReceiveAsync(t *testing.T) {
	a := newAgent(t, &fakeService{}, agentwire.Options{})
	ctx := context.Background()

	require.False(t, a.ReceiveAsync(nil), "receive before connect must fail")

	require.NoError(t, a.Connect(ctx, connectCfg()))
	got := make(chan wire.EventMessage, 1)
	require.True(t, a.ReceiveAsync(func(events []wire.EventMessage) {
		for _, ev := range events {
			got <- ev
		}
	}))

	select {
	case ev := <-got:
		require.Equal(t, "welcome", ev.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestAgentMembership(t *testing.T) {
	a := newAgent(t, &fakeService{}, agentwire.Options{})
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx, connectCfg()))

	agents := a.Agents(ctx)
	require.Len(t, agents, 2)
	require.True(t, a.IsHost(ctx), "earliest connectionTime wins")
	require.Empty(t, a.SystemAgents(ctx))
}

func TestAgentFailedOpsReportFalse(t *testing.T) {
	a := newAgent(t, &fakeService{}, agentwire.Options{})
	ctx := context.Background()

	// everything except Connect degrades to false/empty before a session
	require.False(t, a.Send(ctx, "x"))
	require.False(t, a.UDPPush(wire.EventChatText, "x", "", agentwire.PushOptions{}))
	require.NotNil(t, a.Pull(ctx))
	require.True(t, a.Pull(ctx).Empty())
	require.Nil(t, a.Agents(ctx))
	require.Empty(t, a.SessionID())
}

func TestAgentConnectErrorSurfaces(t *testing.T) {
	a := newAgent(t, &fakeService{}, agentwire.Options{})
	err := a.Connect(context.Background(), agentwire.ConnectConfig{ChannelName: "lobby"})
	require.Error(t, err)
	require.False(t, a.Connected())
}

// chanFactory feeds signaling through an in-memory factory so the facade
// wiring to the coordinator can be observed end to end.
type chanFactory struct {
	listener rtc.FactoryListener
	offers   chan string
}

func (f *chanFactory) CreateOfferForStream(id, remote string) (string, error) {
	return "sdp-" + id, nil
}
func (f *chanFactory) CreateAnswerForOffer(id, remote, sdp string) (string, error) {
	return "ans-" + id, nil
}
func (f *chanFactory) HandleRemoteAnswer(id, sdp string) error             { return nil }
func (f *chanFactory) AddICECandidate(id string, c rtc.ICECandidate) error { return nil }
func (f *chanFactory) ClosePeerConnection(id string) error                 { return nil }
func (f *chanFactory) SetListener(l rtc.FactoryListener)                   { f.listener = l }

func TestAgentRTCSignalingGoesOverChannel(t *testing.T) {
	f := &fakeService{}
	factory := &chanFactory{offers: make(chan string, 1)}
	a := newAgent(t, f, agentwire.Options{RTCFactory: factory})
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx, connectCfg()))

	require.NotNil(t, a.RTC())
	require.NoError(t, a.RTC().CreateOffer("st-1", "bob"))

	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.pushes)
	sig := f.pushes[len(f.pushes)-1]
	require.Equal(t, wire.EventWebRTCSignaling, sig.Type)
	require.Equal(t, "bob", sig.To)
	require.Contains(t, sig.Content, `"sdp-st-1"`)
}

func TestAgentWithoutRTCFactory(t *testing.T) {
	a := newAgent(t, &fakeService{}, agentwire.Options{})
	require.Nil(t, a.RTC())
}
