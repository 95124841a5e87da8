package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentwire/sdk-go/internal/channel"
	"github.com/agentwire/sdk-go/security"
	"github.com/agentwire/sdk-go/wire"
)

// pullStep is one scripted long-poll outcome.
type pullStep struct {
	res *wire.EventMessageResult
	err error
}

// fakeAPI scripts the channel API for loop tests. Pull blocks like a real
// long poll until a step is queued or the context dies.
type fakeAPI struct {
	mu          sync.Mutex
	connects    []channel.ConnectParams
	connectErr  error
	nextSession int
	pulls       []wire.ReceiveConfig
	pushed      []wire.PushRequest
	disconnects []string
	agents      []wire.AgentInfo

	steps chan pullStep
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{steps: make(chan pullStep, 16)}
}

func (f *fakeAPI) CreateChannel(ctx context.Context, name, hash string) (string, error) {
	return "c-" + name, nil
}

func (f *fakeAPI) Connect(ctx context.Context, p channel.ConnectParams) (*wire.ConnectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, p)
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	if p.AgentName == "" || (p.ChannelID == "" && p.ChannelName == "") {
		return nil, fmt.Errorf("%w: missing identity", channel.ErrConfig)
	}
	f.nextSession++
	g, l := int64(100), int64(10)
	return &wire.ConnectResponse{
		Status:         wire.StatusSuccess,
		SessionID:      fmt.Sprintf("s-%d", f.nextSession),
		ChannelID:      p.ChannelID,
		GlobalOffset:   &g,
		LocalOffset:    &l,
		ConnectionTime: 1700000000000,
	}, nil
}

func (f *fakeAPI) Push(ctx context.Context, req wire.PushRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, req)
	return nil
}

func (f *fakeAPI) Pull(ctx context.Context, sessionID string, rc wire.ReceiveConfig) (*wire.EventMessageResult, error) {
	f.mu.Lock()
	f.pulls = append(f.pulls, rc)
	f.mu.Unlock()

	select {
	case step := <-f.steps:
		return step.res, step.err
	case <-ctx.Done():
		return nil, channel.ErrCancelled
	}
}

func (f *fakeAPI) ListAgents(ctx context.Context, sessionID string) ([]wire.AgentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agents, nil
}

func (f *fakeAPI) ListSystemAgents(ctx context.Context, sessionID string) ([]wire.AgentInfo, error) {
	return nil, nil
}

func (f *fakeAPI) Disconnect(ctx context.Context, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, sessionID)
}

func (f *fakeAPI) UDPPush(req wire.PushRequest) bool { return true }

func (f *fakeAPI) UDPPull(sessionID string, rc wire.ReceiveConfig) *wire.EventMessageResult {
	return &wire.EventMessageResult{}
}

func ptr64(v int64) *int64 { return &v }

func durableResult(nextG, nextL int64, events ...wire.EventMessage) *wire.EventMessageResult {
	return &wire.EventMessageResult{
		Events:           events,
		NextGlobalOffset: ptr64(nextG),
		NextLocalOffset:  ptr64(nextL),
	}
}

func textEvent(from, content string) wire.EventMessage {
	return wire.EventMessage{Type: wire.EventChatText, From: from, Content: content, Timestamp: 1700000000001}
}

func connectedSession(t *testing.T, api *fakeAPI) *Session {
	t.Helper()
	s := New(api, nil, nil)
	err := s.Connect(context.Background(), Config{
		ChannelName:     "room-1",
		ChannelPassword: "p",
		AgentName:       "alice",
	})
	require.NoError(t, err)
	require.Equal(t, StateConnected, s.State())
	return s
}

func waitBatch(t *testing.T, ch <-chan []wire.EventMessage) []wire.EventMessage {
	t.Helper()
	select {
	case batch := <-ch:
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("no batch delivered")
		return nil
	}
}

func waitOffsets(t *testing.T, s *Session, wantG, wantL int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		g, l := s.Offsets()
		if g == wantG && l == wantL {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	g, l := s.Offsets()
	t.Fatalf("offsets stuck at (%d,%d), want (%d,%d)", g, l, wantG, wantL)
}

func TestConnectAdoptsServerState(t *testing.T) {
	api := newFakeAPI()
	s := connectedSession(t, api)

	require.Equal(t, "s-1", s.SessionID())
	require.Equal(t, "c-room-1", s.ChannelID())
	g, l := s.Offsets()
	require.EqualValues(t, 100, g)
	require.EqualValues(t, 10, l)
	require.EqualValues(t, 1700000000000, s.ConnectionTime())

	// channel resolved before connect, so the request carried the id
	require.Equal(t, "c-room-1", api.connects[0].ChannelID)
}

func TestConnectRequiresIdentity(t *testing.T) {
	s := New(newFakeAPI(), nil, nil)
	err := s.Connect(context.Background(), Config{AgentName: "alice", ChannelID: "c1", ChannelName: ""})
	require.NoError(t, err)

	s2 := New(newFakeAPI(), nil, nil)
	err = s2.Connect(context.Background(), Config{ChannelName: "room", ChannelPassword: "p"})
	require.ErrorIs(t, err, channel.ErrConfig)
	require.Equal(t, StateDisconnected, s2.State())
}

func TestConnectTwiceRejected(t *testing.T) {
	api := newFakeAPI()
	s := connectedSession(t, api)
	err := s.Connect(context.Background(), Config{ChannelID: "c1", AgentName: "alice"})
	require.ErrorIs(t, err, channel.ErrConfig)
}

func TestReceiveDeliversAndAdvances(t *testing.T) {
	api := newFakeAPI()
	s := connectedSession(t, api)
	defer s.Disconnect(context.Background())

	batches := make(chan []wire.EventMessage, 4)
	require.NoError(t, s.ReceiveAsync(func(events []wire.EventMessage) { batches <- events }, false))

	api.steps <- pullStep{res: durableResult(105, 12, textEvent("bob", "hi"))}
	batch := waitBatch(t, batches)
	require.Len(t, batch, 1)
	require.Equal(t, "hi", batch[0].Content)
	waitOffsets(t, s, 105, 12)

	// next pull must carry the advanced cursors
	api.steps <- pullStep{res: durableResult(106, 13, textEvent("bob", "again"))}
	waitBatch(t, batches)
	waitOffsets(t, s, 106, 13)

	api.mu.Lock()
	defer api.mu.Unlock()
	for i := 1; i < len(api.pulls); i++ {
		require.GreaterOrEqual(t, api.pulls[i].GlobalOffset, api.pulls[i-1].GlobalOffset)
		require.GreaterOrEqual(t, api.pulls[i].LocalOffset, api.pulls[i-1].LocalOffset)
	}
}

func TestOffsetsNeverRegress(t *testing.T) {
	api := newFakeAPI()
	s := connectedSession(t, api)
	defer s.Disconnect(context.Background())

	require.NoError(t, s.ReceiveAsync(nil, false))
	api.steps <- pullStep{res: durableResult(200, 20)}
	waitOffsets(t, s, 200, 20)

	// a stale result must not move the cursors backwards
	api.steps <- pullStep{res: durableResult(150, 15)}
	api.steps <- pullStep{res: durableResult(201, 21)}
	waitOffsets(t, s, 201, 21)
}

func TestEphemeralIsolation(t *testing.T) {
	api := newFakeAPI()
	s := connectedSession(t, api)
	defer s.Disconnect(context.Background())

	ephemeral := make(chan []wire.EventMessage, 1)
	s.SetEphemeralHandler(func(events []wire.EventMessage) { ephemeral <- events })
	require.NoError(t, s.ReceiveAsync(func([]wire.EventMessage) { t.Error("durable handler invoked") }, false))

	ev := textEvent("bob", "pos")
	ev.Ephemeral = true
	api.steps <- pullStep{res: &wire.EventMessageResult{EphemeralEvents: []wire.EventMessage{ev}}}

	batch := waitBatch(t, ephemeral)
	require.True(t, batch[0].Ephemeral)

	g, l := s.Offsets()
	require.EqualValues(t, 100, g)
	require.EqualValues(t, 10, l)
}

func TestNoOffsetAdvanceOnHandlerPanic(t *testing.T) {
	api := newFakeAPI()
	s := connectedSession(t, api)
	defer s.Disconnect(context.Background())

	var calls int
	delivered := make(chan int, 4)
	require.NoError(t, s.ReceiveAsync(func(events []wire.EventMessage) {
		calls++
		delivered <- calls
		if calls == 1 {
			panic("application bug")
		}
	}, false))

	api.steps <- pullStep{res: durableResult(105, 12, textEvent("bob", "hi"))}
	<-delivered

	// redelivery must use the pre-batch cursors
	api.steps <- pullStep{res: durableResult(105, 12, textEvent("bob", "hi"))}
	<-delivered
	api.mu.Lock()
	redelivery := api.pulls[1]
	api.mu.Unlock()
	require.EqualValues(t, 100, redelivery.GlobalOffset)
	require.EqualValues(t, 10, redelivery.LocalOffset)

	waitOffsets(t, s, 105, 12)
}

func TestReconnectOnAuthError(t *testing.T) {
	api := newFakeAPI()
	s := connectedSession(t, api)
	defer s.Disconnect(context.Background())

	batches := make(chan []wire.EventMessage, 4)
	require.NoError(t, s.ReceiveAsync(func(events []wire.EventMessage) { batches <- events }, false))

	api.steps <- pullStep{err: channel.ErrAuth}
	api.steps <- pullStep{res: durableResult(101, 11, textEvent("bob", "after"))}
	waitBatch(t, batches)

	api.mu.Lock()
	require.Len(t, api.connects, 2)
	re := api.connects[1]
	api.mu.Unlock()
	require.Equal(t, "alice", re.AgentName)
	require.Equal(t, "c-room-1", re.ChannelID)
	require.Equal(t, "s-1", re.SessionID)
	require.Equal(t, "s-2", s.SessionID())
	require.Equal(t, StateConnected, s.State())
}

func TestTransportErrorBacksOffAndRecovers(t *testing.T) {
	api := newFakeAPI()
	s := connectedSession(t, api)
	defer s.Disconnect(context.Background())

	batches := make(chan []wire.EventMessage, 1)
	require.NoError(t, s.ReceiveAsync(func(events []wire.EventMessage) { batches <- events }, false))

	api.steps <- pullStep{err: channel.ErrTransport}
	api.steps <- pullStep{res: durableResult(101, 11, textEvent("bob", "back"))}
	waitBatch(t, batches)

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.connects, 1, "transport errors must not reconnect")
}

func TestDisconnectIdempotentAndPrompt(t *testing.T) {
	api := newFakeAPI()
	s := connectedSession(t, api)
	require.NoError(t, s.ReceiveAsync(nil, false))

	// loop is parked inside the scripted long poll
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	require.True(t, s.Disconnect(context.Background()))
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, StateClosed, s.State())

	require.True(t, s.Disconnect(context.Background()))
	require.Equal(t, []string{"s-1"}, api.disconnects)
}

func TestNoDeliveryAfterDisconnect(t *testing.T) {
	api := newFakeAPI()
	s := connectedSession(t, api)

	var mu sync.Mutex
	var delivered int
	require.NoError(t, s.ReceiveAsync(func([]wire.EventMessage) {
		mu.Lock()
		delivered++
		mu.Unlock()
	}, false))

	require.True(t, s.Disconnect(context.Background()))
	api.steps <- pullStep{res: durableResult(105, 12, textEvent("bob", "late"))}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, delivered)
}

func TestEncryptedRoundTripThroughSession(t *testing.T) {
	api := newFakeAPI()
	s := connectedSession(t, api)
	defer s.Disconnect(context.Background())

	require.NoError(t, s.Push(context.Background(), wire.EventChatText, "secret note", "bob", PushOptions{Encrypted: true}))

	api.mu.Lock()
	pushed := api.pushed[len(api.pushed)-1]
	api.mu.Unlock()
	require.True(t, pushed.Encrypted)
	require.NotEqual(t, "secret note", pushed.Content)
	require.True(t, security.IsSealed(pushed.Content))

	// an incoming sealed event is transparently opened
	batches := make(chan []wire.EventMessage, 1)
	require.NoError(t, s.ReceiveAsync(func(events []wire.EventMessage) { batches <- events }, false))

	incoming := wire.EventMessage{Type: wire.EventChatText, From: "bob", Content: pushed.Content, Encrypted: true}
	api.steps <- pullStep{res: durableResult(101, 11, incoming)}
	batch := waitBatch(t, batches)
	require.Equal(t, "secret note", batch[0].Content)
	require.False(t, batch[0].Encrypted)
}

func TestEncryptedPushWithoutSecretRejected(t *testing.T) {
	api := newFakeAPI()
	s := New(api, nil, nil)
	require.NoError(t, s.Connect(context.Background(), Config{ChannelID: "c1", AgentName: "alice"}))
	defer s.Disconnect(context.Background())

	err := s.Push(context.Background(), wire.EventChatText, "x", "", PushOptions{Encrypted: true})
	require.ErrorIs(t, err, channel.ErrConfig)
}

func TestSignalingEventsBypassUserHandler(t *testing.T) {
	api := newFakeAPI()
	s := connectedSession(t, api)
	defer s.Disconnect(context.Background())

	signals := make(chan wire.EventMessage, 1)
	s.SetSignalHandler(func(ev wire.EventMessage) { signals <- ev })
	require.NoError(t, s.ReceiveAsync(func([]wire.EventMessage) { t.Error("signaling leaked to user handler") }, false))

	sig := wire.EventMessage{Type: wire.EventWebRTCSignaling, From: "bob", Content: `{"type":"offer","sdp":"v=0","streamSessionId":"x"}`}
	api.steps <- pullStep{res: durableResult(101, 11, sig)}

	select {
	case ev := <-signals:
		require.Equal(t, "bob", ev.From)
	case <-time.After(2 * time.Second):
		t.Fatal("signal not routed")
	}
	waitOffsets(t, s, 101, 11)
}

func TestPushDefaultsToBroadcast(t *testing.T) {
	api := newFakeAPI()
	s := connectedSession(t, api)
	defer s.Disconnect(context.Background())

	require.NoError(t, s.Push(context.Background(), wire.EventChatText, "hi", "", PushOptions{}))
	api.mu.Lock()
	req := api.pushed[len(api.pushed)-1]
	api.mu.Unlock()
	require.Equal(t, "*", req.To)

	require.NoError(t, s.Push(context.Background(), wire.EventChatText, "hi", "", PushOptions{Filter: "team=red"}))
	api.mu.Lock()
	req = api.pushed[len(api.pushed)-1]
	api.mu.Unlock()
	require.Empty(t, req.To)
	require.Equal(t, "team=red", req.Filter)
}

func TestIsHost(t *testing.T) {
	api := newFakeAPI()
	s := connectedSession(t, api)
	defer s.Disconnect(context.Background())

	api.agents = []wire.AgentInfo{
		{AgentName: "alice", ConnectionTime: 1700000000000},
		{AgentName: "bob", ConnectionTime: 1700000005000},
	}
	require.True(t, s.IsHost(context.Background()))

	api.agents = []wire.AgentInfo{
		{AgentName: "alice", ConnectionTime: 1700000000000},
		{AgentName: "bob", ConnectionTime: 1600000000000},
	}
	require.False(t, s.IsHost(context.Background()))
}

func TestSnapshotRestoreOnConnect(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "sessions.json"), nil)

	api := newFakeAPI()
	s := New(api, store, nil)
	cfg := Config{ChannelName: "room-1", ChannelPassword: "p", AgentName: "alice", CheckLastSession: true}
	require.NoError(t, s.Connect(context.Background(), cfg))
	require.True(t, s.Disconnect(context.Background()))

	s2 := New(api, store, nil)
	require.NoError(t, s2.Connect(context.Background(), cfg))

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Equal(t, "s-1", api.connects[1].SessionID, "persisted session id must be offered on reconnect")
}

func waitForPush(t *testing.T, api *fakeAPI, typ wire.EventType) wire.PushRequest {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		api.mu.Lock()
		for _, req := range api.pushed {
			if req.Type == typ {
				api.mu.Unlock()
				return req
			}
		}
		api.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s push observed", typ)
	return wire.PushRequest{}
}

func requirePushAbsent(t *testing.T, api *fakeAPI, typ wire.EventType) {
	t.Helper()
	api.mu.Lock()
	defer api.mu.Unlock()
	for _, req := range api.pushed {
		require.NotEqual(t, typ, req.Type)
	}
}

func TestPasswordExchange(t *testing.T) {
	holderAPI := newFakeAPI()
	holder := connectedSession(t, holderAPI) // alice knows the password
	defer holder.Disconnect(context.Background())
	require.NoError(t, holder.ReceiveAsync(nil, false))

	reqAPI := newFakeAPI()
	requester := New(reqAPI, nil, nil)
	require.NoError(t, requester.Connect(context.Background(), Config{
		ChannelID: "c-room-1",
		AgentName: "bob",
	}))
	defer requester.Disconnect(context.Background())
	require.NoError(t, requester.ReceiveAsync(nil, false))

	got := make(chan bool, 1)
	go func() { got <- requester.RequestPassword(context.Background()) }()

	req := waitForPush(t, reqAPI, wire.EventPasswordRequest)
	require.Equal(t, "*", req.To)

	// the holder answers the request with a reply sealed to bob's key
	holderAPI.steps <- pullStep{res: durableResult(101, 11, wire.EventMessage{
		Type:      wire.EventPasswordRequest,
		From:      "bob",
		Content:   req.Content,
		Timestamp: 1700000000500,
	})}
	reply := waitForPush(t, holderAPI, wire.EventPasswordReply)
	require.Equal(t, "bob", reply.To)

	// relayed back, the requester adopts the channel secret
	reqAPI.steps <- pullStep{res: durableResult(101, 11, wire.EventMessage{
		Type:      wire.EventPasswordReply,
		From:      "alice",
		Content:   reply.Content,
		Timestamp: 1700000000600,
	})}
	select {
	case ok := <-got:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("password request never completed")
	}

	// the adopted secret matches the holder's
	require.NoError(t, requester.Push(context.Background(), wire.EventChatText, "sealed now", "", PushOptions{Encrypted: true}))
	reqAPI.mu.Lock()
	sealed := reqAPI.pushed[len(reqAPI.pushed)-1].Content
	reqAPI.mu.Unlock()
	pt, err := security.DecryptAndVerify(sealed, security.DeriveChannelSecret("room-1", "p"))
	require.NoError(t, err)
	require.Equal(t, "sealed now", pt)
}

func TestPasswordRequestVetoed(t *testing.T) {
	api := newFakeAPI()
	s := connectedSession(t, api)
	defer s.Disconnect(context.Background())

	denied := make(chan string, 1)
	s.SetPasswordRequestHandler(func(from string) bool {
		denied <- from
		return false
	})
	require.NoError(t, s.ReceiveAsync(nil, false))

	key, err := security.GenerateRSAKeyPair()
	require.NoError(t, err)
	pem, err := security.EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)

	api.steps <- pullStep{res: durableResult(101, 11, wire.EventMessage{
		Type:      wire.EventPasswordRequest,
		From:      "mallory",
		Content:   pem,
		Timestamp: 1700000000500,
	})}

	select {
	case from := <-denied:
		require.Equal(t, "mallory", from)
	case <-time.After(2 * time.Second):
		t.Fatal("veto callback not invoked")
	}
	waitOffsets(t, s, 101, 11)
	requirePushAbsent(t, api, wire.EventPasswordReply)
}

func TestStalePasswordRequestIgnored(t *testing.T) {
	api := newFakeAPI()
	s := connectedSession(t, api)
	defer s.Disconnect(context.Background())
	require.NoError(t, s.ReceiveAsync(nil, false))

	key, err := security.GenerateRSAKeyPair()
	require.NoError(t, err)
	pem, err := security.EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)

	// replayed from before this session connected
	api.steps <- pullStep{res: durableResult(101, 11, wire.EventMessage{
		Type:      wire.EventPasswordRequest,
		From:      "bob",
		Content:   pem,
		Timestamp: 1699999999000,
	})}
	waitOffsets(t, s, 101, 11)
	requirePushAbsent(t, api, wire.EventPasswordReply)
}

func TestStalePasswordReplyIgnored(t *testing.T) {
	api := newFakeAPI()
	s := New(api, nil, nil)
	require.NoError(t, s.Connect(context.Background(), Config{ChannelID: "c1", AgentName: "bob"}))
	defer s.Disconnect(context.Background())
	require.NoError(t, s.ReceiveAsync(nil, false))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	got := make(chan bool, 2)
	go func() { got <- s.RequestPassword(ctx) }()

	req := waitForPush(t, api, wire.EventPasswordRequest)
	pub, err := security.DecodePublicKeyPEM(req.Content)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]string{
		"channelName":     "room-1",
		"channelPassword": "p",
	})
	require.NoError(t, err)
	sealed, err := security.RSAEncrypt(pub, payload)
	require.NoError(t, err)

	// a valid reply replayed from before this session connected
	api.steps <- pullStep{res: durableResult(101, 11, wire.EventMessage{
		Type:      wire.EventPasswordReply,
		From:      "alice",
		Content:   sealed,
		Timestamp: 1699999999000,
	})}
	select {
	case ok := <-got:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stale reply should not satisfy the request")
	}

	// the same payload with a fresh timestamp is adopted
	go func() { got <- s.RequestPassword(context.Background()) }()
	waitForPush(t, api, wire.EventPasswordRequest)
	api.steps <- pullStep{res: durableResult(102, 12, wire.EventMessage{
		Type:      wire.EventPasswordReply,
		From:      "alice",
		Content:   sealed,
		Timestamp: 1700000000500,
	})}
	select {
	case ok := <-got:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("fresh reply not adopted")
	}
}

func TestReplayRejectedOnRunningLoop(t *testing.T) {
	api := newFakeAPI()
	s := connectedSession(t, api)
	defer s.Disconnect(context.Background())

	require.NoError(t, s.ReceiveAsync(nil, false))
	err := s.ReceiveAsync(nil, true)
	require.ErrorIs(t, err, channel.ErrConfig)

	// plain handler swap on a running loop is still allowed
	require.NoError(t, s.ReceiveAsync(nil, false))
}

func TestReplayFromStartRewindsCursors(t *testing.T) {
	api := newFakeAPI()
	s := connectedSession(t, api)
	defer s.Disconnect(context.Background())

	require.NoError(t, s.ReceiveAsync(nil, true))
	api.steps <- pullStep{res: durableResult(100, 10)}
	waitOffsets(t, s, 100, 10)

	// the first pull went out at the channel-start cursors
	api.mu.Lock()
	defer api.mu.Unlock()
	require.Zero(t, api.pulls[0].GlobalOffset)
	require.Zero(t, api.pulls[0].LocalOffset)
}

func TestUDPPullDoesNotMoveOffsets(t *testing.T) {
	api := newFakeAPI()
	s := connectedSession(t, api)
	defer s.Disconnect(context.Background())

	res := s.UDPPull(50)
	require.NotNil(t, res)
	g, l := s.Offsets()
	require.EqualValues(t, 100, g)
	require.EqualValues(t, 10, l)
}
