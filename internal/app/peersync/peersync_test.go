package peersync

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/soundrooms/internal/adapters/memory"
	"github.com/dkeye/soundrooms/internal/app"
	"github.com/dkeye/soundrooms/internal/app/fsm"
	"github.com/dkeye/soundrooms/internal/app/ratelimit"
	"github.com/dkeye/soundrooms/internal/app/roomdata"
	"github.com/dkeye/soundrooms/internal/config"
	"github.com/dkeye/soundrooms/internal/core"
	"github.com/dkeye/soundrooms/internal/domain"
)

const topic = "server-sync-test"

func testSettings(id domain.ServerID) Settings {
	return Settings{
		ServerID:            id,
		IP:                  "127.0.0.1",
		Port:                8100,
		Environment:         "test",
		HeartbeatPeriod:     20 * time.Millisecond,
		HeartbeatTimeout:    80 * time.Millisecond,
		WarmupInterval:      5 * time.Millisecond,
		SavePeriod:          5 * time.Second,
		DeadPeerScanPeriod:  30 * time.Second,
		MonitorProbeTimeout: time.Second,
		ScanProbeTimeout:    time.Second,
	}
}

func newState(id domain.ServerID, rooms []domain.RoomName) *app.State {
	return app.NewState(
		fsm.New(rooms),
		roomdata.New(rooms, roomdata.Rules{MaxClientsPerRoom: 10}),
		app.NewServerState(id, "127.0.0.1:8100", rooms, 10),
	)
}

type fixture struct {
	hub     *memory.Hub
	records *memory.Records
	state   *app.State
	engine  *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{hub: memory.NewHub(), records: memory.NewRecords()}
	f.state = newState("me", config.DefaultRoomNames(100))
	f.engine = New(ctx, f.state, f.hub.Channel(topic), f.records, testSettings("me"), opts...)
	require.NoError(t, f.engine.Start())
	return f
}

// announce publishes a heartbeat as if it came from server id at addr.
func (f *fixture) announce(t *testing.T, id domain.ServerID, addr string) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	data, _ := json.Marshal(HeartbeatData{IP: host, Port: port})
	raw, _ := json.Marshal(Message{From: id, Type: TypeHeartbeat, Data: data})
	require.NoError(t, f.hub.Channel(topic).Publish(context.Background(), raw))
}

func (f *fixture) peerCount() int {
	n := 0
	f.state.Do(func(tx *app.Tx) { n = tx.Server.PeerCount() })
	return n
}

func healthy(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == HealthPath {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func deadAddress(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()
	return addr
}

func TestSilentPeerFailingProbeIsRemoved(t *testing.T) {
	f := newFixture(t)
	addr := deadAddress(t)
	var before int
	f.state.Do(func(tx *app.Tx) { before = len(tx.Server.ServableRooms()) })

	f.announce(t, "peer", addr)
	require.Eventually(t, func() bool { return f.peerCount() == 1 }, time.Second, 5*time.Millisecond)
	f.state.Do(func(tx *app.Tx) {
		assert.True(t, tx.Server.Ring().Has(addr))
		assert.Less(t, len(tx.Server.ServableRooms()), before)
	})

	require.Eventually(t, func() bool { return f.peerCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	f.state.Do(func(tx *app.Tx) {
		assert.False(t, tx.Server.Ring().Has(addr))
		assert.Len(t, tx.Server.ServableRooms(), before)
	})
}

func TestSilentPeerAnsweringProbeIsKept(t *testing.T) {
	f := newFixture(t)
	srv := healthy(t)
	f.announce(t, "peer", srv.Listener.Addr().String())
	require.Eventually(t, func() bool { return f.peerCount() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, f.peerCount())
}

func TestOwnHeartbeatIsIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.SendHeartbeat(context.Background()))
	f.announce(t, "other", "10.0.0.9:8100")
	require.Eventually(t, func() bool { return f.peerCount() == 1 }, time.Second, 5*time.Millisecond)
	f.state.Do(func(tx *app.Tx) {
		_, ok := tx.Server.Peer("me")
		assert.False(t, ok)
	})
}

func TestWarmUpOpensGate(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.engine.WarmUp(ctx))
	f.state.Do(func(tx *app.Tx) { assert.True(t, tx.Server.WarmupReady()) })
}

func TestWarmUpStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.hub.Channel(topic).DeleteSubscription(context.Background(), f.engine.SubscriptionName()))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.engine.WarmUp(ctx), context.DeadlineExceeded)
}

func TestSaveRecord(t *testing.T) {
	f := newFixture(t, WithClientCount(func() int { return 7 }))
	f.state.Do(func(tx *app.Tx) {
		room := tx.Server.ServableRooms()[0]
		for _, ev := range []fsm.Event{fsm.InitRoomContent, fsm.InitRoomContentSuccess, fsm.StartHeartbeat,
			fsm.StartHeartbeatSuccess, fsm.ProcessQueue, fsm.ProcessQueueSuccess} {
			tx.Rooms.Apply(room, ev)
		}
	})
	require.NoError(t, f.engine.SaveRecord(context.Background()))

	rec, ok := f.records.Subscription("me")
	require.True(t, ok)
	assert.Equal(t, topic, rec.TopicName)
	assert.Equal(t, topic+"-me", rec.SubscriptionName)
	assert.Equal(t, 7, rec.ClientCount)
	assert.Equal(t, 1, rec.RoomsInUse)
	assert.Equal(t, 8100, rec.Port)
	assert.WithinDuration(t, time.Now(), rec.TS, time.Second)
}

func staleRecord(id domain.ServerID, addr string) core.SubscriptionRecord {
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	return core.SubscriptionRecord{
		ServerID:         string(id),
		IP:               host,
		Port:             port,
		TopicName:        topic,
		SubscriptionName: topic + "-" + string(id),
		TS:               time.Now().Add(-time.Hour),
	}
}

func TestScanDeletesDeadPeer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.hub.Channel(topic).Subscribe(topic+"-ghost", func([]byte) {}))
	require.NoError(t, f.records.UpsertSubscription(ctx, staleRecord("ghost", deadAddress(t))))

	require.NoError(t, f.engine.ScanDeadPeers(ctx))
	_, ok := f.records.Subscription("ghost")
	assert.False(t, ok)
	assert.NotContains(t, f.hub.Subscriptions(topic), topic+"-ghost")
	assert.Contains(t, f.hub.Subscriptions(topic), f.engine.SubscriptionName())
}

func TestScanKeepsOwnRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.records.UpsertSubscription(ctx, staleRecord("me", deadAddress(t))))

	require.NoError(t, f.engine.ScanDeadPeers(ctx))
	_, ok := f.records.Subscription("me")
	assert.True(t, ok)
	assert.Contains(t, f.hub.Subscriptions(topic), f.engine.SubscriptionName())
}

func TestScanKeepsAnsweringKnownPeer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := healthy(t).Listener.Addr().String()
	f.announce(t, "slow", addr)
	require.Eventually(t, func() bool { return f.peerCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.records.UpsertSubscription(ctx, staleRecord("slow", addr)))

	require.NoError(t, f.engine.ScanDeadPeers(ctx))
	_, ok := f.records.Subscription("slow")
	assert.True(t, ok)
}

func TestScanDeletesRecordWhenAddressChangedHands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := healthy(t).Listener.Addr().String()
	require.NoError(t, f.records.UpsertSubscription(ctx, staleRecord("previous", addr)))

	require.NoError(t, f.engine.ScanDeadPeers(ctx))
	_, ok := f.records.Subscription("previous")
	assert.False(t, ok)
}

func TestScanIgnoresOtherTopics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := staleRecord("elsewhere", deadAddress(t))
	rec.TopicName = "server-sync-prod"
	require.NoError(t, f.records.UpsertSubscription(ctx, rec))

	require.NoError(t, f.engine.ScanDeadPeers(ctx))
	_, ok := f.records.Subscription("elsewhere")
	assert.True(t, ok)
}

func TestLoadRateLimits(t *testing.T) {
	perClient := ratelimit.New("per-client", ratelimit.Options{Enabled: true, Threshold: 20, TTL: time.Second})
	perType := ratelimit.New("per-type", ratelimit.Options{Enabled: true, Threshold: 1, TTL: 200 * time.Millisecond})
	f := newFixture(t, WithRateLimiters(perClient, perType))
	ctx := context.Background()

	require.NoError(t, f.engine.LoadRateLimits(ctx))
	assert.Equal(t, 20, perClient.Options().Threshold, "nothing stored keeps the defaults")

	f.records.SetRateLimits(core.RateLimitRecord{EnvironmentName: "test", PerClientThreshold: 0, PerClientTTL: time.Second, PerTypeThreshold: 1, PerTypeTTL: time.Second})
	require.NoError(t, f.engine.LoadRateLimits(ctx))
	assert.Equal(t, 20, perClient.Options().Threshold, "invalid settings are discarded")

	f.records.SetRateLimits(core.RateLimitRecord{
		EnvironmentName:    "test",
		PerClientThreshold: 50, PerClientTTL: 2 * time.Second,
		PerTypeThreshold: 3, PerTypeTTL: time.Second,
	})
	other := New(context.Background(), newState("other", nil), f.hub.Channel(topic), f.records, testSettings("other"))
	require.NoError(t, other.RequestRateLimitReload(ctx))

	require.Eventually(t, func() bool { return perClient.Options().Threshold == 50 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2*time.Second, perClient.Options().TTL)
	assert.Equal(t, ratelimit.Options{Enabled: true, Threshold: 3, TTL: time.Second}, perType.Options())
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := f.records.Subscription("me")
		return ok
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
