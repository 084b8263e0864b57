package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/soundrooms/internal/app"
	"github.com/dkeye/soundrooms/internal/app/balance"
	"github.com/dkeye/soundrooms/internal/app/fsm"
	"github.com/dkeye/soundrooms/internal/app/orch"
	"github.com/dkeye/soundrooms/internal/app/ratelimit"
	"github.com/dkeye/soundrooms/internal/app/roomdata"
	"github.com/dkeye/soundrooms/internal/core"
	"github.com/dkeye/soundrooms/internal/domain"
	"github.com/dkeye/soundrooms/internal/metrics"
	"github.com/dkeye/soundrooms/internal/protocol"
)

const room domain.RoomName = "abcd"

type wireFrame struct {
	From string `json:"f"`
	Msg  struct {
		Type string          `json:"t"`
		Data json.RawMessage `json:"d"`
	} `json:"m"`
}

type fakeConn struct {
	mu    sync.Mutex
	types []string
}

func (c *fakeConn) TrySend(f core.Frame) error {
	var w wireFrame
	if err := json.Unmarshal(f, &w); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = append(c.types, w.Msg.Type)
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) count(t protocol.MessageType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, got := range c.types {
		if got == string(t) {
			n++
		}
	}
	return n
}

func newTestOrch(t *testing.T) *orch.Orchestrator {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rooms := []domain.RoomName{room}
	state := app.NewState(
		fsm.New(rooms),
		roomdata.New(rooms, roomdata.Rules{
			MaxClientsPerRoom: 2,
			Thresholds:        map[domain.HeadsetType]int{domain.Headset3DOF: 3, domain.Headset6DOF: 3, domain.HeadsetViewer: 10},
		}),
		app.NewServerState("srv", "127.0.0.1:8100", rooms, 10),
	)
	s := orch.Settings{
		ServerID:          "srv",
		MaxClientsPerRoom: 2,
		HeartbeatInterval: time.Second,
		Inactivity:        map[domain.HeadsetType]orch.Inactivity{},
	}
	return orch.New(ctx, state, app.NewRegistry(), app.SimplePolicy{}, metrics.New("srv"), s)
}

func inRoom(t *testing.T, o *orch.Orchestrator, ht domain.HeadsetType) (domain.ClientID, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	id := o.Connect(conn, ht)
	o.Join(id, room)
	require.Eventually(t, func() bool {
		_, ok := o.Registry.RoomOf(id)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		st := fsm.Init
		o.State.Do(func(tx *app.Tx) { st = tx.Rooms.State(room) })
		return fsm.Accepting(st)
	}, 2*time.Second, 5*time.Millisecond)
	return id, conn
}

func grabFrame() []byte {
	return []byte(`{"t":"g_s","d":{"spId":"` + uuid.NewString() + `"}}`)
}

func TestRouterDispatchesValidMessages(t *testing.T) {
	o := newTestOrch(t)
	r := NewRouter(o, Limits{}, nil, false)
	id, conn := inRoom(t, o, domain.Headset6DOF)

	r.Handle(id, domain.Headset6DOF, grabFrame())
	assert.Equal(t, 1, conn.count(protocol.ErrNonExistentSphere))

	r.Handle(id, domain.Headset6DOF, []byte(`{"t":"g_s","d":{"spId":"not-a-uuid"}}`))
	r.Handle(id, domain.Headset6DOF, []byte(`not json`))
	r.Handle(id, domain.Headset6DOF, nil)
	assert.Equal(t, 1, conn.count(protocol.ErrNonExistentSphere), "invalid input gets no reply")
}

func TestRouterDropsOutsideRoom(t *testing.T) {
	o := newTestOrch(t)
	r := NewRouter(o, Limits{}, nil, false)
	conn := &fakeConn{}
	id := o.Connect(conn, domain.Headset6DOF)

	r.Handle(id, domain.Headset6DOF, grabFrame())
	assert.Zero(t, conn.count(protocol.ErrNonExistentSphere))
	assert.Zero(t, conn.count(protocol.ErrNotInRoom))
}

func TestRouterPerTypeLimit(t *testing.T) {
	o := newTestOrch(t)
	perType := ratelimit.New("per-type", ratelimit.Options{Enabled: true, Threshold: 1, TTL: time.Minute})
	r := NewRouter(o, Limits{PerType: perType}, nil, false)
	id, conn := inRoom(t, o, domain.Headset6DOF)

	r.Handle(id, domain.Headset6DOF, grabFrame())
	r.Handle(id, domain.Headset6DOF, grabFrame())
	assert.Equal(t, 1, conn.count(protocol.ErrNonExistentSphere))

	// Another type has its own bucket.
	r.Handle(id, domain.Headset6DOF, []byte(`{"t":"d_s","d":{"spId":"`+uuid.NewString()+`"}}`))
	assert.Equal(t, 2, conn.count(protocol.ErrNonExistentSphere))
}

func TestRouterPerClientLimit(t *testing.T) {
	o := newTestOrch(t)
	perClient := ratelimit.New("per-client", ratelimit.Options{Enabled: true, Threshold: 2, TTL: time.Minute})
	r := NewRouter(o, Limits{PerClient: perClient}, nil, false)
	a, connA := inRoom(t, o, domain.Headset6DOF)
	b, connB := inRoom(t, o, domain.Headset3DOF)

	for range 3 {
		r.Handle(a, domain.Headset6DOF, grabFrame())
	}
	r.Handle(b, domain.Headset3DOF, grabFrame())
	assert.Equal(t, 2, connA.count(protocol.ErrNonExistentSphere))
	assert.Equal(t, 1, connB.count(protocol.ErrNonExistentSphere))

	r.Forget(a)
	r.Handle(a, domain.Headset6DOF, grabFrame())
	assert.Equal(t, 3, connA.count(protocol.ErrNonExistentSphere))
}

func TestRouterDropsViewers(t *testing.T) {
	o := newTestOrch(t)
	r := NewRouter(o, Limits{}, nil, true)
	id, conn := inRoom(t, o, domain.HeadsetViewer)

	r.Handle(id, domain.HeadsetViewer, grabFrame())
	assert.Zero(t, conn.count(protocol.ErrNonExistentSphere))
}

func TestRouterTouchesClient(t *testing.T) {
	o := newTestOrch(t)
	r := NewRouter(o, Limits{}, nil, false)
	at := time.Now().Add(time.Hour)
	r.now = func() time.Time { return at }
	id, _ := inRoom(t, o, domain.Headset6DOF)

	r.Handle(id, domain.Headset6DOF, grabFrame())
	last, ok := o.Registry.LastAction(id)
	require.True(t, ok)
	assert.Equal(t, at, last)
}

func newServer(t *testing.T, s Settings) (*orch.Orchestrator, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	o := newTestOrch(t)
	s.ServerID = "srv"
	ctl := NewSignalWSController(o, NewRouter(o, Limits{}, nil, false), s)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	engine := gin.New()
	engine.GET("/*path", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return o, "ws" + strings.TrimPrefix(srv.URL, "http") + "/6dof/abcd"
}

func dial(t *testing.T, url string, h http.Header) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, h)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return ws
}

func routed(room string) http.Header {
	h := http.Header{}
	h.Set(balance.HeaderHeadsetType, "6dof")
	h.Set(balance.HeaderRequestedRoomName, room)
	return h
}

// next reads frames until one of type t arrives.
func next(t *testing.T, ws *websocket.Conn, typ protocol.MessageType) wireFrame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		var f wireFrame
		require.NoError(t, json.Unmarshal(data, &f))
		if f.Msg.Type == string(typ) {
			return f
		}
	}
}

func closedAfter(t *testing.T, ws *websocket.Conn, typ protocol.MessageType) {
	t.Helper()
	f := next(t, ws, typ)
	assert.Equal(t, "srv", f.From)
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}

func TestAcceptJoinsRoom(t *testing.T) {
	o, url := newServer(t, Settings{})
	ws := dial(t, url, routed("abcd"))

	var info protocol.ConnectionInfoData
	require.NoError(t, json.Unmarshal(next(t, ws, protocol.ConnectionInfo).Msg.Data, &info))
	var status protocol.RoomStatusData
	require.NoError(t, json.Unmarshal(next(t, ws, protocol.RoomStatusInfo).Msg.Data, &status))
	assert.Equal(t, room, status.RoomName)

	got, ok := o.Registry.RoomOf(info.ClientID)
	require.True(t, ok)
	assert.Equal(t, room, got)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, grabFrame()))
	next(t, ws, protocol.ErrNonExistentSphere)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return !o.Registry.Has(info.ClientID) }, 2*time.Second, 5*time.Millisecond)
}

func TestAcceptExitClosesSocket(t *testing.T) {
	_, url := newServer(t, Settings{})
	ws := dial(t, url, routed("abcd"))
	next(t, ws, protocol.RoomStatusInfo)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"t":"e_r"}`)))
	closedAfter(t, ws, protocol.RoomExitSuccess)
}

func TestAcceptRefusals(t *testing.T) {
	cases := []struct {
		name   string
		header func(h http.Header)
		want   protocol.MessageType
	}{
		{"no rooms", func(h http.Header) { h.Set(balance.HeaderNoRoomsAvailable, "true") }, protocol.ErrNoRoomsAvailable},
		{"please close", func(h http.Header) { h.Set(balance.HeaderPleaseClose, "true") }, protocol.ErrInvalidURL},
		{"no room", func(h http.Header) { h.Del(balance.HeaderRequestedRoomName) }, protocol.ErrInvalidURL},
		{"bad headset", func(h http.Header) { h.Set(balance.HeaderHeadsetType, "vr") }, protocol.ErrInvalidURL},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, url := newServer(t, Settings{})
			h := routed("abcd")
			tc.header(h)
			closedAfter(t, dial(t, url, h), tc.want)
		})
	}
}

func TestAcceptRequiresOrigin(t *testing.T) {
	_, url := newServer(t, Settings{RequiredOrigin: "play.example.com"})

	h := routed("abcd")
	h.Set("Origin", "https://evil.example.com")
	closedAfter(t, dial(t, url, h), protocol.ErrInvalidURL)

	h = routed("abcd")
	h.Set("Origin", "https://play.example.com")
	next(t, dial(t, url, h), protocol.RoomStatusInfo)
}

func TestAcceptChosenFullRoom(t *testing.T) {
	o, url := newServer(t, Settings{})
	inRoom(t, o, domain.Headset6DOF)
	inRoom(t, o, domain.Headset3DOF)
	require.Eventually(t, func() bool {
		st := fsm.Init
		o.State.Do(func(tx *app.Tx) { st = tx.Rooms.State(room) })
		return st == fsm.RoomFull
	}, 2*time.Second, 5*time.Millisecond)

	h := routed("abcd")
	h.Set(balance.HeaderClientChoseRoom, "true")
	closedAfter(t, dial(t, url, h), protocol.ErrRoomFull)
}
