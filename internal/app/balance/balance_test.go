package balance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/soundrooms/internal/app"
	"github.com/dkeye/soundrooms/internal/app/fsm"
	"github.com/dkeye/soundrooms/internal/app/roomdata"
	"github.com/dkeye/soundrooms/internal/config"
	"github.com/dkeye/soundrooms/internal/domain"
)

const self = "10.0.0.1:8100"

func TestParsePath(t *testing.T) {
	req, err := ParsePath("/6dof")
	require.NoError(t, err)
	assert.Equal(t, Request{HeadsetType: domain.Headset6DOF}, req)
	assert.False(t, req.HasRoom())

	req, err = ParsePath("/viewer/abcd")
	require.NoError(t, err)
	assert.Equal(t, Request{HeadsetType: domain.HeadsetViewer, Room: "abcd"}, req)
	assert.True(t, req.HasRoom())

	for _, bad := range []string{"", "/", "6dof", "/vr", "/6dof/abc", "/6dof/abcde", "/6dof/abcd/x", "/6dof/"} {
		_, err := ParsePath(bad)
		assert.ErrorIs(t, err, ErrBadURL, bad)
	}
}

func newState(rooms []domain.RoomName) *app.State {
	return app.NewState(
		fsm.New(rooms),
		roomdata.New(rooms, roomdata.Rules{
			MaxClientsPerRoom: 10,
			Thresholds:        map[domain.HeadsetType]int{domain.Headset3DOF: 3, domain.Headset6DOF: 3, domain.HeadsetViewer: 10},
		}),
		app.NewServerState("me", self, rooms, 10),
	)
}

func first(int) int { return 0 }

func TestRouteRequestedRoom(t *testing.T) {
	b := New(newState([]domain.RoomName{"abcd", "efgh"}))
	d := b.Route("/3dof/efgh")
	assert.False(t, d.Retry)
	assert.Equal(t, self, d.Target)
	assert.Equal(t, map[string]string{
		HeaderHeadsetType:       "3dof",
		HeaderRequestedRoomName: "efgh",
		HeaderClientChoseRoom:   "true",
	}, d.Headers)
}

func TestRouteInvalidRequestsAskForClose(t *testing.T) {
	b := New(newState([]domain.RoomName{"abcd"}))
	for _, u := range []string{"/nope", "/6dof/zzzz", "/6dof/toolong"} {
		d := b.Route(u)
		assert.Equal(t, self, d.Target, u)
		assert.Equal(t, map[string]string{HeaderPleaseClose: "true"}, d.Headers, u)
	}
}

func TestRoutePrefersAvailableRoom(t *testing.T) {
	st := newState([]domain.RoomName{"abcd", "efgh"})
	st.Do(func(tx *app.Tx) {
		tx.Data.InitContent("efgh")
		tx.Data.AddClient("efgh", "c1", domain.Headset6DOF)
	})
	b := New(st, WithPicker(first))

	d := b.Route("/6dof?x=1")
	assert.Equal(t, "efgh", d.Headers[HeaderRequestedRoomName])
	assert.Equal(t, "6dof", d.Headers[HeaderHeadsetType])
	assert.NotContains(t, d.Headers, HeaderClientChoseRoom)
}

func TestRouteFallsBackToOwnIdleRoom(t *testing.T) {
	rooms := config.DefaultRoomNames(100)
	st := newState(rooms)
	var mine []domain.RoomName
	st.Do(func(tx *app.Tx) {
		tx.Server.RecordHeartbeat("peer", "10.0.0.2", 8100, time.Now())
		mine = tx.Server.ServableRooms()
	})
	require.NotEmpty(t, mine)
	require.Less(t, len(mine), len(rooms))

	b := New(st, WithPicker(first))
	for i := 0; i < 5; i++ {
		d := b.Route("/viewer")
		require.False(t, d.Retry)
		assert.Equal(t, self, d.Target, "idle rooms are only handed out locally")
		assert.Equal(t, string(mine[0]), d.Headers[HeaderRequestedRoomName])
	}
}

func TestRouteRetriesWhenNothingFree(t *testing.T) {
	rooms := []domain.RoomName{"abcd"}
	st := newState(rooms)
	st.Do(func(tx *app.Tx) {
		tx.Rooms.Apply("abcd", fsm.InitRoomContent)
	})
	d := New(st).Route("/6dof")
	assert.True(t, d.Retry)
	assert.Empty(t, d.Target)
}
