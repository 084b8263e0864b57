package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/soundrooms/internal/app/fsm"
	"github.com/dkeye/soundrooms/internal/app/roomdata"
	"github.com/dkeye/soundrooms/internal/config"
	"github.com/dkeye/soundrooms/internal/core"
	"github.com/dkeye/soundrooms/internal/domain"
)

const self = "10.0.0.1:8100"

func TestSingleServerOwnsEveryRoom(t *testing.T) {
	rooms := config.DefaultRoomNames(50)
	s := NewServerState("me", self, rooms, 10)
	assert.Len(t, s.ServableRooms(), 50)
	for _, r := range rooms {
		assert.True(t, s.IsServable(r))
		assert.Equal(t, self, s.Owner(string(r)))
	}
}

func TestPeerJoinAndLeaveRemapsRooms(t *testing.T) {
	rooms := config.DefaultRoomNames(200)
	s := NewServerState("me", self, rooms, 10)

	at := time.Unix(100, 0)
	p, added := s.RecordHeartbeat("peer", "10.0.0.2", 8100, at)
	require.True(t, added)
	assert.Equal(t, "10.0.0.2:8100", p.Address())
	assert.Equal(t, at, p.LastHeartbeat)

	mine := s.ServableRooms()
	assert.NotEmpty(t, mine)
	assert.Less(t, len(mine), len(rooms))
	for _, r := range rooms {
		owner := s.Owner(string(r))
		assert.Equal(t, owner == self, s.IsServable(r))
	}

	_, added = s.RecordHeartbeat("peer", "10.0.0.2", 8100, at.Add(time.Second))
	assert.False(t, added)
	got, _ := s.Peer("peer")
	assert.Equal(t, at.Add(time.Second), got.LastHeartbeat)

	stopped := false
	s.SetPeerMonitor("peer", func() { stopped = true })
	require.True(t, s.RemovePeer("peer"))
	assert.True(t, stopped)
	assert.Len(t, s.ServableRooms(), len(rooms))
	assert.False(t, s.RemovePeer("peer"))
	assert.Zero(t, s.PeerCount())
}

func TestRemovePeerKeepsSharedAddress(t *testing.T) {
	s := NewServerState("me", self, config.DefaultRoomNames(20), 10)
	s.RecordHeartbeat("old", "10.0.0.2", 8100, time.Now())
	s.RecordHeartbeat("new", "10.0.0.2", 8100, time.Now())

	s.RemovePeer("old")
	assert.True(t, s.Ring().Has("10.0.0.2:8100"))
	_, ok := s.PeerAt("10.0.0.2:8100")
	assert.True(t, ok)
}

func TestWarmupGate(t *testing.T) {
	s := NewServerState("me", self, nil, 10)
	base := time.UnixMilli(1_000_000)

	for i := 0; i < 9; i++ {
		s.AddWarmupReceipt(base.Add(time.Duration(i) * time.Millisecond))
	}
	assert.False(t, s.WarmupReady(), "list not full")

	s.AddWarmupReceipt(base.Add(9 * time.Millisecond))
	assert.True(t, s.WarmupReady())

	batched := NewServerState("me", self, nil, 10)
	for i := 0; i < 20; i++ {
		batched.AddWarmupReceipt(base)
	}
	assert.False(t, batched.WarmupReady(), "all receipts in one batch")

	// Four distinct gaps out of nine is not enough, five is.
	half := NewServerState("me", self, nil, 10)
	times := []int{0, 0, 0, 0, 0, 1, 2, 3, 4, 4}
	for _, ms := range times {
		half.AddWarmupReceipt(base.Add(time.Duration(ms) * time.Millisecond))
	}
	assert.False(t, half.WarmupReady())
	half.AddWarmupReceipt(base.Add(5 * time.Millisecond))
	assert.True(t, half.WarmupReady())
}

type recConn struct {
	frames []core.Frame
	closed bool
}

func (c *recConn) TrySend(f core.Frame) error {
	if c.closed {
		return core.ErrConnectionClosed
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *recConn) Close() { c.closed = true }

func TestRegistryRoomTracking(t *testing.T) {
	r := NewRegistry()
	conn := &recConn{}
	ctx := r.Bind(context.Background(), "c1", domain.Headset6DOF, conn)
	r.Bind(context.Background(), "c2", domain.HeadsetViewer, &recConn{})
	assert.Equal(t, 2, r.Count())

	_, ok := r.RoomOf("c1")
	assert.False(t, ok)

	r.SetQueued("c1", "abcd")
	q, ok := r.QueuedRoomOf("c1")
	require.True(t, ok)
	assert.Equal(t, domain.RoomName("abcd"), q)

	r.SetRoom("c1", "abcd")
	r.SetRoom("c2", "abcd")
	room, ok := r.RoomOf("c1")
	require.True(t, ok)
	assert.Equal(t, domain.RoomName("abcd"), room)
	_, ok = r.QueuedRoomOf("c1")
	assert.False(t, ok, "joining clears the queue slot")

	members := r.MembersOfRoom("abcd")
	require.Len(t, members, 2)
	assert.Equal(t, domain.ClientID("c1"), members[0].ID)

	ht, _ := r.HeadsetType("c2")
	assert.Equal(t, domain.HeadsetViewer, ht)

	at := time.Unix(50, 0)
	r.Touch("c1", at)
	last, _ := r.LastAction("c1")
	assert.Equal(t, at, last)

	assert.True(t, r.Kick("c1"))
	assert.True(t, conn.closed)

	got, ok := r.Context("c1")
	require.True(t, ok)
	assert.Equal(t, ctx, got)

	r.Unbind("c1")
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.False(t, r.Has("c1"))
	assert.False(t, r.Kick("c1"))
}

func TestStateDoSerializes(t *testing.T) {
	rooms := []domain.RoomName{"abcd"}
	st := NewState(
		fsm.New(rooms),
		roomdata.New(rooms, roomdata.Rules{MaxClientsPerRoom: 1000}),
		NewServerState("me", self, rooms, 10),
	)
	st.Do(func(tx *Tx) {
		tx.Rooms.Apply("abcd", fsm.InitRoomContent)
		tx.Data.InitContent("abcd")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	const workers = 20
	for w := 0; w < workers; w++ {
		go func(w int) {
			for i := 0; i < 25; i++ {
				st.Do(func(tx *Tx) {
					tx.Data.AddClient("abcd", domain.ClientID(fmt.Sprintf("%d-%d", w, i)), domain.HeadsetViewer)
				})
			}
			done <- struct{}{}
		}(w)
	}
	for w := 0; w < workers; w++ {
		select {
		case <-done:
		case <-ctx.Done():
			t.Fatal("workers did not finish")
		}
	}
	st.Do(func(tx *Tx) {
		assert.Equal(t, workers*25, tx.Data.ClientCount("abcd"))
	})
}

func TestSimplePolicyKicks(t *testing.T) {
	var p Policy = SimplePolicy{}
	assert.Equal(t, KickMember, p.OnBackPressure("abcd", "c1"))
	assert.Equal(t, "kick", KickMember.String())
}
