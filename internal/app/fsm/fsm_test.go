package fsm

import (
	"context"
	"testing"

	lfsm "github.com/looplab/fsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/soundrooms/internal/domain"
)

var pool = []domain.RoomName{"abcd", "efgh"}

func TestAllRoomsStartInInit(t *testing.T) {
	m := New(pool)
	assert.Equal(t, pool, m.RoomsIn(Init))
	assert.Equal(t, 2, m.Count(Init))
	assert.Equal(t, Init, m.State("abcd"))
	assert.False(t, m.Has("zzzz"))
	assert.Equal(t, State(""), m.State("zzzz"))
}

func TestSetupToReadyAndTeardown(t *testing.T) {
	m := New(pool)
	steps := []struct {
		ev Event
		to State
	}{
		{InitRoomContent, InitingRoomContent},
		{InitRoomContentSuccess, RoomContentInited},
		{StartHeartbeat, StartingHeartbeat},
		{StartHeartbeatSuccess, HeartbeatStarted},
		{ProcessQueue, ProcessingQueue},
		{ProcessQueueSuccess, Ready},
		{SetRoomFull, RoomFull},
		{UnsetRoomFull, Ready},
		{CheckIfEmpty, CheckingIfEmpty},
		{EmptyCheckFailure, Ready},
		{CheckIfEmpty, CheckingIfEmpty},
		{EmptyCheckSuccess, RoomEmpty},
		{StopHeartbeat, StoppingHeartbeat},
		{StopHeartbeatSuccess, HeartbeatStopped},
		{Close, Init},
	}
	for _, s := range steps {
		to, ok := m.Apply("abcd", s.ev)
		require.True(t, ok, "event %s", s.ev)
		require.Equal(t, s.to, to)
		assert.True(t, m.InState("abcd", s.to))
	}
	assert.Equal(t, pool, m.RoomsIn(Init))
}

func TestInvalidTransitionKeepsStateAndFlagsError(t *testing.T) {
	m := New(pool)
	for _, ev := range []Event{SetRoomFull, Close, ProcessQueue, StopHeartbeat, ResetSuccess} {
		assert.False(t, m.Can("abcd", ev))
		st, ok := m.Apply("abcd", ev)
		assert.False(t, ok)
		assert.Equal(t, Init, st)

		status, _ := m.Status("abcd")
		assert.True(t, status.Error)
		assert.Equal(t, ev, status.LastEvent)
	}
	assert.True(t, m.InState("abcd", Init))

	_, ok := m.Apply("abcd", InitRoomContent)
	require.True(t, ok)
	status, _ := m.Status("abcd")
	assert.False(t, status.Error)
}

func TestResetFromError(t *testing.T) {
	m := New(pool)
	m.Apply("abcd", InitRoomContent)
	m.Apply("abcd", InitRoomContentFailure)
	assert.Equal(t, []domain.RoomName{"abcd"}, m.RoomsIn(Error))

	_, ok := m.Apply("abcd", Reset)
	require.True(t, ok)
	_, ok = m.Apply("abcd", ResetSuccess)
	require.True(t, ok)
	assert.Equal(t, Init, m.State("abcd"))
	assert.Empty(t, m.RoomsIn(Error))
}

func TestEarlyExitFromProcessingQueue(t *testing.T) {
	m := New(pool)
	for _, ev := range []Event{InitRoomContent, InitRoomContentSuccess, StartHeartbeat, StartHeartbeatSuccess, ProcessQueue} {
		m.Apply("efgh", ev)
	}
	to, ok := m.Apply("efgh", CheckIfEmpty)
	require.True(t, ok)
	assert.Equal(t, CheckingIfEmpty, to)
}

func TestUnknownRoom(t *testing.T) {
	m := New(pool)
	_, ok := m.Apply("zzzz", InitRoomContent)
	assert.False(t, ok)
	assert.False(t, m.Can("zzzz", InitRoomContent))
}

func TestOnChangeHook(t *testing.T) {
	m := New(pool)
	var seen []State
	m.OnChange(func(_ domain.RoomName, _, to State) { seen = append(seen, to) })
	m.Apply("abcd", InitRoomContent)
	m.Apply("abcd", Close)
	assert.Equal(t, []State{InitingRoomContent}, seen)
}

func TestStateHelpers(t *testing.T) {
	assert.True(t, IsSetup(HeartbeatStarted))
	assert.False(t, IsSetup(Ready))
	assert.True(t, Accepting(RoomFull))
	assert.False(t, Accepting(ProcessingQueue))
}

func TestEventsCoverEdgeTable(t *testing.T) {
	for _, from := range States {
		for ev, edges := range transitions {
			want := State("")
			for _, e := range edges {
				if e.from == from {
					want = e.to
				}
			}

			f := lfsm.NewFSM(string(from), events(), lfsm.Callbacks{})
			require.Equal(t, want != "", f.Can(string(ev)), "%s from %s", ev, from)
			if want == "" {
				continue
			}
			require.NoError(t, f.Event(context.Background(), string(ev)))
			assert.Equal(t, string(want), f.Current(), "%s from %s", ev, from)
		}
	}
}
