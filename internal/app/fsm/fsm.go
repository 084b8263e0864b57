// Package fsm tracks the lifecycle state of every room in the pool.
//
// Each room is backed by a looplab/fsm machine built from the edge table
// below; Machine adds the per-state index and the error flag on top.
// A Machine is not safe for concurrent use; callers serialize access
// through app.State.
package fsm

import (
	"context"
	"slices"

	lfsm "github.com/looplab/fsm"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/soundrooms/internal/domain"
)

type State string

const (
	Init               State = "INIT"
	Error              State = "ERROR"
	StartingRoomSetup  State = "STARTING_ROOM_SETUP"
	RoomSetupStarted   State = "ROOM_SETUP_STARTED"
	InitingRoomContent State = "INITING_ROOM_CONTENT"
	RoomContentInited  State = "ROOM_CONTENT_INITED"
	StartingHeartbeat  State = "STARTING_HEARTBEAT"
	HeartbeatStarted   State = "HEARTBEAT_STARTED"
	ProcessingQueue    State = "PROCESSING_QUEUE"
	RoomFull           State = "ROOM_FULL"
	Ready              State = "READY"
	CheckingIfEmpty    State = "CHECKING_IF_EMPTY"
	RoomEmpty          State = "ROOM_EMPTY"
	StoppingHeartbeat  State = "STOPPING_HEARTBEAT"
	HeartbeatStopped   State = "HEARTBEAT_STOPPED"
	Resetting          State = "RESETTING"
)

// States lists every state, including the setup states that have no edges yet.
var States = []State{
	Init, Error, StartingRoomSetup, RoomSetupStarted, InitingRoomContent,
	RoomContentInited, StartingHeartbeat, HeartbeatStarted, ProcessingQueue,
	RoomFull, Ready, CheckingIfEmpty, RoomEmpty, StoppingHeartbeat,
	HeartbeatStopped, Resetting,
}

type Event string

const (
	InitRoomContent        Event = "INIT_ROOM_CONTENT"
	InitRoomContentSuccess Event = "INIT_ROOM_CONTENT_SUCCESS"
	InitRoomContentFailure Event = "INIT_ROOM_CONTENT_FAILURE"
	StartHeartbeat         Event = "START_HEARTBEAT"
	StartHeartbeatSuccess  Event = "START_HEARTBEAT_SUCCESS"
	StartHeartbeatFailure  Event = "START_HEARTBEAT_FAILURE"
	ProcessQueue           Event = "PROCESS_QUEUE"
	ProcessQueueSuccess    Event = "PROCESS_QUEUE_SUCCESS"
	ProcessQueueFailure    Event = "PROCESS_QUEUE_FAILURE"
	CheckIfEmpty           Event = "CHECK_IF_EMPTY"
	EmptyCheckSuccess      Event = "EMPTY_CHECK_SUCCESS"
	EmptyCheckFailure      Event = "EMPTY_CHECK_FAILURE"
	SetRoomFull            Event = "SET_ROOM_FULL"
	UnsetRoomFull          Event = "UNSET_ROOM_FULL"
	StopHeartbeat          Event = "STOP_HEARTBEAT"
	StopHeartbeatSuccess   Event = "STOP_HEARTBEAT_SUCCESS"
	StopHeartbeatFailure   Event = "STOP_HEARTBEAT_FAILURE"
	Close                  Event = "CLOSE"
	Reset                  Event = "RESET"
	ResetSuccess           Event = "RESET_SUCCESS"
)

type edge struct {
	from State
	to   State
}

var transitions = map[Event][]edge{
	InitRoomContent:        {{Init, InitingRoomContent}},
	InitRoomContentSuccess: {{InitingRoomContent, RoomContentInited}},
	InitRoomContentFailure: {{InitingRoomContent, Error}},

	StartHeartbeat:        {{RoomContentInited, StartingHeartbeat}},
	StartHeartbeatSuccess: {{StartingHeartbeat, HeartbeatStarted}},
	StartHeartbeatFailure: {{StartingHeartbeat, Error}},

	ProcessQueue:        {{HeartbeatStarted, ProcessingQueue}},
	ProcessQueueSuccess: {{ProcessingQueue, Ready}},
	ProcessQueueFailure: {{ProcessingQueue, Error}},

	CheckIfEmpty: {
		{ProcessingQueue, CheckingIfEmpty},
		{Ready, CheckingIfEmpty},
		{RoomFull, CheckingIfEmpty},
	},
	EmptyCheckSuccess: {{CheckingIfEmpty, RoomEmpty}},
	EmptyCheckFailure: {{CheckingIfEmpty, Ready}},

	SetRoomFull:   {{Ready, RoomFull}},
	UnsetRoomFull: {{RoomFull, Ready}},

	StopHeartbeat:        {{RoomEmpty, StoppingHeartbeat}},
	StopHeartbeatSuccess: {{StoppingHeartbeat, HeartbeatStopped}},
	StopHeartbeatFailure: {{StoppingHeartbeat, Error}},

	Close: {{HeartbeatStopped, Init}},

	Reset:        {{Error, Resetting}},
	ResetSuccess: {{Resetting, Init}},
}

// events renders the edge table as looplab/fsm event descriptions, one per
// (event, target) pair with every source state that reaches it.
func events() lfsm.Events {
	names := make([]Event, 0, len(transitions))
	for ev := range transitions {
		names = append(names, ev)
	}
	slices.Sort(names)

	var out lfsm.Events
	for _, ev := range names {
		byDst := make(map[State][]string)
		var dsts []State
		for _, e := range transitions[ev] {
			if _, ok := byDst[e.to]; !ok {
				dsts = append(dsts, e.to)
			}
			byDst[e.to] = append(byDst[e.to], string(e.from))
		}
		for _, dst := range dsts {
			out = append(out, lfsm.EventDesc{Name: string(ev), Src: byDst[dst], Dst: string(dst)})
		}
	}
	return out
}

// SetupStates are the states in which a joining client is queued.
var SetupStates = []State{InitingRoomContent, RoomContentInited, StartingHeartbeat, HeartbeatStarted}

func IsSetup(s State) bool {
	for _, st := range SetupStates {
		if st == s {
			return true
		}
	}
	return false
}

// Accepting reports whether messages from room members are processed.
func Accepting(s State) bool {
	return s == Ready || s == RoomFull
}

// Status is one room's FSM record.
type Status struct {
	State     State
	Error     bool
	LastEvent Event
}

type room struct {
	fsm    *lfsm.FSM
	status Status
}

type Machine struct {
	rooms    map[domain.RoomName]*room
	byState  map[State]map[domain.RoomName]struct{}
	onChange func(room domain.RoomName, from, to State)
}

// New puts every room in INIT.
func New(rooms []domain.RoomName) *Machine {
	m := &Machine{
		rooms:   make(map[domain.RoomName]*room, len(rooms)),
		byState: make(map[State]map[domain.RoomName]struct{}, len(States)),
	}
	for _, s := range States {
		m.byState[s] = make(map[domain.RoomName]struct{})
	}
	desc := events()
	for _, r := range rooms {
		m.rooms[r] = &room{
			fsm:    lfsm.NewFSM(string(Init), desc, lfsm.Callbacks{}),
			status: Status{State: Init},
		}
		m.byState[Init][r] = struct{}{}
	}
	return m
}

// OnChange registers a hook run after every applied transition.
func (m *Machine) OnChange(fn func(room domain.RoomName, from, to State)) {
	m.onChange = fn
}

func (m *Machine) Has(room domain.RoomName) bool {
	_, ok := m.rooms[room]
	return ok
}

// State returns the room's current state, or "" for a room outside the pool.
func (m *Machine) State(room domain.RoomName) State {
	if r, ok := m.rooms[room]; ok {
		return r.status.State
	}
	return ""
}

func (m *Machine) Status(room domain.RoomName) (Status, bool) {
	r, ok := m.rooms[room]
	if !ok {
		return Status{}, false
	}
	return r.status, true
}

func (m *Machine) Can(room domain.RoomName, ev Event) bool {
	r, ok := m.rooms[room]
	if !ok {
		return false
	}
	return r.fsm.Can(string(ev))
}

// Apply runs ev against room. An invalid transition leaves the state as is,
// sets the error flag and returns false.
func (m *Machine) Apply(name domain.RoomName, ev Event) (State, bool) {
	r, ok := m.rooms[name]
	if !ok {
		log.Warn().Str("module", "fsm").Str("room", string(name)).Str("event", string(ev)).Msg("no state machine for room")
		return "", false
	}

	from := r.status.State
	if err := r.fsm.Event(context.Background(), string(ev)); err != nil {
		log.Error().Str("module", "fsm").Str("room", string(name)).
			Str("event", string(ev)).Str("state", string(from)).Err(err).
			Msg("invalid transition")
		r.status.Error = true
		r.status.LastEvent = ev
		return from, false
	}

	to := State(r.fsm.Current())
	delete(m.byState[from], name)
	m.byState[to][name] = struct{}{}
	r.status = Status{State: to, LastEvent: ev}

	log.Debug().Str("module", "fsm").Str("room", string(name)).
		Str("from", string(from)).Str("to", string(to)).Msg("transition")
	if m.onChange != nil {
		m.onChange(name, from, to)
	}
	return to, true
}

// RoomsIn returns the rooms currently in s, sorted.
func (m *Machine) RoomsIn(s State) []domain.RoomName {
	set := m.byState[s]
	out := make([]domain.RoomName, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

func (m *Machine) InState(room domain.RoomName, s State) bool {
	_, ok := m.byState[s][room]
	return ok
}

func (m *Machine) Count(s State) int {
	return len(m.byState[s])
}
