package app

import (
	"sync"

	"github.com/dkeye/soundrooms/internal/app/fsm"
	"github.com/dkeye/soundrooms/internal/app/roomdata"
)

// Tx is the view of process state handed to a Do callback. It must not be
// retained after the callback returns.
type Tx struct {
	Rooms  *fsm.Machine
	Data   *roomdata.Store
	Server *ServerState
}

// State is the single mutation point of the process. Room FSMs, room content
// and server state are only touched inside Do.
//
// Lock order: State before Registry.
type State struct {
	mu sync.Mutex
	tx Tx
}

func NewState(rooms *fsm.Machine, data *roomdata.Store, server *ServerState) *State {
	return &State{tx: Tx{Rooms: rooms, Data: data, Server: server}}
}

// Do runs fn with exclusive access. fn must not block on I/O or call Do.
func (s *State) Do(fn func(tx *Tx)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.tx)
}
