package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/soundrooms/internal/app"
	"github.com/dkeye/soundrooms/internal/app/fsm"
	"github.com/dkeye/soundrooms/internal/core"
	"github.com/dkeye/soundrooms/internal/domain"
	"github.com/dkeye/soundrooms/internal/protocol"
)

// Connect registers an accepted connection, tells the client its id and
// starts the room join deadline.
func (o *Orchestrator) Connect(conn core.SignalConnection, ht domain.HeadsetType) domain.ClientID {
	id := domain.NewClientID()
	ctx := o.Registry.Bind(o.ctx, id, ht, conn)
	o.Metrics.ClientConnected()

	o.reply(id, protocol.ConnectionInfo, protocol.ConnectionInfoData{ClientID: id, ServerID: o.Settings.ServerID})
	log.Info().Str("module", "orch").Str("client", string(id)).Str("headset", string(ht)).Msg("client connected")

	if o.Settings.JoinDeadline > 0 {
		go o.joinDeadline(ctx, id)
	}
	return id
}

// Join admits the client to room according to the room's state: an idle
// room is set up on demand, a room being set up queues the client, a ready
// room takes it directly.
func (o *Orchestrator) Join(id domain.ClientID, room domain.RoomName) {
	setup := false
	o.State.Do(func(tx *app.Tx) {
		if !tx.Rooms.Has(room) {
			o.reply(id, protocol.ErrNoSuchRoom, protocol.RoomNameData{RoomName: room})
			return
		}
		if current, ok := o.Registry.RoomOf(id); ok {
			o.reply(id, protocol.ErrAlreadyInRoom, protocol.RoomNameData{RoomName: current})
			return
		}
		if queued, ok := o.Registry.QueuedRoomOf(id); ok {
			o.reply(id, protocol.ErrAlreadyInRoomQueue, protocol.RoomNameData{RoomName: queued})
			return
		}

		state := tx.Rooms.State(room)
		switch {
		case state == fsm.Init:
			tx.Rooms.Apply(room, fsm.InitRoomContent)
			if !tx.Data.InitContent(room) {
				tx.Rooms.Apply(room, fsm.InitRoomContentFailure)
				return
			}
			tx.Rooms.Apply(room, fsm.InitRoomContentSuccess)
			o.enqueue(tx, room, id)
			setup = true

		case fsm.IsSetup(state):
			if tx.Data.QueueLen(room) >= o.Settings.MaxClientsPerRoom {
				o.reply(id, protocol.ErrRoomQueueFull, protocol.RoomNameData{RoomName: room})
				log.Warn().Str("module", "orch").Str("client", string(id)).Str("room", string(room)).Msg("closing client: room queue is full")
				o.Registry.Kick(id)
				return
			}
			o.enqueue(tx, room, id)

		case state == fsm.RoomFull:
			o.reply(id, protocol.ErrBusyTryAgain, struct{}{})
			log.Warn().Str("module", "orch").Str("client", string(id)).Str("room", string(room)).Msg("closing client: room is full")
			o.Registry.Kick(id)

		case state == fsm.Ready:
			o.addClient(tx, room, id)

		default:
			log.Warn().Str("module", "orch").Str("client", string(id)).Str("room", string(room)).
				Str("state", string(state)).Msg("join attempted in unavailable state")
			o.reply(id, protocol.ErrRoomUnavailable, protocol.RoomNameData{RoomName: room})
		}
	})
	if setup {
		go o.continueSetup(room)
	}
}

func (o *Orchestrator) enqueue(tx *app.Tx, room domain.RoomName, id domain.ClientID) {
	tx.Data.Enqueue(room, id)
	o.Registry.SetQueued(id, room)
	log.Debug().Str("module", "orch").Str("client", string(id)).Str("room", string(room)).Msg("queued for room")
}

// continueSetup runs the remaining setup steps. Each step re-checks the room
// state, since a reset or teardown may have happened in between.
func (o *Orchestrator) continueSetup(room domain.RoomName) {
	o.State.Do(func(tx *app.Tx) { o.startHeartbeat(tx, room) })
	o.State.Do(func(tx *app.Tx) { o.processQueue(tx, room) })
}

func (o *Orchestrator) startHeartbeat(tx *app.Tx, room domain.RoomName) {
	if !tx.Rooms.InState(room, fsm.RoomContentInited) {
		log.Warn().Str("module", "orch").Str("room", string(room)).Msg("not starting heartbeat, room content not inited")
		return
	}
	tx.Rooms.Apply(room, fsm.StartHeartbeat)
	log.Debug().Str("module", "orch").Str("room", string(room)).Msg("starting heartbeat for new room")

	ctx, stop := context.WithCancel(o.ctx)
	tx.Data.SetHeartbeatTask(room, stop)
	if !tx.Data.HasHeartbeatTask(room) {
		stop()
		tx.Rooms.Apply(room, fsm.StartHeartbeatFailure)
		return
	}
	go o.heartbeat(ctx, room)
	tx.Rooms.Apply(room, fsm.StartHeartbeatSuccess)
}

// processQueue moves queued clients into the room. An empty queue means
// everyone left during setup, so the room goes straight to teardown.
func (o *Orchestrator) processQueue(tx *app.Tx, room domain.RoomName) {
	if !tx.Rooms.InState(room, fsm.HeartbeatStarted) {
		log.Warn().Str("module", "orch").Str("room", string(room)).Msg("not processing queue, heartbeat not started")
		return
	}
	tx.Rooms.Apply(room, fsm.ProcessQueue)

	queue := tx.Data.Queue(room)
	log.Debug().Str("module", "orch").Str("room", string(room)).Int("queued", len(queue)).Msg("processing queue")
	if len(queue) == 0 {
		tx.Rooms.Apply(room, fsm.CheckIfEmpty)
		o.checkIfEmpty(tx, room)
		return
	}
	for _, id := range queue {
		tx.Data.Dequeue(room, id)
		if !o.Registry.Has(id) {
			continue
		}
		o.addClient(tx, room, id)
	}
	tx.Rooms.Apply(room, fsm.ProcessQueueSuccess)

	if tx.Rooms.InState(room, fsm.Ready) && tx.Data.ClientCount(room) >= o.Settings.MaxClientsPerRoom {
		tx.Rooms.Apply(room, fsm.SetRoomFull)
	}
	if tx.Data.ClientCount(room) == 0 {
		tx.Rooms.Apply(room, fsm.CheckIfEmpty)
		o.checkIfEmpty(tx, room)
	}
}

// addClient makes id a member, sends it the room status, tells the others
// and starts its inactivity check.
func (o *Orchestrator) addClient(tx *app.Tx, room domain.RoomName, id domain.ClientID) {
	ht, ok := o.Registry.HeadsetType(id)
	if !ok {
		log.Warn().Str("module", "orch").Str("client", string(id)).Msg("no connection for client joining room")
		return
	}
	if !tx.Data.AddClient(room, id, ht) {
		o.reply(id, protocol.ErrSystem, nil)
		return
	}
	o.Registry.SetRoom(id, room)

	if tx.Rooms.InState(room, fsm.Ready) && tx.Data.ClientCount(room) >= o.Settings.MaxClientsPerRoom {
		tx.Rooms.Apply(room, fsm.SetRoomFull)
	}

	o.reply(id, protocol.RoomStatusInfo, roomStatus(tx, room, id))
	o.publish(tx, room, protocol.NewBroadcast(o.from(), protocol.RoomClientJoin,
		protocol.ClientJoinData{ClientID: id, HeadsetType: ht}), id)
	log.Info().Str("module", "orch").Str("client", string(id)).Str("room", string(room)).
		Int("clients", tx.Data.ClientCount(room)).Msg("client joined room")

	if rule := o.Settings.Inactivity[ht]; rule.Timeout > 0 {
		if ctx, ok := o.Registry.Context(id); ok {
			go o.watchInactivity(ctx, id, rule)
		}
	}
}

func roomStatus(tx *app.Tx, room domain.RoomName, self domain.ClientID) protocol.RoomStatusData {
	r, _ := tx.Data.Room(room)
	spheres := make(map[domain.SphereID]protocol.SphereState, tx.Data.SphereCount(room))
	for _, id := range tx.Data.SphereIDs(room) {
		sp, _ := tx.Data.Sphere(room, id)
		st := protocol.SphereState{
			Tone:        sp.Tone,
			Position:    sp.Position,
			Connections: append([]domain.SphereID(nil), sp.Connections...),
		}
		if sp.Hold != nil {
			st.Hold = &protocol.HoldState{ClientID: sp.Hold.ClientID, TS: sp.Hold.LastActivity.UnixMilli()}
		}
		spheres[id] = st
	}
	return protocol.RoomStatusData{
		RoomName:  room,
		Soundbank: r.Content.Soundbank,
		Clients:   tx.Data.ClientsByHeadset(room, self),
		Spheres:   spheres,
	}
}

// Disconnect cleans up after a closed connection.
func (o *Orchestrator) Disconnect(id domain.ClientID) {
	o.State.Do(func(tx *app.Tx) {
		if room, ok := o.Registry.RoomOf(id); ok {
			log.Info().Str("module", "orch").Str("client", string(id)).Str("room", string(room)).Msg("client disconnected, leaving room")
			o.removeClient(tx, room, id)
			return
		}
		if room, ok := o.Registry.QueuedRoomOf(id); ok {
			tx.Data.Dequeue(room, id)
			o.Registry.ClearQueued(id)
		}
		log.Info().Str("module", "orch").Str("client", string(id)).Msg("client disconnected, not in any room")
	})
	if o.Registry.Has(id) {
		o.Registry.Unbind(id)
		o.Metrics.ClientDisconnected()
	}
}

// removeClient releases the client's holds, removes it and starts the empty
// check.
func (o *Orchestrator) removeClient(tx *app.Tx, room domain.RoomName, id domain.ClientID) {
	for _, sphere := range tx.Data.HeldBy(room, id) {
		o.releaseHold(tx, room, sphere, id)
	}
	o.Registry.ClearRoom(id)
	if !tx.Data.RemoveClient(room, id) {
		return
	}

	if tx.Rooms.InState(room, fsm.RoomFull) && tx.Data.ClientCount(room) < o.Settings.MaxClientsPerRoom {
		tx.Rooms.Apply(room, fsm.UnsetRoomFull)
	}
	o.publish(tx, room, protocol.NewBroadcast(o.from(), protocol.RoomClientExit, protocol.ClientData{ClientID: id}))

	tx.Rooms.Apply(room, fsm.CheckIfEmpty)
	o.checkIfEmpty(tx, room)
}

// checkIfEmpty tears the room down when nobody is left.
func (o *Orchestrator) checkIfEmpty(tx *app.Tx, room domain.RoomName) {
	if !tx.Rooms.InState(room, fsm.CheckingIfEmpty) {
		log.Warn().Str("module", "orch").Str("room", string(room)).Msg("not checking if empty, wrong state")
		return
	}
	if tx.Data.ClientCount(room) > 0 {
		tx.Rooms.Apply(room, fsm.EmptyCheckFailure)
		return
	}
	tx.Rooms.Apply(room, fsm.EmptyCheckSuccess)
	o.stopHeartbeat(tx, room)
}

func (o *Orchestrator) stopHeartbeat(tx *app.Tx, room domain.RoomName) {
	if !tx.Rooms.InState(room, fsm.RoomEmpty) {
		return
	}
	tx.Rooms.Apply(room, fsm.StopHeartbeat)
	stop, ok := tx.Data.TakeHeartbeatTask(room)
	if !ok {
		log.Warn().Str("module", "orch").Str("room", string(room)).Msg("problem stopping heartbeat: no task found")
		tx.Rooms.Apply(room, fsm.StopHeartbeatFailure)
		return
	}
	// The heartbeat task finishes the teardown once it sees the cancel.
	stop()
}

// heartbeatStopped completes teardown after the heartbeat task exits.
func (o *Orchestrator) heartbeatStopped(tx *app.Tx, room domain.RoomName) {
	if !tx.Rooms.InState(room, fsm.StoppingHeartbeat) {
		return
	}
	tx.Rooms.Apply(room, fsm.StopHeartbeatSuccess)
	tx.Rooms.Apply(room, fsm.Close)
	tx.Data.DropContent(room)
	log.Info().Str("module", "orch").Str("room", string(room)).Msg("closed room")
}

// exitRoom handles a client leaving on its own: it gets a goodbye, is
// removed and its connection closed.
func (o *Orchestrator) exitRoom(tx *app.Tx, room domain.RoomName, id domain.ClientID) {
	log.Info().Str("module", "orch").Str("client", string(id)).Str("room", string(room)).Msg("client is leaving room")
	o.reply(id, protocol.RoomExitSuccess, protocol.RoomNameData{RoomName: room})
	o.removeClient(tx, room, id)
	o.Registry.Kick(id)
}
