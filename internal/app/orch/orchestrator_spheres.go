package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/soundrooms/internal/app"
	"github.com/dkeye/soundrooms/internal/app/fsm"
	"github.com/dkeye/soundrooms/internal/domain"
	"github.com/dkeye/soundrooms/internal/metrics"
	"github.com/dkeye/soundrooms/internal/protocol"
)

// Dispatch runs one validated message from a room member and returns the
// outcome label used for metrics. Messages are only processed while the
// client's room is READY or ROOM_FULL.
func (o *Orchestrator) Dispatch(id domain.ClientID, msg protocol.Message) string {
	outcome := metrics.OutcomeHandled
	o.State.Do(func(tx *app.Tx) {
		room, ok := o.Registry.RoomOf(id)
		if !ok {
			o.reply(id, protocol.ErrNotInRoom, nil)
			outcome = metrics.OutcomeNotReady
			return
		}
		if !fsm.Accepting(tx.Rooms.State(room)) {
			o.reply(id, protocol.ErrRoomNotReady, nil)
			outcome = metrics.OutcomeNotReady
			return
		}

		switch m := msg.(type) {
		case protocol.ExitRoomRequest:
			o.exitRoom(tx, room, id)
		case protocol.CoordsUpdate:
			o.updateCoords(tx, room, id, m)
		case protocol.CreateSphereRequest:
			o.createSphere(tx, room, id, m)
		case protocol.GrabSphereRequest:
			o.grabSphere(tx, room, id, m.SphereID)
		case protocol.ReleaseSphereRequest:
			o.releaseSphere(tx, room, id, m.SphereID)
		case protocol.SetToneRequest:
			o.setTone(tx, room, id, m)
		case protocol.SetConnectionsRequest:
			o.setConnections(tx, room, id, m)
		case protocol.DeleteSphereRequest:
			o.deleteSphere(tx, room, id, m.SphereID)
		case protocol.StrikeSphereRequest:
			if !o.strikeSphere(tx, room, id, m) {
				outcome = metrics.OutcomeDropped
			}
		default:
			log.Warn().Str("module", "orch").Str("client", string(id)).Str("type", string(msg.Type())).Msg("no handler for message")
			outcome = metrics.OutcomeDropped
		}
	})
	return outcome
}

// updateCoords stores the client's pose and moves the spheres it holds.
// Positions for spheres held by anyone else are dropped.
func (o *Orchestrator) updateCoords(tx *app.Tx, room domain.RoomName, id domain.ClientID, m protocol.CoordsUpdate) {
	tx.Data.SetCoords(room, id, domain.Coords{Head: m.Head, Left: m.Left, Right: m.Right})

	out := protocol.CoordsUpdate{Head: m.Head, Left: m.Left, Right: m.Right}
	for _, sp := range m.Spheres {
		s, ok := tx.Data.Sphere(room, sp.SphereID)
		if !ok || !s.HeldBy(id) {
			continue
		}
		tx.Data.SetSpherePosition(room, sp.SphereID, sp.Position)
		out.Spheres = append(out.Spheres, sp)
	}
	o.publish(tx, room, protocol.NewBroadcast(string(id), protocol.RoomClientCoords, out), id)
}

func (o *Orchestrator) createSphere(tx *app.Tx, room domain.RoomName, id domain.ClientID, m protocol.CreateSphereRequest) {
	if tx.Data.SphereCount(room) >= domain.MaxSpheresPerRoom {
		o.reply(id, protocol.ErrCreateSphereUnavailable, protocol.Denial{})
		return
	}
	sphere := domain.NewSphereID()
	if !tx.Data.AddSphere(room, sphere, m.Tone, m.Position) {
		o.reply(id, protocol.ErrCreateSphereUnavailable, protocol.Denial{})
		return
	}
	log.Debug().Str("module", "orch").Str("room", string(room)).Str("sphere", string(sphere)).Msg("sphere created")

	o.reply(id, protocol.CreateSphereSuccess, protocol.SphereRef{SphereID: sphere})
	o.publish(tx, room, protocol.NewBroadcast(o.from(), protocol.RoomSphereCreated, protocol.SphereCreatedData{
		SphereID: sphere, Tone: m.Tone, Position: m.Position, ClientID: id,
	}), id)
}

func (o *Orchestrator) grabSphere(tx *app.Tx, room domain.RoomName, id domain.ClientID, sphere domain.SphereID) {
	sp, ok := tx.Data.Sphere(room, sphere)
	if !ok {
		o.deny(id, protocol.ErrNonExistentSphere, sphere, "")
		return
	}
	if sp.Hold != nil {
		if sp.Hold.ClientID == id {
			o.deny(id, protocol.ErrClientHoldingSphere, sphere, id)
		} else {
			o.deny(id, protocol.ErrSphereAlreadyHeld, sphere, sp.Hold.ClientID)
		}
		return
	}
	if len(tx.Data.HeldBy(room, id)) >= domain.MaxSpheresHeldPerClient {
		o.deny(id, protocol.ErrClientHoldingMaxSpheres, sphere, "")
		return
	}
	if !tx.Data.CreateHold(room, sphere, id) {
		o.deny(id, protocol.ErrGrabSphere, sphere, "")
		return
	}

	o.reply(id, protocol.GrabSphereSuccess, protocol.SphereRef{SphereID: sphere})
	o.publish(tx, room, protocol.NewBroadcast(o.from(), protocol.RoomSphereGrabbed,
		protocol.SphereClient{SphereID: sphere, ClientID: id}), id)

	if o.Settings.TimeoutHolds && o.Settings.HoldTimeout > 0 {
		ctx, stop := context.WithCancel(o.ctx)
		tx.Data.SetHoldTimeout(room, sphere, stop)
		go o.holdTimeout(ctx, room, sphere, sp.Hold)
	}
}

func (o *Orchestrator) releaseSphere(tx *app.Tx, room domain.RoomName, id domain.ClientID, sphere domain.SphereID) {
	sp, ok := tx.Data.Sphere(room, sphere)
	switch {
	case !ok:
		o.deny(id, protocol.ErrNonExistentSphere, sphere, "")
		return
	case sp.Hold == nil:
		o.deny(id, protocol.ReleaseSphereInvalid, sphere, "")
		return
	case sp.Hold.ClientID != id:
		o.deny(id, protocol.ReleaseSphereDenied, sphere, sp.Hold.ClientID)
		return
	}
	if !tx.Data.RemoveHold(room, sphere, id) {
		o.deny(id, protocol.ErrReleaseSphere, sphere, "")
		return
	}
	o.reply(id, protocol.ReleaseSphereSuccess, protocol.SphereRef{SphereID: sphere})
	o.publish(tx, room, protocol.NewBroadcast(o.from(), protocol.RoomSphereReleased,
		protocol.SphereClient{SphereID: sphere, ClientID: id}), id)
}

// releaseHold drops client's hold on sphere and tells the rest of the room.
func (o *Orchestrator) releaseHold(tx *app.Tx, room domain.RoomName, sphere domain.SphereID, client domain.ClientID) {
	if !tx.Data.RemoveHold(room, sphere, client) {
		return
	}
	o.publish(tx, room, protocol.NewBroadcast(o.from(), protocol.RoomSphereReleased,
		protocol.SphereClient{SphereID: sphere, ClientID: client}), client)
}

// heldByOther returns the holder when someone other than id holds sphere.
func heldByOther(sp *domain.Sphere, id domain.ClientID) (domain.ClientID, bool) {
	if sp.Hold == nil || sp.Hold.ClientID == id {
		return "", false
	}
	return sp.Hold.ClientID, true
}

func (o *Orchestrator) setTone(tx *app.Tx, room domain.RoomName, id domain.ClientID, m protocol.SetToneRequest) {
	sp, ok := tx.Data.Sphere(room, m.SphereID)
	if !ok {
		o.deny(id, protocol.ErrNonExistentSphere, m.SphereID, "")
		return
	}
	if holder, held := heldByOther(sp, id); held {
		o.deny(id, protocol.SetSphereToneDenied, m.SphereID, holder)
		return
	}
	tx.Data.SetSphereTone(room, m.SphereID, m.Tone)

	o.reply(id, protocol.SetSphereToneSuccess, protocol.SphereRef{SphereID: m.SphereID})
	o.publish(tx, room, protocol.NewBroadcast(o.from(), protocol.RoomSphereToneSet,
		protocol.SphereToneData{SphereID: m.SphereID, Tone: m.Tone, ClientID: id}), id)
}

func (o *Orchestrator) setConnections(tx *app.Tx, room domain.RoomName, id domain.ClientID, m protocol.SetConnectionsRequest) {
	if len(m.Connections) > domain.MaxConnectionsPerSphere {
		o.deny(id, protocol.ErrTooManySphereConnections, m.SphereID, "")
		return
	}
	sp, ok := tx.Data.Sphere(room, m.SphereID)
	if !ok {
		o.deny(id, protocol.ErrNonExistentSphere, m.SphereID, "")
		return
	}
	if holder, held := heldByOther(sp, id); held {
		o.deny(id, protocol.SetSphereConnectionsDenied, m.SphereID, holder)
		return
	}

	// Self links and unknown spheres are dropped. Asking for links and
	// ending up with none is refused; an empty list clears them.
	conns := make([]domain.SphereID, 0, len(m.Connections))
	for _, c := range m.Connections {
		if c == m.SphereID {
			continue
		}
		if _, exists := tx.Data.Sphere(room, c); !exists {
			continue
		}
		conns = append(conns, c)
	}
	if len(m.Connections) > 0 && len(conns) == 0 {
		o.deny(id, protocol.SetSphereConnectionsDenied, m.SphereID, "")
		return
	}
	tx.Data.SetSphereConnections(room, m.SphereID, conns)

	o.reply(id, protocol.SetSphereConnectionsSuccess, protocol.SphereRef{SphereID: m.SphereID})
	o.publish(tx, room, protocol.NewBroadcast(o.from(), protocol.RoomSphereConnectionsSet,
		protocol.SphereConnectionsData{SphereID: m.SphereID, Connections: conns, ClientID: id}), id)
}

func (o *Orchestrator) deleteSphere(tx *app.Tx, room domain.RoomName, id domain.ClientID, sphere domain.SphereID) {
	sp, ok := tx.Data.Sphere(room, sphere)
	if !ok {
		o.deny(id, protocol.ErrNonExistentSphere, sphere, "")
		return
	}
	if holder, held := heldByOther(sp, id); held {
		o.deny(id, protocol.DeleteSphereDenied, sphere, holder)
		return
	}
	if !tx.Data.DeleteSphere(room, sphere) {
		o.deny(id, protocol.ErrDeleteSphere, sphere, "")
		return
	}
	log.Debug().Str("module", "orch").Str("room", string(room)).Str("sphere", string(sphere)).Msg("sphere deleted")

	o.reply(id, protocol.DeleteSphereSuccess, protocol.SphereRef{SphereID: sphere})
	o.publish(tx, room, protocol.NewBroadcast(string(id), protocol.RoomSphereDeleted,
		protocol.SphereClient{SphereID: sphere, ClientID: id}), id)
}

// strikeSphere relays a strike to the room. Strikes on missing spheres are
// dropped without a reply.
func (o *Orchestrator) strikeSphere(tx *app.Tx, room domain.RoomName, id domain.ClientID, m protocol.StrikeSphereRequest) bool {
	if _, ok := tx.Data.Sphere(room, m.SphereID); !ok {
		return false
	}
	o.publish(tx, room, protocol.NewBroadcast(string(id), protocol.RoomSphereStruck,
		protocol.SphereStruckData{SphereID: m.SphereID, Velocity: m.Velocity, ClientID: id}), id)
	return true
}
