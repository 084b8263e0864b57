package orch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/soundrooms/internal/app"
	"github.com/dkeye/soundrooms/internal/app/fsm"
	"github.com/dkeye/soundrooms/internal/app/supervise"
	"github.com/dkeye/soundrooms/internal/domain"
	"github.com/dkeye/soundrooms/internal/protocol"
)

func (o *Orchestrator) restarted(name string, _ error) {
	o.Metrics.TaskRestarted(name)
}

// heartbeat broadcasts an incrementing counter to the room until ctx is
// cancelled, then finishes the teardown that cancelled it.
func (o *Orchestrator) heartbeat(ctx context.Context, room domain.RoomName) {
	interval := o.Settings.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	count := 0

	_ = supervise.Run(ctx, "room-heartbeat", func(ctx context.Context) error {
		for {
			alive := true
			o.State.Do(func(tx *app.Tx) {
				if !tx.Data.HasContent(room) {
					alive = false
					return
				}
				hb := domain.HeartbeatInfo{Count: count, Seconds: float64(count) * interval.Seconds()}
				tx.Data.SetLastHeartbeat(room, hb)
				o.publish(tx, room, protocol.NewBroadcast(o.from(), protocol.RoomHeartbeat,
					protocol.HeartbeatData{Count: hb.Count, Seconds: hb.Seconds}))
			})
			if !alive {
				log.Debug().Str("module", "orch").Str("room", string(room)).Msg("heartbeat found no room content")
				return nil
			}
			count++

			t := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
	}, supervise.OnRestart(o.restarted))

	if ctx.Err() == nil {
		return
	}
	o.State.Do(func(tx *app.Tx) { o.heartbeatStopped(tx, room) })
}

// holdTimeout releases the sphere once its holder has left it untouched for
// the hold timeout.
func (o *Orchestrator) holdTimeout(ctx context.Context, room domain.RoomName, sphere domain.SphereID, hold *domain.Hold) {
	every := o.Settings.HoldCheckInterval
	if every <= 0 {
		every = o.Settings.HoldTimeout
	}
	_ = supervise.Run(ctx, "sphere-hold-timeout", func(ctx context.Context) error {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			done := false
			o.State.Do(func(tx *app.Tx) {
				sp, ok := tx.Data.Sphere(room, sphere)
				if !ok || sp.Hold != hold {
					done = true
					return
				}
				if tx.Data.Now().Sub(hold.LastActivity) < o.Settings.HoldTimeout {
					return
				}
				log.Info().Str("module", "orch").Str("room", string(room)).Str("sphere", string(sphere)).
					Str("client", string(hold.ClientID)).Msg("sphere hold timed out")
				o.reply(hold.ClientID, protocol.ErrSphereHoldTimeout, protocol.SphereRef{SphereID: sphere})
				// RemoveHold cancels this loop's context.
				o.releaseHold(tx, room, sphere, hold.ClientID)
				done = true
			})
			if done {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
			}
		}
	}, supervise.OnRestart(o.restarted))
}

// watchInactivity closes a room member's connection after it has been idle
// past the headset's timeout.
func (o *Orchestrator) watchInactivity(ctx context.Context, id domain.ClientID, rule Inactivity) {
	interval := rule.Interval
	if interval <= 0 {
		interval = rule.Timeout
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		last, ok := o.Registry.LastAction(id)
		if !ok {
			return
		}
		if time.Since(last) > rule.Timeout {
			log.Info().Str("module", "orch").Str("client", string(id)).Dur("idle", time.Since(last)).Msg("client inactivity timeout")
			o.reply(id, protocol.ErrClientInactivityTimeout, nil)
			o.Registry.Kick(id)
			return
		}
	}
}

// joinDeadline closes a connection that has not joined a room in time.
func (o *Orchestrator) joinDeadline(ctx context.Context, id domain.ClientID) {
	t := time.NewTimer(o.Settings.JoinDeadline)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}
	if _, ok := o.Registry.RoomOf(id); ok {
		return
	}
	log.Info().Str("module", "orch").Str("client", string(id)).Msg("client did not join a room in time")
	o.reply(id, protocol.ErrRoomJoinTimeout, nil)
	o.Registry.Kick(id)
}

// roomsInUse counts rooms that are accepting members.
func roomsInUse(tx *app.Tx) int {
	return tx.Rooms.Count(fsm.Ready) + tx.Rooms.Count(fsm.RoomFull)
}

// RoomsInUse reports how many rooms on this server have members.
func (o *Orchestrator) RoomsInUse() int {
	n := 0
	o.State.Do(func(tx *app.Tx) { n = roomsInUse(tx) })
	return n
}
