// Package orch coordinates room lifecycles and client messages on top of
// app.State: admission, setup and teardown, the per-room heartbeat, hold and
// inactivity timeouts, and the sphere actions.
package orch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/soundrooms/internal/app"
	"github.com/dkeye/soundrooms/internal/app/fsm"
	"github.com/dkeye/soundrooms/internal/app/supervise"
	"github.com/dkeye/soundrooms/internal/config"
	"github.com/dkeye/soundrooms/internal/core"
	"github.com/dkeye/soundrooms/internal/domain"
	"github.com/dkeye/soundrooms/internal/metrics"
	"github.com/dkeye/soundrooms/internal/protocol"
)

// Inactivity is the idle limit for one headset type.
type Inactivity struct {
	Timeout  time.Duration
	Interval time.Duration
}

type Settings struct {
	ServerID          domain.ServerID
	MaxClientsPerRoom int
	HeartbeatInterval time.Duration
	JoinDeadline      time.Duration
	ErrorSweep        time.Duration

	TimeoutHolds      bool
	HoldTimeout       time.Duration
	HoldCheckInterval time.Duration

	Inactivity map[domain.HeadsetType]Inactivity
}

func SettingsFromConfig(cfg *config.Config) Settings {
	s := Settings{
		ServerID:          cfg.ServerID,
		MaxClientsPerRoom: cfg.MaxClientsPerRoom,
		HeartbeatInterval: cfg.RoomHeartbeatInterval,
		JoinDeadline:      cfg.ClientRoomJoinDeadline,
		ErrorSweep:        cfg.ErrorSweepInterval,
		TimeoutHolds:      cfg.TimeoutSphereHolds,
		HoldTimeout:       cfg.SphereHoldTimeout,
		HoldCheckInterval: cfg.SphereHoldCheckInterval,
		Inactivity:        make(map[domain.HeadsetType]Inactivity, len(domain.HeadsetTypes)),
	}
	for _, ht := range domain.HeadsetTypes {
		rule := cfg.HeadsetRule(ht)
		s.Inactivity[ht] = Inactivity{Timeout: rule.InactivityTimeout, Interval: rule.InactivityInterval}
	}
	return s
}

type Orchestrator struct {
	State    *app.State
	Registry *app.Registry
	Policy   app.Policy
	Metrics  *metrics.Metrics
	Settings Settings

	// ctx parents every background task the orchestrator starts.
	ctx context.Context
}

func New(ctx context.Context, state *app.State, reg *app.Registry, policy app.Policy, m *metrics.Metrics, s Settings) *Orchestrator {
	o := &Orchestrator{
		State:    state,
		Registry: reg,
		Policy:   policy,
		Metrics:  m,
		Settings: s,
		ctx:      ctx,
	}
	state.Do(func(tx *app.Tx) {
		for _, st := range fsm.States {
			m.SetRooms(string(st), tx.Rooms.Count(st))
		}
		tx.Rooms.OnChange(func(_ domain.RoomName, from, to fsm.State) {
			m.RoomMoved(string(from), string(to))
		})
	})
	return o
}

func (o *Orchestrator) from() string {
	return string(o.Settings.ServerID)
}

// send delivers a frame to one client. A full buffer is handed to the
// backpressure policy.
func (o *Orchestrator) send(id domain.ClientID, frame core.Frame) {
	conn, ok := o.Registry.Conn(id)
	if !ok {
		return
	}
	err := conn.TrySend(frame)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrBackpressure):
		o.Metrics.Backpressure()
		room, _ := o.Registry.RoomOf(id)
		if o.Policy == nil {
			return
		}
		action := o.Policy.OnBackPressure(room, id)
		log.Warn().Str("module", "orch").Str("client", string(id)).Str("action", action.String()).Msg("client send buffer full")
		switch action {
		case app.KickMember:
			o.Registry.Kick(id)
		case app.MarkSlow, app.DropFrame, app.NoAction:
		}
	case errors.Is(err, core.ErrConnectionClosed):
		log.Debug().Str("module", "orch").Str("client", string(id)).Msg("send on closed connection")
	default:
		log.Warn().Str("module", "orch").Str("client", string(id)).Err(err).Msg("send failed")
	}
}

func (o *Orchestrator) reply(id domain.ClientID, t protocol.MessageType, data any) {
	frame, err := protocol.Marshal(protocol.NewReply(o.from(), t, data))
	if err != nil {
		log.Error().Str("module", "orch").Str("type", string(t)).Err(err).Msg("encode reply")
		return
	}
	o.send(id, frame)
}

// deny replies with a sphere denial. An empty holder is left out.
func (o *Orchestrator) deny(id domain.ClientID, t protocol.MessageType, sphere domain.SphereID, holder domain.ClientID) {
	o.reply(id, t, protocol.Denial{SphereID: sphere, HolderID: holder})
}

// publish fans a broadcast out to the room's members except the excluded
// clients.
func (o *Orchestrator) publish(tx *app.Tx, room domain.RoomName, b protocol.Broadcast, exclude ...domain.ClientID) {
	frame, err := protocol.Marshal(b)
	if err != nil {
		log.Error().Str("module", "orch").Str("type", string(b.Type)).Err(err).Msg("encode broadcast")
		return
	}
	for _, id := range tx.Data.ClientIDs(room) {
		if excluded(id, exclude) {
			continue
		}
		o.send(id, frame)
	}
}

func excluded(id domain.ClientID, list []domain.ClientID) bool {
	for _, x := range list {
		if x == id {
			return true
		}
	}
	return false
}

// Run sweeps rooms stuck in ERROR back to INIT until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	return supervise.Run(ctx, "error-sweeper", func(ctx context.Context) error {
		interval := o.Settings.ErrorSweep
		if interval <= 0 {
			interval = 10 * time.Second
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				o.SweepErrors()
			}
		}
	}, supervise.OnRestart(func(name string, _ error) { o.Metrics.TaskRestarted(name) }))
}

// SweepErrors resets every room in ERROR: members and queued clients are
// disconnected, tasks stopped and content dropped.
func (o *Orchestrator) SweepErrors() {
	o.State.Do(func(tx *app.Tx) {
		for _, room := range tx.Rooms.RoomsIn(fsm.Error) {
			if _, ok := tx.Rooms.Apply(room, fsm.Reset); !ok {
				continue
			}
			log.Warn().Str("module", "orch").Str("room", string(room)).Msg("resetting room from error")
			o.evictRoom(tx, room)
			tx.Rooms.Apply(room, fsm.ResetSuccess)
		}
	})
}

func (o *Orchestrator) evictRoom(tx *app.Tx, room domain.RoomName) {
	for _, snap := range o.Registry.MembersOfRoom(room) {
		o.Registry.ClearRoom(snap.ID)
		o.reply(snap.ID, protocol.ErrRoomUnavailable, protocol.RoomNameData{RoomName: room})
		o.Registry.Kick(snap.ID)
	}
	for _, id := range tx.Data.Queue(room) {
		o.Registry.ClearQueued(id)
		o.reply(id, protocol.ErrRoomUnavailable, protocol.RoomNameData{RoomName: room})
		o.Registry.Kick(id)
	}
	if stop, ok := tx.Data.TakeHeartbeatTask(room); ok {
		stop()
	}
	for _, sphere := range tx.Data.SphereIDs(room) {
		if sp, ok := tx.Data.Sphere(room, sphere); ok && sp.Hold != nil && sp.Hold.StopTimeout != nil {
			sp.Hold.StopTimeout()
		}
	}
	tx.Data.DropContent(room)
}
