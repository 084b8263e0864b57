package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/soundrooms/internal/core"
	"github.com/dkeye/soundrooms/internal/domain"
)

type clientEntry struct {
	Conn        core.SignalConnection
	HeadsetType domain.HeadsetType
	CurrentRoom domain.RoomName
	QueuedRoom  domain.RoomName
	LastAction  time.Time

	// ctx scopes the connection's background tasks; cancel ends them.
	ctx    context.Context
	cancel context.CancelFunc
}

// Registry holds every live client connection on this server.
type Registry struct {
	mu      sync.RWMutex
	clients map[domain.ClientID]*clientEntry
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[domain.ClientID]*clientEntry)}
}

// Bind registers a connection. The returned context is cancelled by Unbind.
func (r *Registry) Bind(parent context.Context, id domain.ClientID, ht domain.HeadsetType, conn core.SignalConnection) context.Context {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[id] = &clientEntry{
		Conn:        conn,
		HeadsetType: ht,
		LastAction:  time.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}
	log.Debug().Str("module", "app.registry").Str("client", string(id)).Int("clients", len(r.clients)).Msg("bound client")
	return ctx
}

// Unbind removes the client and stops its tasks.
func (r *Registry) Unbind(id domain.ClientID) {
	r.mu.Lock()
	e, ok := r.clients[id]
	delete(r.clients, id)
	n := len(r.clients)
	r.mu.Unlock()
	if !ok {
		return
	}
	e.cancel()
	log.Debug().Str("module", "app.registry").Str("client", string(id)).Int("clients", n).Msg("unbound client")
}

func (r *Registry) Has(id domain.ClientID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[id]
	return ok
}

func (r *Registry) Conn(id domain.ClientID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.clients[id]; ok {
		return e.Conn, true
	}
	return nil, false
}

// Context returns the context bound to the client's connection.
func (r *Registry) Context(id domain.ClientID) (context.Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.clients[id]; ok {
		return e.ctx, true
	}
	return nil, false
}

func (r *Registry) HeadsetType(id domain.ClientID) (domain.HeadsetType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.clients[id]; ok {
		return e.HeadsetType, true
	}
	return "", false
}

// RoomOf returns the room the client is a member of.
func (r *Registry) RoomOf(id domain.ClientID) (domain.RoomName, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[id]
	if !ok || e.CurrentRoom == "" {
		return "", false
	}
	return e.CurrentRoom, true
}

func (r *Registry) QueuedRoomOf(id domain.ClientID) (domain.RoomName, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[id]
	if !ok || e.QueuedRoom == "" {
		return "", false
	}
	return e.QueuedRoom, true
}

// SetRoom marks the client as a member of room and clears any queued room.
func (r *Registry) SetRoom(id domain.ClientID, room domain.RoomName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok {
		return false
	}
	e.CurrentRoom = room
	e.QueuedRoom = ""
	return true
}

func (r *Registry) ClearRoom(id domain.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.clients[id]; ok {
		e.CurrentRoom = ""
	}
}

func (r *Registry) SetQueued(id domain.ClientID, room domain.RoomName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok {
		return false
	}
	e.QueuedRoom = room
	return true
}

func (r *Registry) ClearQueued(id domain.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.clients[id]; ok {
		e.QueuedRoom = ""
	}
}

// Touch records client activity for the inactivity timeout.
func (r *Registry) Touch(id domain.ClientID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.clients[id]; ok {
		e.LastAction = at
	}
}

func (r *Registry) LastAction(id domain.ClientID) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.clients[id]; ok {
		return e.LastAction, true
	}
	return time.Time{}, false
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

type regSnap struct {
	ID   domain.ClientID
	Conn core.SignalConnection
}

// MembersOfRoom lists clients whose current room is name, sorted by id.
func (r *Registry) MembersOfRoom(name domain.RoomName) []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regSnap, 0)
	for id, e := range r.clients {
		if e.CurrentRoom == name {
			out = append(out, regSnap{ID: id, Conn: e.Conn})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Kick closes the client's connection; cleanup follows from the read loop
// ending.
func (r *Registry) Kick(id domain.ClientID) bool {
	r.mu.RLock()
	e, ok := r.clients[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	e.Conn.Close()
	log.Info().Str("module", "app.registry").Str("client", string(id)).Msg("kicked client")
	return true
}
