// Package roomdata owns the mutable content of every room: members, spheres,
// holds, the join queue and the per-headset availability index.
//
// Every mutator is a guarded no-op when its room or target is missing and
// reports whether it applied. A Store is not safe for concurrent use; callers
// serialize access through app.State.
package roomdata

import (
	"context"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/soundrooms/internal/domain"
)

// Rules are the admission limits used to maintain the availability index.
type Rules struct {
	MaxClientsPerRoom int
	Thresholds        map[domain.HeadsetType]int
}

type Content struct {
	Soundbank     int
	Spheres       map[domain.SphereID]*domain.Sphere
	Clients       map[domain.ClientID]*domain.Client
	LastHeartbeat domain.HeartbeatInfo
	HeartbeatAt   time.Time
}

type Room struct {
	Name    domain.RoomName
	Content *Content
	Queue   []domain.ClientID

	heartbeatStop context.CancelFunc
}

type Option func(*Store)

// WithRand makes content generation reproducible.
func WithRand(r *rand.Rand) Option {
	return func(s *Store) { s.rand = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type Store struct {
	rules  Rules
	rand   *rand.Rand
	now    func() time.Time
	rooms  map[domain.RoomName]*Room
	avails map[domain.HeadsetType]map[domain.RoomName]struct{}
}

func New(names []domain.RoomName, rules Rules, opts ...Option) *Store {
	s := &Store{
		rules:  rules,
		rand:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now:    time.Now,
		rooms:  make(map[domain.RoomName]*Room, len(names)),
		avails: make(map[domain.HeadsetType]map[domain.RoomName]struct{}, len(domain.HeadsetTypes)),
	}
	for _, o := range opts {
		o(s)
	}
	for _, n := range names {
		s.rooms[n] = &Room{Name: n}
	}
	for _, ht := range domain.HeadsetTypes {
		s.avails[ht] = make(map[domain.RoomName]struct{})
	}
	return s
}

func (s *Store) Rules() Rules { return s.rules }

func (s *Store) Now() time.Time { return s.now() }

// Room exposes a room for reading. Callers must not mutate it directly.
func (s *Store) Room(name domain.RoomName) (*Room, bool) {
	r, ok := s.rooms[name]
	return r, ok
}

func (s *Store) content(name domain.RoomName) *Content {
	if r, ok := s.rooms[name]; ok {
		return r.Content
	}
	return nil
}

func (s *Store) HasContent(name domain.RoomName) bool {
	return s.content(name) != nil
}

// InitContent replaces the room's content with a freshly generated one.
func (s *Store) InitContent(name domain.RoomName) bool {
	r, ok := s.rooms[name]
	if !ok {
		return false
	}
	r.Content = s.generate()
	log.Debug().Str("module", "roomdata").Str("room", string(name)).
		Int("soundbank", r.Content.Soundbank).Msg("created room content")
	return true
}

// DropContent discards content and queue and takes the room out of every
// availability list.
func (s *Store) DropContent(name domain.RoomName) bool {
	r, ok := s.rooms[name]
	if !ok {
		return false
	}
	r.Content = nil
	r.Queue = nil
	s.clearAvails(name)
	return true
}

func (s *Store) Enqueue(name domain.RoomName, id domain.ClientID) bool {
	r, ok := s.rooms[name]
	if !ok {
		return false
	}
	for _, q := range r.Queue {
		if q == id {
			return false
		}
	}
	r.Queue = append(r.Queue, id)
	return true
}

func (s *Store) Dequeue(name domain.RoomName, id domain.ClientID) bool {
	r, ok := s.rooms[name]
	if !ok {
		return false
	}
	for i, q := range r.Queue {
		if q == id {
			r.Queue = append(r.Queue[:i], r.Queue[i+1:]...)
			return true
		}
	}
	return false
}

// Queue returns a copy of the room's join queue.
func (s *Store) Queue(name domain.RoomName) []domain.ClientID {
	r, ok := s.rooms[name]
	if !ok {
		return nil
	}
	return append([]domain.ClientID(nil), r.Queue...)
}

func (s *Store) QueueLen(name domain.RoomName) int {
	if r, ok := s.rooms[name]; ok {
		return len(r.Queue)
	}
	return 0
}

func (s *Store) AddClient(name domain.RoomName, id domain.ClientID, ht domain.HeadsetType) bool {
	c := s.content(name)
	if c == nil {
		return false
	}
	if _, exists := c.Clients[id]; exists {
		return false
	}
	c.Clients[id] = domain.NewClient(id, ht)
	s.updateAvails(name)
	return true
}

func (s *Store) RemoveClient(name domain.RoomName, id domain.ClientID) bool {
	c := s.content(name)
	if c == nil {
		return false
	}
	if _, exists := c.Clients[id]; !exists {
		return false
	}
	delete(c.Clients, id)
	s.updateAvails(name)
	return true
}

func (s *Store) Client(name domain.RoomName, id domain.ClientID) (*domain.Client, bool) {
	c := s.content(name)
	if c == nil {
		return nil, false
	}
	cl, ok := c.Clients[id]
	return cl, ok
}

func (s *Store) ClientCount(name domain.RoomName) int {
	if c := s.content(name); c != nil {
		return len(c.Clients)
	}
	return 0
}

// ClientIDs returns the room's members, sorted.
func (s *Store) ClientIDs(name domain.RoomName) []domain.ClientID {
	c := s.content(name)
	if c == nil {
		return nil
	}
	out := make([]domain.ClientID, 0, len(c.Clients))
	for id := range c.Clients {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ClientsByHeadset groups members by headset type, leaving out except.
func (s *Store) ClientsByHeadset(name domain.RoomName, except domain.ClientID) map[domain.HeadsetType][]domain.ClientID {
	out := make(map[domain.HeadsetType][]domain.ClientID)
	c := s.content(name)
	if c == nil {
		return out
	}
	for _, id := range s.ClientIDs(name) {
		if id == except {
			continue
		}
		ht := c.Clients[id].HeadsetType
		out[ht] = append(out[ht], id)
	}
	return out
}

func (s *Store) SetCoords(name domain.RoomName, id domain.ClientID, coords domain.Coords) bool {
	cl, ok := s.Client(name, id)
	if !ok {
		return false
	}
	cl.Coords = coords
	return true
}

func (s *Store) SetLastHeartbeat(name domain.RoomName, hb domain.HeartbeatInfo) bool {
	c := s.content(name)
	if c == nil {
		return false
	}
	c.LastHeartbeat = hb
	c.HeartbeatAt = s.now()
	return true
}

func (s *Store) LastHeartbeat(name domain.RoomName) (domain.HeartbeatInfo, bool) {
	c := s.content(name)
	if c == nil {
		return domain.HeartbeatInfo{}, false
	}
	return c.LastHeartbeat, true
}

// SetHeartbeatTask records the cancel func of the room's heartbeat loop.
func (s *Store) SetHeartbeatTask(name domain.RoomName, stop context.CancelFunc) bool {
	r, ok := s.rooms[name]
	if !ok {
		return false
	}
	r.heartbeatStop = stop
	return true
}

func (s *Store) HasHeartbeatTask(name domain.RoomName) bool {
	r, ok := s.rooms[name]
	return ok && r.heartbeatStop != nil
}

// TakeHeartbeatTask removes and returns the heartbeat cancel func.
func (s *Store) TakeHeartbeatTask(name domain.RoomName) (context.CancelFunc, bool) {
	r, ok := s.rooms[name]
	if !ok || r.heartbeatStop == nil {
		return nil, false
	}
	stop := r.heartbeatStop
	r.heartbeatStop = nil
	return stop, true
}

// Avails lists the rooms offered to new clients of ht, sorted.
func (s *Store) Avails(ht domain.HeadsetType) []domain.RoomName {
	set := s.avails[ht]
	out := make([]domain.RoomName, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Store) Available(ht domain.HeadsetType, name domain.RoomName) bool {
	_, ok := s.avails[ht][name]
	return ok
}

func (s *Store) clearAvails(name domain.RoomName) {
	for _, set := range s.avails {
		delete(set, name)
	}
}

// updateAvails recomputes the room's presence in each headset list. A full or
// empty room is in none of them; empty rooms are found by FSM state instead.
func (s *Store) updateAvails(name domain.RoomName) {
	c := s.content(name)
	if c == nil {
		s.clearAvails(name)
		return
	}
	counts := make(map[domain.HeadsetType]int, len(domain.HeadsetTypes))
	for _, cl := range c.Clients {
		counts[cl.HeadsetType]++
	}
	total := len(c.Clients)
	if total >= s.rules.MaxClientsPerRoom || total == 0 {
		s.clearAvails(name)
		return
	}
	s.avails[domain.HeadsetViewer][name] = struct{}{}

	n6, n3 := counts[domain.Headset6DOF], counts[domain.Headset3DOF]
	t6, t3 := s.rules.Thresholds[domain.Headset6DOF], s.rules.Thresholds[domain.Headset3DOF]
	strikers, strikerLimit := n6+n3, t6+t3

	setAvail(s.avails[domain.Headset6DOF], name, n6 < t6 && strikers < strikerLimit)
	setAvail(s.avails[domain.Headset3DOF], name, n3 < t3 && strikers < strikerLimit)
}

func setAvail(set map[domain.RoomName]struct{}, name domain.RoomName, on bool) {
	if on {
		set[name] = struct{}{}
	} else {
		delete(set, name)
	}
}
