package app

import (
	"context"
	"math"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/soundrooms/internal/app/ring"
	"github.com/dkeye/soundrooms/internal/domain"
)

// Peer is another server seen on the sync channel.
type Peer struct {
	ID            domain.ServerID
	IP            string
	Port          int
	LastHeartbeat time.Time

	stopMonitor context.CancelFunc
}

func (p *Peer) Address() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

// ServerState is this process's view of the cluster: identity, known peers,
// the hash ring and the rooms the ring assigns to this server.
type ServerState struct {
	ID        domain.ServerID
	Address   string
	RoomNames []domain.RoomName

	ring     *ring.Ring
	servable map[domain.RoomName]struct{}
	peers    map[domain.ServerID]*Peer

	warmupLen      int
	warmupReceipts []time.Time
}

// NewServerState starts with a ring holding only this server, so every room
// is servable until peers show up.
func NewServerState(id domain.ServerID, address string, rooms []domain.RoomName, warmupLen int) *ServerState {
	s := &ServerState{
		ID:        id,
		Address:   address,
		RoomNames: rooms,
		ring:      ring.New(address),
		peers:     make(map[domain.ServerID]*Peer),
		warmupLen: warmupLen,
	}
	s.remap()
	return s
}

func (s *ServerState) Ring() *ring.Ring { return s.ring }

func (s *ServerState) remap() {
	start := time.Now()
	rooms := s.ring.Servable(s.Address, s.RoomNames)
	s.servable = make(map[domain.RoomName]struct{}, len(rooms))
	for _, r := range rooms {
		s.servable[r] = struct{}{}
	}
	log.Info().Str("module", "app.server").Int("servable", len(rooms)).
		Dur("took", time.Since(start)).Msg("remapped servable rooms")
}

func (s *ServerState) IsServable(room domain.RoomName) bool {
	_, ok := s.servable[room]
	return ok
}

// ServableRooms returns the rooms this server owns, sorted.
func (s *ServerState) ServableRooms() []domain.RoomName {
	out := make([]domain.RoomName, 0, len(s.servable))
	for r := range s.servable {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Owner returns the address the ring assigns key to.
func (s *ServerState) Owner(key string) string {
	addr, _ := s.ring.Get(key)
	return addr
}

// RecordHeartbeat stores a peer heartbeat. A peer seen for the first time is
// added to the ring and added reports true.
func (s *ServerState) RecordHeartbeat(id domain.ServerID, ip string, port int, at time.Time) (peer *Peer, added bool) {
	p, ok := s.peers[id]
	if !ok {
		p = &Peer{ID: id, IP: ip, Port: port}
		s.peers[id] = p
		if s.ring.Add(p.Address()) {
			log.Info().Str("module", "app.server").Str("peer", string(id)).Str("addr", p.Address()).Msg("adding peer")
			s.remap()
		}
		added = true
	}
	p.LastHeartbeat = at
	return p, added
}

// SetPeerMonitor records the cancel func of the peer's monitor task.
func (s *ServerState) SetPeerMonitor(id domain.ServerID, stop context.CancelFunc) bool {
	p, ok := s.peers[id]
	if !ok {
		return false
	}
	p.stopMonitor = stop
	return true
}

// RemovePeer drops the peer and its ring entry. The ring entry stays when
// another known server shares the address.
func (s *ServerState) RemovePeer(id domain.ServerID) bool {
	p, ok := s.peers[id]
	if !ok {
		return false
	}
	delete(s.peers, id)
	if p.stopMonitor != nil {
		p.stopMonitor()
	}

	addr := p.Address()
	if addr != s.Address && !s.addressInUse(addr) && s.ring.Remove(addr) {
		log.Info().Str("module", "app.server").Str("peer", string(id)).Str("addr", addr).Msg("removing peer")
		s.remap()
	}
	if len(s.peers) > 0 {
		log.Info().Str("module", "app.server").Int("peers", len(s.peers)).Msg("remaining peers")
	} else {
		log.Info().Str("module", "app.server").Msg("no remaining peers")
	}
	return true
}

func (s *ServerState) addressInUse(addr string) bool {
	for _, p := range s.peers {
		if p.Address() == addr {
			return true
		}
	}
	return false
}

func (s *ServerState) Peer(id domain.ServerID) (*Peer, bool) {
	p, ok := s.peers[id]
	return p, ok
}

// PeerAt finds a known peer by address.
func (s *ServerState) PeerAt(addr string) (*Peer, bool) {
	for _, p := range s.peers {
		if p.Address() == addr {
			return p, true
		}
	}
	return nil, false
}

// Peers returns a snapshot sorted by id.
func (s *ServerState) Peers() []Peer {
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *ServerState) PeerCount() int { return len(s.peers) }

// AddWarmupReceipt keeps the most recent warmupLen receipt times.
func (s *ServerState) AddWarmupReceipt(at time.Time) {
	if s.warmupLen > 0 && len(s.warmupReceipts) >= s.warmupLen {
		s.warmupReceipts = s.warmupReceipts[1:]
	}
	s.warmupReceipts = append(s.warmupReceipts, at)
}

// WarmupReady reports whether the sync channel has stopped batching: the
// receipt list is full and at least half of the gaps between consecutive
// receipts are non-zero at millisecond resolution.
func (s *ServerState) WarmupReady() bool {
	if len(s.warmupReceipts) < s.warmupLen || len(s.warmupReceipts) == 0 {
		return false
	}
	nonZero := 0
	for i := 1; i < len(s.warmupReceipts); i++ {
		if s.warmupReceipts[i].UnixMilli() != s.warmupReceipts[i-1].UnixMilli() {
			nonZero++
		}
	}
	return float64(nonZero) >= math.Ceil(float64(s.warmupLen))/2
}
