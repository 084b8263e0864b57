package roomdata

import (
	"sort"

	"github.com/dkeye/soundrooms/internal/domain"
)

func (s *Store) Sphere(name domain.RoomName, id domain.SphereID) (*domain.Sphere, bool) {
	c := s.content(name)
	if c == nil {
		return nil, false
	}
	sp, ok := c.Spheres[id]
	return sp, ok
}

func (s *Store) SphereCount(name domain.RoomName) int {
	if c := s.content(name); c != nil {
		return len(c.Spheres)
	}
	return 0
}

// SphereIDs returns the room's spheres, sorted.
func (s *Store) SphereIDs(name domain.RoomName) []domain.SphereID {
	c := s.content(name)
	if c == nil {
		return nil
	}
	out := make([]domain.SphereID, 0, len(c.Spheres))
	for id := range c.Spheres {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Store) AddSphere(name domain.RoomName, id domain.SphereID, tone int, pos domain.Vec3) bool {
	c := s.content(name)
	if c == nil {
		return false
	}
	if _, exists := c.Spheres[id]; exists {
		return false
	}
	c.Spheres[id] = &domain.Sphere{ID: id, Tone: tone, Position: pos}
	return true
}

func (s *Store) touch(sp *domain.Sphere) {
	if sp.Hold != nil {
		sp.Hold.LastActivity = s.now()
	}
}

func (s *Store) SetSpherePosition(name domain.RoomName, id domain.SphereID, pos domain.Vec3) bool {
	sp, ok := s.Sphere(name, id)
	if !ok {
		return false
	}
	sp.Position = pos
	s.touch(sp)
	return true
}

func (s *Store) SetSphereTone(name domain.RoomName, id domain.SphereID, tone int) bool {
	sp, ok := s.Sphere(name, id)
	if !ok {
		return false
	}
	sp.Tone = tone
	s.touch(sp)
	return true
}

func (s *Store) SetSphereConnections(name domain.RoomName, id domain.SphereID, conns []domain.SphereID) bool {
	sp, ok := s.Sphere(name, id)
	if !ok {
		return false
	}
	sp.Connections = append([]domain.SphereID(nil), conns...)
	s.touch(sp)
	return true
}

// CreateHold requires both the sphere and the client to exist.
func (s *Store) CreateHold(name domain.RoomName, sphere domain.SphereID, client domain.ClientID) bool {
	sp, ok := s.Sphere(name, sphere)
	if !ok {
		return false
	}
	cl, ok := s.Client(name, client)
	if !ok {
		return false
	}
	if sp.Hold != nil && sp.Hold.ClientID != client {
		return false
	}
	sp.Hold = &domain.Hold{ClientID: client, LastActivity: s.now()}
	cl.SpheresHeld[sphere] = struct{}{}
	return true
}

// SetHoldTimeout attaches the stop func of the hold's timeout loop.
func (s *Store) SetHoldTimeout(name domain.RoomName, sphere domain.SphereID, stop func()) bool {
	sp, ok := s.Sphere(name, sphere)
	if !ok || sp.Hold == nil {
		return false
	}
	sp.Hold.StopTimeout = stop
	return true
}

// RemoveHold clears the hold only when client is the holder. The hold's
// timeout loop is stopped.
func (s *Store) RemoveHold(name domain.RoomName, sphere domain.SphereID, client domain.ClientID) bool {
	sp, ok := s.Sphere(name, sphere)
	if !ok || sp.Hold == nil || sp.Hold.ClientID != client {
		return false
	}
	if sp.Hold.StopTimeout != nil {
		sp.Hold.StopTimeout()
	}
	sp.Hold = nil
	if cl, ok := s.Client(name, client); ok {
		delete(cl.SpheresHeld, sphere)
	}
	return true
}

// HeldBy returns the spheres client holds, sorted.
func (s *Store) HeldBy(name domain.RoomName, client domain.ClientID) []domain.SphereID {
	cl, ok := s.Client(name, client)
	if !ok {
		return nil
	}
	out := make([]domain.SphereID, 0, len(cl.SpheresHeld))
	for id := range cl.SpheresHeld {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DeleteSphere removes the sphere along with any hold on it.
func (s *Store) DeleteSphere(name domain.RoomName, id domain.SphereID) bool {
	c := s.content(name)
	if c == nil {
		return false
	}
	sp, ok := c.Spheres[id]
	if !ok {
		return false
	}
	if sp.Hold != nil {
		s.RemoveHold(name, id, sp.Hold.ClientID)
	}
	delete(c.Spheres, id)
	return true
}
