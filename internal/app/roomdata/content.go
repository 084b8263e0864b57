package roomdata

import (
	"math"

	"github.com/dkeye/soundrooms/internal/domain"
)

// Placement of generated spheres, in metres.
const (
	placementSpan      = 2.5
	placementMinY      = 0.9
	placementSpanY     = 0.7
	minSphereSpacing   = 0.5
	maxPlacementTrials = 1000
)

func (s *Store) generate() *Content {
	c := &Content{
		Soundbank: s.randInt(domain.MinSoundbank, domain.MaxSoundbank),
		Spheres:   make(map[domain.SphereID]*domain.Sphere, domain.GeneratedSpheresPerRoom),
		Clients:   make(map[domain.ClientID]*domain.Client),
	}
	for i := 0; i < domain.GeneratedSpheresPerRoom; i++ {
		id := domain.NewSphereID()
		c.Spheres[id] = &domain.Sphere{
			ID:       id,
			Tone:     s.randInt(domain.LowestTone, domain.HighestTone),
			Position: s.place(c.Spheres),
		}
	}
	return c
}

// place samples positions until one is more than minSphereSpacing from every
// existing sphere on the floor plane.
func (s *Store) place(existing map[domain.SphereID]*domain.Sphere) domain.Vec3 {
	var pos domain.Vec3
	for trial := 0; trial < maxPlacementTrials; trial++ {
		pos = domain.Vec3{
			X: s.rand.Float64()*placementSpan - placementSpan/2,
			Y: s.rand.Float64()*placementSpanY + placementMinY,
			Z: s.rand.Float64()*placementSpan - placementSpan/2,
		}
		if closestXZ(pos, existing) > minSphereSpacing {
			return pos
		}
	}
	return pos
}

func closestXZ(p domain.Vec3, spheres map[domain.SphereID]*domain.Sphere) float64 {
	closest := math.Inf(1)
	for _, sp := range spheres {
		d := math.Hypot(p.X-sp.Position.X, p.Z-sp.Position.Z)
		if d < closest {
			closest = d
		}
	}
	return closest
}

func (s *Store) randInt(lo, hi int) int {
	return s.rand.IntN(hi-lo+1) + lo
}
