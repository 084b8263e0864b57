package domain

import (
	"time"

	"github.com/google/uuid"
)

type SphereID string

func NewSphereID() SphereID {
	return SphereID(uuid.NewString())
}

const (
	LowestTone  = 0
	HighestTone = 17

	MinStrikeVelocity = 0
	MaxStrikeVelocity = 127

	MaxSpheresPerRoom       = 50
	MaxConnectionsPerSphere = 10
	MaxSpheresHeldPerClient = 1
)

// Hold marks a sphere as owned by one client. LastActivity is refreshed on
// every position, tone or connections change and polled by the hold timeout.
type Hold struct {
	ClientID     ClientID
	LastActivity time.Time
	// StopTimeout cancels the hold-timeout task, if one is running.
	StopTimeout func()
}

type Sphere struct {
	ID          SphereID
	Tone        int
	Position    Vec3
	Connections []SphereID
	Hold        *Hold
}

func (s *Sphere) HeldBy(id ClientID) bool {
	return s.Hold != nil && s.Hold.ClientID == id
}
