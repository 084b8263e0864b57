package app

import "github.com/dkeye/soundrooms/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

func (a BackpressureAction) String() string {
	switch a {
	case MarkSlow:
		return "mark_slow"
	case KickMember:
		return "kick"
	case DropFrame:
		return "drop"
	default:
		return "none"
	}
}

// Policy decides what happens to a client whose send buffer is full.
type Policy interface {
	OnBackPressure(room domain.RoomName, client domain.ClientID) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.RoomName, domain.ClientID) BackpressureAction {
	return KickMember
}
