package domain

type RoomName string

// RoomNameLen is the fixed length of every name in the room pool.
const RoomNameLen = 4

// Room content ranges.
const (
	MinSoundbank = 0
	MaxSoundbank = 2

	GeneratedSpheresPerRoom = 10
)

func (n RoomName) WellFormed() bool {
	return len(n) == RoomNameLen
}

// HeartbeatInfo is the last heartbeat a room broadcast.
type HeartbeatInfo struct {
	Count   int
	Seconds float64
}
