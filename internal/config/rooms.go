package config

import (
	"fmt"

	"github.com/dkeye/soundrooms/internal/domain"
)

const roomAlphabet = "abcdefghijklmnopqrstuvwxyz"

// DefaultRoomNames builds a deterministic pool of n distinct 4-letter names.
// Every server derives the same pool, so ring ownership agrees across peers.
func DefaultRoomNames(n int) []domain.RoomName {
	const space = 26 * 26 * 26 * 26
	if n > space {
		n = space
	}
	// 7919 is prime and coprime with 26^4, so the walk visits distinct slots.
	const stride = 7919
	names := make([]domain.RoomName, 0, n)
	for i := 0; i < n; i++ {
		v := (i*stride + 1) % space
		var b [domain.RoomNameLen]byte
		for j := domain.RoomNameLen - 1; j >= 0; j-- {
			b[j] = roomAlphabet[v%26]
			v /= 26
		}
		names = append(names, domain.RoomName(b[:]))
	}
	return names
}

// ParseRoomNames validates an explicit room pool.
func ParseRoomNames(raw []string) ([]domain.RoomName, error) {
	seen := make(map[domain.RoomName]struct{}, len(raw))
	out := make([]domain.RoomName, 0, len(raw))
	for _, r := range raw {
		name := domain.RoomName(r)
		if !name.WellFormed() {
			return nil, fmt.Errorf("room name %q must be %d characters", r, domain.RoomNameLen)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate room name %q", r)
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out, nil
}
