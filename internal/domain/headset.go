package domain

import (
	"errors"
	"fmt"
)

// HeadsetType is the kind of device a client connects with.
type HeadsetType string

const (
	Headset3DOF   HeadsetType = "3dof"
	Headset6DOF   HeadsetType = "6dof"
	HeadsetViewer HeadsetType = "viewer"
)

var ErrUnknownHeadset = errors.New("unknown headset type")

// HeadsetTypes lists every supported headset type in a stable order.
var HeadsetTypes = []HeadsetType{Headset3DOF, Headset6DOF, HeadsetViewer}

func ParseHeadsetType(s string) (HeadsetType, error) {
	for _, ht := range HeadsetTypes {
		if string(ht) == s {
			return ht, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownHeadset, s)
}

// Striker reports whether the headset can manipulate spheres (3dof or 6dof).
func (h HeadsetType) Striker() bool {
	return h == Headset3DOF || h == Headset6DOF
}
