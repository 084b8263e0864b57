// Package domain contains entities without transport or lifecycle logic, just data.
package domain

import (
	"strings"

	"github.com/google/uuid"
)

type (
	ClientID string
	ServerID string
)

// NewClientID returns a fresh identifier for an accepted connection.
func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}

// NewServerID returns a fresh identifier for this process.
func NewServerID() ServerID {
	return ServerID(uuid.NewString())
}

// Short returns the first two dash-separated groups of the id.
func (id ServerID) Short() string {
	parts := strings.SplitN(string(id), "-", 3)
	if len(parts) < 2 {
		return string(id)
	}
	return parts[0] + "-" + parts[1]
}

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type CoordinateSet struct {
	Position Vec3 `json:"p"`
	Rotation Vec3 `json:"r"`
}

type Coords struct {
	Head  CoordinateSet `json:"h"`
	Left  CoordinateSet `json:"l"`
	Right CoordinateSet `json:"r"`
}

// Client is a room member's record inside room content.
type Client struct {
	ID          ClientID
	HeadsetType HeadsetType
	Coords      Coords
	SpheresHeld map[SphereID]struct{}
}

// NewClient avoids raw literals and starts the client with zeroed coords.
func NewClient(id ClientID, ht HeadsetType) *Client {
	return &Client{
		ID:          id,
		HeadsetType: ht,
		SpheresHeld: make(map[SphereID]struct{}),
	}
}
