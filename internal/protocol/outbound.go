package protocol

import (
	"encoding/json"

	"github.com/dkeye/soundrooms/internal/domain"
)

type Payload struct {
	Type MessageType `json:"t"`
	Data any         `json:"d,omitempty"`
}

// Reply goes to one client.
type Reply struct {
	From string  `json:"f"`
	Msg  Payload `json:"m"`
}

// Broadcast fans out to a room; the type is repeated at the top level.
type Broadcast struct {
	Type MessageType `json:"t"`
	From string      `json:"f"`
	Msg  Payload     `json:"m"`
}

func NewReply(from string, t MessageType, data any) Reply {
	return Reply{From: from, Msg: Payload{Type: t, Data: data}}
}

func NewBroadcast(from string, t MessageType, data any) Broadcast {
	return Broadcast{Type: t, From: from, Msg: Payload{Type: t, Data: data}}
}

func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

type ConnectionInfoData struct {
	ClientID domain.ClientID `json:"cId"`
	ServerID domain.ServerID `json:"srId"`
}

type HoldState struct {
	ClientID domain.ClientID `json:"clientId"`
	TS       int64           `json:"ts"`
}

type SphereState struct {
	Tone        int               `json:"t"`
	Position    domain.Vec3       `json:"p"`
	Connections []domain.SphereID `json:"c,omitempty"`
	Hold        *HoldState        `json:"hold,omitempty"`
}

type RoomStatusData struct {
	RoomName  domain.RoomName                          `json:"rn"`
	Soundbank int                                      `json:"sb"`
	Clients   map[domain.HeadsetType][]domain.ClientID `json:"c"`
	Spheres   map[domain.SphereID]SphereState          `json:"s"`
}

type RoomNameData struct {
	RoomName domain.RoomName `json:"rn"`
}

type HeartbeatData struct {
	Count   int     `json:"c"`
	Seconds float64 `json:"s"`
}

type ClientJoinData struct {
	ClientID    domain.ClientID    `json:"cId"`
	HeadsetType domain.HeadsetType `json:"ht"`
}

type ClientData struct {
	ClientID domain.ClientID `json:"cId"`
}

type SphereRef struct {
	SphereID domain.SphereID `json:"spId"`
}

type SphereClient struct {
	SphereID domain.SphereID `json:"spId"`
	ClientID domain.ClientID `json:"cId"`
}

type SphereCreatedData struct {
	SphereID domain.SphereID `json:"spId"`
	Tone     int             `json:"t"`
	Position domain.Vec3     `json:"p"`
	ClientID domain.ClientID `json:"cId"`
}

type SphereToneData struct {
	SphereID domain.SphereID `json:"spId"`
	Tone     int             `json:"t"`
	ClientID domain.ClientID `json:"cId"`
}

type SphereConnectionsData struct {
	SphereID    domain.SphereID   `json:"spId"`
	Connections []domain.SphereID `json:"c"`
	ClientID    domain.ClientID   `json:"cId"`
}

type SphereStruckData struct {
	SphereID domain.SphereID `json:"spId"`
	Velocity int             `json:"v"`
	ClientID domain.ClientID `json:"cId"`
}

// Denial carries the sphere under discussion and, when another client holds
// it, the holder.
type Denial struct {
	SphereID domain.SphereID `json:"spId,omitempty"`
	HolderID domain.ClientID `json:"hId,omitempty"`
}
