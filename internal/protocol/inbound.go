package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/dkeye/soundrooms/internal/domain"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnknownType    = errors.New("unknown message type")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Message is a validated inbound client message.
type Message interface {
	Type() MessageType
}

type ExitRoomRequest struct{}

type SpherePosition struct {
	SphereID domain.SphereID `json:"spId"`
	Position domain.Vec3     `json:"p"`
}

type CoordsUpdate struct {
	Head    domain.CoordinateSet `json:"h"`
	Left    domain.CoordinateSet `json:"l"`
	Right   domain.CoordinateSet `json:"r"`
	Spheres []SpherePosition     `json:"s,omitempty"`
}

type CreateSphereRequest struct {
	Tone     int         `json:"t"`
	Position domain.Vec3 `json:"p"`
}

type GrabSphereRequest struct {
	SphereID domain.SphereID `json:"spId"`
}

type ReleaseSphereRequest struct {
	SphereID domain.SphereID `json:"spId"`
}

type DeleteSphereRequest struct {
	SphereID domain.SphereID `json:"spId"`
}

type StrikeSphereRequest struct {
	SphereID domain.SphereID `json:"spId"`
	Velocity int             `json:"v"`
}

type SetToneRequest struct {
	SphereID domain.SphereID `json:"spId"`
	Tone     int             `json:"t"`
}

type SetConnectionsRequest struct {
	SphereID    domain.SphereID   `json:"spId"`
	Connections []domain.SphereID `json:"c"`
}

func (ExitRoomRequest) Type() MessageType       { return ExitRoom }
func (CoordsUpdate) Type() MessageType          { return UpdateClientCoords }
func (CreateSphereRequest) Type() MessageType   { return CreateSphere }
func (GrabSphereRequest) Type() MessageType     { return GrabSphere }
func (ReleaseSphereRequest) Type() MessageType  { return ReleaseSphere }
func (DeleteSphereRequest) Type() MessageType   { return DeleteSphere }
func (StrikeSphereRequest) Type() MessageType   { return StrikeSphere }
func (SetToneRequest) Type() MessageType        { return SetSphereTone }
func (SetConnectionsRequest) Type() MessageType { return SetSphereConnections }

// Schema shapes. Pointers tell an absent field apart from a zero value.
type (
	wireVec3 struct {
		X *float64 `json:"x" validate:"required"`
		Y *float64 `json:"y" validate:"required"`
		Z *float64 `json:"z" validate:"required"`
	}
	wireCoordinateSet struct {
		Position *wireVec3 `json:"p" validate:"required"`
		Rotation *wireVec3 `json:"r" validate:"required"`
	}
	wireSpherePosition struct {
		SphereID string    `json:"spId" validate:"required,uuid"`
		Position *wireVec3 `json:"p" validate:"required"`
	}
	wireCoords struct {
		Head    *wireCoordinateSet   `json:"h" validate:"required"`
		Left    *wireCoordinateSet   `json:"l" validate:"required"`
		Right   *wireCoordinateSet   `json:"r" validate:"required"`
		Spheres []wireSpherePosition `json:"s" validate:"omitempty,dive"`
	}
	wireCreate struct {
		Tone     *int      `json:"t" validate:"required,min=0,max=17"`
		Position *wireVec3 `json:"p" validate:"required"`
	}
	wireSphereRef struct {
		SphereID string `json:"spId" validate:"required,uuid"`
	}
	wireStrike struct {
		SphereID string `json:"spId" validate:"required,uuid"`
		Velocity *int   `json:"v" validate:"required,min=0,max=127"`
	}
	wireTone struct {
		SphereID string `json:"spId" validate:"required,uuid"`
		Tone     *int   `json:"t" validate:"required,min=0,max=17"`
	}
	wireConnections struct {
		SphereID    string   `json:"spId" validate:"required,uuid"`
		Connections []string `json:"c" validate:"required,dive,uuid"`
	}
)

func (v *wireVec3) vec() domain.Vec3 {
	return domain.Vec3{X: *v.X, Y: *v.Y, Z: *v.Z}
}

func (c *wireCoordinateSet) set() domain.CoordinateSet {
	return domain.CoordinateSet{Position: c.Position.vec(), Rotation: c.Rotation.vec()}
}

type inboundEnvelope struct {
	Type MessageType     `json:"t"`
	Data json.RawMessage `json:"d"`
}

// PeekType returns the type token without validating the payload.
func PeekType(raw []byte) (MessageType, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return env.Type, nil
}

// Parse decodes and validates one inbound frame.
func Parse(raw []byte) (Message, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch env.Type {
	case ExitRoom:
		return ExitRoomRequest{}, nil

	case UpdateClientCoords:
		var w wireCoords
		if err := decode(env.Data, &w); err != nil {
			return nil, err
		}
		out := CoordsUpdate{Head: w.Head.set(), Left: w.Left.set(), Right: w.Right.set()}
		for _, s := range w.Spheres {
			out.Spheres = append(out.Spheres, SpherePosition{
				SphereID: domain.SphereID(s.SphereID),
				Position: s.Position.vec(),
			})
		}
		return out, nil

	case CreateSphere:
		var w wireCreate
		if err := decode(env.Data, &w); err != nil {
			return nil, err
		}
		return CreateSphereRequest{Tone: *w.Tone, Position: w.Position.vec()}, nil

	case GrabSphere, ReleaseSphere, DeleteSphere:
		var w wireSphereRef
		if err := decode(env.Data, &w); err != nil {
			return nil, err
		}
		id := domain.SphereID(w.SphereID)
		switch env.Type {
		case GrabSphere:
			return GrabSphereRequest{SphereID: id}, nil
		case ReleaseSphere:
			return ReleaseSphereRequest{SphereID: id}, nil
		default:
			return DeleteSphereRequest{SphereID: id}, nil
		}

	case StrikeSphere:
		var w wireStrike
		if err := decode(env.Data, &w); err != nil {
			return nil, err
		}
		return StrikeSphereRequest{SphereID: domain.SphereID(w.SphereID), Velocity: *w.Velocity}, nil

	case SetSphereTone:
		var w wireTone
		if err := decode(env.Data, &w); err != nil {
			return nil, err
		}
		return SetToneRequest{SphereID: domain.SphereID(w.SphereID), Tone: *w.Tone}, nil

	case SetSphereConnections:
		var w wireConnections
		if err := decode(env.Data, &w); err != nil {
			return nil, err
		}
		conns := make([]domain.SphereID, 0, len(w.Connections))
		for _, c := range w.Connections {
			conns = append(conns, domain.SphereID(c))
		}
		return SetConnectionsRequest{SphereID: domain.SphereID(w.SphereID), Connections: conns}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

func decode(data json.RawMessage, dst any) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("%w: missing data", ErrInvalidMessage)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// Encode renders m in the inbound wire form. The result always parses back.
func Encode(m Message) ([]byte, error) {
	// A nil list would marshal as null, which Parse rejects.
	if r, ok := m.(SetConnectionsRequest); ok && r.Connections == nil {
		r.Connections = []domain.SphereID{}
		m = r
	}
	env := struct {
		Type MessageType `json:"t"`
		Data Message     `json:"d"`
	}{m.Type(), m}
	return json.Marshal(env)
}
