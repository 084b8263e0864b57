// Package protocol is the client wire format: short type tokens, compact
// field labels, inbound schema validation and the reply/broadcast envelopes.
package protocol

// MessageType is the short token carried in the "t" field of every message.
type MessageType string

// Inbound message types.
const (
	ExitRoom             MessageType = "e_r"
	UpdateClientCoords   MessageType = "u_c_c"
	CreateSphere         MessageType = "c_s_o_t_a_p"
	GrabSphere           MessageType = "g_s"
	ReleaseSphere        MessageType = "r_s"
	DeleteSphere         MessageType = "d_s"
	StrikeSphere         MessageType = "s_s"
	SetSphereTone        MessageType = "s_s_t"
	SetSphereConnections MessageType = "s_s_c"
)

// InboundTypes lists every message type a client may send.
var InboundTypes = []MessageType{
	ExitRoom, UpdateClientCoords, CreateSphere, GrabSphere, ReleaseSphere,
	DeleteSphere, StrikeSphere, SetSphereTone, SetSphereConnections,
}

// Outbound message types.
const (
	ConnectionInfo   MessageType = "c_i"
	RoomStatusInfo   MessageType = "r_s_i"
	RoomExitSuccess  MessageType = "r_e_s"
	RoomHeartbeat    MessageType = "r_h"
	RoomClientJoin   MessageType = "r_c_j"
	RoomClientExit   MessageType = "r_c_e"
	RoomClientCoords MessageType = "r_c_c_u"

	RoomSphereCreated         MessageType = "r_s_c"
	RoomSphereGrabbed         MessageType = "r_s_g"
	RoomSpherePositionUpdated MessageType = "r_s_p_u"
	RoomSphereToneSet         MessageType = "r_s_t_s"
	RoomSphereConnectionsSet  MessageType = "r_s_c_s"
	RoomSphereReleased        MessageType = "r_s_r"
	RoomSphereStruck          MessageType = "r_s_s"
	RoomSphereDeleted         MessageType = "r_s_d"

	CreateSphereDenied  MessageType = "c_s_d"
	CreateSphereSuccess MessageType = "c_s_s"

	GrabSphereDenied  MessageType = "g_s_d"
	GrabSphereSuccess MessageType = "g_s_s"

	ReleaseSphereDenied  MessageType = "r_sp_d"
	ReleaseSphereInvalid MessageType = "r_sp_i"
	ReleaseSphereSuccess MessageType = "r_sp_s"

	DeleteSphereDenied  MessageType = "d_s_d"
	DeleteSphereInvalid MessageType = "d_s_i"
	DeleteSphereSuccess MessageType = "d_s_s"

	SetSphereToneDenied  MessageType = "s_s_t_d"
	SetSphereToneInvalid MessageType = "s_s_t_i"
	SetSphereToneSuccess MessageType = "s_s_t_s"

	SetSphereConnectionsDenied  MessageType = "s_s_c_d"
	SetSphereConnectionsInvalid MessageType = "s_s_c_i"
	SetSphereConnectionsSuccess MessageType = "s_s_c_s"

	ConnectSpheresIdentical MessageType = "c_s_id"
	ConnectSpheresInvalid   MessageType = "c_s_in"
	ConnectSpheresMissing   MessageType = "c_s_m"
)

// Error tokens. They travel in the same "t" slot as regular replies.
const (
	ErrInvalidURL       MessageType = "i_u"
	ErrNoRoomsAvailable MessageType = "n_r_a"

	ErrNotInRoom          MessageType = "n_i_r"
	ErrNoSuchRoom         MessageType = "n_s_r"
	ErrRoomQueueFull      MessageType = "r_q_f"
	ErrRoomFull           MessageType = "r_f"
	ErrRoomUnavailable    MessageType = "r_u"
	ErrBusyTryAgain       MessageType = "b_t_a"
	ErrRoomNotReady       MessageType = "r_n_r"
	ErrRoomJoinTimeout    MessageType = "r_j_t"
	ErrAlreadyInRoom      MessageType = "a_i_r"
	ErrAlreadyInRoomQueue MessageType = "a_i_r_q"

	ErrCreateSphereUnavailable  MessageType = "c_s_u"
	ErrNonExistentSphere        MessageType = "n_e_s"
	ErrSphereAlreadyHeld        MessageType = "s_a_h"
	ErrClientHoldingSphere      MessageType = "c_h_s"
	ErrClientHoldingMaxSpheres  MessageType = "c_h_m_s"
	ErrTooManySphereConnections MessageType = "t_m_s_c"
	ErrGrabSphere               MessageType = "g_s_e"
	ErrReleaseSphere            MessageType = "r_s_e"
	ErrDeleteSphere             MessageType = "d_s_e"
	ErrConnectSphere            MessageType = "c_s_e"
	ErrSphereHoldTimeout        MessageType = "s_h_t"
	ErrClientInactivityTimeout  MessageType = "c_i_t"
	ErrSystem                   MessageType = "s_"
)
