// Package signal accepts client websocket connections behind the balancer,
// pumps frames in both directions and routes inbound messages into the
// orchestrator.
package signal

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/soundrooms/internal/app"
	"github.com/dkeye/soundrooms/internal/app/balance"
	"github.com/dkeye/soundrooms/internal/app/fsm"
	"github.com/dkeye/soundrooms/internal/app/orch"
	"github.com/dkeye/soundrooms/internal/config"
	"github.com/dkeye/soundrooms/internal/core"
	"github.com/dkeye/soundrooms/internal/domain"
	"github.com/dkeye/soundrooms/internal/protocol"
)

const writeWait = 5 * time.Second

// wsConn is the part of *websocket.Conn the pumps use.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	WriteControl(mt int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// WsSignalConn is one client socket. Frames are queued on send and written
// by the write pump; Close lets the pump flush what is queued and then
// closes the socket.
type WsSignalConn struct {
	conn wsConn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

func newConn(ws wsConn, buffer int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, buffer)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnectionClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

type Settings struct {
	ServerID   domain.ServerID
	ReadLimit  int64
	SendBuffer int
	// RequiredOrigin, when set, must match the hostname of the Origin header.
	RequiredOrigin string
}

func SettingsFromConfig(cfg *config.Config) Settings {
	s := Settings{
		ServerID:   cfg.ServerID,
		ReadLimit:  cfg.ReadLimit,
		SendBuffer: 64,
	}
	if cfg.IsProduction() {
		s.RequiredOrigin = cfg.Production.RequiredOrigin
	}
	return s
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	Router   *Router
	settings Settings
	upgrader websocket.Upgrader
}

func NewSignalWSController(o *orch.Orchestrator, r *Router, s Settings) *SignalWSController {
	if s.SendBuffer <= 0 {
		s.SendBuffer = 64
	}
	return &SignalWSController{
		Orch:     o,
		Router:   r,
		settings: s,
		// Origin is checked after the upgrade so the client can be told why
		// it is being closed.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// admission is what the balancer decided for this connection.
type admission struct {
	headset    domain.HeadsetType
	room       domain.RoomName
	clientRoom bool
}

// admit reads the routing headers. A non-empty token is the error the
// client is sent before the socket is closed.
func (ctl *SignalWSController) admit(r *http.Request) (admission, protocol.MessageType) {
	if want := ctl.settings.RequiredOrigin; want != "" {
		u, err := url.Parse(r.Header.Get("Origin"))
		if err != nil || u.Hostname() != want {
			return admission{}, protocol.ErrInvalidURL
		}
	}
	if r.Header.Get(balance.HeaderNoRoomsAvailable) != "" {
		return admission{}, protocol.ErrNoRoomsAvailable
	}
	room := domain.RoomName(r.Header.Get(balance.HeaderRequestedRoomName))
	if r.Header.Get(balance.HeaderPleaseClose) != "" || room == "" {
		return admission{}, protocol.ErrInvalidURL
	}
	ht, err := domain.ParseHeadsetType(r.Header.Get(balance.HeaderHeadsetType))
	if err != nil {
		return admission{}, protocol.ErrInvalidURL
	}

	a := admission{headset: ht, room: room, clientRoom: r.Header.Get(balance.HeaderClientChoseRoom) != ""}
	if a.clientRoom {
		full := false
		ctl.Orch.State.Do(func(tx *app.Tx) { full = tx.Rooms.State(room) == fsm.RoomFull })
		if full {
			return admission{}, protocol.ErrRoomFull
		}
	}
	return a, ""
}

// HandleSignal upgrades the request and hands the connection to the
// orchestrator. Connections the balancer flagged are told why and closed.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.settings.ReadLimit > 0 {
		ws.SetReadLimit(ctl.settings.ReadLimit)
	}

	adm, reject := ctl.admit(c.Request)
	if reject != "" {
		log.Info().Str("module", "signal").Str("reason", string(reject)).Str("path", c.Request.URL.Path).Msg("refusing connection")
		ctl.refuse(ws, reject)
		return
	}
	ctl.serve(ctx, ws, adm)
}

func (ctl *SignalWSController) serve(ctx context.Context, ws wsConn, adm admission) {
	conn := newConn(ws, ctl.settings.SendBuffer)
	id := ctl.Orch.Connect(conn, adm.headset)
	log.Info().Str("module", "signal").Str("client", string(id)).Str("room", string(adm.room)).Msg("new WS connection")

	go ctl.writePump(ctx, conn)
	go ctl.readPump(id, adm.headset, conn)
	ctl.Orch.Join(id, adm.room)
}

// refuse writes one error reply straight to the socket and closes it.
func (ctl *SignalWSController) refuse(ws wsConn, t protocol.MessageType) {
	defer ws.Close()
	frame, err := protocol.Marshal(protocol.NewReply(string(ctl.settings.ServerID), t, nil))
	if err != nil {
		return
	}
	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.Debug().Err(err).Str("module", "signal").Msg("write refusal")
		return
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(t)), time.Now().Add(writeWait))
}
