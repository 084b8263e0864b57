// Package balance decides which server and room an incoming client
// connection is sent to.
package balance

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/soundrooms/internal/app"
	"github.com/dkeye/soundrooms/internal/app/fsm"
	"github.com/dkeye/soundrooms/internal/domain"
)

// Routing headers set by the balancer for the websocket server. Clients may
// not send them; the balancer strips them from every request.
const (
	HeaderHeadsetType       = "X-Client-Headset-Type"
	HeaderClientChoseRoom   = "X-Client-Specified-Room-Name"
	HeaderNoRoomsAvailable  = "X-No-Rooms-Available"
	HeaderPleaseClose       = "X-Please-Close-This-Connection"
	HeaderRequestedRoomName = "X-Requested-Room-Name"
)

// RoutingHeaders lists every header the balancer controls.
var RoutingHeaders = []string{
	HeaderHeadsetType, HeaderClientChoseRoom, HeaderNoRoomsAvailable,
	HeaderPleaseClose, HeaderRequestedRoomName,
}

var ErrBadURL = errors.New("bad url")

// Request is what a client asks for in the connection path:
// /<headsetType> or /<headsetType>/<room>.
type Request struct {
	HeadsetType domain.HeadsetType
	Room        domain.RoomName
}

func (r Request) HasRoom() bool { return r.Room != "" }

// ParsePath reads a request path of the form /<headsetType>[/<room>].
func ParsePath(path string) (Request, error) {
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] != "" {
		return Request{}, fmt.Errorf("%w: %q", ErrBadURL, path)
	}
	parts = parts[1:]
	if len(parts) > 2 || parts[0] == "" {
		return Request{}, fmt.Errorf("%w: %q", ErrBadURL, path)
	}

	ht, err := domain.ParseHeadsetType(parts[0])
	if err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	req := Request{HeadsetType: ht}
	if len(parts) == 2 {
		room := domain.RoomName(parts[1])
		if !room.WellFormed() {
			return Request{}, fmt.Errorf("%w: bad room name %q", ErrBadURL, room)
		}
		req.Room = room
	}
	return req, nil
}

// Decision is where a connection goes and what the target is told.
type Decision struct {
	// Target is the "ip:port" of the chosen server.
	Target  string
	Headers map[string]string
	// Retry means no room could be found; the client should try again.
	Retry bool
}

type Balancer struct {
	state *app.State
	pick  func(n int) int
}

type Option func(*Balancer)

// WithPicker replaces the random choice among candidate rooms.
func WithPicker(pick func(n int) int) Option {
	return func(b *Balancer) { b.pick = pick }
}

func New(state *app.State, opts ...Option) *Balancer {
	b := &Balancer{state: state, pick: rand.IntN}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Route decides the target for a connection request. rawURL is the request
// URI as received; only its path is interpreted.
func (b *Balancer) Route(rawURL string) Decision {
	path := rawURL
	if u, err := url.ParseRequestURI(rawURL); err == nil {
		path = u.Path
	}

	var d Decision
	b.state.Do(func(tx *app.Tx) {
		req, err := ParsePath(path)
		if err != nil {
			log.Debug().Str("module", "balance").Str("url", rawURL).Err(err).Msg("invalid connection url")
			d = closeDecision(tx, rawURL)
			return
		}

		if req.HasRoom() {
			if !tx.Rooms.Has(req.Room) {
				log.Debug().Str("module", "balance").Str("room", string(req.Room)).Msg("requested room is not in the pool")
				d = closeDecision(tx, rawURL)
				return
			}
			d = Decision{
				Target: tx.Server.Owner(string(req.Room)),
				Headers: map[string]string{
					HeaderHeadsetType:       string(req.HeadsetType),
					HeaderRequestedRoomName: string(req.Room),
					HeaderClientChoseRoom:   "true",
				},
			}
			return
		}

		room, ok := b.choose(tx, req.HeadsetType)
		if !ok {
			log.Warn().Str("module", "balance").Str("headset", string(req.HeadsetType)).Msg("no rooms available")
			d = Decision{Retry: true}
			return
		}
		d = Decision{
			Target: tx.Server.Owner(string(room)),
			Headers: map[string]string{
				HeaderHeadsetType:       string(req.HeadsetType),
				HeaderRequestedRoomName: string(room),
			},
		}
	})
	return d
}

// closeDecision sends a bad request to some server so it can reject the
// client with an error message instead of a dropped socket.
func closeDecision(tx *app.Tx, rawURL string) Decision {
	return Decision{
		Target:  tx.Server.Owner(rawURL),
		Headers: map[string]string{HeaderPleaseClose: "true"},
	}
}

// choose prefers a room with space for ht. Failing that it takes an idle
// room owned by this server, so room setup never lands on a peer.
func (b *Balancer) choose(tx *app.Tx, ht domain.HeadsetType) (domain.RoomName, bool) {
	if avail := tx.Data.Avails(ht); len(avail) > 0 {
		return avail[b.pick(len(avail))], true
	}
	var idle []domain.RoomName
	for _, room := range tx.Rooms.RoomsIn(fsm.Init) {
		if tx.Server.IsServable(room) {
			idle = append(idle, room)
		}
	}
	if len(idle) == 0 {
		return "", false
	}
	return idle[b.pick(len(idle))], true
}
