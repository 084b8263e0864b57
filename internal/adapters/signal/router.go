package signal

import (
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/soundrooms/internal/app/orch"
	"github.com/dkeye/soundrooms/internal/domain"
	"github.com/dkeye/soundrooms/internal/metrics"
	"github.com/dkeye/soundrooms/internal/protocol"
)

// Router takes raw inbound frames through the per-client limit, schema
// validation and the per-type limit before dispatching them.
type Router struct {
	orch    *orch.Orchestrator
	limits  Limits
	metrics *metrics.Metrics

	// dropViewers ignores everything viewers send.
	dropViewers bool
	now         func() time.Time
}

func NewRouter(o *orch.Orchestrator, limits Limits, m *metrics.Metrics, dropViewers bool) *Router {
	return &Router{orch: o, limits: limits, metrics: m, dropViewers: dropViewers, now: time.Now}
}

// label keeps metric cardinality bounded to the known inbound types.
func label(t protocol.MessageType) string {
	if slices.Contains(protocol.InboundTypes, t) {
		return string(t)
	}
	return "unknown"
}

func (r *Router) Handle(id domain.ClientID, ht domain.HeadsetType, raw []byte) {
	if len(raw) == 0 {
		return
	}
	if r.dropViewers && ht == domain.HeadsetViewer {
		r.metrics.Message("unknown", metrics.OutcomeDropped)
		return
	}
	r.orch.Registry.Touch(id, r.now())

	if _, ok := r.orch.Registry.RoomOf(id); !ok {
		log.Debug().Str("module", "signal").Str("client", string(id)).Msg("dropping message from client outside a room")
		r.metrics.Message("unknown", metrics.OutcomeNotReady)
		return
	}

	if !r.limits.allowClient(id) {
		log.Debug().Str("module", "signal").Str("client", string(id)).Msg("per-client rate limit hit")
		r.metrics.RateLimited("per_client")
		r.metrics.Message("unknown", metrics.OutcomeLimited)
		return
	}

	msg, err := protocol.Parse(raw)
	if err != nil {
		t, _ := protocol.PeekType(raw)
		log.Debug().Str("module", "signal").Str("client", string(id)).Err(err).Msg("dropping invalid message")
		r.metrics.Message(label(t), metrics.OutcomeInvalid)
		return
	}

	if !r.limits.allowType(id, msg.Type()) {
		log.Debug().Str("module", "signal").Str("client", string(id)).Str("type", string(msg.Type())).Msg("per-type rate limit hit")
		r.metrics.RateLimited("per_message_type")
		r.metrics.Message(label(msg.Type()), metrics.OutcomeLimited)
		return
	}

	r.metrics.Message(label(msg.Type()), r.orch.Dispatch(id, msg))
}

// Forget releases limiter state held for a closed connection.
func (r *Router) Forget(id domain.ClientID) {
	r.limits.forget(id)
}
