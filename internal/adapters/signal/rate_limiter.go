package signal

import (
	"github.com/dkeye/soundrooms/internal/app/ratelimit"
	"github.com/dkeye/soundrooms/internal/domain"
	"github.com/dkeye/soundrooms/internal/protocol"
)

// Limits are the two inbound message limiters: one bucket per client, and
// one per client and message type. Either may be nil.
type Limits struct {
	PerClient *ratelimit.Limiter
	PerType   *ratelimit.Limiter
}

func (l Limits) allowClient(id domain.ClientID) bool {
	return l.PerClient == nil || l.PerClient.Consume(string(id))
}

func (l Limits) allowType(id domain.ClientID, t protocol.MessageType) bool {
	return l.PerType == nil || l.PerType.Consume(string(id)+"/"+string(t))
}

// forget drops the client's per-client bucket. Per-type buckets expire on
// their own.
func (l Limits) forget(id domain.ClientID) {
	if l.PerClient != nil {
		l.PerClient.Forget(string(id))
	}
}
