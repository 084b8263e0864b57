package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/soundrooms/internal/core"
)

// Records is a RecordStore kept in process memory.
type Records struct {
	mu     sync.Mutex
	subs   map[string]core.SubscriptionRecord
	limits map[string]core.RateLimitRecord
}

var _ core.RecordStore = (*Records)(nil)

func NewRecords() *Records {
	return &Records{
		subs:   make(map[string]core.SubscriptionRecord),
		limits: make(map[string]core.RateLimitRecord),
	}
}

func (r *Records) UpsertSubscription(_ context.Context, rec core.SubscriptionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[rec.ServerID] = rec
	return nil
}

func (r *Records) StaleSubscriptions(_ context.Context, olderThan time.Time) ([]core.SubscriptionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.SubscriptionRecord
	for _, rec := range r.subs {
		if rec.TS.Before(olderThan) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.After(out[j].TS) })
	return out, nil
}

func (r *Records) DeleteSubscription(_ context.Context, serverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, serverID)
	return nil
}

// Subscription returns the stored record for serverID.
func (r *Records) Subscription(serverID string) (core.SubscriptionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.subs[serverID]
	return rec, ok
}

func (r *Records) LoadRateLimits(_ context.Context, env string) (core.RateLimitRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.limits[env]
	if !ok {
		return core.RateLimitRecord{}, core.ErrNotFound
	}
	return rec, nil
}

// SetRateLimits stores the limiter settings for rec.EnvironmentName.
func (r *Records) SetRateLimits(rec core.RateLimitRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limits[rec.EnvironmentName] = rec
}
