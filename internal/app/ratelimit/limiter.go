// Package ratelimit keeps one token bucket per namespace key (a client id,
// or "clientId/messageType") allowing Threshold events per TTL window.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type Options struct {
	Enabled   bool
	Threshold int
	TTL       time.Duration
}

func (o Options) valid() bool {
	return o.Threshold > 0 && o.TTL > 0
}

type Limiter struct {
	name string

	mu      sync.RWMutex
	opts    Options
	buckets *ttlcache.Cache[string, *rate.Limiter]
}

// New builds a limiter; call Start to begin evicting idle keys.
func New(name string, opts Options) *Limiter {
	l := &Limiter{name: name, opts: opts}
	l.buckets = ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](idleTTL(opts)),
		ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
	)
	return l
}

func idleTTL(o Options) time.Duration {
	if o.TTL > time.Minute {
		return o.TTL
	}
	return time.Minute
}

func (l *Limiter) Start() { go l.buckets.Start() }
func (l *Limiter) Stop()  { l.buckets.Stop() }

func (l *Limiter) Options() Options {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.opts
}

// SetOptions swaps thresholds at runtime. Existing buckets are dropped so the
// new rate applies to the next Consume.
func (l *Limiter) SetOptions(threshold int, ttl time.Duration) {
	l.mu.Lock()
	l.opts.Threshold = threshold
	l.opts.TTL = ttl
	l.buckets.DeleteAll()
	l.mu.Unlock()

	log.Info().Str("module", "ratelimit").Str("limiter", l.name).
		Int("threshold", threshold).Dur("ttl", ttl).Msg("rate limiter options set")
}

// Consume takes one token for key and reports whether the event may proceed.
func (l *Limiter) Consume(key string) bool {
	l.mu.RLock()
	opts := l.opts
	l.mu.RUnlock()

	if !opts.Enabled || !opts.valid() {
		return true
	}

	item := l.buckets.Get(key)
	if item == nil {
		lim := rate.NewLimiter(rate.Every(opts.TTL/time.Duration(opts.Threshold)), opts.Threshold)
		item, _ = l.buckets.GetOrSet(key, lim, ttlcache.WithTTL[string, *rate.Limiter](idleTTL(opts)))
	}
	return item.Value().Allow()
}

// Forget drops the bucket for key, e.g. when a connection closes.
func (l *Limiter) Forget(key string) {
	l.buckets.Delete(key)
}
