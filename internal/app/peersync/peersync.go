// Package peersync keeps this server in touch with its peers over the sync
// channel: heartbeats, peer liveness monitoring, subscription bookkeeping,
// dead peer cleanup and the startup warm-up gate.
package peersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/soundrooms/internal/app"
	"github.com/dkeye/soundrooms/internal/app/fsm"
	"github.com/dkeye/soundrooms/internal/app/ratelimit"
	"github.com/dkeye/soundrooms/internal/app/supervise"
	"github.com/dkeye/soundrooms/internal/config"
	"github.com/dkeye/soundrooms/internal/core"
	"github.com/dkeye/soundrooms/internal/domain"
	"github.com/dkeye/soundrooms/internal/metrics"
)

// Sync message types.
const (
	TypeHeartbeat      = "sync_heartbeat"
	TypeWarmup         = "sync_warmup"
	TypeLoadRateLimits = "load_rate_limiter_info"
)

// HealthPath is the liveness endpoint probed on peers.
const HealthPath = "/lb-health-check"

type Message struct {
	From domain.ServerID `json:"from"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type HeartbeatData struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

type Settings struct {
	ServerID    domain.ServerID
	IP          string
	Port        int
	Environment string

	HeartbeatPeriod     time.Duration
	HeartbeatTimeout    time.Duration
	WarmupInterval      time.Duration
	SavePeriod          time.Duration
	DeadPeerScanPeriod  time.Duration
	MonitorProbeTimeout time.Duration
	ScanProbeTimeout    time.Duration
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		ServerID:            cfg.ServerID,
		IP:                  cfg.LocalIPAddress,
		Port:                cfg.ServerPort,
		Environment:         cfg.EnvironmentName,
		HeartbeatPeriod:     cfg.Sync.HeartbeatPeriod,
		HeartbeatTimeout:    cfg.Sync.HeartbeatTimeout,
		WarmupInterval:      cfg.Sync.WarmupInterval,
		SavePeriod:          cfg.Sync.SavePeriod,
		DeadPeerScanPeriod:  cfg.Sync.DeadPeerScanPeriod,
		MonitorProbeTimeout: cfg.Sync.MonitorProbeTimeout,
		ScanProbeTimeout:    cfg.Sync.ScanProbeTimeout,
	}
}

// staleAfter is how old a subscription record must be before its server is
// suspected dead.
func (s Settings) staleAfter() time.Duration {
	return 6 * s.SavePeriod
}

type Engine struct {
	state    *app.State
	channel  core.SyncChannel
	records  core.RecordStore
	limiters []*ratelimit.Limiter
	metrics  *metrics.Metrics
	clients  func() int
	http     *http.Client
	settings Settings

	// ctx parents the peer monitors.
	ctx context.Context
}

type Option func(*Engine)

// WithRateLimiters sets the per-client and per-type limiters that stored
// settings are applied to.
func WithRateLimiters(perClient, perType *ratelimit.Limiter) Option {
	return func(e *Engine) { e.limiters = []*ratelimit.Limiter{perClient, perType} }
}

// WithClientCount reports connected clients in the subscription record.
func WithClientCount(fn func() int) Option {
	return func(e *Engine) { e.clients = fn }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.http = c }
}

func New(ctx context.Context, state *app.State, ch core.SyncChannel, records core.RecordStore, s Settings, opts ...Option) *Engine {
	e := &Engine{
		state:    state,
		channel:  ch,
		records:  records,
		clients:  func() int { return 0 },
		http:     &http.Client{},
		settings: s,
		ctx:      ctx,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SubscriptionName is this server's durable subscription on the sync topic.
func (e *Engine) SubscriptionName() string {
	return e.channel.TopicName() + "-" + string(e.settings.ServerID)
}

// Start subscribes to the sync topic.
func (e *Engine) Start() error {
	if err := e.channel.Subscribe(e.SubscriptionName(), e.handle); err != nil {
		return fmt.Errorf("subscribe %s: %w", e.SubscriptionName(), err)
	}
	log.Info().Str("module", "peersync").Str("subscription", e.SubscriptionName()).Msg("subscribed to sync topic")
	return nil
}

func (e *Engine) publish(ctx context.Context, typ string, data any) error {
	msg := Message{From: e.settings.ServerID, Type: typ}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		msg.Data = raw
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return e.channel.Publish(ctx, raw)
}

// RequestRateLimitReload asks the other servers on the topic to reload their
// limiter settings from the record store.
func (e *Engine) RequestRateLimitReload(ctx context.Context) error {
	return e.publish(ctx, TypeLoadRateLimits, nil)
}

func (e *Engine) handle(raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Debug().Str("module", "peersync").Err(err).Msg("dropping malformed sync message")
		return
	}
	// Warm-up is the only message a server handles from itself.
	if msg.From == e.settings.ServerID && msg.Type != TypeWarmup {
		return
	}

	switch msg.Type {
	case TypeWarmup:
		if msg.From != e.settings.ServerID {
			return
		}
		now := time.Now()
		e.state.Do(func(tx *app.Tx) { tx.Server.AddWarmupReceipt(now) })

	case TypeHeartbeat:
		var hb HeartbeatData
		if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.IP == "" {
			log.Debug().Str("module", "peersync").Str("peer", string(msg.From)).Msg("dropping malformed heartbeat")
			return
		}
		e.onHeartbeat(msg.From, hb)

	case TypeLoadRateLimits:
		go func() {
			if err := e.LoadRateLimits(e.ctx); err != nil {
				log.Error().Str("module", "peersync").Err(err).Msg("reload rate limiter settings")
			}
		}()

	default:
		log.Trace().Str("module", "peersync").Str("type", msg.Type).Msg("ignoring sync message")
	}
}

func (e *Engine) onHeartbeat(from domain.ServerID, hb HeartbeatData) {
	now := time.Now()
	peers := 0
	e.state.Do(func(tx *app.Tx) {
		_, added := tx.Server.RecordHeartbeat(from, hb.IP, hb.Port, now)
		peers = tx.Server.PeerCount()
		if !added {
			return
		}
		ctx, stop := context.WithCancel(e.ctx)
		tx.Server.SetPeerMonitor(from, stop)
		go e.monitor(ctx, from, net.JoinHostPort(hb.IP, strconv.Itoa(hb.Port)))
		log.Info().Str("module", "peersync").Str("peer", string(from)).Str("address", net.JoinHostPort(hb.IP, strconv.Itoa(hb.Port))).
			Int("servable", len(tx.Server.ServableRooms())).Msg("added peer")
	})
	e.metrics.SetPeers(peers)
}

// monitor watches one peer's heartbeats. Once they go quiet past the timeout
// and the peer fails a health probe, it is dropped and the monitor ends.
func (e *Engine) monitor(ctx context.Context, id domain.ServerID, addr string) {
	every := e.settings.HeartbeatTimeout / 8
	if every <= 0 {
		every = time.Second
	}
	log.Info().Str("module", "peersync").Str("peer", string(id)).Str("address", addr).Msg("starting peer monitor")

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "peersync").Str("peer", string(id)).Msg("peer monitor cancelled")
			return
		case <-t.C:
		}

		var last time.Time
		known := false
		e.state.Do(func(tx *app.Tx) {
			if p, ok := tx.Server.Peer(id); ok {
				last, known = p.LastHeartbeat, true
			}
		})
		if !known {
			return
		}
		if time.Since(last) <= e.settings.HeartbeatTimeout {
			continue
		}

		err := e.probe(ctx, addr, e.settings.MonitorProbeTimeout, true)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		log.Warn().Str("module", "peersync").Str("peer", string(id)).Err(err).Msg("health check failed after heartbeat timeout")
		e.removePeer(id)
		return
	}
}

func (e *Engine) removePeer(id domain.ServerID) {
	peers := 0
	e.state.Do(func(tx *app.Tx) {
		if tx.Server.RemovePeer(id) {
			log.Info().Str("module", "peersync").Str("peer", string(id)).
				Int("servable", len(tx.Server.ServableRooms())).Msg("removed peer")
		}
		peers = tx.Server.PeerCount()
	})
	e.metrics.SetPeers(peers)
}

// probe calls a server's health endpoint. With strict set, any status but
// 200 counts as a failure; otherwise only transport errors do.
func (e *Engine) probe(ctx context.Context, addr string, timeout time.Duration, strict bool) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+HealthPath, nil)
	if err != nil {
		return err
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if strict && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// WarmUp floods the topic with self-addressed warm-up messages until the
// receipt gaps show the subscription is delivering steadily.
func (e *Engine) WarmUp(ctx context.Context) error {
	every := e.settings.WarmupInterval
	if every <= 0 {
		every = 10 * time.Millisecond
	}
	start := time.Now()
	log.Info().Str("module", "peersync").Msg("starting sync channel warm-up")

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if err := e.publish(ctx, TypeWarmup, nil); err != nil {
			log.Error().Str("module", "peersync").Err(err).Msg("send warm-up message")
		}
		ready := false
		e.state.Do(func(tx *app.Tx) { ready = tx.Server.WarmupReady() })
		if ready {
			log.Info().Str("module", "peersync").Dur("took", time.Since(start)).Msg("sync channel warmed up")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Run drives the heartbeat sender, the subscription save loop and the dead
// peer scan until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	restarted := supervise.OnRestart(func(name string, _ error) { e.metrics.TaskRestarted(name) })

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervise.Run(ctx, "sync-heartbeat", e.every(e.settings.HeartbeatPeriod, e.SendHeartbeat), restarted)
	})
	g.Go(func() error {
		return supervise.Run(ctx, "subscription-save", e.every(e.settings.SavePeriod, e.SaveRecord), restarted)
	})
	g.Go(func() error {
		return supervise.Run(ctx, "dead-peer-scan", e.every(e.settings.DeadPeerScanPeriod, e.ScanDeadPeers), restarted)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// every runs fn now and then once per period. Errors are logged and the loop
// carries on.
func (e *Engine) every(period time.Duration, fn func(context.Context) error) supervise.Task {
	return func(ctx context.Context) error {
		if period <= 0 {
			return supervise.Permanent(errors.New("period must be positive"))
		}
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.Error().Str("module", "peersync").Err(err).Msg("periodic sync task failed")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
		}
	}
}

// SendHeartbeat announces this server's websocket address to its peers.
func (e *Engine) SendHeartbeat(ctx context.Context) error {
	if err := e.publish(ctx, TypeHeartbeat, HeartbeatData{IP: e.settings.IP, Port: e.settings.Port}); err != nil {
		return fmt.Errorf("send sync heartbeat: %w", err)
	}
	return nil
}

// SaveRecord persists this server's subscription record.
func (e *Engine) SaveRecord(ctx context.Context) error {
	rec := core.SubscriptionRecord{
		ServerID:         string(e.settings.ServerID),
		IP:               e.settings.IP,
		Port:             e.settings.Port,
		TopicName:        e.channel.TopicName(),
		SubscriptionName: e.SubscriptionName(),
		ClientCount:      e.clients(),
		TS:               time.Now(),
	}
	e.state.Do(func(tx *app.Tx) {
		rec.RoomsInUse = tx.Rooms.Count(fsm.Ready) + tx.Rooms.Count(fsm.RoomFull)
	})
	if err := e.records.UpsertSubscription(ctx, rec); err != nil {
		return fmt.Errorf("save subscription record: %w", err)
	}
	return nil
}

// ScanDeadPeers looks for the newest stale record on this topic and removes
// the dead server's subscription and record. A record whose server still
// answers and is still a known peer is left alone; an answering address that
// now belongs to another server does not save it.
func (e *Engine) ScanDeadPeers(ctx context.Context) error {
	recs, err := e.records.StaleSubscriptions(ctx, time.Now().Add(-e.settings.staleAfter()))
	if err != nil {
		return fmt.Errorf("query stale subscriptions: %w", err)
	}

	var rec *core.SubscriptionRecord
	for i := range recs {
		if recs[i].TopicName == e.channel.TopicName() {
			rec = &recs[i]
			break
		}
	}
	if rec == nil {
		return nil
	}
	if rec.ServerID == string(e.settings.ServerID) {
		log.Debug().Str("module", "peersync").Msg("not deleting own subscription record")
		return nil
	}

	addr := net.JoinHostPort(rec.IP, strconv.Itoa(rec.Port))
	log.Info().Str("module", "peersync").Str("peer", rec.ServerID).Str("address", addr).
		Time("ts", rec.TS).Msg("health-checking possibly dead peer")

	if err := e.probe(ctx, addr, e.settings.ScanProbeTimeout, false); err == nil {
		known := false
		e.state.Do(func(tx *app.Tx) {
			_, known = tx.Server.Peer(domain.ServerID(rec.ServerID))
		})
		if known {
			log.Debug().Str("module", "peersync").Str("peer", rec.ServerID).Msg("peer is alive, keeping its record")
			return nil
		}
		log.Info().Str("module", "peersync").Str("peer", rec.ServerID).Msg("address answers but server is not a peer, deleting old record")
	} else if ctx.Err() != nil {
		return ctx.Err()
	}

	err = e.channel.DeleteSubscription(ctx, rec.SubscriptionName)
	switch {
	case err == nil:
		log.Info().Str("module", "peersync").Str("subscription", rec.SubscriptionName).Msg("deleted dead peer subscription")
	case errors.Is(err, core.ErrSubscriptionNotFound):
		log.Warn().Str("module", "peersync").Str("subscription", rec.SubscriptionName).Msg("dead peer subscription already gone")
	default:
		return fmt.Errorf("delete subscription %s: %w", rec.SubscriptionName, err)
	}

	if err := e.records.DeleteSubscription(ctx, rec.ServerID); err != nil {
		return fmt.Errorf("delete record for %s: %w", rec.ServerID, err)
	}
	return nil
}

// LoadRateLimits applies the stored limiter settings for this environment.
// A missing record keeps the current settings.
func (e *Engine) LoadRateLimits(ctx context.Context) error {
	if len(e.limiters) != 2 {
		return nil
	}
	rec, err := e.records.LoadRateLimits(ctx, e.settings.Environment)
	if errors.Is(err, core.ErrNotFound) {
		log.Debug().Str("module", "peersync").Str("env", e.settings.Environment).Msg("no stored rate limiter settings")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load rate limiter settings: %w", err)
	}
	if rec.PerClientThreshold <= 0 || rec.PerClientTTL <= 0 || rec.PerTypeThreshold <= 0 || rec.PerTypeTTL <= 0 {
		log.Warn().Str("module", "peersync").Str("env", e.settings.Environment).Msg("discarding invalid rate limiter settings")
		return nil
	}
	e.limiters[0].SetOptions(rec.PerClientThreshold, rec.PerClientTTL)
	e.limiters[1].SetOptions(rec.PerTypeThreshold, rec.PerTypeTTL)
	return nil
}
