// Package redisstore keeps subscription records and rate limiter settings in
// Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/soundrooms/internal/core"
)

const (
	subscriptionIndex = "soundrooms:subscriptions"
	subscriptionKey   = "soundrooms:subscription:"
	rateLimitKey      = "soundrooms:ratelimit:"
)

// Rate limiter record fields.
const (
	fieldPerClientThreshold = "perClient_threshold"
	fieldPerClientTTL       = "perClient_ttl_millisec"
	fieldPerTypeThreshold   = "perMsgType_threshold"
	fieldPerTypeTTL         = "perMsgType_ttl_millisec"
)

var ErrInvalidRecord = errors.New("invalid record")

type Store struct {
	rdb *redis.Client
}

var _ core.RecordStore = (*Store)(nil)

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Dial opens a client and checks the connection.
func Dial(ctx context.Context, addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return New(rdb), nil
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) UpsertSubscription(ctx context.Context, rec core.SubscriptionRecord) error {
	key := subscriptionKey + rec.ServerID
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"serverId", rec.ServerID,
			"ip", rec.IP,
			"port", rec.Port,
			"topicName", rec.TopicName,
			"subscriptionName", rec.SubscriptionName,
			"clientCount", rec.ClientCount,
			"roomsInUse", rec.RoomsInUse,
			"ts", rec.TS.UnixMilli(),
		)
		p.ZAdd(ctx, subscriptionIndex, redis.Z{Score: float64(rec.TS.UnixMilli()), Member: rec.ServerID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert subscription %s: %w", rec.ServerID, err)
	}
	return nil
}

func (s *Store) StaleSubscriptions(ctx context.Context, olderThan time.Time) ([]core.SubscriptionRecord, error) {
	ids, err := s.rdb.ZRevRangeByScore(ctx, subscriptionIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(olderThan.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query stale subscriptions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, subscriptionKey+id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load stale subscriptions: %w", err)
	}

	out := make([]core.SubscriptionRecord, 0, len(ids))
	for i, cmd := range cmds {
		rec, err := parseSubscription(cmd.Val())
		if err != nil {
			log.Warn().Str("module", "redisstore").Str("server", ids[i]).Err(err).Msg("skipping unreadable subscription record")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func parseSubscription(m map[string]string) (core.SubscriptionRecord, error) {
	if len(m) == 0 {
		return core.SubscriptionRecord{}, fmt.Errorf("%w: empty", ErrInvalidRecord)
	}
	port, err1 := strconv.Atoi(m["port"])
	clients, err2 := strconv.Atoi(m["clientCount"])
	rooms, err3 := strconv.Atoi(m["roomsInUse"])
	ts, err4 := strconv.ParseInt(m["ts"], 10, 64)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return core.SubscriptionRecord{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return core.SubscriptionRecord{
		ServerID:         m["serverId"],
		IP:               m["ip"],
		Port:             port,
		TopicName:        m["topicName"],
		SubscriptionName: m["subscriptionName"],
		ClientCount:      clients,
		RoomsInUse:       rooms,
		TS:               time.UnixMilli(ts),
	}, nil
}

func (s *Store) DeleteSubscription(ctx context.Context, serverID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, subscriptionKey+serverID)
		p.ZRem(ctx, subscriptionIndex, serverID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete subscription %s: %w", serverID, err)
	}
	return nil
}

// LoadRateLimits reads the limiter settings for env. A field that is not a
// number invalidates the whole record.
func (s *Store) LoadRateLimits(ctx context.Context, env string) (core.RateLimitRecord, error) {
	m, err := s.rdb.HGetAll(ctx, rateLimitKey+env).Result()
	if err != nil {
		return core.RateLimitRecord{}, fmt.Errorf("load rate limits for %s: %w", env, err)
	}
	if len(m) == 0 {
		return core.RateLimitRecord{}, core.ErrNotFound
	}

	var vals [4]int
	for i, f := range []string{fieldPerClientThreshold, fieldPerClientTTL, fieldPerTypeThreshold, fieldPerTypeTTL} {
		v, err := strconv.Atoi(m[f])
		if err != nil {
			return core.RateLimitRecord{}, fmt.Errorf("%w: rate limits for %s: field %s is %q", ErrInvalidRecord, env, f, m[f])
		}
		vals[i] = v
	}
	return core.RateLimitRecord{
		EnvironmentName:    env,
		PerClientThreshold: vals[0],
		PerClientTTL:       time.Duration(vals[1]) * time.Millisecond,
		PerTypeThreshold:   vals[2],
		PerTypeTTL:         time.Duration(vals[3]) * time.Millisecond,
	}, nil
}

// SaveRateLimits stores limiter settings for rec.EnvironmentName.
func (s *Store) SaveRateLimits(ctx context.Context, rec core.RateLimitRecord) error {
	err := s.rdb.HSet(ctx, rateLimitKey+rec.EnvironmentName,
		fieldPerClientThreshold, rec.PerClientThreshold,
		fieldPerClientTTL, rec.PerClientTTL.Milliseconds(),
		fieldPerTypeThreshold, rec.PerTypeThreshold,
		fieldPerTypeTTL, rec.PerTypeTTL.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("save rate limits for %s: %w", rec.EnvironmentName, err)
	}
	return nil
}
