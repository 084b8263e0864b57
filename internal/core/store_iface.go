package core

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// SubscriptionRecord is what each server periodically persists about itself
// so peers can find and clean up after it once it dies.
type SubscriptionRecord struct {
	ServerID         string    `json:"serverId"`
	IP               string    `json:"ip"`
	Port             int       `json:"port"`
	TopicName        string    `json:"topicName"`
	SubscriptionName string    `json:"subscriptionName"`
	ClientCount      int       `json:"clientCount"`
	RoomsInUse       int       `json:"roomsInUse"`
	TS               time.Time `json:"ts"`
}

// RateLimitRecord holds per-environment limiter settings.
type RateLimitRecord struct {
	EnvironmentName    string
	PerClientThreshold int
	PerClientTTL       time.Duration
	PerTypeThreshold   int
	PerTypeTTL         time.Duration
}

type RecordStore interface {
	UpsertSubscription(ctx context.Context, rec SubscriptionRecord) error
	// StaleSubscriptions returns records older than olderThan, newest first.
	StaleSubscriptions(ctx context.Context, olderThan time.Time) ([]SubscriptionRecord, error)
	DeleteSubscription(ctx context.Context, serverID string) error
	// LoadRateLimits returns ErrNotFound when nothing is stored for env.
	LoadRateLimits(ctx context.Context, env string) (RateLimitRecord, error)
}

// BlobStore is a read-only object store.
type BlobStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}
