package core

import (
	"context"
	"errors"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

// SyncChannel is the cross-server gossip topic. Delivery is at-least-once
// with per-sender ordering; every subscriber receives every message,
// including its own.
type SyncChannel interface {
	Publish(ctx context.Context, data []byte) error
	// Subscribe creates (or resumes) the named subscription and feeds every
	// message to handler until Close.
	Subscribe(name string, handler func(data []byte)) error
	// DeleteSubscription removes another server's subscription resources.
	DeleteSubscription(ctx context.Context, name string) error
	TopicName() string
	Close() error
}
