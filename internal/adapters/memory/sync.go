// Package memory holds in-process implementations of the sync channel and
// record store, for single-node runs and tests.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/soundrooms/internal/core"
)

const subscriptionBuffer = 256

// Hub connects every Channel created from it. Each topic fans messages out to
// all of its named subscriptions.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[string]*subscription
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[string]*subscription)}
}

type subscription struct {
	name    string
	queue   chan []byte
	done    chan struct{}
	stopped sync.Once
}

func (s *subscription) stop() {
	s.stopped.Do(func() { close(s.done) })
}

// run delivers queued messages in publish order.
func (s *subscription) run(handler func([]byte)) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			handler(msg)
		}
	}
}

// Channel returns a SyncChannel on topic.
func (h *Hub) Channel(topic string) *Channel {
	return &Channel{hub: h, topic: topic}
}

// Subscriptions lists the subscription names on topic.
func (h *Hub) Subscriptions(topic string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.topics[topic]))
	for name := range h.topics[topic] {
		out = append(out, name)
	}
	return out
}

type Channel struct {
	hub   *Hub
	topic string

	mu    sync.Mutex
	owned []string
}

var _ core.SyncChannel = (*Channel)(nil)

func (c *Channel) TopicName() string { return c.topic }

func (c *Channel) Publish(_ context.Context, data []byte) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	for _, sub := range c.hub.topics[c.topic] {
		msg := append([]byte(nil), data...)
		select {
		case sub.queue <- msg:
		default:
			log.Warn().Str("module", "memory.sync").Str("subscription", sub.name).Msg("subscription queue full, dropping message")
		}
	}
	return nil
}

func (c *Channel) Subscribe(name string, handler func(data []byte)) error {
	c.hub.mu.Lock()
	subs, ok := c.hub.topics[c.topic]
	if !ok {
		subs = make(map[string]*subscription)
		c.hub.topics[c.topic] = subs
	}
	if old, exists := subs[name]; exists {
		old.stop()
	}
	sub := &subscription{
		name:  name,
		queue: make(chan []byte, subscriptionBuffer),
		done:  make(chan struct{}),
	}
	subs[name] = sub
	c.hub.mu.Unlock()

	c.mu.Lock()
	c.owned = append(c.owned, name)
	c.mu.Unlock()

	go sub.run(handler)
	return nil
}

func (c *Channel) DeleteSubscription(_ context.Context, name string) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	sub, ok := c.hub.topics[c.topic][name]
	if !ok {
		return core.ErrSubscriptionNotFound
	}
	sub.stop()
	delete(c.hub.topics[c.topic], name)
	return nil
}

// Close stops this channel's own subscriptions.
func (c *Channel) Close() error {
	c.mu.Lock()
	owned := c.owned
	c.owned = nil
	c.mu.Unlock()

	var errs []error
	for _, name := range owned {
		err := c.DeleteSubscription(context.Background(), name)
		if err != nil && !errors.Is(err, core.ErrSubscriptionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
