// Package natsync carries the server sync topic over NATS JetStream. Each
// server reads through its own durable consumer so a peer can remove the
// consumer of a server that died.
package natsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/soundrooms/internal/core"
)

// Sync messages are only useful for a few heartbeat periods.
const messageMaxAge = time.Minute

type Channel struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	topic  string
	stream string

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

var _ core.SyncChannel = (*Channel)(nil)

// streamName derives a valid stream name from the topic.
func streamName(topic string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return strings.ToUpper(r.Replace(topic))
}

// Dial connects to NATS and makes sure the topic's stream exists.
func Dial(url, topic string) (*Channel, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("soundrooms"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Str("module", "natsync").Err(err).Msg("disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("module", "natsync").Str("url", c.ConnectedUrl()).Msg("reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	c := &Channel{conn: conn, js: js, topic: topic, stream: streamName(topic), subs: make(map[string]*nats.Subscription)}
	if err := c.initStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Channel) initStream() error {
	cfg := &nats.StreamConfig{
		Name:     c.stream,
		Subjects: []string{c.topic},
		Storage:  nats.MemoryStorage,
		MaxAge:   messageMaxAge,
		Replicas: 1,
	}
	_, err := c.js.StreamInfo(c.stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := c.js.AddStream(cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", c.stream, err)
		}
		log.Info().Str("module", "natsync").Str("stream", c.stream).Msg("created sync stream")
		return nil
	}
	if err != nil {
		return fmt.Errorf("stream info %s: %w", c.stream, err)
	}
	if _, err := c.js.UpdateStream(cfg); err != nil {
		return fmt.Errorf("update stream %s: %w", c.stream, err)
	}
	return nil
}

func (c *Channel) TopicName() string { return c.topic }

func (c *Channel) Publish(ctx context.Context, data []byte) error {
	if _, err := c.js.Publish(c.topic, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish to %s: %w", c.topic, err)
	}
	return nil
}

// Subscribe attaches a durable consumer called name that only sees messages
// published from now on.
func (c *Channel) Subscribe(name string, handler func(data []byte)) error {
	sub, err := c.js.Subscribe(c.topic, func(m *nats.Msg) {
		handler(m.Data)
		_ = m.Ack()
	},
		nats.Durable(name),
		nats.DeliverNew(),
		nats.ManualAck(),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", name, err)
	}
	c.mu.Lock()
	c.subs[name] = sub
	c.mu.Unlock()
	return nil
}

// DeleteSubscription removes the durable consumer name, whichever server
// created it.
func (c *Channel) DeleteSubscription(ctx context.Context, name string) error {
	c.mu.Lock()
	sub, own := c.subs[name]
	delete(c.subs, name)
	c.mu.Unlock()
	if own {
		_ = sub.Unsubscribe()
	}

	err := c.js.DeleteConsumer(c.stream, name, nats.Context(ctx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrConsumerNotFound):
		if own {
			return nil
		}
		return core.ErrSubscriptionNotFound
	default:
		return fmt.Errorf("delete consumer %s: %w", name, err)
	}
}

func (c *Channel) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()

	var errs []error
	for name, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", name, err))
		}
	}
	c.conn.Close()
	return errors.Join(errs...)
}
