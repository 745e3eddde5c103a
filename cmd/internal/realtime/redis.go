package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/metrics"
	v1 "github.com/RUNHUB2131/runhub-link-sub000/shared/contracts/push/v1"
)

// DefaultRedisPrefix namespaces runhub topics inside a shared Redis.
const DefaultRedisPrefix = "runhub:push:"

var errRedisSubscriptionClosed = errors.New("realtime: redis subscription closed")

// RedisBroker is a cross-process push layer over Redis pub/sub.
// Each Open creates one Redis subscription; Publish fans out through PUBLISH.
type RedisBroker struct {
	log     *slog.Logger
	rdb     redis.UniversalClient
	prefix  string
	buffer  int
	metrics *metrics.Metrics
}

// RedisOption configures a RedisBroker.
type RedisOption func(*RedisBroker)

// WithRedisPrefix overrides DefaultRedisPrefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(b *RedisBroker) {
		if p := strings.TrimSpace(prefix); p != "" {
			b.prefix = p
		}
	}
}

// WithRedisBuffer sets the per-channel event buffer.
func WithRedisBuffer(n int) RedisOption {
	return func(b *RedisBroker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithRedisMetrics records drops and malformed frames on m.
func WithRedisMetrics(m *metrics.Metrics) RedisOption {
	return func(b *RedisBroker) { b.metrics = m }
}

// NewRedisBroker constructs a RedisBroker. The client is owned by the caller.
func NewRedisBroker(log *slog.Logger, rdb redis.UniversalClient, opts ...RedisOption) (*RedisBroker, error) {
	if rdb == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	b := &RedisBroker{
		log:    log,
		rdb:    rdb,
		prefix: DefaultRedisPrefix,
		buffer: defaultChannelBuffer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

// Publish sends ev to every subscriber of topic across processes.
func (b *RedisBroker) Publish(ctx context.Context, topic string, ev v1.EventPayload) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("realtime: encode event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.prefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("realtime: redis publish %s: %w", topic, err)
	}
	return nil
}

// Open subscribes to topic and waits for Redis to confirm the subscription.
func (b *RedisBroker) Open(ctx context.Context, topic string) (Channel, error) {
	if _, err := v1.ParseTopic(topic); err != nil {
		return nil, err
	}

	ps := b.rdb.Subscribe(ctx, b.prefix+topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("realtime: redis subscribe %s: %w", topic, err)
	}

	ch := &redisChannel{
		broker: b,
		topic:  topic,
		ps:     ps,
		events: make(chan v1.EventPayload, b.buffer),
		done:   make(chan struct{}),
	}
	go ch.run(ps.Channel(redis.WithChannelSize(b.buffer)))

	b.log.Debug("redis.channel.open", "topic", topic)
	return ch, nil
}

type redisChannel struct {
	broker *RedisBroker
	topic  string
	ps     *redis.PubSub
	events chan v1.EventPayload

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func (c *redisChannel) Events() <-chan v1.EventPayload { return c.events }
func (c *redisChannel) Done() <-chan struct{}          { return c.done }

func (c *redisChannel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close signals Done first so the reader does not report the subscription teardown as a failure.
func (c *redisChannel) Close() error {
	c.finish(nil)
	return c.ps.Close()
}

func (c *redisChannel) finish(err error) {
	c.doneOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *redisChannel) run(msgs <-chan *redis.Message) {
	log := c.broker.log
	for {
		select {
		case <-c.done:
			return
		case m, ok := <-msgs:
			if !ok {
				c.finish(errRedisSubscriptionClosed)
				return
			}

			var ev v1.EventPayload
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				c.broker.metrics.EventInvalid("")
				log.Warn("redis.event.invalid", "topic", c.topic, "err", err)
				continue
			}

			select {
			case c.events <- ev:
			default:
				c.broker.metrics.EventDropped()
				log.Warn("redis.event.drop", "topic", c.topic, "kind", ev.Kind, "err", ErrSlowConsumer)
				c.finish(ErrSlowConsumer)
				return
			}
		}
	}
}
