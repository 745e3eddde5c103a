package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/metrics"
	v1 "github.com/RUNHUB2131/runhub-link-sub000/shared/contracts/push/v1"
)

// ErrBrokerClosed is returned by Open after Close.
var ErrBrokerClosed = errors.New("realtime: broker closed")

// Broker is an in-process push layer: a topic-keyed fanout hub.
//
// Concurrency guarantees:
// - Open/Close of channels are safe under concurrent Publish.
// - Publish never blocks: a channel whose queue is full ends with ErrSlowConsumer.
// - Publish is panic-safe because channel event queues are never closed.
type Broker struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	buffer  int

	mu     sync.RWMutex
	topics map[string]map[*brokerChannel]struct{}
	closed bool
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBrokerBuffer sets the per-channel event buffer.
func WithBrokerBuffer(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithBrokerMetrics records drops on m.
func WithBrokerMetrics(m *metrics.Metrics) BrokerOption {
	return func(b *Broker) { b.metrics = m }
}

// NewBroker constructs a Broker.
func NewBroker(log *slog.Logger, opts ...BrokerOption) *Broker {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	b := &Broker{
		log:    log,
		buffer: defaultChannelBuffer,
		topics: make(map[string]map[*brokerChannel]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Open registers a new channel on topic.
func (b *Broker) Open(ctx context.Context, topic string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := v1.ParseTopic(topic); err != nil {
		return nil, err
	}

	ch := &brokerChannel{
		broker: b,
		topic:  topic,
		events: make(chan v1.EventPayload, b.buffer),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	group := b.topics[topic]
	if group == nil {
		group = make(map[*brokerChannel]struct{})
		b.topics[topic] = group
	}
	group[ch] = struct{}{}

	b.log.Debug("broker.channel.open", "topic", topic)
	return ch, nil
}

// Publish fans ev out to every channel open on topic.
// Non-blocking: a closing channel is skipped; a channel whose queue is full is
// ended with ErrSlowConsumer so its consumer learns it missed events.
func (b *Broker) Publish(_ context.Context, topic string, ev v1.EventPayload) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBrokerClosed
	}

	for ch := range b.topics[topic] {
		select {
		case <-ch.done:
			continue
		default:
		}

		select {
		case ch.events <- ev:
		default:
			// Fail the slow channel rather than block the whole topic.
			b.metrics.EventDropped()
			b.log.Warn("broker.event.drop", "topic", topic, "kind", ev.Kind, "err", ErrSlowConsumer)
			ch.finish(ErrSlowConsumer)
		}
	}
	return nil
}

// Close ends every open channel with ErrBrokerClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*brokerChannel
	for _, group := range b.topics {
		for ch := range group {
			all = append(all, ch)
		}
	}
	b.topics = make(map[string]map[*brokerChannel]struct{})
	b.mu.Unlock()

	for _, ch := range all {
		ch.finish(ErrBrokerClosed)
	}
	return nil
}

func (b *Broker) remove(ch *brokerChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	group := b.topics[ch.topic]
	delete(group, ch)
	if len(group) == 0 {
		delete(b.topics, ch.topic)
	}
}

type brokerChannel struct {
	broker *Broker
	topic  string
	events chan v1.EventPayload

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func (c *brokerChannel) Events() <-chan v1.EventPayload { return c.events }
func (c *brokerChannel) Done() <-chan struct{}          { return c.done }

func (c *brokerChannel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close removes the channel from its topic, then signals Done (idempotent).
// This ordering avoids race windows where a publisher still holds the channel while it shuts down.
func (c *brokerChannel) Close() error {
	c.broker.remove(c)
	c.finish(nil)
	return nil
}

func (c *brokerChannel) finish(err error) {
	c.doneOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Subscribers returns the number of channels open on topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
