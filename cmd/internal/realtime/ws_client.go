package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/ids"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/metrics"
	v1 "github.com/RUNHUB2131/runhub-link-sub000/shared/contracts/push/v1"
)

// ErrWSClientClosed ends every channel of a WSClient that was closed or lost its connection.
var ErrWSClientClosed = errors.New("realtime: websocket client closed")

// WSClient is a push layer backed by one websocket connection to a WSGateway.
// Topics are multiplexed over the connection; losing it fails every open channel.
type WSClient struct {
	log     *slog.Logger
	conn    *websocket.Conn
	metrics *metrics.Metrics
	buffer  int

	SessionID string

	mu      sync.Mutex
	subs    map[string]*wsChannel
	pending map[string]chan error

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

// WSDialOptions configures DialWS.
type WSDialOptions struct {
	// PartyID is sent in hello. The gateway may override it from credentials.
	PartyID string
	// Header is sent with the upgrade request (Origin, Authorization).
	Header http.Header
	// Buffer is the per-channel event buffer.
	Buffer  int
	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// DialWS connects to a WSGateway and completes the hello handshake.
func DialWS(ctx context.Context, url string, opts WSDialOptions) (*WSClient, error) {
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}

	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   opts.Header,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("realtime: dial %s: %w", url, err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("realtime: unexpected subprotocol %q", sp)
	}
	conn.SetReadLimit(maxFrameBytes)

	c := &WSClient{
		log:     log,
		conn:    conn,
		metrics: opts.Metrics,
		buffer:  buffer,
		subs:    make(map[string]*wsChannel),
		pending: make(map[string]chan error),
		done:    make(chan struct{}),
	}

	if err := c.hello(ctx, opts.PartyID); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "hello failed")
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func (c *WSClient) hello(ctx context.Context, partyID string) error {
	if err := c.write(ctx, v1.TypeHello, v1.HelloPayload{PartyID: strings.TrimSpace(partyID)}); err != nil {
		return fmt.Errorf("realtime: hello: %w", err)
	}

	env, err := readEnvelope(ctx, c.conn)
	if err != nil {
		return fmt.Errorf("realtime: hello: %w", err)
	}
	switch env.Type {
	case v1.TypeHelloAck:
		var ack v1.HelloAckPayload
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			return fmt.Errorf("realtime: hello_ack: %w", err)
		}
		c.SessionID = ack.SessionID
		return nil
	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		return fmt.Errorf("realtime: hello rejected: %s: %s", p.Code, p.Message)
	default:
		return fmt.Errorf("realtime: hello: unexpected %q", env.Type)
	}
}

// Open subscribes to topic on the gateway and waits for the confirmation.
func (c *WSClient) Open(ctx context.Context, topic string) (Channel, error) {
	if _, err := v1.ParseTopic(topic); err != nil {
		return nil, err
	}

	result := make(chan error, 1)
	ch := &wsChannel{
		client: c,
		topic:  topic,
		events: make(chan v1.EventPayload, c.buffer),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, ErrWSClientClosed
	default:
	}
	if _, dup := c.subs[topic]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("realtime: topic %s already open", topic)
	}
	c.subs[topic] = ch
	c.pending[topic] = result
	c.mu.Unlock()

	fail := func(err error) (Channel, error) {
		c.mu.Lock()
		if c.subs[topic] == ch {
			delete(c.subs, topic)
		}
		delete(c.pending, topic)
		c.mu.Unlock()
		ch.finish(err)
		return nil, err
	}

	if err := c.write(ctx, v1.TypeSubscribe, v1.SubscribePayload{Topic: topic}); err != nil {
		return fail(fmt.Errorf("realtime: subscribe %s: %w", topic, err))
	}

	timer := time.NewTimer(subscribeTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		if err != nil {
			return fail(err)
		}
		return ch, nil
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-c.done:
		return fail(ErrWSClientClosed)
	case <-timer.C:
		return fail(fmt.Errorf("realtime: subscribe %s: timed out", topic))
	}
}

// Done is closed when the connection ends.
func (c *WSClient) Done() <-chan struct{} { return c.done }

// Close closes the connection and fails every open channel with ErrWSClientClosed.
func (c *WSClient) Close() error {
	c.shutdown(ErrWSClientClosed)
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (c *WSClient) shutdown(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		close(c.done)
		subs := c.subs
		c.subs = make(map[string]*wsChannel)
		c.pending = make(map[string]chan error)
		c.mu.Unlock()

		for _, ch := range subs {
			ch.finish(err)
		}
	})
}

func (c *WSClient) readLoop() {
	ctx := context.Background()
	for {
		env, err := readEnvelope(ctx, c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Error("ws.client.read.fail", "session_id", c.SessionID, "err", err)
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrWSClientClosed, err))
			return
		}

		switch env.Type {
		case v1.TypeSubscribed:
			var p v1.SubscribePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			c.resolve(p.Topic, nil)

		case v1.TypeEvent:
			var ev v1.EventPayload
			if err := json.Unmarshal(env.Payload, &ev); err != nil {
				c.metrics.EventInvalid("")
				c.log.Warn("ws.client.event.invalid", "session_id", c.SessionID, "err", err)
				continue
			}
			c.deliver(ev)

		case v1.TypeError:
			var p v1.ErrorPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			c.onError(p)
		}
	}
}

func (c *WSClient) resolve(topic string, err error) bool {
	c.mu.Lock()
	result, ok := c.pending[topic]
	delete(c.pending, topic)
	c.mu.Unlock()
	if ok {
		result <- err
	}
	return ok
}

func (c *WSClient) deliver(ev v1.EventPayload) {
	c.mu.Lock()
	ch := c.subs[ev.Topic]
	_, pending := c.pending[ev.Topic]
	c.mu.Unlock()
	if ch == nil || pending {
		return
	}

	select {
	case <-ch.done:
	case ch.events <- ev:
	default:
		c.metrics.EventDropped()
		c.log.Warn("ws.client.event.drop", "topic", ev.Topic, "kind", ev.Kind, "err", ErrSlowConsumer)
		ch.finish(ErrSlowConsumer)
	}
}

func (c *WSClient) onError(p v1.ErrorPayload) {
	err := fmt.Errorf("realtime: gateway: %s: %s", p.Code, p.Message)
	if p.Topic == "" {
		c.log.Warn("ws.client.gateway.error", "code", p.Code, "message", p.Message)
		return
	}
	if c.resolve(p.Topic, err) {
		return
	}

	// Failure of an active subscription.
	c.mu.Lock()
	ch := c.subs[p.Topic]
	delete(c.subs, p.Topic)
	c.mu.Unlock()
	if ch != nil {
		ch.finish(err)
	}
}

func (c *WSClient) write(ctx context.Context, typ string, payload any) error {
	env, err := v1.NewEnvelope(typ, ids.MustULID(time.Now()), time.Now().UTC(), payload)
	if err != nil {
		return err
	}
	return writeEnvelope(ctx, c.conn, env, wsDefaultWriteTimeout)
}

type wsChannel struct {
	client *WSClient
	topic  string
	events chan v1.EventPayload

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func (ch *wsChannel) Events() <-chan v1.EventPayload { return ch.events }
func (ch *wsChannel) Done() <-chan struct{}          { return ch.done }

func (ch *wsChannel) Err() error {
	select {
	case <-ch.done:
		return ch.err
	default:
		return nil
	}
}

// Close unsubscribes on the gateway (best effort) and signals Done.
func (ch *wsChannel) Close() error {
	c := ch.client

	c.mu.Lock()
	owned := c.subs[ch.topic] == ch
	if owned {
		delete(c.subs, ch.topic)
	}
	c.mu.Unlock()

	ch.finish(nil)

	if !owned {
		return nil
	}
	select {
	case <-c.done:
		return nil
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), wsDefaultWriteTimeout)
	defer cancel()
	return c.write(ctx, v1.TypeUnsubscribe, v1.SubscribePayload{Topic: ch.topic})
}

func (ch *wsChannel) finish(err error) {
	ch.doneOnce.Do(func() {
		ch.err = err
		close(ch.done)
	})
}
