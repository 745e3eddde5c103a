package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/chat"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/metrics"
	v1 "github.com/RUNHUB2131/runhub-link-sub000/shared/contracts/push/v1"
)

var (
	// ErrManagerClosed is returned by Subscribe* after Close.
	ErrManagerClosed = errors.New("realtime: manager closed")
	// errChannelEnded is recorded when a push channel ends without a cause.
	errChannelEnded = errors.New("realtime: channel ended")
)

// StateFunc observes channel state transitions.
type StateFunc func(topic string, state State, err error)

// Manager maps logical subscriptions onto push channels.
//
// There is at most one underlying channel per topic; listeners subscribing to the
// same topic share it and receive events in the channel's delivery order. The
// last Unsubscribe for a topic closes its channel.
type Manager struct {
	log     *slog.Logger
	push    PushLayer
	metrics *metrics.Metrics
	onState StateFunc

	mu       sync.Mutex
	channels map[string]*entry
	closed   bool
}

type entry struct {
	topic string
	scope v1.TopicScope

	// connected is closed once the open attempt completes; openErr is then set
	// when it failed.
	connected chan struct{}
	openErr   error

	// guarded by Manager.mu
	state     State
	err       error
	ch        Channel
	listeners []*Handle
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerMetrics records channel and event metrics on m.
func WithManagerMetrics(m *metrics.Metrics) ManagerOption {
	return func(mg *Manager) { mg.metrics = m }
}

// WithStateFunc observes channel state transitions.
func WithStateFunc(fn StateFunc) ManagerOption {
	return func(mg *Manager) { mg.onState = fn }
}

// NewManager constructs a Manager on top of push.
func NewManager(log *slog.Logger, push PushLayer, opts ...ManagerOption) *Manager {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	m := &Manager{
		log:      log,
		push:     push,
		channels: make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Handle is one registered listener. Close (or Manager.Unsubscribe) is idempotent.
type Handle struct {
	m     *Manager
	e     *entry
	topic string

	onMessage      func(chat.Message)
	onConversation func(chat.Conversation)

	closed atomic.Bool
	once   sync.Once
}

// Topic returns the topic key the handle listens on.
func (h *Handle) Topic() string {
	if h == nil {
		return ""
	}
	return h.topic
}

// State returns the state of the underlying channel, or StateClosed after Close.
func (h *Handle) State() State {
	if h == nil || h.closed.Load() {
		return StateClosed
	}
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.e.state
}

// Err returns the failure cause when State is StateFailed.
func (h *Handle) Err() error {
	if h == nil {
		return nil
	}
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.e.err
}

// Close unsubscribes the handle.
func (h *Handle) Close() {
	if h == nil {
		return
	}
	h.m.Unsubscribe(h)
}

// SubscribeToConversation delivers every message inserted into conversationID, by any party.
// Self-echoes are delivered; deduplication is the caller's job.
func (m *Manager) SubscribeToConversation(ctx context.Context, conversationID string, fn func(chat.Message)) (*Handle, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, errors.New("realtime: missing conversation_id")
	}
	return m.subscribe(ctx, v1.ConversationMessagesTopic(conversationID), &Handle{onMessage: fn})
}

// SubscribeToAllMessageInserts delivers message inserts in every conversation of partyID.
func (m *Manager) SubscribeToAllMessageInserts(ctx context.Context, partyID string, fn func(chat.Message)) (*Handle, error) {
	if strings.TrimSpace(partyID) == "" {
		return nil, errors.New("realtime: missing party_id")
	}
	return m.subscribe(ctx, v1.PartyMessagesTopic(partyID), &Handle{onMessage: fn})
}

// SubscribeToConversationUpdates delivers conversation updates visible to partyID.
func (m *Manager) SubscribeToConversationUpdates(ctx context.Context, partyID string, fn func(chat.Conversation)) (*Handle, error) {
	if strings.TrimSpace(partyID) == "" {
		return nil, errors.New("realtime: missing party_id")
	}
	return m.subscribe(ctx, v1.PartyConversationsTopic(partyID), &Handle{onConversation: fn})
}

// subscribe registers h on topic, opening the channel when h is its first listener.
// Later listeners of a channel that is still connecting wait for the open result.
// When opening fails, the returned handle reports StateFailed and the error is returned alongside it.
func (m *Manager) subscribe(ctx context.Context, topic string, h *Handle) (*Handle, error) {
	scope, err := v1.ParseTopic(topic)
	if err != nil {
		return nil, fmt.Errorf("realtime: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	e := m.channels[topic]
	created := e == nil
	if created {
		e = &entry{topic: topic, scope: scope, state: StateConnecting, connected: make(chan struct{})}
		m.channels[topic] = e
	}
	h.m, h.e, h.topic = m, e, topic
	e.listeners = append(e.listeners, h)
	m.mu.Unlock()

	m.metrics.ListenerAdded()
	if !created {
		return m.join(ctx, h)
	}

	m.notify(topic, StateConnecting, nil)

	ch, err := m.push.Open(ctx, topic)

	m.mu.Lock()
	defer close(e.connected)
	if err != nil {
		err = fmt.Errorf("realtime: subscribe %s: %w", topic, err)
		e.state, e.err, e.openErr = StateFailed, err, err
		if m.channels[topic] == e {
			delete(m.channels, topic)
		}
		m.mu.Unlock()

		m.metrics.ChannelFailed()
		m.log.Error("realtime.channel.fail", "topic", topic, "failure", chat.SubscriptionFailure, "err", err)
		m.notify(topic, StateFailed, err)
		return h, err
	}
	if m.closed || len(e.listeners) == 0 || m.channels[topic] != e {
		// Everyone left while the channel was connecting.
		e.state = StateClosed
		m.mu.Unlock()
		_ = ch.Close()
		return h, nil
	}
	e.ch, e.state = ch, StateActive
	m.mu.Unlock()

	m.metrics.ChannelOpened()
	m.log.Debug("realtime.channel.active", "topic", topic)
	m.notify(topic, StateActive, nil)

	go m.pump(e, ch)
	return h, nil
}

// join waits for the open attempt of h's channel and reports its failure.
func (m *Manager) join(ctx context.Context, h *Handle) (*Handle, error) {
	select {
	case <-h.e.connected:
	case <-ctx.Done():
		m.Unsubscribe(h)
		return nil, ctx.Err()
	}
	return h, h.e.openErr
}

// Unsubscribe removes h. It is safe to call multiple times and with a nil handle.
func (m *Manager) Unsubscribe(h *Handle) {
	if h == nil || h.m == nil {
		return
	}
	h.once.Do(func() {
		h.closed.Store(true)

		var toClose Channel

		m.mu.Lock()
		e := h.e
		for i, l := range e.listeners {
			if l == h {
				e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
				break
			}
		}
		if len(e.listeners) == 0 && m.channels[e.topic] == e {
			delete(m.channels, e.topic)
			if e.state == StateActive {
				toClose = e.ch
			}
			e.state = StateClosed
		}
		m.mu.Unlock()

		m.metrics.ListenerRemoved()

		if toClose != nil {
			_ = toClose.Close()
			m.metrics.ChannelClosed()
			m.log.Debug("realtime.channel.closed", "topic", e.topic)
			m.notify(e.topic, StateClosed, nil)
		}
	})
}

// Close closes every channel. Handles keep working as no-ops.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var chans []Channel
	for topic, e := range m.channels {
		if e.state == StateActive {
			chans = append(chans, e.ch)
			m.metrics.ChannelClosed()
		}
		e.state = StateClosed
		delete(m.channels, topic)
	}
	m.mu.Unlock()

	for _, ch := range chans {
		_ = ch.Close()
	}
	return nil
}

// Channels returns the number of registered topics (connecting or active).
func (m *Manager) Channels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// Listeners returns the number of listeners registered on topic.
func (m *Manager) Listeners(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.channels[topic]; e != nil {
		return len(e.listeners)
	}
	return 0
}

// pump delivers events of one channel sequentially, preserving channel order.
func (m *Manager) pump(e *entry, ch Channel) {
	for {
		select {
		case ev := <-ch.Events():
			m.dispatch(e, ev)

		case <-ch.Done():
			err := ch.Err()

			m.mu.Lock()
			if e.state == StateClosed {
				m.mu.Unlock()
				return
			}
			if err == nil {
				err = errChannelEnded
			}
			e.state, e.err = StateFailed, err
			if m.channels[e.topic] == e {
				delete(m.channels, e.topic)
			}
			m.mu.Unlock()

			// Release the failed channel's push-side resources.
			_ = ch.Close()
			m.metrics.ChannelClosed()
			m.metrics.ChannelFailed()
			m.log.Error("realtime.channel.fail", "topic", e.topic, "failure", chat.SubscriptionFailure, "err", err)
			m.notify(e.topic, StateFailed, err)
			return
		}
	}
}

func (m *Manager) dispatch(e *entry, ev v1.EventPayload) {
	if ev.Kind != e.scope.Kind {
		m.invalid(e, ev, fmt.Errorf("%w: unexpected kind %q", chat.ErrInvalidRecord, ev.Kind))
		return
	}

	var (
		msg  chat.Message
		conv chat.Conversation
		err  error
	)
	switch ev.Kind {
	case v1.KindMessageInserted:
		msg, err = DecodeMessage(ev.Record)
		if err == nil && e.scope.Conversation != "" && msg.ConversationID != e.scope.Conversation {
			err = fmt.Errorf("%w: conversation_id does not match topic", chat.ErrInvalidRecord)
		}
	case v1.KindConversationUpdated:
		conv, err = DecodeConversation(ev.Record)
		if err == nil && e.scope.Party != "" && !conv.HasParty(e.scope.Party) {
			err = fmt.Errorf("%w: party not in conversation", chat.ErrInvalidRecord)
		}
	}
	if err != nil {
		m.invalid(e, ev, err)
		return
	}

	m.mu.Lock()
	listeners := append([]*Handle(nil), e.listeners...)
	m.mu.Unlock()

	for _, h := range listeners {
		if h.closed.Load() {
			continue
		}
		switch {
		case h.onMessage != nil && ev.Kind == v1.KindMessageInserted:
			h.onMessage(msg)
		case h.onConversation != nil && ev.Kind == v1.KindConversationUpdated:
			h.onConversation(conv)
		}
	}
	m.metrics.EventDelivered(ev.Kind)
}

func (m *Manager) invalid(e *entry, ev v1.EventPayload, err error) {
	m.metrics.EventInvalid(ev.Kind)
	m.log.Warn("realtime.event.invalid", "topic", e.topic, "kind", ev.Kind, "err", err)
}

func (m *Manager) notify(topic string, s State, err error) {
	if m.onState != nil {
		m.onState(topic, s, err)
	}
}
