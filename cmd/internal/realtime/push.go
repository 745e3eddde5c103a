// Package realtime contains runhub's realtime channel manager, the push layers it
// runs on (in-process broker, Redis pub/sub, websocket client), and the websocket
// push gateway that exposes a push layer to remote sessions.
package realtime

import (
	"context"
	"errors"

	v1 "github.com/RUNHUB2131/runhub-link-sub000/shared/contracts/push/v1"
)

// State is the connection state of one underlying push channel.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateFailed     State = "failed"
	StateClosed     State = "closed"
)

// ErrSlowConsumer ends a channel whose event queue overflowed.
// The consumer has missed events and must resubscribe or reload.
var ErrSlowConsumer = errors.New("realtime: slow consumer")

// Channel is one underlying push subscription for a topic.
//
// Events is never closed by the producer; Done is closed when the channel ends,
// after which Err reports the failure cause (nil after a normal Close).
// A channel never drops an event silently: when its queue is full it ends with
// ErrSlowConsumer.
type Channel interface {
	Events() <-chan v1.EventPayload
	Done() <-chan struct{}
	Err() error
	Close() error
}

// PushLayer opens push channels keyed by topic.
type PushLayer interface {
	Open(ctx context.Context, topic string) (Channel, error)
}
