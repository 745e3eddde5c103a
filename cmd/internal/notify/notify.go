// Package notify is the chat core's side of the notification feed: it tells the
// feed that the notifications of an application are consumed once the party has
// opened and read its conversation. Notification state itself lives elsewhere.
package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Bridge marks the notifications of an application consumed for a party.
// Implementations must be idempotent.
type Bridge interface {
	MarkConsumed(ctx context.Context, applicationID, partyID string) error
}

var errMissingIDs = errors.New("notify: missing application_id or party_id")

func validate(applicationID, partyID string) error {
	if strings.TrimSpace(applicationID) == "" || strings.TrimSpace(partyID) == "" {
		return errMissingIDs
	}
	return nil
}

// Nop discards every call.
type Nop struct{}

func (Nop) MarkConsumed(context.Context, string, string) error { return nil }

// Consumed is one recorded MarkConsumed call.
type Consumed struct {
	ApplicationID string
	PartyID       string
}

// Recorder is an in-memory Bridge for dev and tests.
type Recorder struct {
	mu    sync.Mutex
	calls []Consumed
	err   error
}

// NewRecorder constructs an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// FailWith makes subsequent calls return err (nil restores success).
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Recorder) MarkConsumed(ctx context.Context, applicationID, partyID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(applicationID, partyID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, Consumed{ApplicationID: applicationID, PartyID: partyID})
	return nil
}

// Calls returns a copy of the recorded calls in order.
func (r *Recorder) Calls() []Consumed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Consumed(nil), r.calls...)
}

var (
	_ Bridge = Nop{}
	_ Bridge = (*Recorder)(nil)
)
