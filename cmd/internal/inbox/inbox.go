// Package inbox maintains the ordered conversation list of one signed-in party.
//
// Message inserts for known conversations are applied locally (updated_at and
// unread counter); anything else, an unknown conversation or a conversation
// update such as a read mark, triggers a full reload so unread counts stay
// authoritative.
//
// Inserts that arrive during a load are buffered and replayed onto the fetched
// list. Creation timestamps strictly increase within a conversation and the
// store bumps updated_at in the same commit, so an insert at or before an
// entry's UpdatedAt is already reflected in it and is skipped.
package inbox

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/chat"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/metrics"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/realtime"
)

// State of an Aggregator.
type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateClosed  State = "closed"
)

// ErrClosed is returned by Reload after Close.
var ErrClosed = errors.New("inbox: closed")

const reloadTimeout = 15 * time.Second

// Reload reasons, as recorded in metrics.
const (
	reasonOpen    = "open"
	reasonManual  = "manual"
	reasonUnknown = "unknown_conversation"
	reasonUpdated = "conversation_updated"
	reasonDirty   = "dirty"
)

// Gateway is the subset of store.Gateway the Aggregator uses.
type Gateway interface {
	ListConversations(ctx context.Context, viewer chat.Viewer) ([]chat.Conversation, error)
}

// Subscriber opens the party-scoped subscriptions.
type Subscriber interface {
	SubscribeToAllMessageInserts(ctx context.Context, partyID string, fn func(chat.Message)) (*realtime.Handle, error)
	SubscribeToConversationUpdates(ctx context.Context, partyID string, fn func(chat.Conversation)) (*realtime.Handle, error)
}

// Deps are the collaborators of an Aggregator.
type Deps struct {
	Store    Gateway
	Channels Subscriber
	Log      *slog.Logger
	Metrics  *metrics.Metrics
}

// Snapshot is a consistent copy of the list state.
type Snapshot struct {
	State         State
	Loading       bool
	Conversations []chat.Conversation
	LoadErr       error
	SubscribeErr  error
}

// Aggregator is the live conversation list of one viewer.
type Aggregator struct {
	deps   Deps
	log    *slog.Logger
	viewer chat.Viewer

	mu    sync.Mutex
	state State
	convs []chat.Conversation
	// pending holds inserts received while loading.
	pending []chat.Message
	loading bool
	// dirty requests one follow-up reload once the running load is applied.
	dirty   bool
	loadErr error
	subErr  error
	handles []*realtime.Handle

	changed chan struct{}
}

// Open subscribes to the viewer's inserts and updates, then loads the list.
// Load and subscription failures are reported through Snapshot, not as errors.
func Open(ctx context.Context, deps Deps, viewer chat.Viewer) (*Aggregator, error) {
	switch {
	case deps.Store == nil || deps.Channels == nil:
		return nil, errors.New("inbox: missing store or channels")
	case strings.TrimSpace(viewer.ID) == "" || !viewer.Role.Valid():
		return nil, errors.New("inbox: invalid viewer")
	}
	log := deps.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	a := &Aggregator{
		deps:    deps,
		log:     log.With("viewer_id", viewer.ID),
		viewer:  viewer,
		state:   StateLoading,
		loading: true,
		changed: make(chan struct{}, 1),
	}

	// Subscribe first: inserts that race the initial load are replayed onto it.
	var subErrs []error
	if h, err := deps.Channels.SubscribeToAllMessageInserts(ctx, viewer.ID, a.onInsert); err != nil {
		subErrs = append(subErrs, err)
	} else {
		a.handles = append(a.handles, h)
	}
	if h, err := deps.Channels.SubscribeToConversationUpdates(ctx, viewer.ID, a.onUpdate); err != nil {
		subErrs = append(subErrs, err)
	} else {
		a.handles = append(a.handles, h)
	}
	if err := errors.Join(subErrs...); err != nil {
		a.subErr = err
		a.log.Error("inbox.subscribe.fail", "failure", chat.SubscriptionFailure, "err", err)
	}

	if err := ctx.Err(); err != nil {
		a.Close()
		return nil, err
	}

	_ = a.load(ctx, reasonOpen)
	return a, nil
}

// Reload refetches the full list.
func (a *Aggregator) Reload(ctx context.Context) error {
	a.mu.Lock()
	switch {
	case a.state == StateClosed:
		a.mu.Unlock()
		return ErrClosed
	case a.loading:
		// The running load picks this up.
		a.dirty = true
		a.mu.Unlock()
		return nil
	}
	a.loading = true
	a.mu.Unlock()
	a.notify()

	return a.load(ctx, reasonManual)
}

// load runs with a.loading set. It fetches once, applies the result with the
// inserts buffered meanwhile, and starts a single follow-up load when a reload
// was requested during the fetch.
func (a *Aggregator) load(ctx context.Context, reason string) error {
	a.deps.Metrics.ListReload(reason)
	convs, err := a.deps.Store.ListConversations(ctx, a.viewer)

	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return ErrClosed
	}
	pending := a.pending
	a.pending = nil
	again := a.dirty
	a.dirty = false

	if err != nil {
		// Keep the previous list, brought up to date with what arrived meanwhile.
		for _, m := range pending {
			a.applyLocked(m)
		}
		a.loadErr = err
		a.loading = false
		a.state = StateReady
		a.mu.Unlock()
		a.notify()
		a.log.Error("inbox.load.fail", "failure", chat.LoadFailure, "reason", reason, "err", err)
		return err
	}

	a.convs = convs
	chat.SortConversations(a.convs)
	for _, m := range pending {
		if !a.applyLocked(m) {
			again = true
		}
	}
	a.loadErr = nil
	a.loading = again
	a.state = StateReady
	a.mu.Unlock()
	a.notify()

	if again {
		go a.background(reasonDirty)
	}
	return nil
}

func (a *Aggregator) reloadAsync(reason string) {
	a.mu.Lock()
	switch {
	case a.state == StateClosed:
		a.mu.Unlock()
		return
	case a.loading:
		a.dirty = true
		a.mu.Unlock()
		return
	}
	a.loading = true
	a.mu.Unlock()
	a.notify()

	go a.background(reason)
}

func (a *Aggregator) background(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()
	_ = a.load(ctx, reason)
}

func (a *Aggregator) onInsert(m chat.Message) {
	a.mu.Lock()
	switch {
	case a.state == StateClosed:
		a.mu.Unlock()
		return
	case a.loading:
		a.pending = append(a.pending, m)
		a.mu.Unlock()
		return
	}

	known := a.applyLocked(m)
	a.mu.Unlock()
	if !known {
		a.reloadAsync(reasonUnknown)
		return
	}
	a.notify()
}

// applyLocked applies one insert to the list. It reports false when the
// conversation is not in the list.
func (a *Aggregator) applyLocked(m chat.Message) bool {
	i := a.indexLocked(m.ConversationID)
	if i < 0 {
		return false
	}
	c := &a.convs[i]
	if !m.CreatedAt.After(c.UpdatedAt) {
		// Already counted, or a duplicate delivery.
		return true
	}
	c.UpdatedAt = m.CreatedAt
	if m.SenderID != a.viewer.ID {
		c.UnreadCount++
	}
	chat.SortConversations(a.convs)
	return true
}

func (a *Aggregator) onUpdate(c chat.Conversation) {
	if !c.HasParty(a.viewer.ID) {
		return
	}
	a.reloadAsync(reasonUpdated)
}

func (a *Aggregator) indexLocked(conversationID string) int {
	for i := range a.convs {
		if a.convs[i].ID == conversationID {
			return i
		}
	}
	return -1
}

// Snapshot returns a copy of the list state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		State:         a.state,
		Loading:       a.loading,
		Conversations: append([]chat.Conversation(nil), a.convs...),
		LoadErr:       a.loadErr,
		SubscribeErr:  a.subErr,
	}
}

// Changed receives a value after state changes. Notifications coalesce.
func (a *Aggregator) Changed() <-chan struct{} { return a.changed }

// Close unsubscribes both subscriptions. Loads in flight complete without effect.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return
	}
	a.state = StateClosed
	a.convs, a.pending = nil, nil
	handles := a.handles
	a.handles = nil
	a.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
	a.notify()
}

func (a *Aggregator) notify() {
	select {
	case a.changed <- struct{}{}:
	default:
	}
}
