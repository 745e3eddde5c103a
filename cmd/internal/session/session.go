// Package session implements one open conversation: loading, optimistic sends
// reconciled against the store, and merging of realtime inserts.
//
// A Session is safe for concurrent use. The optimistic-to-authoritative swap and
// the dedup of inbound inserts run under one lock, so a message is visible exactly
// once whichever of the persist result and its realtime echo lands first.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/chat"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/ids"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/metrics"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/notify"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/realtime"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/store"
)

// State of a Session.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateClosed  State = "closed"
)

var (
	ErrClosed       = errors.New("session: closed")
	ErrNotReady     = errors.New("session: not ready")
	ErrSendInFlight = errors.New("session: send already in flight")
	ErrSendFailed   = errors.New("session: send failed")
)

// Best-effort read marks outlive the call that triggered them, bounded by this.
const backgroundTimeout = 10 * time.Second

// Gateway is the subset of store.Gateway a Session uses.
type Gateway interface {
	FetchConversation(ctx context.Context, conversationID string) (chat.Conversation, error)
	FetchMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	PersistMessage(ctx context.Context, in store.PersistInput) (chat.Message, error)
	MarkRead(ctx context.Context, conversationID, viewerID string) (bool, error)
}

// Subscriber opens the realtime subscription of a conversation.
type Subscriber interface {
	SubscribeToConversation(ctx context.Context, conversationID string, fn func(chat.Message)) (*realtime.Handle, error)
}

// Deps are the collaborators of a Session.
type Deps struct {
	Store    Gateway
	Channels Subscriber
	// Bridge defaults to notify.Nop.
	Bridge  notify.Bridge
	Log     *slog.Logger
	Metrics *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// Snapshot is a consistent copy of a Session's visible state.
type Snapshot struct {
	State        State
	Sending      bool
	Conversation chat.Conversation
	Messages     []chat.Message
	// LoadErr is set when the initial load (or the last Reload) failed.
	LoadErr error
	// SubscribeErr is set when the realtime subscription could not be opened.
	SubscribeErr error
}

// Session is one open conversation for one viewer.
type Session struct {
	deps           Deps
	log            *slog.Logger
	viewer         chat.Viewer
	conversationID string

	mu       sync.Mutex
	state    State
	sending  bool
	conv     chat.Conversation
	msgs     []chat.Message
	buffered []chat.Message
	loadErr  error
	subErr   error
	handle   *realtime.Handle

	// bg scopes best-effort side effects; Close cancels it.
	bg     context.Context
	stopBG context.CancelFunc

	changed chan struct{}
}

// Open loads conversationID for viewer and subscribes to its inserts.
//
// Metadata, history and the subscription are started concurrently. The first
// load failure cancels the other fetch. Load failures do not fail Open: the
// session becomes Ready with an empty sequence and Snapshot().LoadErr set.
// Open fails only on invalid arguments or when ctx ends.
//
// Open also waits for the subscription attempt, so an insert committed after
// Open returns is delivered (or SubscribeErr is set). Inserts that arrive while
// loading are buffered and merged on top of the history.
func Open(ctx context.Context, deps Deps, viewer chat.Viewer, conversationID string) (*Session, error) {
	conversationID = strings.TrimSpace(conversationID)
	switch {
	case deps.Store == nil || deps.Channels == nil:
		return nil, errors.New("session: missing store or channels")
	case strings.TrimSpace(viewer.ID) == "" || !viewer.Role.Valid():
		return nil, errors.New("session: invalid viewer")
	case conversationID == "":
		return nil, errors.New("session: missing conversation_id")
	}
	if deps.Bridge == nil {
		deps.Bridge = notify.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	log := deps.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	bg, stopBG := context.WithCancel(context.Background())
	s := &Session{
		bg:             bg,
		stopBG:         stopBG,
		deps:           deps,
		log:            log.With("conversation_id", conversationID, "viewer_id", viewer.ID),
		viewer:         viewer,
		conversationID: conversationID,
		state:          StateIdle,
		changed:        make(chan struct{}, 1),
	}
	s.setState(StateLoading)

	var (
		conv    chat.Conversation
		history []chat.Message
		handle  *realtime.Handle
		subErr  error
	)
	subscribed := make(chan struct{})
	go func() {
		defer close(subscribed)
		handle, subErr = deps.Channels.SubscribeToConversation(ctx, conversationID, s.onInsert)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		conv, err = deps.Store.FetchConversation(gctx, conversationID)
		return err
	})
	g.Go(func() (err error) {
		history, err = deps.Store.FetchMessages(gctx, conversationID)
		return err
	})
	loadErr := g.Wait()
	<-subscribed

	if err := ctx.Err(); err != nil {
		stopBG()
		if handle != nil {
			handle.Close()
		}
		return nil, err
	}

	if loadErr != nil {
		s.log.Error("session.load.fail", "failure", chat.LoadFailure, "err", loadErr)
		conv, history = chat.Conversation{}, nil
	}
	if subErr != nil {
		s.log.Error("session.subscribe.fail", "failure", chat.SubscriptionFailure, "err", subErr)
	}

	s.mu.Lock()
	s.handle = handle
	s.conv = conv
	s.loadErr = loadErr
	s.subErr = subErr
	s.msgs = append([]chat.Message(nil), history...)
	chat.SortMessages(s.msgs)
	for _, m := range s.buffered {
		s.mergeLocked(m)
	}
	s.buffered = nil
	s.state = StateReady
	s.mu.Unlock()
	s.notify()

	s.log.Debug("session.ready", "messages", len(history))

	if loadErr == nil {
		go s.markOpened(conv.ApplicationID)
	}
	return s, nil
}

// ConversationID returns the id of the open conversation.
func (s *Session) ConversationID() string { return s.conversationID }

// Send appends an optimistic message, persists it, and reconciles the result.
//
// Empty content, a concurrent send, or a session that is not Ready are rejected
// without any state change. On persist failure the optimistic entry is removed
// and the returned error wraps both ErrSendFailed and the store error.
func (s *Session) Send(ctx context.Context, content string) (chat.Message, error) {
	text, err := chat.ValidateContent(content)
	if err != nil {
		s.deps.Metrics.Send("rejected")
		return chat.Message{}, err
	}

	s.mu.Lock()
	switch {
	case s.state == StateClosed:
		s.mu.Unlock()
		return chat.Message{}, ErrClosed
	case s.state != StateReady:
		s.mu.Unlock()
		return chat.Message{}, ErrNotReady
	case s.sending:
		s.mu.Unlock()
		s.deps.Metrics.Send("rejected")
		return chat.Message{}, ErrSendInFlight
	}

	tempID := ids.NewTempID()
	s.msgs = append(s.msgs, chat.Message{
		ID:             tempID,
		ClientMsgID:    tempID,
		ConversationID: s.conversationID,
		SenderID:       s.viewer.ID,
		SenderRole:     s.viewer.Role,
		Content:        text,
		Read:           true,
		CreatedAt:      s.deps.Now().UTC(),
		Pending:        true,
	})
	s.sending = true
	s.mu.Unlock()
	s.notify()

	persisted, err := s.deps.Store.PersistMessage(ctx, store.PersistInput{
		ConversationID: s.conversationID,
		SenderID:       s.viewer.ID,
		SenderRole:     s.viewer.Role,
		Content:        text,
		ClientMsgID:    tempID,
	})

	s.mu.Lock()
	s.sending = false
	if s.state == StateClosed {
		s.mu.Unlock()
		if err != nil {
			return chat.Message{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
		}
		return persisted, nil
	}
	if err != nil {
		s.removeLocked(tempID)
		s.mu.Unlock()
		s.notify()

		s.deps.Metrics.Send("failed")
		s.log.Warn("session.send.fail", "failure", chat.SendFailure, "client_msg_id", tempID, "err", err)
		return chat.Message{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	s.reconcileLocked(tempID, persisted)
	s.mu.Unlock()
	s.notify()

	s.deps.Metrics.Send("ok")
	return persisted, nil
}

// Reload refetches the conversation and its history, keeping pending optimistic entries.
func (s *Session) Reload(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateReady {
		st := s.state
		s.mu.Unlock()
		if st == StateClosed {
			return ErrClosed
		}
		return ErrNotReady
	}
	s.mu.Unlock()

	conv, convErr := s.deps.Store.FetchConversation(ctx, s.conversationID)
	history, historyErr := s.deps.Store.FetchMessages(ctx, s.conversationID)
	loadErr := errors.Join(convErr, historyErr)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.loadErr = loadErr
	if loadErr != nil {
		s.mu.Unlock()
		s.notify()
		s.log.Error("session.reload.fail", "failure", chat.LoadFailure, "err", loadErr)
		return loadErr
	}

	pending := make([]chat.Message, 0, 1)
	for _, m := range s.msgs {
		if m.Pending {
			pending = append(pending, m)
		}
	}
	s.conv = conv
	s.msgs = append([]chat.Message(nil), history...)
	chat.SortMessages(s.msgs)
	for _, p := range pending {
		if s.indexByClientIDLocked(p.ClientMsgID) < 0 {
			s.msgs = append(s.msgs, p)
		}
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// Snapshot returns a copy of the visible state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:        s.state,
		Sending:      s.sending,
		Conversation: s.conv,
		Messages:     append([]chat.Message(nil), s.msgs...),
		LoadErr:      s.loadErr,
		SubscribeErr: s.subErr,
	}
}

// Changed receives a value after state changes. Notifications coalesce.
func (s *Session) Changed() <-chan struct{} { return s.changed }

// Close unsubscribes and discards state. In-flight calls complete without effect.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.msgs, s.buffered = nil, nil
	h := s.handle
	s.handle = nil
	s.mu.Unlock()

	s.stopBG()
	h.Close()
	s.notify()
	s.log.Debug("session.closed")
}

// ---- realtime merge ----

func (s *Session) onInsert(m chat.Message) {
	if m.ConversationID != s.conversationID {
		return
	}

	s.mu.Lock()
	switch s.state {
	case StateIdle, StateLoading:
		s.buffered = append(s.buffered, m)
		s.mu.Unlock()
		return
	case StateClosed:
		s.mu.Unlock()
		return
	}
	added := s.mergeLocked(m)
	s.mu.Unlock()

	if !added {
		return
	}
	s.notify()
	if m.SenderID != s.viewer.ID {
		go s.markRead()
	}
}

// mergeLocked applies one inbound insert. It reports whether the sequence changed.
func (s *Session) mergeLocked(m chat.Message) bool {
	if s.indexByIDLocked(m.ID) >= 0 {
		s.deps.Metrics.EchoDeduped()
		return false
	}

	// The echo of our own pending send replaces the optimistic entry.
	if m.ClientMsgID != "" {
		if i := s.indexByIDLocked(m.ClientMsgID); i >= 0 && s.msgs[i].Pending {
			s.msgs[i] = m
			chat.SortMessages(s.msgs)
			s.deps.Metrics.EchoDeduped()
			return true
		}
	}

	s.insertSortedLocked(m)
	return true
}

// reconcileLocked swaps the optimistic entry tempID for its authoritative row.
func (s *Session) reconcileLocked(tempID string, m chat.Message) {
	ti := s.indexByIDLocked(tempID)
	ai := s.indexByIDLocked(m.ID)

	switch {
	case ti >= 0 && ai >= 0:
		// The echo landed first under its own entry.
		s.removeLocked(tempID)
	case ti >= 0:
		s.msgs[ti] = m
		chat.SortMessages(s.msgs)
	case ai < 0:
		s.insertSortedLocked(m)
	}
}

func (s *Session) insertSortedLocked(m chat.Message) {
	i := len(s.msgs)
	for i > 0 && s.msgs[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	s.msgs = append(s.msgs, chat.Message{})
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = m
}

func (s *Session) removeLocked(id string) {
	if i := s.indexByIDLocked(id); i >= 0 {
		s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
	}
}

func (s *Session) indexByIDLocked(id string) int {
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) indexByClientIDLocked(clientID string) int {
	for i := range s.msgs {
		if s.msgs[i].ClientMsgID == clientID {
			return i
		}
	}
	return -1
}

// ---- best-effort side effects ----

// markOpened marks the conversation read, then tells the notification feed.
func (s *Session) markOpened(applicationID string) {
	s.markRead()

	if applicationID == "" || s.isClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(s.bg, backgroundTimeout)
	defer cancel()
	if err := s.deps.Bridge.MarkConsumed(ctx, applicationID, s.viewer.ID); err != nil {
		s.log.Warn("session.notify.fail", "application_id", applicationID, "err", err)
	}
}

// markRead is a no-op once the session is closed; Close also cancels a mark in flight.
func (s *Session) markRead() {
	if s.isClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(s.bg, backgroundTimeout)
	defer cancel()

	if _, err := s.deps.Store.MarkRead(ctx, s.conversationID, s.viewer.ID); err != nil {
		if s.bg.Err() != nil {
			s.deps.Metrics.ReadMark("canceled")
			return
		}
		s.deps.Metrics.ReadMark("failed")
		s.log.Warn("session.read_mark.fail", "failure", chat.ReadMarkFailure, "err", err)
		return
	}
	s.deps.Metrics.ReadMark("ok")
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosed
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.notify()
}

func (s *Session) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}
