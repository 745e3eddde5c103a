package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/chat"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/ids"
)

const (
	memMaxMessagesPerConversation = 10_000
)

// MemoryStore is a dev/test Gateway that keeps everything in process.
// It supports:
//   - PersistMessage: idempotent per client_msg_id + strictly increasing timestamps
//   - Publishing committed changes in commit order
type MemoryStore struct {
	log        *slog.Logger
	now        func() time.Time
	pub        Publisher
	maxHistory int

	mu       sync.Mutex
	profiles map[string]chat.Profile
	convs    map[string]*memConv

	// pubMu is taken before mu is released so publish order equals commit order.
	pubMu sync.Mutex
}

type memConv struct {
	conv   chat.Conversation
	dedupe map[string]chat.Message // client_msg_id -> stored message
	msgs   []chat.Message          // ordered by created_at
}

// MemoryOption configures MemoryStore behavior.
type MemoryOption func(*MemoryStore)

// WithMemoryPublisher forwards committed changes to pub.
func WithMemoryPublisher(pub Publisher) MemoryOption {
	return func(s *MemoryStore) { s.pub = pub }
}

// WithMemoryClock overrides the clock used for server timestamps.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMemoryHistoryLimit bounds the messages kept per conversation.
// Client ids of trimmed messages are forgotten with them.
func WithMemoryHistoryLimit(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

// WithMemoryLogger sets the logger used for publish failures.
func WithMemoryLogger(log *slog.Logger) MemoryOption {
	return func(s *MemoryStore) {
		if log != nil {
			s.log = log
		}
	}
}

// NewMemoryStore constructs an in-memory Gateway implementation.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		log:        nopLogger(),
		now:        time.Now,
		maxHistory: memMaxMessagesPerConversation,
		profiles:   make(map[string]chat.Profile),
		convs:      make(map[string]*memConv),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

var (
	_ Gateway = (*MemoryStore)(nil)
	_ Seeder  = (*MemoryStore)(nil)
)

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// PutProfile stores the display profile of a party.
func (s *MemoryStore) PutProfile(_ context.Context, partyID string, _ chat.Role, p chat.Profile) error {
	if strings.TrimSpace(partyID) == "" {
		return chat.NewStoreError("put_profile", errors.New("missing party_id"))
	}
	s.mu.Lock()
	s.profiles[partyID] = p
	s.mu.Unlock()
	return nil
}

// PutConversation creates a conversation. Creating an existing id is a no-op.
func (s *MemoryStore) PutConversation(_ context.Context, c chat.Conversation) error {
	if c.ID == "" || c.ClubID == "" || c.BrandID == "" || c.ApplicationID == "" {
		return chat.NewStoreError("put_conversation", errors.New("invalid conversation"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[c.ID]; ok {
		return nil
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	c.Club, c.Brand, c.UnreadCount = chat.Profile{}, chat.Profile{}, 0

	s.convs[c.ID] = &memConv{
		conv:   c,
		dedupe: make(map[string]chat.Message),
		msgs:   make([]chat.Message, 0, 64),
	}
	return nil
}

// FetchMessages returns a snapshot of the conversation's messages, oldest first.
func (s *MemoryStore) FetchMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, chat.NewStoreError("fetch_messages", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return nil, nil
	}
	return append([]chat.Message(nil), c.msgs...), nil
}

// PersistMessage stores a message, bumps updated_at, and publishes the insert.
func (s *MemoryStore) PersistMessage(ctx context.Context, in PersistInput) (chat.Message, error) {
	if in.ConversationID == "" || in.SenderID == "" || !in.SenderRole.Valid() {
		return chat.Message{}, chat.NewStoreError("persist_message", errors.New("invalid input"))
	}
	if err := ctx.Err(); err != nil {
		return chat.Message{}, chat.NewStoreError("persist_message", err)
	}

	s.mu.Lock()

	c := s.convs[in.ConversationID]
	if c == nil {
		s.mu.Unlock()
		return chat.Message{}, chat.NewStoreError("persist_message", chat.ErrNotFound)
	}
	if c.conv.PartyID(in.SenderRole) != in.SenderID {
		s.mu.Unlock()
		return chat.Message{}, chat.NewStoreError("persist_message", errors.New("sender is not a party"))
	}

	if in.ClientMsgID != "" {
		if existing, ok := c.dedupe[in.ClientMsgID]; ok {
			s.mu.Unlock()
			return existing, nil
		}
	}

	// updated_at is never behind the newest message.
	ts := nextTimestamp(s.now(), c.conv.UpdatedAt)

	id, err := ids.NewULID(ts)
	if err != nil {
		s.mu.Unlock()
		return chat.Message{}, chat.NewStoreError("persist_message", fmt.Errorf("allocate id: %w", err))
	}

	msg := chat.Message{
		ID:             id,
		ClientMsgID:    in.ClientMsgID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		SenderRole:     in.SenderRole,
		Content:        in.Content,
		CreatedAt:      ts,
	}
	if in.ClientMsgID != "" {
		c.dedupe[in.ClientMsgID] = msg
	}
	c.msgs = append(c.msgs, msg)
	c.conv.UpdatedAt = ts

	// Bound memory to avoid unbounded growth in dev.
	if over := len(c.msgs) - s.maxHistory; over > 0 {
		for _, old := range c.msgs[:over] {
			if old.ClientMsgID != "" {
				delete(c.dedupe, old.ClientMsgID)
			}
		}
		c.msgs = append([]chat.Message(nil), c.msgs[over:]...)
	}

	conv := c.conv
	s.pubMu.Lock()
	s.mu.Unlock()
	defer s.pubMu.Unlock()

	publishMessageInserted(ctx, s.pub, s.log, conv, msg)
	return msg, nil
}

// MarkRead flags every message not sent by viewerID as read.
// A conversation-updated event is published only when something changed.
func (s *MemoryStore) MarkRead(ctx context.Context, conversationID, viewerID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, chat.NewStoreError("mark_read", err)
	}

	s.mu.Lock()

	c := s.convs[conversationID]
	if c == nil {
		s.mu.Unlock()
		return false, chat.NewStoreError("mark_read", chat.ErrNotFound)
	}

	changed := 0
	for i := range c.msgs {
		if c.msgs[i].SenderID != viewerID && !c.msgs[i].Read {
			c.msgs[i].Read = true
			changed++
		}
	}
	for k, m := range c.dedupe {
		if m.SenderID != viewerID {
			m.Read = true
			c.dedupe[k] = m
		}
	}

	conv := c.conv
	if changed == 0 {
		s.mu.Unlock()
		return true, nil
	}

	s.pubMu.Lock()
	s.mu.Unlock()
	defer s.pubMu.Unlock()

	publishConversationUpdated(ctx, s.pub, s.log, conv)
	return true, nil
}

// FetchConversation returns conversation metadata with both profiles attached.
func (s *MemoryStore) FetchConversation(ctx context.Context, conversationID string) (chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, chat.NewStoreError("fetch_conversation", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return chat.Conversation{}, chat.NewStoreError("fetch_conversation", chat.ErrNotFound)
	}
	return s.enrichLocked(c, ""), nil
}

// ListConversations returns the viewer's conversations, most recently active first.
func (s *MemoryStore) ListConversations(ctx context.Context, viewer chat.Viewer) ([]chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, chat.NewStoreError("list_conversations", err)
	}

	s.mu.Lock()
	out := make([]chat.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		if c.conv.PartyID(viewer.Role) != viewer.ID {
			continue
		}
		out = append(out, s.enrichLocked(c, viewer.ID))
	}
	s.mu.Unlock()

	chat.SortConversations(out)
	return out, nil
}

// IsParticipant reports whether partyID is one of the conversation's parties.
func (s *MemoryStore) IsParticipant(ctx context.Context, conversationID, partyID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, chat.NewStoreError("is_participant", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	return c != nil && c.conv.HasParty(partyID), nil
}

func (s *MemoryStore) enrichLocked(c *memConv, viewerID string) chat.Conversation {
	out := c.conv
	out.Club = s.profiles[out.ClubID]
	out.Brand = s.profiles[out.BrandID]
	if viewerID != "" {
		for _, m := range c.msgs {
			if m.SenderID != viewerID && !m.Read {
				out.UnreadCount++
			}
		}
	}
	return out
}
