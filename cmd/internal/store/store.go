// Package store is the message store gateway of the chat core: thin data access
// for messages and conversations with no business logic and no in-memory caching
// beyond what an implementation needs to be the store itself.
package store

import (
	"context"
	"time"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/chat"
)

// Gateway persists and queries conversations and messages.
//
// Requirements:
//   - FetchMessages returns creation-time ascending order.
//   - PersistMessage does not trim or validate content; callers do.
//   - PersistMessage bumps the conversation updated_at to the message timestamp.
//   - PersistMessage is idempotent per (conversation_id, client_msg_id) when ClientMsgID is set.
//   - MarkRead is idempotent.
//   - Every returned error matches chat.ErrStore.
type Gateway interface {
	FetchMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	PersistMessage(ctx context.Context, in PersistInput) (chat.Message, error)
	MarkRead(ctx context.Context, conversationID, viewerID string) (bool, error)
	FetchConversation(ctx context.Context, conversationID string) (chat.Conversation, error)
	ListConversations(ctx context.Context, viewer chat.Viewer) ([]chat.Conversation, error)
	IsParticipant(ctx context.Context, conversationID, partyID string) (bool, error)
	Close() error
}

// PersistInput describes a message write.
type PersistInput struct {
	ConversationID string
	SenderID       string
	SenderRole     chat.Role
	Content        string

	// ClientMsgID is the optimistic temporary id. It travels with the stored row
	// so pushed echoes can be matched to the pending entry they confirm.
	ClientMsgID string
}

// Seeder creates conversations and profiles. It is the entry point of the
// external "application accepted" workflow; the chat core itself never calls it.
type Seeder interface {
	PutProfile(ctx context.Context, partyID string, role chat.Role, p chat.Profile) error
	PutConversation(ctx context.Context, c chat.Conversation) error
}

// nextTimestamp returns now, nudged past last so creation timestamps within a
// conversation are strictly increasing in commit order. Timestamps carry
// microsecond precision, as timestamptz stores them.
func nextTimestamp(now, last time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !last.IsZero() && !now.After(last) {
		return last.Add(time.Microsecond)
	}
	return now
}
