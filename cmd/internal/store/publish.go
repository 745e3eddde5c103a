package store

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/chat"
	v1 "github.com/RUNHUB2131/runhub-link-sub000/shared/contracts/push/v1"
)

// Publisher receives committed change records and forwards them to the push layer.
// Implementations must not block on slow subscribers.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev v1.EventPayload) error
}

// MessageRecord converts m to its wire row shape.
func MessageRecord(m chat.Message) v1.MessageRecord {
	return v1.MessageRecord{
		ID:             m.ID,
		ClientMsgID:    m.ClientMsgID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderRole:     string(m.SenderRole),
		Content:        m.Content,
		Read:           m.Read,
		CreatedAt:      m.CreatedAt,
	}
}

// ConversationRecord converts c to its wire row shape. Profiles and unread counts
// are viewer-relative and never pushed.
func ConversationRecord(c chat.Conversation) v1.ConversationRecord {
	return v1.ConversationRecord{
		ID:            c.ID,
		ClubID:        c.ClubID,
		BrandID:       c.BrandID,
		ApplicationID: c.ApplicationID,
		OpportunityID: c.OpportunityID,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

// publishMessageInserted fans an insert out to the conversation topic and both parties' topics.
func publishMessageInserted(ctx context.Context, pub Publisher, log *slog.Logger, conv chat.Conversation, m chat.Message) {
	if pub == nil {
		return
	}
	rec, err := json.Marshal(MessageRecord(m))
	if err != nil {
		log.Error("store.publish.encode.fail", "kind", v1.KindMessageInserted, "err", err)
		return
	}

	topics := []string{
		v1.ConversationMessagesTopic(conv.ID),
		v1.PartyMessagesTopic(conv.ClubID),
		v1.PartyMessagesTopic(conv.BrandID),
	}
	for _, topic := range topics {
		ev := v1.EventPayload{Topic: topic, Kind: v1.KindMessageInserted, Record: rec}
		if err := pub.Publish(ctx, topic, ev); err != nil {
			log.Warn("store.publish.fail", "topic", topic, "message_id", m.ID, "err", err)
		}
	}
}

// publishConversationUpdated notifies both parties that a conversation changed.
func publishConversationUpdated(ctx context.Context, pub Publisher, log *slog.Logger, conv chat.Conversation) {
	if pub == nil {
		return
	}
	rec, err := json.Marshal(ConversationRecord(conv))
	if err != nil {
		log.Error("store.publish.encode.fail", "kind", v1.KindConversationUpdated, "err", err)
		return
	}

	for _, party := range []string{conv.ClubID, conv.BrandID} {
		topic := v1.PartyConversationsTopic(party)
		ev := v1.EventPayload{Topic: topic, Kind: v1.KindConversationUpdated, Record: rec}
		if err := pub.Publish(ctx, topic, ev); err != nil {
			log.Warn("store.publish.fail", "topic", topic, "conversation_id", conv.ID, "err", err)
		}
	}
}

func nopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
