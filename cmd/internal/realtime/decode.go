package realtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/chat"
	v1 "github.com/RUNHUB2131/runhub-link-sub000/shared/contracts/push/v1"
)

// DecodeMessage validates a pushed message row into a chat.Message.
// Unknown fields are ignored; missing or malformed required fields are rejected.
func DecodeMessage(raw json.RawMessage) (chat.Message, error) {
	var rec v1.MessageRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return chat.Message{}, fmt.Errorf("%w: %v", chat.ErrInvalidRecord, err)
	}

	switch {
	case strings.TrimSpace(rec.ID) == "":
		return chat.Message{}, fmt.Errorf("%w: missing id", chat.ErrInvalidRecord)
	case strings.TrimSpace(rec.ConversationID) == "":
		return chat.Message{}, fmt.Errorf("%w: missing conversation_id", chat.ErrInvalidRecord)
	case strings.TrimSpace(rec.SenderID) == "":
		return chat.Message{}, fmt.Errorf("%w: missing sender_id", chat.ErrInvalidRecord)
	case !chat.Role(rec.SenderRole).Valid():
		return chat.Message{}, fmt.Errorf("%w: invalid sender_role %q", chat.ErrInvalidRecord, rec.SenderRole)
	case strings.TrimSpace(rec.Content) == "":
		return chat.Message{}, fmt.Errorf("%w: empty content", chat.ErrInvalidRecord)
	case rec.CreatedAt.IsZero():
		return chat.Message{}, fmt.Errorf("%w: missing created_at", chat.ErrInvalidRecord)
	}

	return chat.Message{
		ID:             rec.ID,
		ClientMsgID:    rec.ClientMsgID,
		ConversationID: rec.ConversationID,
		SenderID:       rec.SenderID,
		SenderRole:     chat.Role(rec.SenderRole),
		Content:        rec.Content,
		Read:           rec.Read,
		CreatedAt:      rec.CreatedAt.UTC(),
	}, nil
}

// DecodeConversation validates a pushed conversation row into a chat.Conversation.
// Profiles and unread counts are viewer-relative and never carried by the push layer.
func DecodeConversation(raw json.RawMessage) (chat.Conversation, error) {
	var rec v1.ConversationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return chat.Conversation{}, fmt.Errorf("%w: %v", chat.ErrInvalidRecord, err)
	}

	switch {
	case strings.TrimSpace(rec.ID) == "":
		return chat.Conversation{}, fmt.Errorf("%w: missing id", chat.ErrInvalidRecord)
	case strings.TrimSpace(rec.ClubID) == "" || strings.TrimSpace(rec.BrandID) == "":
		return chat.Conversation{}, fmt.Errorf("%w: missing party ids", chat.ErrInvalidRecord)
	case rec.UpdatedAt.IsZero():
		return chat.Conversation{}, fmt.Errorf("%w: missing updated_at", chat.ErrInvalidRecord)
	}

	return chat.Conversation{
		ID:            rec.ID,
		ClubID:        rec.ClubID,
		BrandID:       rec.BrandID,
		ApplicationID: rec.ApplicationID,
		OpportunityID: rec.OpportunityID,
		CreatedAt:     rec.CreatedAt.UTC(),
		UpdatedAt:     rec.UpdatedAt.UTC(),
	}, nil
}
