package v1

import (
	"encoding/json"
	"time"
)

// ---- Payloads ----

// HelloPayload identifies the party a websocket session acts for.
// PartyID is taken from the auth context of the embedding application.
type HelloPayload struct {
	PartyID string `json:"party_id"`
}

// HelloAckPayload carries the gateway-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// SubscribePayload requests (or confirms) a topic subscription.
type SubscribePayload struct {
	Topic string `json:"topic"`
}

// EventPayload delivers a change record for a topic.
// Record is intentionally raw: receivers validate it into typed values.
type EventPayload struct {
	Topic  string          `json:"topic"`
	Kind   string          `json:"kind"`
	Record json.RawMessage `json:"record"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Topic   string `json:"topic,omitempty"`
}

// ---- Records ----

// MessageRecord is the row shape of an inserted message.
type MessageRecord struct {
	ID             string    `json:"id"`
	ClientMsgID    string    `json:"client_msg_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderRole     string    `json:"sender_role"`
	Content        string    `json:"content"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationRecord is the row shape of an updated conversation.
type ConversationRecord struct {
	ID            string    `json:"id"`
	ClubID        string    `json:"club_id"`
	BrandID       string    `json:"brand_id"`
	ApplicationID string    `json:"application_id"`
	OpportunityID string    `json:"opportunity_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
