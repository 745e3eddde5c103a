package v1

import (
	"errors"
	"strings"
)

// Topic keys. One underlying push channel exists per key.
//
//	conversation:<conversation_id>:messages  message inserts in one conversation
//	party:<party_id>:messages                message inserts in any conversation of a party
//	party:<party_id>:conversations           conversation updates visible to a party
const (
	topicConversation = "conversation"
	topicParty        = "party"
	suffixMessages    = "messages"
	suffixConvs       = "conversations"
)

// ConversationMessagesTopic is the message-insert topic of one conversation.
func ConversationMessagesTopic(conversationID string) string {
	return topicConversation + ":" + conversationID + ":" + suffixMessages
}

// PartyMessagesTopic is the message-insert topic for all conversations of a party.
func PartyMessagesTopic(partyID string) string {
	return topicParty + ":" + partyID + ":" + suffixMessages
}

// PartyConversationsTopic is the conversation-update topic for a party.
func PartyConversationsTopic(partyID string) string {
	return topicParty + ":" + partyID + ":" + suffixConvs
}

// TopicScope is a parsed topic key.
type TopicScope struct {
	// Conversation is set for conversation topics.
	Conversation string
	// Party is set for party topics.
	Party string
	// Kind is the event kind the topic carries.
	Kind string
}

// ParseTopic validates a topic key.
func ParseTopic(topic string) (TopicScope, error) {
	parts := strings.Split(topic, ":")
	if len(parts) != 3 || strings.TrimSpace(parts[1]) == "" {
		return TopicScope{}, errors.New("malformed topic")
	}

	switch {
	case parts[0] == topicConversation && parts[2] == suffixMessages:
		return TopicScope{Conversation: parts[1], Kind: KindMessageInserted}, nil
	case parts[0] == topicParty && parts[2] == suffixMessages:
		return TopicScope{Party: parts[1], Kind: KindMessageInserted}, nil
	case parts[0] == topicParty && parts[2] == suffixConvs:
		return TopicScope{Party: parts[1], Kind: KindConversationUpdated}, nil
	default:
		return TopicScope{}, errors.New("unknown topic")
	}
}
