// Package v1 defines the runhub push protocol v1 contract.
//
// The push protocol carries table-change records (message inserts, conversation
// updates) from the push gateway to subscribed sessions. This package is
// dependency-light so clients and the gateway share one authoritative shape.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated by the gateway.
const Subprotocol = "runhub.push.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSubscribe opens a topic subscription (client -> server).
	TypeSubscribe = "subscribe"
	// TypeSubscribed confirms a subscription is active (server -> client).
	TypeSubscribed = "subscribed"
	// TypeUnsubscribe closes a topic subscription (client -> server).
	TypeUnsubscribe = "unsubscribe"

	// TypeEvent delivers one change record for a topic (server -> client).
	TypeEvent = "event"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Event kinds carried in EventPayload.Kind.
const (
	KindMessageInserted     = "message.inserted"
	KindConversationUpdated = "conversation.updated"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSubscribe,
		TypeSubscribed,
		TypeUnsubscribe,
		TypeEvent,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// NewEnvelope marshals payload into an envelope of type typ.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		raw = b
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: raw}, nil
}
