// Package wire defines the JSON envelope exchanged over the bidirectional
// channel between sessiontapd and a paired viewer, and the closed set of
// message types and close codes that ride in it.
package wire

import (
	"encoding/json"
	"time"
)

// Type is the closed set of envelope discriminators.
type Type string

// Client -> Server
const (
	TypeAuthenticate Type = "authenticate"
	TypeSubscribe    Type = "subscribe"
	TypeUnsubscribe  Type = "unsubscribe"
	TypePing         Type = "ping"
)

// Server -> Client
const (
	TypeConnected            Type = "connected"
	TypeAuthenticated        Type = "authenticated"
	TypeAuthenticationFailed Type = "authentication_failed"
	TypeSubscribed           Type = "subscribed"
	TypeSessionOccupied      Type = "session_occupied"
	TypeSessionTakenOver     Type = "session_taken_over"
	TypeUnsubscribed         Type = "unsubscribed"
	TypeSessionMessage       Type = "session_message"
	TypeSessionState         Type = "session_state"
	TypeSessionStatus        Type = "session_status"
	TypeSessionHistoryStart  Type = "session_history_start"
	TypeSessionHistoryEnd    Type = "session_history_end"
	TypeSessionTerminated    Type = "session_terminated"
	TypeSessionNotification  Type = "session_notification"
	TypePong                 Type = "pong"
	TypeError                Type = "error"
	TypeDisconnecting        Type = "disconnecting"
)

// Envelope is the wire shape of every message in both directions.
type Envelope struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Encode marshals a typed payload into an Envelope with the given type and
// the current time.
func Encode(typ Type, payload any, now time.Time) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Envelope{Type: typ, Payload: raw, Timestamp: now}, nil
}

// Decode unmarshals the envelope's payload into dst.
func (e *Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}
