// Package wire defines the message types exchanged over a client connection
// and their JSON envelope. The transport below is out of scope: anything
// that can carry length-delimited byte frames can carry these messages.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/pushwire/pushwire-go/session"
)

// Type discriminates the envelope payload.
type Type string

const (
	// TypeHello is the first client frame: credentials, kind, preferences.
	TypeHello Type = "hello"
	// TypeHeartbeat is a client liveness signal with no payload.
	TypeHeartbeat Type = "heartbeat"
	// TypeHeartbeatAck is the server reply to a heartbeat.
	TypeHeartbeatAck Type = "heartbeat_ack"
	// TypeReconnectionSync carries the replay payload, sent exactly once
	// immediately after (re)admission and before any live event.
	TypeReconnectionSync Type = "reconnection_sync"
	// TypeEvent carries one live domain event.
	TypeEvent Type = "event"
	// TypeEventBatch carries several coalesced domain events in sequence order.
	TypeEventBatch Type = "event_batch"
)

// Event is a domain event as shipped to a client, live or replayed.
type Event struct {
	Sequence uint64           `json:"sequence_number"`
	Type     string           `json:"event_type"`
	Priority session.Priority `json:"priority"`
	Payload  json.RawMessage  `json:"payload"`
}

// Hello is presented by the client at connection time, post-transport. The
// credential is opaque to this subsystem and resolved by the authentication
// collaborator.
type Hello struct {
	Credential  string               `json:"credential"`
	ClientKind  session.ClientKind   `json:"client_kind"`
	Preferences *session.Preferences `json:"preferences,omitempty"`
}

// ReconnectionSync is the replay payload. MissedEvents may be empty (first
// contact, or nothing produced while away); the cursor and advisory policy
// are always present. HadLoss reports that buffered events were evicted
// before delivery; deciding whether that warrants a full refetch is the
// event producers' concern, not this subsystem's.
type ReconnectionSync struct {
	MissedEvents   []Event                  `json:"missed_events"`
	HadLoss        bool                     `json:"had_loss"`
	SequenceCursor uint64                   `json:"sequence_cursor"`
	Policy         *session.ReconnectPolicy `json:"reconnect_policy,omitempty"`
}

// Message is the envelope for every frame in both directions. Exactly one
// payload field is populated, matching Type.
type Message struct {
	Type   Type              `json:"type"`
	Hello  *Hello            `json:"hello,omitempty"`
	Sync   *ReconnectionSync `json:"sync,omitempty"`
	Event  *Event            `json:"event,omitempty"`
	Events []Event           `json:"events,omitempty"`
}

// Encode marshals the message for the transport.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a frame and validates the type/payload pairing.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}
	switch m.Type {
	case TypeHello:
		if m.Hello == nil {
			return nil, fmt.Errorf("wire: hello message without hello payload")
		}
	case TypeHeartbeat, TypeHeartbeatAck:
		// No payload.
	case TypeReconnectionSync:
		if m.Sync == nil {
			return nil, fmt.Errorf("wire: sync message without sync payload")
		}
	case TypeEvent:
		if m.Event == nil {
			return nil, fmt.Errorf("wire: event message without event payload")
		}
	case TypeEventBatch:
		if len(m.Events) == 0 {
			return nil, fmt.Errorf("wire: event batch without events")
		}
	default:
		return nil, fmt.Errorf("wire: unknown message type %q", m.Type)
	}
	return &m, nil
}

// NewHeartbeatAck builds the server reply to a heartbeat.
func NewHeartbeatAck() *Message { return &Message{Type: TypeHeartbeatAck} }

// NewEvent wraps a single live event.
func NewEvent(ev Event) *Message { return &Message{Type: TypeEvent, Event: &ev} }

// NewEventBatch wraps coalesced events. Callers guarantee sequence order.
func NewEventBatch(evs []Event) *Message { return &Message{Type: TypeEventBatch, Events: evs} }

// FromMissed converts a stored missed event to its wire form.
func FromMissed(ev session.MissedEvent) Event {
	return Event{
		Sequence: ev.Sequence,
		Type:     ev.Type,
		Priority: ev.Priority,
		Payload:  ev.Payload,
	}
}
