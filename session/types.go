package session

import (
	"encoding/json"
	"time"
)

// State is the connection state of a session. Transitions are owned by the
// Registry; see the package docs for the state machine.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateExpired      State = "expired"
)

// ClientKind categorizes the client on the other end of a connection. It
// drives default subscription preferences and delivery cadence; see PolicyFor.
type ClientKind string

const (
	KindMobile  ClientKind = "mobile"
	KindCLI     ClientKind = "cli"
	KindBrowser ClientKind = "browser"
)

// Priority orders events for preference filtering. Higher is more urgent.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Cadence selects how events are shipped to a connected client.
type Cadence string

const (
	// CadenceImmediate sends each event as soon as it is dispatched.
	CadenceImmediate Cadence = "immediate"
	// CadenceBatched coalesces events into one message per batch window.
	CadenceBatched Cadence = "batched"
)

// Preferences is a snapshot of what a client wants delivered and how. The
// zero value means "everything, at the kind's default cadence".
type Preferences struct {
	// EventTypes restricts delivery to the listed event types. Empty means
	// all types.
	EventTypes []string `json:"event_types,omitempty"`
	// MinPriority drops events below this priority.
	MinPriority Priority `json:"min_priority"`
	// Cadence overrides the client kind's default cadence when non-empty.
	Cadence Cadence `json:"cadence,omitempty"`
}

// Wants reports whether an event of the given type and priority passes the
// preference filter.
func (p Preferences) Wants(eventType string, pri Priority) bool {
	if pri < p.MinPriority {
		return false
	}
	if len(p.EventTypes) == 0 {
		return true
	}
	for _, t := range p.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// ReconnectPolicy is advisory backoff metadata handed to clients at
// (re)connection time. The server does not enforce it beyond retaining the
// session for the configured retention window.
type ReconnectPolicy struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	// MaxAttempts of zero means unbounded.
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// DelayFor computes the suggested delay before reconnect attempt n (1-based).
// It returns false once n exceeds MaxAttempts (when bounded).
func (p ReconnectPolicy) DelayFor(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay, true
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d, true
}

// ClientSession is the authoritative record for one client identity. Copies
// handed out by the Store/Registry are snapshots; mutations go through the
// Registry.
type ClientSession struct {
	ClientID string     `json:"client_id"`
	TenantID string     `json:"tenant_id,omitempty"`
	Kind     ClientKind `json:"client_kind"`
	State    State      `json:"connection_state"`

	// ConnID identifies the physical connection currently holding the
	// session. Empty unless State is StateConnected.
	ConnID string `json:"conn_id,omitempty"`

	// SequenceCursor is the last sequence number delivered or buffered for
	// this client. It never decreases and is never reused.
	SequenceCursor uint64 `json:"sequence_cursor"`

	Preferences     Preferences     `json:"subscription_preferences"`
	ReconnectPolicy ReconnectPolicy `json:"reconnection_policy"`

	// HadLoss records that buffered events were evicted (capacity or
	// retention) before the client could see them. Cleared once the loss has
	// been reported in a reconnection sync payload.
	HadLoss bool `json:"had_loss"`

	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	CreatedAt       time.Time `json:"created_at"`
	// DisconnectedAt is the zero time while connected.
	DisconnectedAt time.Time `json:"disconnected_at,omitzero"`
}

// Clone returns a deep copy safe to hand outside the store.
func (s *ClientSession) Clone() *ClientSession {
	cp := *s
	if s.Preferences.EventTypes != nil {
		cp.Preferences.EventTypes = append([]string(nil), s.Preferences.EventTypes...)
	}
	return &cp
}

// MissedEvent is an immutable record in a session's missed-event log.
type MissedEvent struct {
	Sequence   uint64          `json:"sequence_number"`
	Type       string          `json:"event_type"`
	Priority   Priority        `json:"priority"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}
