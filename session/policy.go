package session

import "time"

// KindPolicy bundles the per-client-kind delivery defaults. Keeping these in
// one table (rather than conditionals scattered across the dispatcher and
// gateway) makes adding a client kind a one-line change.
type KindPolicy struct {
	// DefaultPreferences applies when a client presents no preferences of
	// its own at connection time.
	DefaultPreferences Preferences
	// BatchWindow is how long the writer coalesces events before flushing a
	// batch. Zero means every event is sent individually and immediately.
	BatchWindow time.Duration
	// MaxBatch caps the number of events coalesced into one message. Only
	// meaningful when BatchWindow is non-zero.
	MaxBatch int
}

// Cadence returns the delivery cadence the policy implies.
func (p KindPolicy) Cadence() Cadence {
	if p.BatchWindow > 0 {
		return CadenceBatched
	}
	return CadenceImmediate
}

// PolicyTable maps client kinds to their delivery policy. Unknown kinds fall
// back to the zero KindPolicy (deliver everything, immediately).
type PolicyTable map[ClientKind]KindPolicy

// DefaultPolicies is the shipped policy table. Mobile clients get low
// priority events coalesced to limit radio wakeups; CLI and browser clients
// get individual immediate sends.
func DefaultPolicies() PolicyTable {
	return PolicyTable{
		KindMobile: {
			DefaultPreferences: Preferences{MinPriority: PriorityLow, Cadence: CadenceBatched},
			BatchWindow:        250 * time.Millisecond,
			MaxBatch:           32,
		},
		KindCLI: {
			DefaultPreferences: Preferences{MinPriority: PriorityLow},
		},
		KindBrowser: {
			DefaultPreferences: Preferences{MinPriority: PriorityLow},
		},
	}
}

// For looks up the policy for a kind, falling back to the zero policy.
func (t PolicyTable) For(kind ClientKind) KindPolicy {
	if p, ok := t[kind]; ok {
		return p
	}
	return KindPolicy{}
}
