// Package session defines the core session model shared by every component
// of the subsystem: the ClientSession record, the missed-event log, the
// Store interface that persists both, and the Registry that owns all state
// transitions.
//
// A session represents one logical client identity across possibly many
// physical connections. The Registry is the single writer of a session's
// connection state; collaborators (gateway, dispatcher, monitors) go through
// it rather than mutating the store directly, and compose multi-step
// operations under the per-client lock it exposes.
//
// # State machine
//
//	Connected <-> Disconnected -> Expired (terminal)
//
// A Connected session that misses heartbeats or loses its transport becomes
// Disconnected. A Disconnected session that reconnects within the retention
// window becomes Connected again and has its missed events replayed. A
// Disconnected session past retention becomes Expired and is removed; a
// later connection with the same client ID starts a brand-new session seeded
// at the dispatcher's current watermark.
//
// # Store implementations
//
//	memorystore : in-process reference used for tests and single-node deployments
//	redisstore  : Redis-backed store for deployments that need session state to
//	              survive process restarts (requires sticky routing; see Registry docs)
package session
