// Package pushwire implements server-side session continuity for flaky
// realtime clients: connections drop, sessions survive. While a client is
// away its events are buffered (bounded by capacity and retention); when it
// reconnects it receives one synchronization payload carrying everything it
// missed, a loss indicator when the buffer could not hold everything, and an
// advisory backoff policy, before live delivery resumes.
//
// The Server type wires the pieces together: a session registry over a
// pluggable store (in-memory or Redis), an event dispatcher with
// per-client-kind delivery cadence, a connection gateway with the
// reconnection coordinator, and background sweeps for heartbeat liveness and
// retention cleanup. Each piece is also usable on its own.
package pushwire
