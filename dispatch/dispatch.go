// Package dispatch is the single ingestion point for domain events destined
// for client delivery. For every published event it consults each session's
// stored preferences, assigns the next per-session sequence number exactly
// once, and either hands the event to the session's live sink or appends it
// to the missed-event log.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pushwire/pushwire-go/session"
	"github.com/pushwire/pushwire-go/wire"
)

// DomainEvent is an event as produced by business logic. The payload is
// opaque; only the type and priority tags are interpreted, for filtering.
type DomainEvent struct {
	Type     string
	Priority session.Priority
	Payload  json.RawMessage
}

// Sink is the in-memory hand-off point to a connection's writer. Enqueue
// must not block and must not perform network I/O: it is called with the
// session's lock held. A closed sink returns an error, which the dispatcher
// treats as transport churn.
type Sink interface {
	Enqueue(ev wire.Event) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher routes produced events to sessions. Safe for concurrent use;
// concurrent publishes for one session serialize on the registry's
// per-client lock, which is what makes sequence assignment exactly-once.
type Dispatcher struct {
	reg      *session.Registry
	capacity int
	log      *slog.Logger
	now      func() time.Time

	// watermark counts every published event. It seeds the sequence cursor
	// of brand-new sessions so they do not replay history they never
	// subscribed to.
	watermark atomic.Uint64

	mu    sync.RWMutex
	sinks map[string]sinkEntry
}

type sinkEntry struct {
	connID string
	sink   Sink
}

// New builds a Dispatcher. capacity bounds each session's missed-event log.
func New(reg *session.Registry, capacity int, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reg:      reg,
		capacity: capacity,
		log:      slog.New(slog.DiscardHandler),
		now:      time.Now,
		sinks:    make(map[string]sinkEntry),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Watermark returns the global event watermark, read by the gateway when
// admitting a previously-unseen client identity.
func (d *Dispatcher) Watermark() uint64 { return d.watermark.Load() }

// AttachSink registers the live delivery sink for a connection. The caller
// (gateway) attaches under the session lock, after the sync payload has been
// queued, so no live event can overtake a replayed one.
func (d *Dispatcher) AttachSink(clientID, connID string, s Sink) {
	d.mu.Lock()
	d.sinks[clientID] = sinkEntry{connID: connID, sink: s}
	d.mu.Unlock()
}

// DetachSink removes the sink if it still belongs to the given connection.
// A stale connID (already superseded) is a no-op.
func (d *Dispatcher) DetachSink(clientID, connID string) {
	d.mu.Lock()
	if e, ok := d.sinks[clientID]; ok && e.connID == connID {
		delete(d.sinks, clientID)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) sinkFor(clientID, connID string) (Sink, bool) {
	d.mu.RLock()
	e, ok := d.sinks[clientID]
	d.mu.RUnlock()
	if !ok || e.connID != connID {
		return nil, false
	}
	return e.sink, true
}

// Publish routes one event to every session whose preferences accept it.
// Errors from individual sessions are logged, never propagated to the
// producer: delivery trouble for one client must not block the rest.
func (d *Dispatcher) Publish(ctx context.Context, ev DomainEvent) error {
	d.watermark.Add(1)

	sessions, err := d.reg.List(ctx)
	if err != nil {
		return fmt.Errorf("publish: list sessions: %w", err)
	}
	for _, snap := range sessions {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Cheap pre-filter on the snapshot; the authoritative check happens
		// under the session lock below.
		if snap.State == session.StateExpired || !snap.Preferences.Wants(ev.Type, ev.Priority) {
			continue
		}
		if err := d.routeOne(ctx, snap.ClientID, ev); err != nil {
			d.log.ErrorContext(ctx, "dispatch.route.fail",
				slog.String("client_id", snap.ClientID),
				slog.String("event_type", ev.Type),
				slog.String("err", err.Error()))
		}
	}
	return nil
}

// routeOne assigns the session's next sequence number and delivers or
// buffers, all under the session lock so a concurrent reconnect drain cannot
// interleave between the decision and the append.
func (d *Dispatcher) routeOne(ctx context.Context, clientID string, ev DomainEvent) error {
	unlock := d.reg.Lock(clientID)
	defer unlock()

	store := d.reg.Store()
	sess, err := store.GetSession(ctx, clientID)
	if err == session.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.State == session.StateExpired || !sess.Preferences.Wants(ev.Type, ev.Priority) {
		return nil
	}

	var seq uint64
	err = store.MutateSession(ctx, clientID, func(s *session.ClientSession) error {
		seq = s.SequenceCursor + 1
		if seq <= s.SequenceCursor {
			// Cursor overflow or regression would silently break ordering.
			panic(fmt.Sprintf("dispatch: sequence regression for %s: cursor=%d", clientID, s.SequenceCursor))
		}
		s.SequenceCursor = seq
		return nil
	})
	if err != nil {
		return err
	}

	if sess.State == session.StateConnected {
		if sink, ok := d.sinkFor(clientID, sess.ConnID); ok {
			if err := sink.Enqueue(wire.Event{
				Sequence: seq,
				Type:     ev.Type,
				Priority: ev.Priority,
				Payload:  ev.Payload,
			}); err == nil {
				return nil
			}
			// Sink closed under us: routine churn, fall through to buffer.
			// The gateway or heartbeat monitor owns the state transition.
			d.log.InfoContext(ctx, "dispatch.sink.closed", slog.String("client_id", clientID))
		}
		// Connected with no usable sink: either the connection is mid
		// admission (sink not attached yet; the coordinator's drain will
		// pick this event up) or on its way down (the buffered event rides
		// along to the next reconnect). Buffer without a state change.
	}

	evicted, err := store.AppendMissed(ctx, clientID, session.MissedEvent{
		Sequence:   seq,
		Type:       ev.Type,
		Priority:   ev.Priority,
		Payload:    ev.Payload,
		EnqueuedAt: d.now().UTC(),
	}, d.capacity)
	if err != nil {
		return fmt.Errorf("append missed: %w", err)
	}
	if evicted {
		d.log.DebugContext(ctx, "dispatch.buffer.evict", slog.String("client_id", clientID), slog.Uint64("seq", seq))
	}
	return nil
}
