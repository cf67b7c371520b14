package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pushwire/pushwire-go/session"
	"github.com/pushwire/pushwire-go/wire"
)

var errSinkClosed = errors.New("gateway: sink closed")

// conn owns one physical connection: the transport, the pending-event queue
// the dispatcher enqueues into, and the writer goroutine that flushes it
// according to the client kind's cadence.
//
// The queue starts paused so nothing can overtake the reconnection sync
// payload; the coordinator unpauses after the sync frame is on the wire.
type conn struct {
	id        string
	clientID  string
	transport Transport
	policy    session.KindPolicy
	log       *slog.Logger

	sendMu sync.Mutex // serializes transport.Send across writer and read loop

	mu      sync.Mutex
	pending []wire.Event
	paused  bool
	closed  bool
	wake    chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id, clientID string, t Transport, policy session.KindPolicy, log *slog.Logger) *conn {
	return &conn{
		id:        id,
		clientID:  clientID,
		transport: t,
		policy:    policy,
		log:       log,
		paused:    true,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Enqueue implements dispatch.Sink. It only appends to the in-memory queue;
// the writer goroutine does the actual sending.
func (c *conn) Enqueue(ev wire.Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errSinkClosed
	}
	c.pending = append(c.pending, ev)
	c.mu.Unlock()
	c.signal()
	return nil
}

func (c *conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// unpause releases queued events for sending.
func (c *conn) unpause() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.signal()
}

// take removes and returns all pending events, or nil while paused/empty.
func (c *conn) take() []wire.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || len(c.pending) == 0 {
		return nil
	}
	evs := c.pending
	c.pending = nil
	return evs
}

// drainPending removes and returns whatever is queued, paused or not. Called
// during teardown to re-buffer undelivered events.
func (c *conn) drainPending() []wire.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	evs := c.pending
	c.pending = nil
	return evs
}

// restorePending puts taken-but-unsent events back at the front of the queue
// so drainPending sees them ahead of anything enqueued meanwhile, in sequence
// order.
func (c *conn) restorePending(evs []wire.Event) {
	if len(evs) == 0 {
		return
	}
	c.mu.Lock()
	merged := make([]wire.Event, 0, len(evs)+len(c.pending))
	merged = append(merged, evs...)
	merged = append(merged, c.pending...)
	c.pending = merged
	c.mu.Unlock()
}

// send serializes writes to the transport.
func (c *conn) send(ctx context.Context, msg *wire.Message) error {
	select {
	case <-c.done:
		return errSinkClosed
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.transport.Send(ctx, msg)
}

// close marks the conn dead and closes the transport. Pending events stay in
// the queue; drainPending hands them back for buffering.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		_ = c.transport.Close()
	})
}

// startWriter launches the flush goroutine. onDead runs once if a send
// fails; the gateway uses it to tear the connection down.
func (c *conn) startWriter(ctx context.Context, onDead func()) {
	go func() {
		if err := c.writeLoop(ctx); err != nil {
			c.log.DebugContext(ctx, "gateway.write.fail",
				slog.String("client_id", c.clientID),
				slog.String("conn_id", c.id),
				slog.String("err", err.Error()))
			onDead()
		}
	}()
}

// writeLoop flushes pending events until the conn closes. Batched kinds wait
// one batch window after the first pending event to coalesce its successors;
// immediate kinds flush each event as its own frame.
func (c *conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case <-c.wake:
		}

		if c.policy.BatchWindow > 0 {
			timer := time.NewTimer(c.policy.BatchWindow)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-c.done:
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}

		evs := c.take()
		if len(evs) == 0 {
			continue
		}
		if unsent, err := c.flush(ctx, evs); err != nil {
			// The unsent events already carry sequence numbers; put them
			// back so teardown restores them to the missed log.
			c.restorePending(unsent)
			return err
		}
	}
}

// flush sends the given events. On failure it returns the events that did not
// make it onto the wire alongside the error.
func (c *conn) flush(ctx context.Context, evs []wire.Event) ([]wire.Event, error) {
	if c.policy.BatchWindow <= 0 {
		for i, ev := range evs {
			if err := c.send(ctx, wire.NewEvent(ev)); err != nil {
				return evs[i:], err
			}
		}
		return nil, nil
	}
	max := c.policy.MaxBatch
	if max <= 0 {
		max = len(evs)
	}
	for len(evs) > 0 {
		n := min(len(evs), max)
		if err := c.send(ctx, wire.NewEventBatch(evs[:n])); err != nil {
			return evs, err
		}
		evs = evs[n:]
	}
	return nil, nil
}
