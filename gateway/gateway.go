// Package gateway accepts transport connections, resolves identity through
// the authentication collaborator, and is the sole caller that tells the
// session registry "connected" / "disconnected". It also houses the
// reconnection coordinator: on resume it drains the missed-event log and
// ships the synchronization payload before any live event.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pushwire/pushwire-go/auth"
	"github.com/pushwire/pushwire-go/dispatch"
	"github.com/pushwire/pushwire-go/internal/logctx"
	"github.com/pushwire/pushwire-go/session"
	"github.com/pushwire/pushwire-go/wire"
)

// Transport is the logical send/receive surface of one client connection.
// Framing and socket handling live below this interface and are out of
// scope. Implementations must support concurrent Send calls and must unblock
// Receive when Close is called.
type Transport interface {
	// Receive blocks until the next inbound message, ctx cancellation, or
	// connection close (io.EOF or a transport-specific error).
	Receive(ctx context.Context) (*wire.Message, error)
	// Send writes one message to the client.
	Send(ctx context.Context, msg *wire.Message) error
	// Close tears the connection down. Safe to call more than once.
	Close() error
}

var (
	// ErrHelloExpected indicates the first client frame was not a hello.
	ErrHelloExpected = errors.New("gateway: expected hello as first message")
)

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) { g.log = log }
}

// WithPolicies overrides the per-client-kind delivery policy table.
func WithPolicies(t session.PolicyTable) Option {
	return func(g *Gateway) { g.policies = t }
}

// WithReconnectPolicy sets the advisory backoff metadata handed to clients.
func WithReconnectPolicy(p session.ReconnectPolicy) Option {
	return func(g *Gateway) { g.reconnect = p }
}

// WithAdmissionTimeout bounds how long the gateway waits for the hello
// frame. Non-positive values keep the default.
func WithAdmissionTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.admissionTimeout = d
		}
	}
}

// Gateway admits connections and runs their read loops. Safe for concurrent
// use; each connection is handled on its caller's goroutine plus one writer
// goroutine.
type Gateway struct {
	reg      *session.Registry
	disp     *dispatch.Dispatcher
	authn    auth.Authenticator
	policies session.PolicyTable
	log      *slog.Logger

	admissionTimeout time.Duration

	policyMu  sync.RWMutex
	reconnect session.ReconnectPolicy

	connMu sync.Mutex
	conns  map[string]*conn
}

// New builds a Gateway wired to the registry, dispatcher, and authenticator.
func New(reg *session.Registry, disp *dispatch.Dispatcher, authn auth.Authenticator, opts ...Option) *Gateway {
	g := &Gateway{
		reg:              reg,
		disp:             disp,
		authn:            authn,
		policies:         session.DefaultPolicies(),
		log:              slog.New(slog.DiscardHandler),
		admissionTimeout: 10 * time.Second,
		conns:            make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetReconnectPolicy replaces the advisory policy for future admissions.
// Used by configuration hot reload; existing sessions keep what they got.
func (g *Gateway) SetReconnectPolicy(p session.ReconnectPolicy) {
	g.policyMu.Lock()
	g.reconnect = p
	g.policyMu.Unlock()
}

func (g *Gateway) reconnectPolicy() session.ReconnectPolicy {
	g.policyMu.RLock()
	defer g.policyMu.RUnlock()
	return g.reconnect
}

// Handle admits one connection and blocks for its lifetime. It returns nil
// on routine disconnect; errors are admission failures (bad hello, failed
// authentication) after which the transport is closed.
func (g *Gateway) Handle(ctx context.Context, t Transport) error {
	helloCtx, cancel := context.WithTimeout(ctx, g.admissionTimeout)
	msg, err := t.Receive(helloCtx)
	cancel()
	if err != nil {
		_ = t.Close()
		return fmt.Errorf("gateway: read hello: %w", err)
	}
	if msg.Type != wire.TypeHello || msg.Hello == nil {
		_ = t.Close()
		return ErrHelloExpected
	}
	hello := msg.Hello

	identity, err := g.authn.Authenticate(ctx, hello.Credential)
	if err != nil {
		g.log.WarnContext(ctx, "gateway.auth.fail", slog.String("err", err.Error()))
		_ = t.Close()
		return fmt.Errorf("gateway: %w", err)
	}

	clientID := identity.ClientID()
	connID := uuid.NewString()
	policy := g.policies.For(hello.ClientKind)

	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnID: connID, Kind: hello.ClientKind})
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{ClientID: clientID, TenantID: identity.TenantID()})

	sess, resumed, prevConnID, err := g.reg.Register(ctx, session.RegisterParams{
		ClientID:           clientID,
		TenantID:           identity.TenantID(),
		Kind:               hello.ClientKind,
		Preferences:        hello.Preferences,
		ConnID:             connID,
		Watermark:          g.disp.Watermark(),
		Policy:             g.reconnectPolicy(),
		DefaultPreferences: policy.DefaultPreferences,
	})
	if err != nil {
		_ = t.Close()
		return fmt.Errorf("gateway: register: %w", err)
	}
	if prevConnID != "" {
		// Last-writer-wins: the superseded connection is closed cleanly, not
		// left half-alive delivering to a second socket.
		g.Drop(clientID, prevConnID)
	}

	c := newConn(connID, clientID, t, policy, g.log)
	g.connMu.Lock()
	g.conns[connID] = c
	g.connMu.Unlock()

	if err := g.resume(ctx, c, sess, resumed); err != nil {
		g.teardown(ctx, c)
		return nil // routine churn: the client will retry
	}

	c.startWriter(ctx, func() { g.teardown(ctx, c) })
	g.log.InfoContext(ctx, "gateway.admit",
		slog.String("client_id", clientID),
		slog.String("conn_id", connID),
		slog.String("kind", string(hello.ClientKind)),
		slog.Bool("resumed", resumed))

	g.readLoop(ctx, c)
	g.teardown(ctx, c)
	return nil
}

// resume is the reconnection coordinator: drain under the session lock,
// attach the paused sink in the same critical section, release, then send
// the sync payload. Sending never happens while the lock is held, so a slow
// transport cannot stall dispatch for this client.
func (g *Gateway) resume(ctx context.Context, c *conn, sess *session.ClientSession, resumed bool) error {
	store := g.reg.Store()

	unlock := g.reg.Lock(c.clientID)
	// Drain even on first contact: an event published between registration
	// and this critical section lands in the missed log and must ride the
	// sync payload, not wait for a later reconnect.
	drained, err := store.DrainMissed(ctx, c.clientID)
	if err != nil {
		unlock()
		return fmt.Errorf("drain: %w", err)
	}
	cur, err := store.GetSession(ctx, c.clientID)
	if err != nil {
		unlock()
		if len(drained) > 0 {
			_ = store.RestoreMissed(ctx, c.clientID, drained)
		}
		return fmt.Errorf("session snapshot: %w", err)
	}
	hadLoss := cur.HadLoss
	// Attaching inside the critical section closes the gap where a
	// concurrently dispatched event would be neither drained nor queued.
	g.disp.AttachSink(c.clientID, c.id, c)
	unlock()

	// Filter replay against the preferences presented now, not the snapshot
	// stored at disconnect time: the client may have unsubscribed while away.
	filtered := make([]wire.Event, 0, len(drained))
	for _, ev := range drained {
		if !cur.Preferences.Wants(ev.Type, ev.Priority) {
			continue
		}
		filtered = append(filtered, wire.FromMissed(ev))
	}

	policy := cur.ReconnectPolicy
	sync := &wire.ReconnectionSync{
		MissedEvents:   filtered,
		HadLoss:        hadLoss,
		SequenceCursor: cur.SequenceCursor,
		Policy:         &policy,
	}
	if err := c.send(ctx, &wire.Message{Type: wire.TypeReconnectionSync, Sync: sync}); err != nil {
		// Hand-off failed: nothing is lost. The drained events plus anything
		// the dispatcher queued into the paused sink during the send go back
		// as one batch, drained first: the queued events were sequenced
		// after the drain, so this keeps the log in sequence order.
		restoreCtx := context.WithoutCancel(ctx)
		unlock := g.reg.Lock(c.clientID)
		g.disp.DetachSink(c.clientID, c.id)
		restore := drained
		if pending := c.drainPending(); len(pending) > 0 {
			now := g.reg.Clock()().UTC()
			for _, ev := range pending {
				restore = append(restore, session.MissedEvent{
					Sequence:   ev.Sequence,
					Type:       ev.Type,
					Priority:   ev.Priority,
					Payload:    ev.Payload,
					EnqueuedAt: now,
				})
			}
		}
		if len(restore) > 0 {
			if rerr := store.RestoreMissed(restoreCtx, c.clientID, restore); rerr != nil {
				g.log.ErrorContext(ctx, "gateway.sync.restore.fail",
					slog.String("client_id", c.clientID),
					slog.String("err", rerr.Error()))
			}
		}
		unlock()
		_ = g.reg.MarkDisconnected(restoreCtx, c.clientID, c.id)
		g.log.InfoContext(ctx, "gateway.sync.send.fail",
			slog.String("client_id", c.clientID),
			slog.String("err", err.Error()))
		return err
	}
	if hadLoss {
		unlock := g.reg.Lock(c.clientID)
		_ = g.reg.ClearLoss(ctx, c.clientID)
		unlock()
	}
	if resumed {
		g.log.InfoContext(ctx, "gateway.sync.sent",
			slog.String("client_id", c.clientID),
			slog.Int("replayed", len(filtered)),
			slog.Bool("had_loss", hadLoss))
	}
	c.unpause()
	return nil
}

func (g *Gateway) readLoop(ctx context.Context, c *conn) {
	for {
		msg, err := c.transport.Receive(ctx)
		if err != nil {
			// EOF, transport error, cancellation: all routine churn.
			g.log.DebugContext(ctx, "gateway.conn.closed",
				slog.String("client_id", c.clientID),
				slog.String("conn_id", c.id))
			return
		}
		// Any inbound traffic proves liveness, not just explicit heartbeats.
		if err := g.reg.Heartbeat(ctx, c.clientID); err != nil {
			g.log.ErrorContext(ctx, "gateway.heartbeat.fail",
				slog.String("client_id", c.clientID),
				slog.String("err", err.Error()))
		}
		switch msg.Type {
		case wire.TypeHeartbeat:
			if err := c.send(ctx, wire.NewHeartbeatAck()); err != nil {
				return
			}
		default:
			g.log.WarnContext(ctx, "gateway.message.unexpected",
				slog.String("client_id", c.clientID),
				slog.String("type", string(msg.Type)))
		}
	}
}

// teardown detaches the sink, closes the connection, puts any events that
// were queued but never flushed back at the front of the missed-event log
// (they carry already-assigned sequence numbers, so they must precede
// anything buffered after them), and marks the session disconnected iff this
// connection still holds it. Idempotent.
func (g *Gateway) teardown(ctx context.Context, c *conn) {
	ctx = context.WithoutCancel(ctx)
	g.disp.DetachSink(c.clientID, c.id)
	g.connMu.Lock()
	delete(g.conns, c.id)
	g.connMu.Unlock()
	c.close()

	if pending := c.drainPending(); len(pending) > 0 {
		now := g.reg.Clock()().UTC()
		missed := make([]session.MissedEvent, 0, len(pending))
		for _, ev := range pending {
			missed = append(missed, session.MissedEvent{
				Sequence:   ev.Sequence,
				Type:       ev.Type,
				Priority:   ev.Priority,
				Payload:    ev.Payload,
				EnqueuedAt: now,
			})
		}
		unlock := g.reg.Lock(c.clientID)
		if err := g.reg.Store().RestoreMissed(ctx, c.clientID, missed); err != nil && err != session.ErrNotFound {
			g.log.ErrorContext(ctx, "gateway.rebuffer.fail",
				slog.String("client_id", c.clientID),
				slog.String("err", err.Error()))
		}
		unlock()
	}

	_ = g.reg.MarkDisconnected(ctx, c.clientID, c.id)
}

// Drop closes the identified connection if it is still live. Used when a
// session is superseded, when the heartbeat monitor declares a connection
// dead, and by the administrative force-disconnect.
func (g *Gateway) Drop(clientID, connID string) {
	g.connMu.Lock()
	c, ok := g.conns[connID]
	g.connMu.Unlock()
	if !ok {
		g.disp.DetachSink(clientID, connID)
		return
	}
	g.teardown(context.Background(), c)
	g.log.Info("gateway.conn.drop",
		slog.String("client_id", clientID),
		slog.String("conn_id", connID))
}

// DropClient closes whichever connection currently holds the client's
// session and marks it disconnected. Administrative use.
func (g *Gateway) DropClient(ctx context.Context, clientID string) {
	sess, err := g.reg.Get(ctx, clientID)
	if err == nil && sess.ConnID != "" {
		g.Drop(clientID, sess.ConnID)
	}
	_ = g.reg.MarkDisconnected(ctx, clientID, "")
}

// CloseAll tears down every live connection. Called on server shutdown.
func (g *Gateway) CloseAll(ctx context.Context) {
	g.connMu.Lock()
	conns := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.connMu.Unlock()
	for _, c := range conns {
		g.teardown(ctx, c)
	}
}
