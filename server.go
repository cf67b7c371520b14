package pushwire

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pushwire/pushwire-go/admin"
	"github.com/pushwire/pushwire-go/auth"
	"github.com/pushwire/pushwire-go/config"
	"github.com/pushwire/pushwire-go/dispatch"
	"github.com/pushwire/pushwire-go/gateway"
	"github.com/pushwire/pushwire-go/internal/logctx"
	"github.com/pushwire/pushwire-go/monitor"
	"github.com/pushwire/pushwire-go/session"
)

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	log      *slog.Logger
	now      func() time.Time
	policies session.PolicyTable
}

// WithLogger sets the slog logger shared by every component. If not
// provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(o *serverOptions) { o.log = log }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *serverOptions) { o.now = now }
}

// WithKindPolicies overrides the per-client-kind delivery policy table.
func WithKindPolicies(t session.PolicyTable) Option {
	return func(o *serverOptions) { o.policies = t }
}

// Server is the assembled subsystem. Construct with New, call Start to
// launch the background sweeps, hand inbound connections to
// HandleConnection, publish through Publish, and stop with Shutdown.
type Server struct {
	cfg  config.Config
	log  *slog.Logger
	reg  *session.Registry
	disp *dispatch.Dispatcher
	gw   *gateway.Gateway
	hb   *monitor.Heartbeat
	cln  *monitor.Cleanup

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
}

// New wires the registry, dispatcher, gateway, and monitors around the given
// store and authenticator.
func New(cfg config.Config, authn auth.Authenticator, store session.Store, opts ...Option) *Server {
	o := serverOptions{
		log:      slog.New(slog.DiscardHandler),
		now:      time.Now,
		policies: session.DefaultPolicies(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	log := slog.New(logctx.Handler{Handler: o.log.Handler()})

	reg := session.NewRegistry(store, session.WithLogger(log), session.WithClock(o.now))
	disp := dispatch.New(reg, cfg.MissedEventCapacity, dispatch.WithLogger(log))
	gw := gateway.New(reg, disp, authn,
		gateway.WithLogger(log),
		gateway.WithPolicies(o.policies),
		gateway.WithReconnectPolicy(cfg.Reconnect.Policy()),
		gateway.WithAdmissionTimeout(cfg.AdmissionTimeout),
	)

	s := &Server{
		cfg:  cfg,
		log:  log,
		reg:  reg,
		disp: disp,
		gw:   gw,
	}
	s.hb = monitor.NewHeartbeat(reg, cfg.HeartbeatInterval, cfg.HeartbeatTimeoutMultiplier,
		func(clientID, connID string) { gw.Drop(clientID, connID) },
		monitor.WithLogger(log), monitor.WithClock(o.now))
	s.cln = monitor.NewCleanup(reg, cfg.CleanupInterval, cfg.MissedEventRetention,
		monitor.WithLogger(log), monitor.WithClock(o.now))
	return s
}

// Start launches the heartbeat and cleanup sweeps. Idempotent.
func (s *Server) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		s.hb.Start(ctx)
		s.cln.Start(ctx)
		s.log.InfoContext(ctx, "server.start",
			slog.Duration("heartbeat_interval", s.cfg.HeartbeatInterval),
			slog.Duration("retention", s.cfg.MissedEventRetention))
	})
}

// Shutdown stops the sweeps and tears down every live connection, marking
// their sessions disconnected so clients can resume against a restarted
// instance sharing the store. Idempotent.
func (s *Server) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.hb.Close()
		s.cln.Close()
		s.gw.CloseAll(ctx)
		s.log.InfoContext(ctx, "server.stop")
	})
}

// HandleConnection admits one transport connection and blocks for its
// lifetime. Callers typically invoke it from their accept loop, one goroutine
// per connection.
func (s *Server) HandleConnection(ctx context.Context, t gateway.Transport) error {
	return s.gw.Handle(ctx, t)
}

// Publish fans a domain event out to every matching session, live or
// buffered.
func (s *Server) Publish(ctx context.Context, ev dispatch.DomainEvent) error {
	return s.disp.Publish(ctx, ev)
}

// AdminHandler returns the administrative HTTP surface. Mount it on an
// internal listener only.
func (s *Server) AdminHandler() http.Handler {
	return admin.NewHandler(s.reg, s.gw, admin.WithLogger(s.log))
}

// SetReconnectPolicy replaces the advisory backoff policy for future
// admissions. Satisfies config.PolicyUpdater for hot reload.
func (s *Server) SetReconnectPolicy(p session.ReconnectPolicy) {
	s.gw.SetReconnectPolicy(p)
}

// Registry exposes the session registry for inspection and tests.
func (s *Server) Registry() *session.Registry { return s.reg }

var _ config.PolicyUpdater = (*Server)(nil)
