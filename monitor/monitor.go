// Package monitor owns the two background sweeps of the subsystem: the
// heartbeat monitor that detects dead connections the transport never
// reported closed, and the cleanup scheduler that bounds memory by evicting
// expired sessions and stale missed events.
//
// Both sweeps are explicitly-owned repeating tasks with Start/Close hooks,
// and both expose SweepOnce so tests drive them deterministically instead of
// sleeping.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pushwire/pushwire-go/session"
)

// StaleFunc is invoked for each connection the heartbeat sweep declared
// dead, after its session has been marked disconnected. The gateway uses it
// to close the transport and detach the delivery sink.
type StaleFunc func(clientID, connID string)

// Option configures a monitor.
type Option func(*options)

type options struct {
	log *slog.Logger
	now func() time.Time
}

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{log: slog.New(slog.DiscardHandler), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Heartbeat periodically sweeps Connected sessions and disconnects those
// whose liveness signal has lapsed. Missed heartbeats are routine transport
// churn: they produce a state transition, never a user-visible error.
type Heartbeat struct {
	reg      *session.Registry
	interval time.Duration
	timeout  time.Duration
	onStale  StaleFunc
	opts     options

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewHeartbeat builds the monitor. The sweep runs every interval; a session
// is stale once now - last_heartbeat exceeds interval * multiplier (values
// below 2 are clamped to 2 so a single late heartbeat is never fatal).
func NewHeartbeat(reg *session.Registry, interval time.Duration, multiplier int, onStale StaleFunc, opts ...Option) *Heartbeat {
	if multiplier < 2 {
		multiplier = 2
	}
	return &Heartbeat{
		reg:      reg,
		interval: interval,
		timeout:  interval * time.Duration(multiplier),
		onStale:  onStale,
		opts:     buildOptions(opts),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop. It runs until Close is called or ctx ends.
func (h *Heartbeat) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case <-ticker.C:
				if _, err := h.SweepOnce(ctx, h.opts.now()); err != nil && ctx.Err() == nil {
					h.opts.log.ErrorContext(ctx, "sweep.heartbeat.fail", slog.String("err", err.Error()))
				}
			}
		}
	}()
}

// Close stops the sweep loop and waits for it to exit.
func (h *Heartbeat) Close() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

// SweepOnce scans every session once, disconnecting those whose heartbeat
// lapsed before now - timeout. Returns the number of stale connections.
func (h *Heartbeat) SweepOnce(ctx context.Context, now time.Time) (stale int, err error) {
	sessions, err := h.reg.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-h.timeout)
	for _, snap := range sessions {
		if err := ctx.Err(); err != nil {
			return stale, err
		}
		if snap.State != session.StateConnected {
			continue
		}
		if !snap.LastHeartbeatAt.Before(cutoff) {
			continue
		}
		connID, err := h.reg.DisconnectIfHeartbeatStale(ctx, snap.ClientID, cutoff)
		if err != nil {
			h.opts.log.ErrorContext(ctx, "sweep.heartbeat.session.fail",
				slog.String("client_id", snap.ClientID),
				slog.String("err", err.Error()))
			continue
		}
		if connID == "" {
			// Heartbeat arrived between snapshot and re-check.
			continue
		}
		stale++
		if h.onStale != nil {
			h.onStale(snap.ClientID, connID)
		}
	}
	if stale > 0 {
		h.opts.log.InfoContext(ctx, "sweep.heartbeat.stale", slog.Int("count", stale))
	}
	return stale, nil
}

// Cleanup periodically prunes missed events past the retention window and
// removes sessions that stayed disconnected past retention, bounding memory
// for long-gone clients regardless of event volume.
type Cleanup struct {
	reg       *session.Registry
	interval  time.Duration
	retention time.Duration
	opts      options

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCleanup builds the scheduler. The sweep runs every interval; sessions
// and missed events older than retention are evicted.
func NewCleanup(reg *session.Registry, interval, retention time.Duration, opts ...Option) *Cleanup {
	return &Cleanup{
		reg:       reg,
		interval:  interval,
		retention: retention,
		opts:      buildOptions(opts),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the sweep loop. It runs until Close is called or ctx ends.
func (c *Cleanup) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if _, err := c.SweepOnce(ctx, c.opts.now()); err != nil && ctx.Err() == nil {
					c.opts.log.ErrorContext(ctx, "sweep.cleanup.fail", slog.String("err", err.Error()))
				}
			}
		}
	}()
}

// Close stops the sweep loop and waits for it to exit.
func (c *Cleanup) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// SweepOnce scans every session once: prunes missed events enqueued before
// now - retention, expires sessions disconnected for at least retention, and
// removes expired sessions. Returns the number of sessions removed.
func (c *Cleanup) SweepOnce(ctx context.Context, now time.Time) (removed int, err error) {
	sessions, err := c.reg.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-c.retention)
	for _, snap := range sessions {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if snap.State == session.StateDisconnected {
			if n, err := c.reg.Store().PruneMissed(ctx, snap.ClientID, cutoff); err != nil && err != session.ErrNotFound {
				c.opts.log.ErrorContext(ctx, "sweep.cleanup.prune.fail",
					slog.String("client_id", snap.ClientID),
					slog.String("err", err.Error()))
			} else if n > 0 {
				c.opts.log.DebugContext(ctx, "sweep.cleanup.prune",
					slog.String("client_id", snap.ClientID),
					slog.Int("count", n))
			}
			expired, err := c.reg.ExpireIfStale(ctx, snap.ClientID, now, c.retention)
			if err != nil {
				c.opts.log.ErrorContext(ctx, "sweep.cleanup.expire.fail",
					slog.String("client_id", snap.ClientID),
					slog.String("err", err.Error()))
				continue
			}
			if !expired {
				continue
			}
		} else if snap.State != session.StateExpired {
			continue
		}
		if err := c.reg.Remove(ctx, snap.ClientID); err != nil {
			c.opts.log.ErrorContext(ctx, "sweep.cleanup.remove.fail",
				slog.String("client_id", snap.ClientID),
				slog.String("err", err.Error()))
			continue
		}
		removed++
	}
	if removed > 0 {
		c.opts.log.InfoContext(ctx, "sweep.cleanup.removed", slog.Int("count", removed))
	}
	return removed, nil
}
