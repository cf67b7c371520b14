package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// Registry is the single source of truth for session existence and state.
// All state transitions go through it; collaborating components never write
// a session's connection state directly.
//
// Mutations for one client ID are linearizable: every operation (and every
// multi-step composition run under Lock) holds that client's mutex for its
// duration. Operations on different client IDs do not serialize against each
// other.
type Registry struct {
	store Store
	locks *keyedMutex
	log   *slog.Logger
	now   func() time.Time
}

// NewRegistry builds a Registry on top of the given store.
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store: store,
		locks: newKeyedMutex(),
		log:   slog.New(slog.DiscardHandler),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lock acquires the per-client mutex and returns its unlock function. It is
// the serialization point for collaborators that compose several store calls
// into one logical operation (sequence assignment + append, drain + hand-off).
// Callers must not perform network sends while holding the lock.
func (r *Registry) Lock(clientID string) (unlock func()) {
	return r.locks.lock(clientID)
}

// RegisterParams carries everything the gateway knows at admission time.
type RegisterParams struct {
	ClientID string
	TenantID string
	Kind     ClientKind

	// Preferences presented at connection time. Nil keeps the stored
	// snapshot (or the kind default for a new session).
	Preferences *Preferences

	// ConnID identifies the new physical connection.
	ConnID string

	// Watermark seeds the sequence cursor of a brand-new session so it does
	// not replay events produced before it existed.
	Watermark uint64

	// Policy is the advisory reconnect policy to store with the session.
	Policy ReconnectPolicy

	// DefaultPreferences applies when Preferences is nil and no session
	// exists yet (typically the kind policy's default).
	DefaultPreferences Preferences
}

// Register creates a session if absent, or re-marks the existing one
// Connected. There is no separate create path that could silently reset
// state: registering a Disconnected session is a resume (resumed=true), and
// registering over a live connection supersedes it last-writer-wins, with
// the old connection ID returned so the caller can close it.
//
// A session found in StateExpired (swept but not yet removed) is replaced by
// a fresh session seeded at the watermark, exactly as if it were absent.
func (r *Registry) Register(ctx context.Context, p RegisterParams) (sess *ClientSession, resumed bool, prevConnID string, err error) {
	if p.ClientID == "" {
		return nil, false, "", fmt.Errorf("register: empty client id")
	}
	unlock := r.locks.lock(p.ClientID)
	defer unlock()

	now := r.now().UTC()

	cur, err := r.store.GetSession(ctx, p.ClientID)
	if err != nil && err != ErrNotFound {
		return nil, false, "", fmt.Errorf("register: %w", err)
	}

	if cur == nil || cur.State == StateExpired {
		prefs := p.DefaultPreferences
		if p.Preferences != nil {
			prefs = *p.Preferences
		}
		fresh := &ClientSession{
			ClientID:        p.ClientID,
			TenantID:        p.TenantID,
			Kind:            p.Kind,
			State:           StateConnected,
			ConnID:          p.ConnID,
			SequenceCursor:  p.Watermark,
			Preferences:     prefs,
			ReconnectPolicy: p.Policy,
			LastHeartbeatAt: now,
			CreatedAt:       now,
		}
		if cur != nil {
			// Expired session still present: discard its record and log so
			// the replacement starts clean.
			if err := r.store.DeleteSession(ctx, p.ClientID); err != nil {
				return nil, false, "", fmt.Errorf("register: discard expired: %w", err)
			}
		}
		if err := r.store.PutSession(ctx, fresh); err != nil {
			return nil, false, "", fmt.Errorf("register: %w", err)
		}
		r.log.InfoContext(ctx, "session.create",
			slog.String("client_id", p.ClientID),
			slog.String("kind", string(p.Kind)),
			slog.Uint64("cursor", p.Watermark))
		return fresh.Clone(), false, "", nil
	}

	prevConnID = ""
	if cur.State == StateConnected && cur.ConnID != p.ConnID {
		prevConnID = cur.ConnID
	}

	err = r.store.MutateSession(ctx, p.ClientID, func(s *ClientSession) error {
		s.State = StateConnected
		s.ConnID = p.ConnID
		s.Kind = p.Kind
		s.TenantID = p.TenantID
		if p.Preferences != nil {
			s.Preferences = *p.Preferences
		}
		s.ReconnectPolicy = p.Policy
		s.LastHeartbeatAt = now
		s.DisconnectedAt = time.Time{}
		sess = s.Clone()
		return nil
	})
	if err != nil {
		return nil, false, "", fmt.Errorf("register: %w", err)
	}
	if prevConnID != "" {
		r.log.InfoContext(ctx, "session.supersede",
			slog.String("client_id", p.ClientID),
			slog.String("old_conn_id", prevConnID))
	} else {
		r.log.InfoContext(ctx, "session.resume", slog.String("client_id", p.ClientID))
	}
	return sess, true, prevConnID, nil
}

// MarkDisconnected transitions Connected -> Disconnected and stamps
// DisconnectedAt. Unknown client IDs and sessions already disconnected are a
// no-op, not an error. A non-empty connID restricts the transition to the
// connection that currently holds the session, so a superseded connection's
// teardown cannot clobber its replacement. Pass an empty connID to
// disconnect unconditionally.
func (r *Registry) MarkDisconnected(ctx context.Context, clientID, connID string) error {
	unlock := r.locks.lock(clientID)
	defer unlock()
	return r.markDisconnectedLocked(ctx, clientID, connID)
}

// Heartbeat refreshes the session's liveness timestamp. Heartbeats for
// unknown or non-connected sessions are dropped silently: they are routine
// transport churn, never an error.
func (r *Registry) Heartbeat(ctx context.Context, clientID string) error {
	unlock := r.locks.lock(clientID)
	defer unlock()

	now := r.now().UTC()
	err := r.store.MutateSession(ctx, clientID, func(s *ClientSession) error {
		if s.State != StateConnected {
			return nil
		}
		s.LastHeartbeatAt = now
		return nil
	})
	if err == ErrNotFound {
		return nil
	}
	return err
}

// Get returns a snapshot of the session, or ErrNotFound.
func (r *Registry) Get(ctx context.Context, clientID string) (*ClientSession, error) {
	return r.store.GetSession(ctx, clientID)
}

// List returns a snapshot of every session.
func (r *Registry) List(ctx context.Context) ([]*ClientSession, error) {
	return r.store.ListSessions(ctx)
}

// DisconnectIfHeartbeatStale transitions Connected -> Disconnected iff the
// session's last heartbeat is before the cutoff, re-checking under the
// client lock so a concurrent heartbeat or reconnect is never clobbered.
// Returns the connection ID that was disconnected, or empty.
func (r *Registry) DisconnectIfHeartbeatStale(ctx context.Context, clientID string, cutoff time.Time) (string, error) {
	unlock := r.locks.lock(clientID)
	defer unlock()

	now := r.now().UTC()
	staleConn := ""
	err := r.store.MutateSession(ctx, clientID, func(s *ClientSession) error {
		if s.State != StateConnected {
			return nil
		}
		if !s.LastHeartbeatAt.Before(cutoff) {
			return nil
		}
		staleConn = s.ConnID
		s.State = StateDisconnected
		s.ConnID = ""
		s.DisconnectedAt = now
		return nil
	})
	if err == ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("disconnect stale: %w", err)
	}
	if staleConn != "" {
		r.log.InfoContext(ctx, "session.heartbeat.stale",
			slog.String("client_id", clientID),
			slog.String("conn_id", staleConn))
	}
	return staleConn, nil
}

// ExpireIfStale transitions Disconnected -> Expired iff the session has been
// disconnected for at least the retention window. Reports whether the
// transition happened.
func (r *Registry) ExpireIfStale(ctx context.Context, clientID string, now time.Time, retention time.Duration) (bool, error) {
	unlock := r.locks.lock(clientID)
	defer unlock()

	expired := false
	err := r.store.MutateSession(ctx, clientID, func(s *ClientSession) error {
		if s.State != StateDisconnected {
			return nil
		}
		if now.Sub(s.DisconnectedAt) < retention {
			return nil
		}
		s.State = StateExpired
		expired = true
		return nil
	})
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("expire: %w", err)
	}
	if expired {
		r.log.InfoContext(ctx, "session.expire", slog.String("client_id", clientID))
	}
	return expired, nil
}

// ForceExpire unconditionally expires the session, regardless of state or
// retention. Administrative/testing use only.
func (r *Registry) ForceExpire(ctx context.Context, clientID string) error {
	unlock := r.locks.lock(clientID)
	defer unlock()

	now := r.now().UTC()
	err := r.store.MutateSession(ctx, clientID, func(s *ClientSession) error {
		if s.State == StateConnected {
			s.ConnID = ""
			s.DisconnectedAt = now
		}
		s.State = StateExpired
		return nil
	})
	if err != nil {
		return fmt.Errorf("force expire: %w", err)
	}
	r.log.InfoContext(ctx, "session.expire.forced", slog.String("client_id", clientID))
	return nil
}

// Remove deletes the session record and its missed-event log. Only Expired
// sessions should be removed; callers transition first via ExpireIfStale or
// ForceExpire.
func (r *Registry) Remove(ctx context.Context, clientID string) error {
	unlock := r.locks.lock(clientID)
	defer unlock()

	if err := r.store.DeleteSession(ctx, clientID); err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	r.log.InfoContext(ctx, "session.remove", slog.String("client_id", clientID))
	return nil
}

func (r *Registry) markDisconnectedLocked(ctx context.Context, clientID, connID string) error {
	now := r.now().UTC()
	changed := false
	err := r.store.MutateSession(ctx, clientID, func(s *ClientSession) error {
		if s.State != StateConnected {
			return nil
		}
		if connID != "" && s.ConnID != connID {
			return nil
		}
		s.State = StateDisconnected
		s.ConnID = ""
		s.DisconnectedAt = now
		changed = true
		return nil
	})
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark disconnected: %w", err)
	}
	if changed {
		r.log.InfoContext(ctx, "session.disconnect", slog.String("client_id", clientID))
	}
	return nil
}

// ClearLoss resets the HadLoss flag after the loss has been reported to the
// client in a sync payload. Callers hold the client lock across the drain
// and the decision to clear, so this variant does not re-acquire it.
func (r *Registry) ClearLoss(ctx context.Context, clientID string) error {
	err := r.store.MutateSession(ctx, clientID, func(s *ClientSession) error {
		s.HadLoss = false
		return nil
	})
	if err == ErrNotFound {
		return nil
	}
	return err
}

// Store exposes the backing store for collaborators composing multi-step
// operations under Lock.
func (r *Registry) Store() Store { return r.store }

// Clock returns the registry's time source so sweeps and collaborators share
// one notion of now.
func (r *Registry) Clock() func() time.Time { return r.now }
