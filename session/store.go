package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the client ID has no session in the store.
var ErrNotFound = errors.New("session not found")

// Store persists session records and their missed-event logs.
//
// Implementations must be safe for concurrent use, but are not required to
// make multi-call compositions atomic: callers that need a read-modify-write
// spanning several calls (the Registry and Dispatcher do) serialize them
// under the Registry's per-client lock. A single process must therefore own
// all writes for a given client ID at a time; running multiple instances
// against one shared store requires sticky routing of clients to instances.
type Store interface {
	// PutSession creates or overwrites the session record.
	PutSession(ctx context.Context, sess *ClientSession) error

	// GetSession returns a snapshot of the session, or ErrNotFound.
	GetSession(ctx context.Context, clientID string) (*ClientSession, error)

	// MutateSession applies fn to the current record and persists the
	// result. Returns ErrNotFound if absent; fn errors abort the write.
	MutateSession(ctx context.Context, clientID string, fn func(*ClientSession) error) error

	// DeleteSession removes the session record and its missed-event log.
	// Removing an absent session is not an error.
	DeleteSession(ctx context.Context, clientID string) error

	// ListSessions returns a snapshot of every session record.
	ListSessions(ctx context.Context) ([]*ClientSession, error)

	// AppendMissed appends one event to the client's missed-event log,
	// evicting the oldest entry first when the log is at capacity. When an
	// eviction occurs the session's HadLoss flag is set in the same
	// operation and evicted is true.
	AppendMissed(ctx context.Context, clientID string, ev MissedEvent, capacity int) (evicted bool, err error)

	// DrainMissed atomically removes and returns the client's missed events
	// in sequence order. An empty log yields an empty slice.
	DrainMissed(ctx context.Context, clientID string) ([]MissedEvent, error)

	// RestoreMissed puts drained events back at the front of the log, in
	// order, for retry after a failed hand-off.
	RestoreMissed(ctx context.Context, clientID string, evs []MissedEvent) error

	// PruneMissed drops events enqueued before the cutoff, setting the
	// session's HadLoss flag when anything was removed. Returns the number
	// of removed events.
	PruneMissed(ctx context.Context, clientID string, cutoff time.Time) (removed int, err error)
}
