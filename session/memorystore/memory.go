// Package memorystore provides an in-process implementation of
// session.Store. It is the reference implementation used by tests and
// single-node deployments; state does not survive a process restart.
package memorystore

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/pushwire/pushwire-go/session"
)

// Store implements session.Store with a map of per-client entries. Each
// entry carries its own mutex so operations on different clients do not
// contend.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu     sync.Mutex
	sess   *session.ClientSession
	missed *queue.Queue // of session.MissedEvent, head = oldest
}

// New creates an empty store.
func New() *Store {
	return &Store{entries: make(map[string]*entry)}
}

var _ session.Store = (*Store)(nil)

func (s *Store) get(clientID string) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[clientID]
	s.mu.RUnlock()
	return e, ok
}

func (s *Store) PutSession(ctx context.Context, sess *session.ClientSession) error {
	s.mu.Lock()
	e, ok := s.entries[sess.ClientID]
	if !ok {
		e = &entry{missed: queue.New()}
		s.entries[sess.ClientID] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	e.sess = sess.Clone()
	e.mu.Unlock()
	return nil
}

func (s *Store) GetSession(ctx context.Context, clientID string) (*session.ClientSession, error) {
	e, ok := s.get(clientID)
	if !ok {
		return nil, session.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil, session.ErrNotFound
	}
	return e.sess.Clone(), nil
}

func (s *Store) MutateSession(ctx context.Context, clientID string, fn func(*session.ClientSession) error) error {
	e, ok := s.get(clientID)
	if !ok {
		return session.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return session.ErrNotFound
	}
	cp := e.sess.Clone()
	if err := fn(cp); err != nil {
		return err
	}
	e.sess = cp
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, clientID string) error {
	s.mu.Lock()
	delete(s.entries, clientID)
	s.mu.Unlock()
	return nil
}

func (s *Store) ListSessions(ctx context.Context) ([]*session.ClientSession, error) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*session.ClientSession, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.sess != nil {
			out = append(out, e.sess.Clone())
		}
		e.mu.Unlock()
	}
	return out, nil
}

func (s *Store) AppendMissed(ctx context.Context, clientID string, ev session.MissedEvent, capacity int) (bool, error) {
	e, ok := s.get(clientID)
	if !ok {
		return false, session.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	evicted := false
	if capacity > 0 {
		for e.missed.Length() >= capacity {
			e.missed.Remove()
			evicted = true
		}
	}
	e.missed.Add(ev)
	if evicted && e.sess != nil {
		e.sess.HadLoss = true
	}
	return evicted, nil
}

func (s *Store) DrainMissed(ctx context.Context, clientID string) ([]session.MissedEvent, error) {
	e, ok := s.get(clientID)
	if !ok {
		return nil, session.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]session.MissedEvent, 0, e.missed.Length())
	for e.missed.Length() > 0 {
		out = append(out, e.missed.Remove().(session.MissedEvent))
	}
	return out, nil
}

func (s *Store) RestoreMissed(ctx context.Context, clientID string, evs []session.MissedEvent) error {
	if len(evs) == 0 {
		return nil
	}
	e, ok := s.get(clientID)
	if !ok {
		return session.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	// The queue has no prepend; rebuild with the restored entries in front.
	q := queue.New()
	for _, ev := range evs {
		q.Add(ev)
	}
	for e.missed.Length() > 0 {
		q.Add(e.missed.Remove())
	}
	e.missed = q
	return nil
}

func (s *Store) PruneMissed(ctx context.Context, clientID string, cutoff time.Time) (int, error) {
	e, ok := s.get(clientID)
	if !ok {
		return 0, session.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	// Entries are enqueued in time order, so pruning only ever pops from the
	// head.
	removed := 0
	for e.missed.Length() > 0 {
		head := e.missed.Peek().(session.MissedEvent)
		if !head.EnqueuedAt.Before(cutoff) {
			break
		}
		e.missed.Remove()
		removed++
	}
	if removed > 0 && e.sess != nil {
		e.sess.HadLoss = true
	}
	return removed, nil
}
