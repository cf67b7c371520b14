package monitor_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pushwire/pushwire-go/monitor"
	"github.com/pushwire/pushwire-go/session"
	"github.com/pushwire/pushwire-go/session/memorystore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func register(t *testing.T, reg *session.Registry, clientID, connID string) {
	t.Helper()
	_, _, _, err := reg.Register(t.Context(), session.RegisterParams{
		ClientID: clientID,
		Kind:     session.KindCLI,
		ConnID:   connID,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestHeartbeatSweepDisconnectsStale(t *testing.T) {
	clock := newFakeClock()
	reg := session.NewRegistry(memorystore.New(), session.WithClock(clock.Now))
	register(t, reg, "stale", "conn-s")
	register(t, reg, "fresh", "conn-f")

	var staleCalls []string
	hb := monitor.NewHeartbeat(reg, 30*time.Second, 2,
		func(clientID, connID string) { staleCalls = append(staleCalls, clientID+"/"+connID) },
		monitor.WithClock(clock.Now))

	// Keep "fresh" alive past the cutoff; let "stale" lapse.
	clock.Advance(45 * time.Second)
	if err := reg.Heartbeat(t.Context(), "fresh"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	clock.Advance(45 * time.Second)

	n, err := hb.SweepOnce(t.Context(), clock.Now())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("stale count = %d, want 1", n)
	}
	if len(staleCalls) != 1 || staleCalls[0] != "stale/conn-s" {
		t.Fatalf("stale callbacks = %v", staleCalls)
	}

	s, _ := reg.Get(t.Context(), "stale")
	if s.State != session.StateDisconnected {
		t.Fatalf("stale session state = %s, want disconnected", s.State)
	}
	f, _ := reg.Get(t.Context(), "fresh")
	if f.State != session.StateConnected {
		t.Fatalf("fresh session state = %s, want connected", f.State)
	}
}

func TestHeartbeatSweepIgnoresDisconnected(t *testing.T) {
	clock := newFakeClock()
	reg := session.NewRegistry(memorystore.New(), session.WithClock(clock.Now))
	register(t, reg, "c1", "conn-1")
	reg.MarkDisconnected(t.Context(), "c1", "conn-1")

	hb := monitor.NewHeartbeat(reg, 30*time.Second, 2, nil, monitor.WithClock(clock.Now))
	clock.Advance(time.Hour)
	n, err := hb.SweepOnce(t.Context(), clock.Now())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("stale count = %d, want 0", n)
	}
}

func TestCleanupSweepExpiresAndRemoves(t *testing.T) {
	clock := newFakeClock()
	reg := session.NewRegistry(memorystore.New(), session.WithClock(clock.Now))
	register(t, reg, "gone", "conn-g")
	register(t, reg, "recent", "conn-r")
	reg.MarkDisconnected(t.Context(), "gone", "conn-g")

	retention := time.Hour
	cln := monitor.NewCleanup(reg, time.Minute, retention, monitor.WithClock(clock.Now))

	// Within retention: nothing happens.
	clock.Advance(30 * time.Minute)
	removed, err := cln.SweepOnce(t.Context(), clock.Now())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}

	// Past retention: the disconnected session is expired and removed in one
	// sweep; the connected one is untouched.
	clock.Advance(31 * time.Minute)
	removed, err = cln.SweepOnce(t.Context(), clock.Now())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := reg.Get(t.Context(), "gone"); err != session.ErrNotFound {
		t.Fatalf("expired session still present: %v", err)
	}
	if _, err := reg.Get(t.Context(), "recent"); err != nil {
		t.Fatalf("connected session removed: %v", err)
	}
}

func TestCleanupSweepPrunesOldMissedEvents(t *testing.T) {
	clock := newFakeClock()
	reg := session.NewRegistry(memorystore.New(), session.WithClock(clock.Now))
	register(t, reg, "c1", "conn-1")
	clock.Advance(30 * time.Minute)
	reg.MarkDisconnected(t.Context(), "c1", "conn-1")

	// Two events already past retention age, one fresh.
	old := clock.Now().Add(-2 * time.Hour)
	for i := 0; i < 2; i++ {
		if _, err := reg.Store().AppendMissed(t.Context(), "c1", session.MissedEvent{
			Sequence:   uint64(i + 1),
			Type:       "order.created",
			Payload:    json.RawMessage(`{}`),
			EnqueuedAt: old,
		}, 16); err != nil {
			t.Fatalf("AppendMissed: %v", err)
		}
	}
	if _, err := reg.Store().AppendMissed(t.Context(), "c1", session.MissedEvent{
		Sequence:   3,
		Type:       "order.created",
		Payload:    json.RawMessage(`{}`),
		EnqueuedAt: clock.Now(),
	}, 16); err != nil {
		t.Fatalf("AppendMissed: %v", err)
	}

	// Retention of one hour: the backdated events age out; the fresh event and
	// the recently disconnected session survive.
	retention := time.Hour
	cln := monitor.NewCleanup(reg, time.Minute, retention, monitor.WithClock(clock.Now))
	clock.Advance(10 * time.Minute)
	if _, err := cln.SweepOnce(t.Context(), clock.Now()); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	missed, err := reg.Store().DrainMissed(t.Context(), "c1")
	if err != nil {
		t.Fatalf("DrainMissed: %v", err)
	}
	if len(missed) != 1 || missed[0].Sequence != 3 {
		t.Fatalf("missed after prune = %+v, want only sequence 3", missed)
	}
	sess, err := reg.Get(t.Context(), "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !sess.HadLoss {
		t.Fatal("HadLoss not set after prune removed events")
	}
}

func TestSweepLoopStartClose(t *testing.T) {
	reg := session.NewRegistry(memorystore.New())
	hb := monitor.NewHeartbeat(reg, time.Millisecond, 2, nil)
	cln := monitor.NewCleanup(reg, time.Millisecond, time.Hour)

	hb.Start(t.Context())
	cln.Start(t.Context())
	time.Sleep(10 * time.Millisecond)
	hb.Close()
	cln.Close()
	// Close is idempotent.
	hb.Close()
	cln.Close()
}
