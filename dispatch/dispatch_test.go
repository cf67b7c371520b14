package dispatch_test

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/pushwire/pushwire-go/dispatch"
	"github.com/pushwire/pushwire-go/session"
	"github.com/pushwire/pushwire-go/session/memorystore"
	"github.com/pushwire/pushwire-go/wire"
)

// recordSink collects enqueued events; optionally fails every call.
type recordSink struct {
	mu     sync.Mutex
	events []wire.Event
	fail   bool
}

func (s *recordSink) Enqueue(ev wire.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink closed")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordSink) snapshot() []wire.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.Event(nil), s.events...)
}

func setup(t *testing.T, capacity int) (*session.Registry, *dispatch.Dispatcher) {
	t.Helper()
	reg := session.NewRegistry(memorystore.New())
	return reg, dispatch.New(reg, capacity)
}

func mustRegister(t *testing.T, reg *session.Registry, clientID, connID string, prefs *session.Preferences, watermark uint64) {
	t.Helper()
	_, _, _, err := reg.Register(t.Context(), session.RegisterParams{
		ClientID:    clientID,
		Kind:        session.KindCLI,
		Preferences: prefs,
		ConnID:      connID,
		Watermark:   watermark,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func publish(t *testing.T, d *dispatch.Dispatcher, eventType string, pri session.Priority) {
	t.Helper()
	if err := d.Publish(t.Context(), dispatch.DomainEvent{
		Type:     eventType,
		Priority: pri,
		Payload:  json.RawMessage(`{}`),
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestPublishDeliversInSequenceOrder(t *testing.T) {
	reg, d := setup(t, 16)
	mustRegister(t, reg, "c1", "conn-1", nil, 0)
	sink := &recordSink{}
	d.AttachSink("c1", "conn-1", sink)

	for i := 0; i < 5; i++ {
		publish(t, d, "order.created", session.PriorityNormal)
	}

	got := sink.snapshot()
	if len(got) != 5 {
		t.Fatalf("delivered %d events, want 5", len(got))
	}
	for i, ev := range got {
		if ev.Sequence != uint64(i+1) {
			t.Fatalf("event %d has sequence %d, want %d", i, ev.Sequence, i+1)
		}
	}
	sess, _ := reg.Get(t.Context(), "c1")
	if sess.SequenceCursor != 5 {
		t.Fatalf("cursor = %d, want 5", sess.SequenceCursor)
	}
}

func TestPublishFiltersByPreferences(t *testing.T) {
	reg, d := setup(t, 16)
	mustRegister(t, reg, "c1", "conn-1", &session.Preferences{
		EventTypes:  []string{"order.created"},
		MinPriority: session.PriorityNormal,
	}, 0)
	sink := &recordSink{}
	d.AttachSink("c1", "conn-1", sink)

	publish(t, d, "order.created", session.PriorityNormal) // matches
	publish(t, d, "order.deleted", session.PriorityHigh)   // wrong type
	publish(t, d, "order.created", session.PriorityLow)    // below min priority
	publish(t, d, "order.created", session.PriorityHigh)   // matches

	got := sink.snapshot()
	if len(got) != 2 {
		t.Fatalf("delivered %d events, want 2", len(got))
	}
	// Filtered events consume no sequence numbers for this session.
	if got[0].Sequence != 1 || got[1].Sequence != 2 {
		t.Fatalf("sequences = %d,%d, want 1,2", got[0].Sequence, got[1].Sequence)
	}
}

func TestPublishBuffersWhileDisconnected(t *testing.T) {
	reg, d := setup(t, 16)
	mustRegister(t, reg, "c1", "conn-1", nil, 0)
	if err := reg.MarkDisconnected(t.Context(), "c1", "conn-1"); err != nil {
		t.Fatalf("MarkDisconnected: %v", err)
	}

	publish(t, d, "a", session.PriorityNormal)
	publish(t, d, "b", session.PriorityNormal)

	missed, err := reg.Store().DrainMissed(t.Context(), "c1")
	if err != nil {
		t.Fatalf("DrainMissed: %v", err)
	}
	if len(missed) != 2 {
		t.Fatalf("buffered %d events, want 2", len(missed))
	}
	if missed[0].Sequence != 1 || missed[1].Sequence != 2 {
		t.Fatalf("buffered sequences = %d,%d, want 1,2", missed[0].Sequence, missed[1].Sequence)
	}
}

func TestPublishEvictsOldestAtCapacity(t *testing.T) {
	reg, d := setup(t, 3)
	mustRegister(t, reg, "c1", "conn-1", nil, 0)
	reg.MarkDisconnected(t.Context(), "c1", "conn-1")

	for i := 0; i < 5; i++ {
		publish(t, d, "order.created", session.PriorityNormal)
	}

	missed, err := reg.Store().DrainMissed(t.Context(), "c1")
	if err != nil {
		t.Fatalf("DrainMissed: %v", err)
	}
	if len(missed) != 3 {
		t.Fatalf("buffered %d events, want capacity 3", len(missed))
	}
	// Latest three survive; sequence numbering is unaffected by eviction.
	want := []uint64{3, 4, 5}
	for i, ev := range missed {
		if ev.Sequence != want[i] {
			t.Fatalf("missed[%d].Sequence = %d, want %d", i, ev.Sequence, want[i])
		}
	}
	sess, _ := reg.Get(t.Context(), "c1")
	if !sess.HadLoss {
		t.Fatal("HadLoss not set after eviction")
	}
}

func TestPublishBuffersOnSinkFailure(t *testing.T) {
	reg, d := setup(t, 16)
	mustRegister(t, reg, "c1", "conn-1", nil, 0)
	sink := &recordSink{fail: true}
	d.AttachSink("c1", "conn-1", sink)

	publish(t, d, "order.created", session.PriorityNormal)

	// The event lands in the buffer; connection state is left to the gateway.
	missed, err := reg.Store().DrainMissed(t.Context(), "c1")
	if err != nil {
		t.Fatalf("DrainMissed: %v", err)
	}
	if len(missed) != 1 || missed[0].Sequence != 1 {
		t.Fatalf("missed = %+v, want one event with sequence 1", missed)
	}
	sess, _ := reg.Get(t.Context(), "c1")
	if sess.State != session.StateConnected {
		t.Fatalf("state = %s; sink failure must not change connection state", sess.State)
	}
}

func TestDetachSinkIgnoresStaleConn(t *testing.T) {
	reg, d := setup(t, 16)
	mustRegister(t, reg, "c1", "conn-2", nil, 0)
	sink := &recordSink{}
	d.AttachSink("c1", "conn-2", sink)

	// A superseded connection's teardown must not detach its replacement.
	d.DetachSink("c1", "conn-1")
	publish(t, d, "order.created", session.PriorityNormal)
	if got := sink.snapshot(); len(got) != 1 {
		t.Fatalf("delivered %d events, want 1", len(got))
	}
}

func TestWatermarkCountsEveryPublish(t *testing.T) {
	reg, d := setup(t, 16)
	if d.Watermark() != 0 {
		t.Fatalf("initial watermark = %d", d.Watermark())
	}
	// No sessions exist; the watermark still advances.
	publish(t, d, "a", session.PriorityNormal)
	publish(t, d, "b", session.PriorityNormal)
	if d.Watermark() != 2 {
		t.Fatalf("watermark = %d, want 2", d.Watermark())
	}

	// A session born now starts at the watermark and never sees history.
	mustRegister(t, reg, "late", "conn-1", nil, d.Watermark())
	sink := &recordSink{}
	d.AttachSink("late", "conn-1", sink)
	publish(t, d, "c", session.PriorityNormal)

	got := sink.snapshot()
	if len(got) != 1 || got[0].Sequence != 3 {
		t.Fatalf("late joiner got %+v, want single event with sequence 3", got)
	}
}
