// Package storetest provides a conformance suite that every session.Store
// implementation must pass. Store packages run it from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/pushwire/pushwire-go/session"
)

// StoreFactory creates a fresh, empty Store instance for testing.
type StoreFactory func(t *testing.T) session.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Sessions_PutGetRoundTrip", func(t *testing.T) { testPutGetRoundTrip(t, factory) })
	t.Run("Sessions_GetUnknownReturnsNotFound", func(t *testing.T) { testGetUnknown(t, factory) })
	t.Run("Sessions_MutatePersists", func(t *testing.T) { testMutatePersists(t, factory) })
	t.Run("Sessions_MutateErrorAbortsWrite", func(t *testing.T) { testMutateErrorAborts(t, factory) })
	t.Run("Sessions_DeleteIsIdempotent", func(t *testing.T) { testDeleteIdempotent(t, factory) })
	t.Run("Sessions_ListSnapshotsAll", func(t *testing.T) { testListSnapshotsAll(t, factory) })

	t.Run("Missed_AppendAndDrainInOrder", func(t *testing.T) { testAppendAndDrainInOrder(t, factory) })
	t.Run("Missed_CapacityEvictsOldestAndFlagsLoss", func(t *testing.T) { testCapacityEvictsOldest(t, factory) })
	t.Run("Missed_DrainClearsLog", func(t *testing.T) { testDrainClearsLog(t, factory) })
	t.Run("Missed_RestorePrepends", func(t *testing.T) { testRestorePrepends(t, factory) })
	t.Run("Missed_PruneDropsOldAndFlagsLoss", func(t *testing.T) { testPruneDropsOld(t, factory) })
	t.Run("Missed_DeleteSessionDropsLog", func(t *testing.T) { testDeleteSessionDropsLog(t, factory) })
}

func newSession(clientID string) *session.ClientSession {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &session.ClientSession{
		ClientID:        clientID,
		Kind:            session.KindCLI,
		State:           session.StateConnected,
		ConnID:          "conn-1",
		SequenceCursor:  10,
		Preferences:     session.Preferences{EventTypes: []string{"task.updated"}, MinPriority: session.PriorityNormal},
		LastHeartbeatAt: now,
		CreatedAt:       now,
	}
}

func newEvent(seq uint64, at time.Time) session.MissedEvent {
	return session.MissedEvent{
		Sequence:   seq,
		Type:       "task.updated",
		Priority:   session.PriorityNormal,
		Payload:    json.RawMessage(fmt.Sprintf(`{"seq":%d}`, seq)),
		EnqueuedAt: at.UTC().Truncate(time.Millisecond),
	}
}

func testPutGetRoundTrip(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()

	want := newSession("c1")
	if err := st.PutSession(ctx, want); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := st.GetSession(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ClientID != want.ClientID || got.State != want.State || got.SequenceCursor != want.SequenceCursor {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
	if len(got.Preferences.EventTypes) != 1 || got.Preferences.EventTypes[0] != "task.updated" {
		t.Fatalf("preferences not preserved: %+v", got.Preferences)
	}

	// The returned snapshot must not alias store state.
	got.SequenceCursor = 999
	again, err := st.GetSession(ctx, "c1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.SequenceCursor != 10 {
		t.Fatalf("snapshot aliases store state: cursor %d", again.SequenceCursor)
	}
}

func testGetUnknown(t *testing.T, factory StoreFactory) {
	st := factory(t)
	if _, err := st.GetSession(context.Background(), "nope"); err != session.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := st.MutateSession(context.Background(), "nope", func(*session.ClientSession) error { return nil }); err != session.ErrNotFound {
		t.Fatalf("expected ErrNotFound from mutate, got %v", err)
	}
}

func testMutatePersists(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	if err := st.PutSession(ctx, newSession("c1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	err := st.MutateSession(ctx, "c1", func(s *session.ClientSession) error {
		s.State = session.StateDisconnected
		s.SequenceCursor++
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	got, err := st.GetSession(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != session.StateDisconnected || got.SequenceCursor != 11 {
		t.Fatalf("mutation not persisted: %+v", got)
	}
}

func testMutateErrorAborts(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	if err := st.PutSession(ctx, newSession("c1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	wantErr := fmt.Errorf("boom")
	err := st.MutateSession(ctx, "c1", func(s *session.ClientSession) error {
		s.SequenceCursor = 999
		return wantErr
	})
	if err == nil {
		t.Fatalf("expected error from mutate")
	}
	got, _ := st.GetSession(ctx, "c1")
	if got.SequenceCursor != 10 {
		t.Fatalf("aborted mutation leaked: cursor %d", got.SequenceCursor)
	}
}

func testDeleteIdempotent(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	if err := st.PutSession(ctx, newSession("c1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := st.DeleteSession(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.DeleteSession(ctx, "c1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := st.GetSession(ctx, "c1"); err != session.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func testListSnapshotsAll(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := st.PutSession(ctx, newSession(id)); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	got, err := st.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(got))
	}
	seen := map[string]bool{}
	for _, s := range got {
		seen[s.ClientID] = true
	}
	for _, id := range []string{"a", "b", "c"} {
		if !seen[id] {
			t.Fatalf("missing session %q in list", id)
		}
	}
}

func testAppendAndDrainInOrder(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	if err := st.PutSession(ctx, newSession("c1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	now := time.Now()
	for seq := uint64(11); seq <= 15; seq++ {
		evicted, err := st.AppendMissed(ctx, "c1", newEvent(seq, now), 10)
		if err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
		if evicted {
			t.Fatalf("unexpected eviction below capacity at %d", seq)
		}
	}
	evs, err := st.DrainMissed(ctx, "c1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(evs) != 5 {
		t.Fatalf("expected 5 events, got %d", len(evs))
	}
	for i, ev := range evs {
		if want := uint64(11 + i); ev.Sequence != want {
			t.Fatalf("order violated at %d: got seq %d want %d", i, ev.Sequence, want)
		}
	}
}

func testCapacityEvictsOldest(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	if err := st.PutSession(ctx, newSession("c1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	now := time.Now()
	sawEviction := false
	for seq := uint64(1); seq <= 5; seq++ {
		evicted, err := st.AppendMissed(ctx, "c1", newEvent(seq, now), 3)
		if err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
		if evicted {
			sawEviction = true
		}
	}
	if !sawEviction {
		t.Fatalf("expected evictions past capacity")
	}
	evs, err := st.DrainMissed(ctx, "c1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("expected capacity-bound log of 3, got %d", len(evs))
	}
	for i, want := range []uint64{3, 4, 5} {
		if evs[i].Sequence != want {
			t.Fatalf("expected newest 3 retained, got seq %d at %d", evs[i].Sequence, i)
		}
	}
	sess, err := st.GetSession(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !sess.HadLoss {
		t.Fatalf("eviction did not set HadLoss")
	}
}

func testDrainClearsLog(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	if err := st.PutSession(ctx, newSession("c1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := st.AppendMissed(ctx, "c1", newEvent(11, time.Now()), 10); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := st.DrainMissed(ctx, "c1"); err != nil {
		t.Fatalf("drain: %v", err)
	}
	evs, err := st.DrainMissed(ctx, "c1")
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if len(evs) != 0 {
		t.Fatalf("drain did not clear log: %d left", len(evs))
	}
}

func testRestorePrepends(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	if err := st.PutSession(ctx, newSession("c1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	now := time.Now()
	drained := []session.MissedEvent{newEvent(11, now), newEvent(12, now)}
	// An event arrives between the drain and the failed hand-off.
	if _, err := st.AppendMissed(ctx, "c1", newEvent(13, now), 10); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.RestoreMissed(ctx, "c1", drained); err != nil {
		t.Fatalf("restore: %v", err)
	}
	evs, err := st.DrainMissed(ctx, "c1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("expected 3 events after restore, got %d", len(evs))
	}
	for i, want := range []uint64{11, 12, 13} {
		if evs[i].Sequence != want {
			t.Fatalf("restore order violated: got %d at %d, want %d", evs[i].Sequence, i, want)
		}
	}
}

func testPruneDropsOld(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	if err := st.PutSession(ctx, newSession("c1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()
	if _, err := st.AppendMissed(ctx, "c1", newEvent(11, old), 10); err != nil {
		t.Fatalf("append old: %v", err)
	}
	if _, err := st.AppendMissed(ctx, "c1", newEvent(12, fresh), 10); err != nil {
		t.Fatalf("append fresh: %v", err)
	}
	removed, err := st.PruneMissed(ctx, "c1", time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned, got %d", removed)
	}
	evs, err := st.DrainMissed(ctx, "c1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(evs) != 1 || evs[0].Sequence != 12 {
		t.Fatalf("prune removed wrong entries: %+v", evs)
	}
	sess, _ := st.GetSession(ctx, "c1")
	if !sess.HadLoss {
		t.Fatalf("prune did not set HadLoss")
	}
}

func testDeleteSessionDropsLog(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	if err := st.PutSession(ctx, newSession("c1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := st.AppendMissed(ctx, "c1", newEvent(11, time.Now()), 10); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.DeleteSession(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.PutSession(ctx, newSession("c1")); err != nil {
		t.Fatalf("re-put: %v", err)
	}
	evs, err := st.DrainMissed(ctx, "c1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(evs) != 0 {
		t.Fatalf("old log leaked into new session: %d events", len(evs))
	}
}
