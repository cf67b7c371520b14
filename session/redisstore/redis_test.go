package redisstore

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pushwire/pushwire-go/session"
	"github.com/pushwire/pushwire-go/session/storetest"
)

func TestRedisStore(t *testing.T) {
	// Quick availability check to allow graceful skip in environments without Redis.
	s, err := NewFromEnv()
	if err != nil {
		t.Skipf("skipping redis store tests: %v", err)
		return
	}
	_ = s.Close()

	storetest.RunStoreTests(t, func(t *testing.T) session.Store {
		// Unique prefix per test so suites do not see each other's keys.
		prefix := "pushwire:test:" + uuid.NewString() + ":"
		st, err := New(Config{KeyPrefix: prefix})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() {
			ids, _ := st.client.SMembers(context.Background(), st.idsKey()).Result()
			for _, id := range ids {
				_ = st.DeleteSession(context.Background(), id)
			}
			_ = st.client.Del(context.Background(), st.idsKey()).Err()
			_ = st.Close()
		})
		return st
	})
}
