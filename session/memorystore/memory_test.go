package memorystore

import (
	"testing"

	"github.com/pushwire/pushwire-go/session"
	"github.com/pushwire/pushwire-go/session/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.RunStoreTests(t, func(t *testing.T) session.Store {
		return New()
	})
}
