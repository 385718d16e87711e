package store_test

import (
	"testing"

	"github.com/metraction/vidi/internal/store"
	"github.com/metraction/vidi/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.DashboardStore {
		return store.NewMemoryStore()
	})
}
