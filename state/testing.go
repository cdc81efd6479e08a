package state

import (
	"testing"

	"github.com/hashicorp/go-hclog"
)

// TestStateStore returns a fresh store for tests, failing the test on
// schema errors.
func TestStateStore(t testing.TB) *StateStore {
	t.Helper()
	store, err := NewStateStore(hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("failed to create state store: %v", err)
	}
	return store
}
