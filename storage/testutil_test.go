package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustLogEvent(t *testing.T, store *Store, event Event) {
	t.Helper()

	if err := store.LogEvent(event); err != nil {
		t.Fatalf("log event %q: %v", event.Type, err)
	}
}
