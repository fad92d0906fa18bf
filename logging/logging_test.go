package logging

import "testing"

func TestNewKnownEnvironments(t *testing.T) {
	for _, env := range []string{"", "development", "production", "Example"} {
		log, err := New(env)
		if err != nil {
			t.Fatalf("New(%q) failed: %v", env, err)
		}
		if log == nil {
			t.Fatalf("New(%q) returned nil logger", env)
		}
	}
}

func TestNewRejectsUnknownEnvironment(t *testing.T) {
	if _, err := New("staging"); err == nil {
		t.Fatalf("expected unknown environment to fail")
	}
}
