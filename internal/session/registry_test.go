package session

import "testing"

func TestRegistryAddRemoveSnapshot(t *testing.T) {
	r := NewRegistry()
	var removed string
	r.OnRemove = func(endpoint string) { removed = endpoint }

	tr := newFakeTransport("10.0.0.1:1")
	s := New(tr, nil)
	r.Add(s)

	if got, ok := r.Get("10.0.0.1:1"); !ok || got != s {
		t.Fatalf("expected to find registered session")
	}
	if len(r.Sessions()) != 1 {
		t.Fatalf("expected one connected session in snapshot")
	}

	s.Close()
	if removed != "10.0.0.1:1" {
		t.Fatalf("expected OnRemove to fire for the closed endpoint, got %q", removed)
	}
	if _, ok := r.Get("10.0.0.1:1"); ok {
		t.Fatalf("session must not appear in registry after close")
	}
	if len(r.Sessions()) != 0 {
		t.Fatalf("expected zero sessions after close")
	}
}
