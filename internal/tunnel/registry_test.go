package tunnel

import (
	"testing"

	"github.com/postalsys/metroo-hub/internal/logging"
)

func testSession(agentID string) *Session {
	return newSession(agentID, nil, 4, nil, logging.NopLogger())
}

func TestRegistry_Claim(t *testing.T) {
	r := NewRegistry()
	first := testSession("agent-a")
	second := testSession("agent-a")

	if _, ok := r.claim(first); !ok {
		t.Fatal("claim() on empty registry failed")
	}
	if _, ok := r.claim(first); !ok {
		t.Error("re-claiming the same session should succeed")
	}
	prev, ok := r.claim(second)
	if ok || prev != first {
		t.Fatalf("claim() = %v, %v; want the first session", prev, ok)
	}

	if !r.Remove(first) {
		t.Fatal("Remove(first) = false")
	}
	if _, ok := r.claim(second); !ok {
		t.Error("claim() after removal failed")
	}
	if s, ok := r.Get("agent-a"); !ok || s != second {
		t.Error("Get() did not return the second session")
	}
}

func TestRegistry_GetHidesClosingSessions(t *testing.T) {
	r := NewRegistry()
	s := testSession("agent-a")
	r.claim(s)

	s.markClosing()
	if _, ok := r.Get("agent-a"); ok {
		t.Error("Get() returned a closing session")
	}
	if n := len(r.List()); n != 0 {
		t.Errorf("List() has %d sessions, want 0", n)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_RemoveOnlySameSession(t *testing.T) {
	r := NewRegistry()
	old := testSession("agent-a")
	cur := testSession("agent-a")
	r.claim(cur)

	if r.Remove(old) {
		t.Error("Remove() of a stale session succeeded")
	}
	if _, ok := r.Get("agent-a"); !ok {
		t.Error("current session was removed")
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		r.claim(testSession(id))
	}

	list := r.List()
	want := []string{"alpha", "bravo", "charlie"}
	if len(list) != len(want) {
		t.Fatalf("List() len = %d", len(list))
	}
	for i, s := range list {
		if s.AgentID() != want[i] {
			t.Errorf("List()[%d] = %s, want %s", i, s.AgentID(), want[i])
		}
	}
}

func TestSession_SendAfterClosing(t *testing.T) {
	s := testSession("agent-a")
	s.markClosing()
	if err := s.Send(nil); err != ErrSessionClosed {
		t.Errorf("Send() error = %v, want ErrSessionClosed", err)
	}
}
