package sessions

import (
	"context"
	"testing"
	"time"
)

func TestRegisterAndUnregister(t *testing.T) {
	tr := NewTracker()

	unregister := tr.Register("s1", Handle{UserID: "u1"})
	if tr.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", tr.Count())
	}
	if _, ok := tr.Lookup("s1"); !ok {
		t.Fatalf("Lookup(s1) missing after register")
	}

	unregister()
	if tr.Count() != 0 {
		t.Fatalf("Count() = %d after unregister, want 0", tr.Count())
	}
	if _, ok := tr.Lookup("s1"); ok {
		t.Fatalf("Lookup(s1) found after unregister")
	}

	// Idempotent.
	unregister()
	if tr.Count() != 0 {
		t.Fatalf("Count() = %d after double unregister, want 0", tr.Count())
	}
}

func TestReRegisterEvictsOldEntry(t *testing.T) {
	tr := NewTracker()

	first := tr.Register("s1", Handle{UserID: "old"})
	second := tr.Register("s1", Handle{UserID: "new"})

	if tr.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", tr.Count())
	}
	h, ok := tr.Lookup("s1")
	if !ok || h.UserID != "new" {
		t.Fatalf("Lookup(s1) = %+v, %v, want the new handle", h, ok)
	}

	// The stale unregister must not evict the replacement.
	first()
	if tr.Count() != 1 {
		t.Fatalf("Count() = %d after stale unregister, want 1", tr.Count())
	}
	second()
	if tr.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", tr.Count())
	}
}

func TestWarnAllAndCancelAll(t *testing.T) {
	tr := NewTracker()

	var warned, canceled int
	for _, id := range []string{"s1", "s2", "s3"} {
		tr.Register(id, Handle{
			Warn:   func(code, message string) error { warned++; return nil },
			Cancel: func() { canceled++ },
		})
	}

	if sent := tr.WarnAll("shutting_down", "server draining"); sent != 3 {
		t.Fatalf("WarnAll sent = %d, want 3", sent)
	}
	if warned != 3 {
		t.Fatalf("warned = %d, want 3", warned)
	}
	if n := tr.CancelAll(); n != 3 {
		t.Fatalf("CancelAll = %d, want 3", n)
	}
	if canceled != 3 {
		t.Fatalf("canceled = %d, want 3", canceled)
	}
}

func TestWaitDrains(t *testing.T) {
	tr := NewTracker()
	unregister := tr.Register("s1", Handle{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Fatalf("Wait drained with a session still registered")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		unregister()
	}()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if !tr.Wait(ctx2) {
		t.Fatalf("Wait did not drain after unregister")
	}
}

func TestNilTrackerIsSafe(t *testing.T) {
	var tr *Tracker
	unregister := tr.Register("s1", Handle{})
	unregister()
	if tr.Count() != 0 || tr.WarnAll("x", "y") != 0 || tr.CancelAll() != 0 {
		t.Fatalf("nil tracker reported activity")
	}
	if !tr.Wait(context.Background()) {
		t.Fatalf("nil tracker Wait = false, want true")
	}
}
