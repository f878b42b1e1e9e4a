package watch

import (
	"testing"
	"time"

	"github.com/antoniostano/deckhand/internal/protocol"
)

func recvOne(t *testing.T, ch <-chan protocol.ServerEvent) protocol.ServerEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while waiting for event")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
		return protocol.ServerEvent{}
	}
}

func TestBroadcastReachesAllWatchers(t *testing.T) {
	r := NewRegistry()
	ch1, detach1 := r.Attach("c1", "s1")
	defer detach1()
	ch2, detach2 := r.Attach("c2", "s1")
	defer detach2()
	other, detachOther := r.Attach("c3", "s2")
	defer detachOther()

	r.Broadcast("s1", protocol.ServerEvent{Type: protocol.TypeAgentText, Text: "hi"})

	if ev := recvOne(t, ch1); ev.Text != "hi" {
		t.Fatalf("watcher 1 got %+v", ev)
	}
	if ev := recvOne(t, ch2); ev.Text != "hi" {
		t.Fatalf("watcher 2 got %+v", ev)
	}
	select {
	case ev := <-other:
		t.Fatalf("unrelated session received %+v", ev)
	default:
	}
}

func TestAttachMovesConnectionBetweenSessions(t *testing.T) {
	r := NewRegistry()
	ch1, _ := r.Attach("c1", "s1")
	if r.Watchers("s1") != 1 {
		t.Fatalf("Watchers(s1) = %d, want 1", r.Watchers("s1"))
	}

	ch2, detach := r.Attach("c1", "s2")
	defer detach()
	if r.Watchers("s1") != 0 || r.Watchers("s2") != 1 {
		t.Fatalf("watcher counts after move: s1=%d s2=%d", r.Watchers("s1"), r.Watchers("s2"))
	}
	// The first channel closes so its forwarder can exit.
	if _, ok := <-ch1; ok {
		t.Fatalf("previous watch channel still open after re-attach")
	}

	r.Broadcast("s2", protocol.ServerEvent{Type: protocol.TypeAgentText, Text: "moved"})
	if ev := recvOne(t, ch2); ev.Text != "moved" {
		t.Fatalf("moved watcher got %+v", ev)
	}
}

func TestStaleDetachFuncIsNoOp(t *testing.T) {
	r := NewRegistry()
	_, detachOld := r.Attach("c1", "s1")
	ch, detachNew := r.Attach("c1", "s2")
	defer detachNew()

	// The old watch is already gone; its detach must not disturb the new one.
	detachOld()
	if r.Watchers("s2") != 1 {
		t.Fatalf("Watchers(s2) = %d after stale detach, want 1", r.Watchers("s2"))
	}
	select {
	case _, ok := <-ch:
		if !ok {
			t.Fatalf("current watch channel closed by stale detach")
		}
	default:
	}
}

func TestDetachByConnection(t *testing.T) {
	r := NewRegistry()
	ch, _ := r.Attach("c1", "s1")
	r.Detach("c1")
	if _, ok := <-ch; ok {
		t.Fatalf("channel open after Detach")
	}
	if _, ok := r.SessionOf("c1"); ok {
		t.Fatalf("SessionOf() still reports a session after Detach")
	}
}

func TestActiveElsewhere(t *testing.T) {
	r := NewRegistry()
	_, d1 := r.Attach("c1", "s1")
	defer d1()
	if r.ActiveElsewhere("s1", "c1") {
		t.Fatalf("ActiveElsewhere() = true with a single watcher")
	}
	_, d2 := r.Attach("c2", "s1")
	defer d2()
	if !r.ActiveElsewhere("s1", "c1") {
		t.Fatalf("ActiveElsewhere() = false with a second watcher")
	}
}
