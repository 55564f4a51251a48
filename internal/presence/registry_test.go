package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestRegistry_SetOnlineReturnsSnapshot(t *testing.T) {
	r := NewRegistry()
	r.SetOnline(2, "bob", "c2")
	snap, evicted, _ := r.SetOnline(1, "alice", "c1")

	if evicted != "" {
		t.Fatalf("expected no eviction, got %q", evicted)
	}
	if len(snap) != 2 || snap[0].DisplayName != "alice" || snap[1].DisplayName != "bob" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap[0].Status != StatusIdle {
		t.Fatalf("expected idle, got %s", snap[0].Status)
	}
}

func TestRegistry_ReconnectEvictsOldConnection(t *testing.T) {
	r := NewRegistry()
	r.SetOnline(1, "alice", "old")
	_, evicted, _ := r.SetOnline(1, "alice", "new")

	if evicted != "old" {
		t.Fatalf("expected old connection evicted, got %q", evicted)
	}
	if _, ok := r.FindByConnection("old"); ok {
		t.Fatalf("expected old connection unbound")
	}
	if r.Len() != 1 {
		t.Fatalf("expected exactly one entry, got %d", r.Len())
	}

	// Loss of the evicted connection must not remove the newer binding.
	if _, ok := r.RemoveConnection("old"); ok {
		t.Fatalf("expected evicted connection to own nothing")
	}
	e, ok := r.FindByUserID(1)
	if !ok || e.ConnID != "new" {
		t.Fatalf("expected entry bound to new connection, got %+v ok=%v", e, ok)
	}
}

func TestRegistry_OfflineThenOnlineKeepsOneEntry(t *testing.T) {
	r := NewRegistry()
	r.SetOnline(1, "alice", "c1")
	r.SetOffline(1)
	r.SetOnline(1, "alice", "c2")

	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].ConnID != "c2" {
		t.Fatalf("expected single entry on newest connection, got %+v", snap)
	}
}

func TestRegistry_SetOfflineAbsentIsNoop(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.SetOffline(42); ok {
		t.Fatalf("expected no-op")
	}
}

func TestRegistry_SetStatusIgnoresUnknownUser(t *testing.T) {
	r := NewRegistry()
	if r.SetStatus(9, StatusInCall) {
		t.Fatalf("expected unknown user ignored")
	}
	r.SetOnline(9, "z", "c9")
	if !r.SetStatus(9, StatusInCall) {
		t.Fatalf("expected status set")
	}
	e, _ := r.FindByUserID(9)
	if e.Status != StatusInCall {
		t.Fatalf("expected in_call, got %s", e.Status)
	}
}

func TestRegistry_ConnectionRebindDropsPreviousUser(t *testing.T) {
	r := NewRegistry()
	r.SetOnline(1, "alice", "c1")
	_, evicted, displaced := r.SetOnline(2, "bob", "c1")

	if displaced != 1 {
		t.Fatalf("expected user 1 reported as displaced, got %d", displaced)
	}
	if evicted != "" {
		t.Fatalf("expected no evicted connection, got %q", evicted)
	}
	if _, ok := r.FindByUserID(1); ok {
		t.Fatalf("expected user 1 dropped when its connection switched identity")
	}
	if id, _ := r.FindByConnection("c1"); id != 2 {
		t.Fatalf("expected c1 bound to user 2, got %d", id)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			conn := fmt.Sprintf("c%d", id)
			r.SetOnline(id, fmt.Sprintf("user-%02d", id), conn)
			r.SetStatus(id, StatusInCall)
			_ = r.Snapshot()
			if id%2 == 0 {
				r.RemoveConnection(conn)
			}
		}(int64(i))
	}
	wg.Wait()
	if r.Len() != 25 {
		t.Fatalf("expected 25 entries, got %d", r.Len())
	}
}

type failingLister struct{}

func (failingLister) List(context.Context) ([]Entry, error) { return nil, errors.New("down") }

func TestFallbackLister_UsesFallbackOnError(t *testing.T) {
	r := NewRegistry()
	r.SetOnline(1, "alice", "c1")

	out, err := FallbackLister{Primary: failingLister{}, Fallback: r}.List(context.Background())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(out) != 1 || out[0].UserID != 1 {
		t.Fatalf("unexpected entries: %+v", out)
	}

	if _, err := (FallbackLister{Primary: failingLister{}}).List(context.Background()); err == nil {
		t.Fatalf("expected error without fallback")
	}
}

func TestRedisMirror_NilClient(t *testing.T) {
	var m *RedisMirror
	if err := m.Sync(context.Background(), nil); err == nil {
		t.Fatalf("expected error for unconfigured mirror")
	}
}
