package peer

import (
	"testing"
	"time"
)

func TestStalenessAndPrune(t *testing.T) {
	// Scenario §8.8.
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	r := NewRegistryWithClock(func() time.Time { return clock })

	r.Add(1, nil)
	timeout := 5 * time.Second
	clock = base.Add(timeout + time.Millisecond)

	stale := r.Stale(timeout)
	if len(stale) != 1 || stale[0] != 1 {
		t.Fatalf("expected peer 1 stale, got %v", stale)
	}

	pruned := r.Prune(timeout)
	if len(pruned) != 1 || pruned[0] != 1 {
		t.Fatalf("expected prune to return peer 1 exactly once, got %v", pruned)
	}
	if _, ok := r.Lookup(1); ok {
		t.Fatal("expected peer 1 to be gone after prune")
	}
	if pruned2 := r.Prune(timeout); len(pruned2) != 0 {
		t.Fatalf("expected second prune to find nothing, got %v", pruned2)
	}
}

func TestHeartbeatRefreshesLastSeen(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	r := NewRegistryWithClock(func() time.Time { return clock })

	r.Add(1, nil)
	clock = base.Add(10 * time.Second)
	r.RecordHeartbeat(1)

	if stale := r.Stale(5 * time.Second); len(stale) != 0 {
		t.Fatalf("expected no stale peers after heartbeat, got %v", stale)
	}
}

func TestHeartbeatIgnoresUnknownPeer(t *testing.T) {
	r := NewRegistry()
	r.RecordHeartbeat(999) // must not panic or create an entry
	if _, ok := r.Lookup(999); ok {
		t.Fatal("expected unknown peer to remain absent")
	}
}

func TestAddStoresMetadataCopy(t *testing.T) {
	r := NewRegistry()
	md := map[string]string{"role": "worker"}
	r.Add(1, md)
	md["role"] = "mutated"

	got, ok := r.Lookup(1)
	if !ok {
		t.Fatal("expected peer 1")
	}
	if got.Metadata["role"] != "worker" {
		t.Fatalf("registry aliased caller's metadata map: got %q", got.Metadata["role"])
	}
}
