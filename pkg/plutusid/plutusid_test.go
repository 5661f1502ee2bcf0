package plutusid

import "testing"

func TestNewGeneratesDistinctIDs(t *testing.T) {
	seen := make(map[uint64]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate peer-id generated: %d", id)
		}
		seen[id] = true
	}
}
