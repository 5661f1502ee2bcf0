// Package peer tracks the set of peers known to a Hub (or, symmetrically, to
// an Agent's view of other swarm members): identity, join time, last
// heartbeat, and opaque metadata (spec §3 "Peer record", §4.4).
package peer

import (
	"sync"
	"time"
)

// Record is one peer's lifecycle state. Fields are copied out of the
// registry on every read, so callers never hold a pointer into internal
// state.
type Record struct {
	ID            uint64
	JoinedAt      time.Time
	LastHeartbeat time.Time
	Metadata      map[string]string
}

func (r Record) clone() Record {
	md := make(map[string]string, len(r.Metadata))
	for k, v := range r.Metadata {
		md[k] = v
	}
	r.Metadata = md
	return r
}

// Registry is the single-lock peer table described in spec §4.4.
type Registry struct {
	mu    sync.Mutex
	peers map[uint64]Record
	now   func() time.Time
}

// NewRegistry creates an empty registry using the wall clock.
func NewRegistry() *Registry {
	return newRegistry(time.Now)
}

// NewRegistryWithClock creates an empty registry using now for all
// timestamping, for deterministic staleness tests (spec §8.8).
func NewRegistryWithClock(now func() time.Time) *Registry {
	return newRegistry(now)
}

func newRegistry(now func() time.Time) *Registry {
	return &Registry{peers: make(map[uint64]Record), now: now}
}

// Add registers a peer, created on JOIN (spec §3). Re-adding an existing
// peer-id refreshes its join and heartbeat timestamps.
func (r *Registry) Add(id uint64, metadata map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	r.peers[id] = Record{ID: id, JoinedAt: now, LastHeartbeat: now, Metadata: md}
}

// Remove deletes a peer, on LEAVE or after Prune.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// Lookup returns a copy of the peer record, if known.
func (r *Registry) Lookup(id uint64) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return Record{}, false
	}
	return p.clone(), true
}

// List returns a snapshot of every known peer record.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.clone())
	}
	return out
}

// RecordHeartbeat refreshes the last-seen timestamp for pid. Unknown pids
// are silently ignored: the hub may receive a HEARTBEAT from a peer whose
// JOIN is still in flight, and the registry must not synthesize an entry
// for it (spec §4.4).
func (r *Registry) RecordHeartbeat(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.LastHeartbeat = r.now()
		r.peers[id] = p
	}
}

// Stale returns the peer-ids whose last heartbeat is older than timeout.
func (r *Registry) Stale(timeout time.Duration) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.staleLocked(timeout)
}

func (r *Registry) staleLocked(timeout time.Duration) []uint64 {
	now := r.now()
	var out []uint64
	for id, p := range r.peers {
		if now.Sub(p.LastHeartbeat) > timeout {
			out = append(out, id)
		}
	}
	return out
}

// Prune removes and returns every stale peer-id atomically.
func (r *Registry) Prune(timeout time.Duration) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	stale := r.staleLocked(timeout)
	for _, id := range stale {
		delete(r.peers, id)
	}
	return stale
}
