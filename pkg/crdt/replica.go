package crdt

import (
	"fmt"
	"sync"
)

// ContainerChange describes the keys (for a Map) touched within one
// container by a single commit or import, paired with the container's new
// deep value so subscribers never need to hold a Replica reference just to
// read the result (spec §9, "already-materialized keys/values").
type ContainerChange struct {
	Container string
	Kind      ContainerKind
	Keys      []string
	Value     Value
}

// ChangeEvent is delivered to every change subscriber for each batch of
// operations applied locally (via Commit) or remotely (via ImportUpdates).
type ChangeEvent struct {
	Changes []ContainerChange
}

type containerEntry struct {
	kind ContainerKind
	c    container
}

// Replica holds one agent's CRDT document: a name→container map, a 64-bit
// peer identity stable for the process lifetime, and the version vector and
// operation history backing export/import (spec §3, §4.1).
type Replica struct {
	mu          sync.Mutex
	peerID      uint64
	nextCounter uint64
	vv          map[uint64]uint64
	seen        map[OpID]struct{}
	containers  map[string]*containerEntry
	pending     []Operation
	oplog       []Operation

	subsMu     sync.Mutex
	localSubs  []func([]byte) bool
	changeSubs []func(ChangeEvent)
}

// NewReplica creates an empty replica for the given peer id.
func NewReplica(peerID uint64) *Replica {
	return &Replica{
		peerID:     peerID,
		vv:         make(map[uint64]uint64),
		seen:       make(map[OpID]struct{}),
		containers: make(map[string]*containerEntry),
	}
}

// PeerID returns the replica's stable peer identifier.
func (r *Replica) PeerID() uint64 { return r.peerID }

func newContainer(kind ContainerKind) container {
	switch kind {
	case KindMap:
		return newMapContainer()
	case KindList:
		return newSeqContainer(KindList)
	case KindText:
		return newSeqContainer(KindText)
	case KindCounter:
		return newCounterContainer()
	default:
		panic(fmt.Sprintf("crdt: unknown container kind %d", int(kind)))
	}
}

// containerFor returns the entry for name, creating it with the given kind
// on first use. Accessing an existing name under a different kind is an
// error (spec §4.1).
func (r *Replica) containerFor(name string, kind ContainerKind) (*containerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.containers[name]; ok {
		if e.kind != kind {
			return nil, fmt.Errorf("crdt: container %q is a %s, not a %s", name, e.kind, kind)
		}
		return e, nil
	}
	e := &containerEntry{kind: kind, c: newContainer(kind)}
	r.containers[name] = e
	return e, nil
}

// Map returns a handle onto the named map container, creating it on first use.
func (r *Replica) Map(name string) (*MapHandle, error) {
	e, err := r.containerFor(name, KindMap)
	if err != nil {
		return nil, err
	}
	return &MapHandle{r: r, name: name, entry: e}, nil
}

// List returns a handle onto the named ordered-sequence container.
func (r *Replica) List(name string) (*ListHandle, error) {
	e, err := r.containerFor(name, KindList)
	if err != nil {
		return nil, err
	}
	return &ListHandle{r: r, name: name, entry: e}, nil
}

// Text returns a handle onto the named text container.
func (r *Replica) Text(name string) (*TextHandle, error) {
	e, err := r.containerFor(name, KindText)
	if err != nil {
		return nil, err
	}
	return &TextHandle{r: r, name: name, entry: e}, nil
}

// Counter returns a handle onto the named counter container.
func (r *Replica) Counter(name string) (*CounterHandle, error) {
	e, err := r.containerFor(name, KindCounter)
	if err != nil {
		return nil, err
	}
	return &CounterHandle{r: r, name: name, entry: e}, nil
}

// nextOpIDLocked must be called with r.mu held.
func (r *Replica) nextOpIDLocked() OpID {
	r.nextCounter++
	return OpID{Peer: r.peerID, Counter: r.nextCounter}
}

// applyLocalLocked applies an already-built local operation to its
// container, marks it seen, advances the version vector, and stages it for
// the next Commit. Must be called with r.mu held.
func (r *Replica) applyLocalLocked(entry *containerEntry, op Operation) {
	entry.c.Apply(op)
	r.seen[op.ID] = struct{}{}
	if op.ID.Counter > r.vv[op.ID.Peer] {
		r.vv[op.ID.Peer] = op.ID.Counter
	}
	r.pending = append(r.pending, op)
}

// Commit seals every operation staged since the last Commit into one update
// blob, appends those operations to the exportable history, and dispatches
// the local-update and change subscribers. The replica lock is released
// before dispatch to avoid re-entrant deadlock against a callback that
// writes back into the replica (spec §4.1, §9).
func (r *Replica) Commit() {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return
	}
	sealed := r.pending
	r.pending = nil
	r.oplog = append(r.oplog, sealed...)
	event := r.changeEventLocked(sealed)
	blob := EncodeOperations(sealed)
	r.mu.Unlock()

	r.dispatchLocalUpdate(blob)
	r.dispatchChange(event)
}

// changeEventLocked must be called with r.mu held.
func (r *Replica) changeEventLocked(ops []Operation) ChangeEvent {
	order := make([]string, 0, len(ops))
	byContainer := make(map[string]*ContainerChange, len(ops))
	seenKey := make(map[string]map[string]bool, len(ops))

	for _, op := range ops {
		cc, ok := byContainer[op.Container]
		if !ok {
			cc = &ContainerChange{Container: op.Container, Kind: op.Kind}
			byContainer[op.Container] = cc
			seenKey[op.Container] = make(map[string]bool)
			order = append(order, op.Container)
		}
		if op.Key != "" && !seenKey[op.Container][op.Key] {
			seenKey[op.Container][op.Key] = true
			cc.Keys = append(cc.Keys, op.Key)
		}
	}

	changes := make([]ContainerChange, 0, len(order))
	for _, name := range order {
		cc := byContainer[name]
		if entry, ok := r.containers[name]; ok {
			cc.Value = entry.c.DeepValue()
		}
		changes = append(changes, *cc)
	}
	return ChangeEvent{Changes: changes}
}

// SubscribeLocalUpdate registers cb to fire, with the encoded update blob,
// after every Commit of locally authored edits. Returning false from cb
// unsubscribes it.
func (r *Replica) SubscribeLocalUpdate(cb func([]byte) bool) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.localSubs = append(r.localSubs, cb)
}

// SubscribeChange registers cb to fire for every applied mutation, local or
// imported.
func (r *Replica) SubscribeChange(cb func(ChangeEvent)) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.changeSubs = append(r.changeSubs, cb)
}

func (r *Replica) dispatchLocalUpdate(blob []byte) {
	r.subsMu.Lock()
	subs := append([]func([]byte) bool(nil), r.localSubs...)
	r.subsMu.Unlock()

	var stillActive []func([]byte) bool
	for _, cb := range subs {
		if cb(blob) {
			stillActive = append(stillActive, cb)
		}
	}

	r.subsMu.Lock()
	r.localSubs = stillActive
	r.subsMu.Unlock()
}

func (r *Replica) dispatchChange(event ChangeEvent) {
	r.subsMu.Lock()
	subs := append(([]func(ChangeEvent))(nil), r.changeSubs...)
	r.subsMu.Unlock()

	for _, cb := range subs {
		cb(event)
	}
}

// ExportSnapshot encodes the replica's complete operation history. Because
// every container is fully reconstructible by replaying its operations in
// any order (spec §8.1-§8.3), a snapshot is simply the full history
// encoded with the same codec as ExportUpdates, which is what lets
// ImportUpdates accept either interchangeably.
func (r *Replica) ExportSnapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return EncodeOperations(r.oplog)
}

// ExportUpdates encodes every committed operation strictly after since. An
// empty since is equivalent to ExportSnapshot.
func (r *Replica) ExportUpdates(since map[uint64]uint64) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Operation
	for _, op := range r.oplog {
		if op.ID.Counter > since[op.ID.Peer] {
			out = append(out, op)
		}
	}
	return EncodeOperations(out)
}

// ImportUpdates applies one or more previously exported operations. Already
// seen operation ids are skipped, making import idempotent; operations from
// different authors are applied independently of arrival order, making
// import commutative (spec §8.2, §8.3). Fails only if data itself cannot be
// decoded.
func (r *Replica) ImportUpdates(data []byte) error {
	ops, err := DecodeOperations(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	var applied []Operation
	for _, op := range ops {
		if _, ok := r.seen[op.ID]; ok {
			continue
		}
		entry, ok := r.containers[op.Container]
		if !ok {
			entry = &containerEntry{kind: op.Kind, c: newContainer(op.Kind)}
			r.containers[op.Container] = entry
		} else if entry.kind != op.Kind {
			// Operation addressed to a container under a different kind
			// than we know it by; skip rather than fail the whole batch.
			continue
		}
		entry.c.Apply(op)
		r.seen[op.ID] = struct{}{}
		if op.ID.Counter > r.vv[op.ID.Peer] {
			r.vv[op.ID.Peer] = op.ID.Counter
		}
		r.oplog = append(r.oplog, op)
		applied = append(applied, op)
	}
	if len(applied) == 0 {
		r.mu.Unlock()
		return nil
	}
	event := r.changeEventLocked(applied)
	r.mu.Unlock()

	r.dispatchChange(event)
	return nil
}

// CloneVersionVector returns a deep copy of the current version vector.
func (r *Replica) CloneVersionVector() map[uint64]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint64]uint64, len(r.vv))
	for k, v := range r.vv {
		out[k] = v
	}
	return out
}

// DeepValue returns the whole document as a single Dict keyed by container
// name, canonical for convergence comparisons across replicas (spec §3,
// §8.1; scenario S1).
func (r *Replica) DeepValue() Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Value, len(r.containers))
	for name, e := range r.containers {
		out[name] = e.c.DeepValue()
	}
	return Dict(out)
}
