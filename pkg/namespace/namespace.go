// Package namespace implements the Namespace facade: a typed projection of
// one Map container on a Replica (spec §4.8).
package namespace

import (
	"errors"
	"fmt"

	"github.com/rubiojr/plutus/pkg/crdt"
)

// ErrUnsupportedValue is returned by Set when the given value does not fit
// the closed recursive value shape in spec §3 (null, bool, int, float,
// string, bytes, ordered sequence, string-keyed mapping).
var ErrUnsupportedValue = errors.New("namespace: unsupported value")

// Namespace is a typed view over a single Map container.
type Namespace struct {
	replica *crdt.Replica
	handle  *crdt.MapHandle
}

// Open returns the Namespace for the named container, creating it as a Map
// if it does not already exist.
func Open(replica *crdt.Replica, name string) (*Namespace, error) {
	h, err := replica.Map(name)
	if err != nil {
		return nil, fmt.Errorf("namespace %q: %w", name, err)
	}
	return &Namespace{replica: replica, handle: h}, nil
}

// Get returns the value stored at key, if any.
func (n *Namespace) Get(key string) (any, bool) {
	v, ok := n.handle.Get(key)
	if !ok {
		return nil, false
	}
	return v.Native(), true
}

// Set validates value against the recursive whitelist, normalizing tuples
// and sequences to ordered sequences, then writes it. Returns
// ErrUnsupportedValue (wrapped with the offending path) if the shape is not
// supported; no state change occurs in that case.
func (n *Namespace) Set(key string, value any) error {
	v, err := crdt.FromNative(value)
	if err != nil {
		return fmt.Errorf("namespace: set %q: %w: %v", key, ErrUnsupportedValue, err)
	}
	n.handle.Set(key, v)
	return nil
}

// Delete removes key, if present.
func (n *Namespace) Delete(key string) {
	n.handle.Delete(key)
}

// Contains reports whether key is present.
func (n *Namespace) Contains(key string) bool {
	return n.handle.Contains(key)
}

// Keys returns the sorted set of present keys.
func (n *Namespace) Keys() []string {
	return n.handle.Keys()
}

// Values returns the native values in key-sorted order.
func (n *Namespace) Values() []any {
	values := n.handle.Values()
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v.Native()
	}
	return out
}

// Items returns key/value pairs in key-sorted order.
func (n *Namespace) Items() [][2]any {
	keys := n.Keys()
	items := make([][2]any, 0, len(keys))
	for _, k := range keys {
		v, _ := n.Get(k)
		items = append(items, [2]any{k, v})
	}
	return items
}

// ToDict returns a plain map snapshot of the namespace's current contents.
func (n *Namespace) ToDict() map[string]any {
	out := make(map[string]any)
	for _, k := range n.Keys() {
		v, _ := n.Get(k)
		out[k] = v
	}
	return out
}

// ToMap is an alias for ToDict kept for callers that prefer a direct,
// lock-free-for-callers read without the dict/ordered-items framing (see
// SPEC_FULL.md §3 "FastRead-style direct read").
func (n *Namespace) ToMap() map[string]any {
	return n.ToDict()
}
