package crdt

import "strings"

// container is the internal storage behind one named Replica container. All
// four kinds implement it; Apply is only ever called with operations
// addressed to that exact container (Replica routes by name).
type container interface {
	Kind() ContainerKind
	// Apply mutates the container for a single operation and returns the
	// map keys it touched (empty for list/text/counter containers, whose
	// change events carry no key).
	Apply(op Operation) []string
	DeepValue() Value
}

// mapEntry is a last-writer-wins register: the entry carrying the greatest
// OpID (by OpID.Less) wins, deterministically, regardless of delivery
// order — which is exactly what makes the map container converge.
type mapEntry struct {
	id        OpID
	value     Value
	tombstone bool
}

type mapContainer struct {
	entries map[string]mapEntry
}

func newMapContainer() *mapContainer {
	return &mapContainer{entries: make(map[string]mapEntry)}
}

func (m *mapContainer) Kind() ContainerKind { return KindMap }

func (m *mapContainer) Apply(op Operation) []string {
	current, exists := m.entries[op.Key]
	if exists && !current.id.Less(op.ID) {
		// A previously applied write for this key already wins the
		// tie-break against this operation; nothing changes.
		return nil
	}
	switch op.Type {
	case OpMapSet:
		m.entries[op.Key] = mapEntry{id: op.ID, value: op.Value}
	case OpMapDelete:
		m.entries[op.Key] = mapEntry{id: op.ID, tombstone: true}
	default:
		return nil
	}
	return []string{op.Key}
}

func (m *mapContainer) Get(key string) (Value, bool) {
	entry, ok := m.entries[key]
	if !ok || entry.tombstone {
		return Value{}, false
	}
	return entry.value, true
}

func (m *mapContainer) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.tombstone {
			keys = append(keys, k)
		}
	}
	return keys
}

func (m *mapContainer) DeepValue() Value {
	out := make(map[string]Value, len(m.entries))
	for k, e := range m.entries {
		if !e.tombstone {
			out[k] = e.value
		}
	}
	return Dict(out)
}

// seqContainer backs both List and Text: an RGA of Values. For Text, each
// element is a single-rune string chunk; DeepValue concatenates them.
type seqContainer struct {
	kind ContainerKind
	r    *rga
}

func newSeqContainer(kind ContainerKind) *seqContainer {
	return &seqContainer{kind: kind, r: newRGA()}
}

func (s *seqContainer) Kind() ContainerKind { return s.kind }

func (s *seqContainer) Apply(op Operation) []string {
	switch op.Type {
	case OpSeqInsert:
		s.r.Insert(op.After, op.ID, op.Value)
	case OpSeqDelete:
		s.r.Delete(op.Target)
	}
	return nil
}

func (s *seqContainer) DeepValue() Value {
	values := s.r.Values()
	if s.kind == KindText {
		var b strings.Builder
		for _, v := range values {
			b.WriteString(v.Native().(string))
		}
		return String(b.String())
	}
	return List(values)
}

func (s *seqContainer) Len() int { return s.r.Len() }

// counterContainer is a sum of signed per-operation deltas: addition is
// commutative and associative, so no conflict resolution is needed beyond
// the replica-level duplicate-operation filter.
type counterContainer struct {
	value int64
}

func newCounterContainer() *counterContainer { return &counterContainer{} }

func (c *counterContainer) Kind() ContainerKind { return KindCounter }

func (c *counterContainer) Apply(op Operation) []string {
	if op.Type == OpCounterIncrement {
		c.value += op.Value.i
	}
	return nil
}

func (c *counterContainer) DeepValue() Value { return Int(c.value) }
