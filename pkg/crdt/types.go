// Package crdt implements the Replica: an operation-based CRDT document
// holding named containers (map, list, text, counter), a per-peer version
// vector, and the export/import path used to exchange deltas across the
// network (spec §3, §4.1).
//
// No CRDT engine exists anywhere in the retrieved reference corpus, so the
// algorithms here (last-writer-wins register for map values, a Replicated
// Growable Array for sequence/text containers, a PN-Counter for counters)
// are implemented directly. All three are commutative and idempotent by
// construction once duplicate operation ids are filtered, which is what
// makes convergence (spec §8.1-§8.3) hold regardless of delivery order.
package crdt

import (
	"fmt"
	"sort"
)

// ContainerKind identifies the four supported container flavors.
type ContainerKind int

const (
	KindMap ContainerKind = iota + 1
	KindList
	KindText
	KindCounter
)

func (k ContainerKind) String() string {
	switch k {
	case KindMap:
		return "map"
	case KindList:
		return "list"
	case KindText:
		return "text"
	case KindCounter:
		return "counter"
	default:
		return fmt.Sprintf("ContainerKind(%d)", int(k))
	}
}

// OpID uniquely identifies an operation: the peer that authored it and that
// peer's local, monotonically increasing sequence number for it.
type OpID struct {
	Peer    uint64
	Counter uint64
}

// Less orders OpIDs by counter first, then by peer id, breaking ties
// deterministically between concurrent operations from different peers.
func (a OpID) Less(b OpID) bool {
	if a.Counter != b.Counter {
		return a.Counter < b.Counter
	}
	return a.Peer < b.Peer
}

// OpType enumerates the mutations a container may receive.
type OpType int

const (
	OpMapSet OpType = iota + 1
	OpMapDelete
	OpSeqInsert
	OpSeqDelete
	OpCounterIncrement
)

// Operation is a single, self-contained CRDT mutation. It carries everything
// needed to apply it without consulting anything but the target container's
// own state, which is what makes replay order-independent.
type Operation struct {
	ID        OpID
	Container string
	Kind      ContainerKind
	Type      OpType

	// Map fields.
	Key string

	// Sequence fields (List and Text share the RGA engine).
	After  *OpID // anchor this element is inserted after; nil means head
	Target OpID  // element id this delete removes

	// Payload, interpreted per Type: the written Value for MapSet and
	// SeqInsert, the increment amount (stored as an Int value) for
	// CounterIncrement.
	Value Value
}

// Value is the closed recursive value shape from spec §3: null, bool,
// int64, float64, string, []byte, ordered sequence of Value, or a
// string-keyed map of Value.
type Value struct {
	kind  valueKind
	b     bool
	i     int64
	f     float64
	s     string
	bytes []byte
	list  []Value
	dict  map[string]Value
}

type valueKind int

const (
	valueNull valueKind = iota
	valueBool
	valueInt
	valueFloat
	valueString
	valueBytes
	valueList
	valueDict
)

func Null() Value                { return Value{kind: valueNull} }
func Bool(v bool) Value          { return Value{kind: valueBool, b: v} }
func Int(v int64) Value          { return Value{kind: valueInt, i: v} }
func Float(v float64) Value      { return Value{kind: valueFloat, f: v} }
func String(v string) Value      { return Value{kind: valueString, s: v} }
func Bytes(v []byte) Value       { return Value{kind: valueBytes, bytes: append([]byte(nil), v...)} }
func List(v []Value) Value       { return Value{kind: valueList, list: normalizeList(v)} }
func Dict(v map[string]Value) Value {
	return Value{kind: valueDict, dict: normalizeDict(v)}
}

func normalizeList(v []Value) []Value {
	out := make([]Value, len(v))
	copy(out, v)
	return out
}

func normalizeDict(v map[string]Value) map[string]Value {
	out := make(map[string]Value, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

func (v Value) IsNull() bool { return v.kind == valueNull }

// Native converts a Value back into a plain Go value (nil, bool, int64,
// float64, string, []byte, []any, or map[string]any) suitable for
// presenting to callers (Namespace.Get, deep-value dumps).
func (v Value) Native() any {
	switch v.kind {
	case valueNull:
		return nil
	case valueBool:
		return v.b
	case valueInt:
		return v.i
	case valueFloat:
		return v.f
	case valueString:
		return v.s
	case valueBytes:
		return append([]byte(nil), v.bytes...)
	case valueList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.Native()
		}
		return out
	case valueDict:
		out := make(map[string]any, len(v.dict))
		for k, e := range v.dict {
			out[k] = e.Native()
		}
		return out
	default:
		return nil
	}
}

// FromNative converts a plain Go value into a Value, normalizing tuples
// (there is no tuple type in Go, but []any produced from, say, a decoded
// array literal) and rejecting unsupported shapes. This is the boundary the
// Namespace facade's whitelist enforces (spec §4.8).
func FromNative(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Bytes(t), nil
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			cv, err := FromNative(e)
			if err != nil {
				return Value{}, err
			}
			out[i] = cv
		}
		return List(out), nil
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			cv, err := FromNative(e)
			if err != nil {
				return Value{}, err
			}
			out[k] = cv
		}
		return Dict(out), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", v)
	}
}

// SortedKeys returns a dict's keys in deterministic order, for canonical
// comparison/printing.
func SortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
