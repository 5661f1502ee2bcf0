package crdt

import "sort"

// MapHandle is a mutation/read handle onto one named map container.
type MapHandle struct {
	r     *Replica
	name  string
	entry *containerEntry
}

func (h *MapHandle) Set(key string, v Value) {
	h.r.mu.Lock()
	op := Operation{ID: h.r.nextOpIDLocked(), Container: h.name, Kind: KindMap, Type: OpMapSet, Key: key, Value: v}
	h.r.applyLocalLocked(h.entry, op)
	h.r.mu.Unlock()
}

func (h *MapHandle) Delete(key string) {
	h.r.mu.Lock()
	op := Operation{ID: h.r.nextOpIDLocked(), Container: h.name, Kind: KindMap, Type: OpMapDelete, Key: key}
	h.r.applyLocalLocked(h.entry, op)
	h.r.mu.Unlock()
}

func (h *MapHandle) Get(key string) (Value, bool) {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.entry.c.(*mapContainer).Get(key)
}

func (h *MapHandle) Contains(key string) bool {
	_, ok := h.Get(key)
	return ok
}

func (h *MapHandle) Keys() []string {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	keys := h.entry.c.(*mapContainer).Keys()
	sort.Strings(keys)
	return keys
}

func (h *MapHandle) Values() []Value {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	m := h.entry.c.(*mapContainer)
	keys := m.Keys()
	sort.Strings(keys)
	out := make([]Value, 0, len(keys))
	for _, k := range keys {
		if v, ok := m.Get(k); ok {
			out = append(out, v)
		}
	}
	return out
}

func (h *MapHandle) Items() map[string]Value {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	m := h.entry.c.(*mapContainer)
	out := make(map[string]Value)
	for _, k := range m.Keys() {
		if v, ok := m.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

func (h *MapHandle) ToDict() Value {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.entry.c.DeepValue()
}

// ListHandle is a mutation/read handle onto one named ordered-sequence
// container.
type ListHandle struct {
	r     *Replica
	name  string
	entry *containerEntry
}

// Append inserts v after the current last element (live or tombstoned).
func (h *ListHandle) Append(v Value) OpID {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	seq := h.entry.c.(*seqContainer)
	after := seq.r.LastID()
	id := h.r.nextOpIDLocked()
	op := Operation{ID: id, Container: h.name, Kind: KindList, Type: OpSeqInsert, After: after, Value: v}
	h.r.applyLocalLocked(h.entry, op)
	return id
}

// InsertAfter inserts v immediately after the element identified by after
// (nil meaning the head of the list).
func (h *ListHandle) InsertAfter(after *OpID, v Value) OpID {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	id := h.r.nextOpIDLocked()
	op := Operation{ID: id, Container: h.name, Kind: KindList, Type: OpSeqInsert, After: after, Value: v}
	h.r.applyLocalLocked(h.entry, op)
	return id
}

// Delete tombstones the element identified by id.
func (h *ListHandle) Delete(id OpID) {
	h.r.mu.Lock()
	op := Operation{ID: h.r.nextOpIDLocked(), Container: h.name, Kind: KindList, Type: OpSeqDelete, Target: id}
	h.r.applyLocalLocked(h.entry, op)
	h.r.mu.Unlock()
}

func (h *ListHandle) Elements() []Element {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.entry.c.(*seqContainer).r.Elements()
}

func (h *ListHandle) Values() []Value {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.entry.c.(*seqContainer).r.Values()
}

func (h *ListHandle) Len() int {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.entry.c.(*seqContainer).Len()
}

// TextHandle is a mutation/read handle onto one named text container,
// backed by the same RGA as List but with one-rune elements concatenated on
// read.
type TextHandle struct {
	r     *Replica
	name  string
	entry *containerEntry
}

// Append inserts s as a run of single-rune elements after the current tail.
func (h *TextHandle) Append(s string) {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	seq := h.entry.c.(*seqContainer)
	after := seq.r.LastID()
	for _, ch := range s {
		id := h.r.nextOpIDLocked()
		op := Operation{ID: id, Container: h.name, Kind: KindText, Type: OpSeqInsert, After: after, Value: String(string(ch))}
		h.r.applyLocalLocked(h.entry, op)
		after = &id
	}
}

// InsertAt inserts s so that it begins at the given live-element index (0
// meaning the head, len(String()) meaning the tail).
func (h *TextHandle) InsertAt(index int, s string) {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	seq := h.entry.c.(*seqContainer)
	elements := seq.r.Elements()

	var after *OpID
	if index > 0 {
		if index > len(elements) {
			index = len(elements)
		}
		after = &elements[index-1].ID
	}
	for _, ch := range s {
		id := h.r.nextOpIDLocked()
		op := Operation{ID: id, Container: h.name, Kind: KindText, Type: OpSeqInsert, After: after, Value: String(string(ch))}
		h.r.applyLocalLocked(h.entry, op)
		after = &id
	}
}

// DeleteRange tombstones count live elements starting at index.
func (h *TextHandle) DeleteRange(index, count int) {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	seq := h.entry.c.(*seqContainer)
	elements := seq.r.Elements()
	end := index + count
	if end > len(elements) {
		end = len(elements)
	}
	for i := index; i < end; i++ {
		op := Operation{ID: h.r.nextOpIDLocked(), Container: h.name, Kind: KindText, Type: OpSeqDelete, Target: elements[i].ID}
		h.r.applyLocalLocked(h.entry, op)
	}
}

func (h *TextHandle) String() string {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.entry.c.DeepValue().Native().(string)
}

func (h *TextHandle) Len() int {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.entry.c.(*seqContainer).Len()
}

// CounterHandle is a mutation/read handle onto one named counter container.
type CounterHandle struct {
	r     *Replica
	name  string
	entry *containerEntry
}

func (h *CounterHandle) Increment(delta int64) {
	h.r.mu.Lock()
	op := Operation{ID: h.r.nextOpIDLocked(), Container: h.name, Kind: KindCounter, Type: OpCounterIncrement, Value: Int(delta)}
	h.r.applyLocalLocked(h.entry, op)
	h.r.mu.Unlock()
}

func (h *CounterHandle) Value() int64 {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.entry.c.(*counterContainer).value
}
