package crdt

// rgaNode is one element of a Replicated Growable Array, represented as a
// tree: each node's children are the elements inserted directly after it,
// kept sorted in descending OpID order. Flattening the tree in pre-order
// (node, then its children left to right) yields the sequence's total
// order. Because the position of every node is determined purely by its
// own id and its anchor's id — never by arrival order — applying the same
// set of insert/delete operations in any order, any number of times,
// produces the identical final sequence (spec §8.1-§8.3).
type rgaNode struct {
	id       OpID
	value    Value
	deleted  bool
	children []*rgaNode // sorted descending by id
}

// rga is a minimal Replicated Growable Array backing both the List and Text
// containers: List elements are individual Values, Text elements are
// string chunks (see container.go) concatenated on read.
type rga struct {
	root  *rgaNode // virtual; never part of the visible sequence
	index map[OpID]*rgaNode

	// pending holds nodes whose anchor hasn't been seen yet, keyed by the
	// anchor id they're waiting on. A node is never attached to the tree
	// (and never added to index) until its anchor resolves, so arrival
	// order never affects the converged shape: see Insert and attach.
	pending map[OpID][]*rgaNode
}

func newRGA() *rga {
	root := &rgaNode{}
	return &rga{root: root, index: map[OpID]*rgaNode{{}: root}}
}

// Insert places a new element carrying id/value immediately after the
// element identified by after (nil meaning the head of the sequence). If
// after names an id not yet seen by this replica, the node is buffered
// under that anchor id instead of being attached anywhere; it (and
// anything anchored after it) is attached once the anchor op arrives,
// keeping import commutative regardless of delivery order (spec §8.1-§8.3).
func (r *rga) Insert(after *OpID, id OpID, value Value) {
	node := &rgaNode{id: id, value: value}

	if after == nil {
		r.attach(node, r.root)
		return
	}

	if anchor, ok := r.index[*after]; ok {
		r.attach(node, anchor)
		return
	}

	if r.pending == nil {
		r.pending = make(map[OpID][]*rgaNode)
	}
	r.pending[*after] = append(r.pending[*after], node)
}

// attach inserts node under parent, indexes it, and recursively attaches
// any nodes that were buffered waiting on node's own id.
func (r *rga) attach(node *rgaNode, parent *rgaNode) {
	insertSortedDescending(parent, node)
	r.index[node.id] = node

	waiting := r.pending[node.id]
	if len(waiting) == 0 {
		return
	}
	delete(r.pending, node.id)
	for _, child := range waiting {
		r.attach(child, node)
	}
}

func insertSortedDescending(parent *rgaNode, node *rgaNode) {
	i := 0
	for i < len(parent.children) && node.id.Less(parent.children[i].id) {
		i++
	}
	parent.children = append(parent.children, nil)
	copy(parent.children[i+1:], parent.children[i:])
	parent.children[i] = node
}

// Delete tombstones the element with the given id, if present. Deleting an
// unknown or already-deleted id is a no-op, which is what makes the
// operation idempotent under duplicate delivery.
func (r *rga) Delete(id OpID) {
	if node, ok := r.index[id]; ok {
		node.deleted = true
	}
}

// Element pairs a live element's id with its value, in sequence order.
type Element struct {
	ID    OpID
	Value Value
}

// Elements returns the live (non-tombstoned) elements in sequence order,
// each tagged with the id it was inserted under so callers can anchor
// further inserts or issue position-addressed deletes.
func (r *rga) Elements() []Element {
	var out []Element
	flattenElements(r.root, &out)
	return out
}

func flattenElements(node *rgaNode, out *[]Element) {
	for _, c := range node.children {
		if !c.deleted {
			*out = append(*out, Element{ID: c.id, Value: c.value})
		}
		flattenElements(c, out)
	}
}

// Values returns the live (non-tombstoned) element values in sequence
// order.
func (r *rga) Values() []Value {
	elements := r.Elements()
	out := make([]Value, len(elements))
	for i, e := range elements {
		out[i] = e.Value
	}
	return out
}

// Len returns the number of live elements.
func (r *rga) Len() int {
	return len(r.Elements())
}

// LastID returns the id of the last node in the tree's pre-order traversal
// (live or tombstoned), or nil if the sequence is empty. Anchoring a new
// append after this id — rather than after the last *live* element — keeps
// append order well-defined even when the tail has been deleted.
func (r *rga) LastID() *OpID {
	node := r.root
	for len(node.children) > 0 {
		node = node.children[len(node.children)-1]
	}
	if node == r.root {
		return nil
	}
	id := node.id
	return &id
}
