package crdt

import (
	"reflect"
	"testing"
)

func TestTwoReplicaConvergence(t *testing.T) {
	// Scenario S1.
	a := NewReplica(1)
	b := NewReplica(2)

	tasksA, err := a.Map("tasks")
	if err != nil {
		t.Fatal(err)
	}
	tasksA.Set("task_1", String("plan"))
	a.Commit()

	tasksB, err := b.Map("tasks")
	if err != nil {
		t.Fatal(err)
	}
	tasksB.Set("task_2", String("execute"))
	b.Commit()

	if err := a.ImportUpdates(b.ExportUpdates(a.CloneVersionVector())); err != nil {
		t.Fatalf("a import: %v", err)
	}
	if err := b.ImportUpdates(a.ExportUpdates(b.CloneVersionVector())); err != nil {
		t.Fatalf("b import: %v", err)
	}

	want := map[string]any{"tasks": map[string]any{"task_1": "plan", "task_2": "execute"}}
	if got := a.DeepValue().Native(); !reflect.DeepEqual(got, want) {
		t.Fatalf("a diverged: got %#v want %#v", got, want)
	}
	if got := b.DeepValue().Native(); !reflect.DeepEqual(got, want) {
		t.Fatalf("b diverged: got %#v want %#v", got, want)
	}
}

func TestIdempotentImport(t *testing.T) {
	a := NewReplica(1)
	m, _ := a.Map("kv")
	m.Set("k", Int(1))
	a.Commit()
	blob := a.ExportSnapshot()

	r := NewReplica(2)
	if err := r.ImportUpdates(blob); err != nil {
		t.Fatal(err)
	}
	once := r.DeepValue().Native()

	if err := r.ImportUpdates(blob); err != nil {
		t.Fatal(err)
	}
	twice := r.DeepValue().Native()

	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("import not idempotent: %#v vs %#v", once, twice)
	}
}

func TestCommutativeImport(t *testing.T) {
	author1 := NewReplica(1)
	m1, _ := author1.Map("kv")
	m1.Set("a", Int(1))
	author1.Commit()
	u1 := author1.ExportSnapshot()

	author2 := NewReplica(2)
	m2, _ := author2.Map("kv")
	m2.Set("b", Int(2))
	author2.Commit()
	u2 := author2.ExportSnapshot()

	r1 := NewReplica(3)
	if err := r1.ImportUpdates(u1); err != nil {
		t.Fatal(err)
	}
	if err := r1.ImportUpdates(u2); err != nil {
		t.Fatal(err)
	}

	r2 := NewReplica(4)
	if err := r2.ImportUpdates(u2); err != nil {
		t.Fatal(err)
	}
	if err := r2.ImportUpdates(u1); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(r1.DeepValue().Native(), r2.DeepValue().Native()) {
		t.Fatalf("commutativity broken: %#v vs %#v", r1.DeepValue().Native(), r2.DeepValue().Native())
	}
}

func TestCommutativeImportListChildBeforeAnchor(t *testing.T) {
	// A List insert's After id may reach a replica before the op that
	// created it. Both arrival orders must converge to the same sequence
	// (spec §8.1-§8.3); the child must not be stranded as a root sibling
	// of its anchor just because it arrived first.
	author := NewReplica(1)
	list, _ := author.List("items")

	anchorID := list.Append(String("a"))
	author.Commit()
	blobAnchor := author.ExportUpdates(map[uint64]uint64{})

	afterAnchorVV := author.CloneVersionVector()
	list.InsertAfter(&anchorID, String("b"))
	author.Commit()
	blobChild := author.ExportUpdates(afterAnchorVV)

	anchorFirst := NewReplica(2)
	if err := anchorFirst.ImportUpdates(blobAnchor); err != nil {
		t.Fatal(err)
	}
	if err := anchorFirst.ImportUpdates(blobChild); err != nil {
		t.Fatal(err)
	}

	childFirst := NewReplica(3)
	if err := childFirst.ImportUpdates(blobChild); err != nil {
		t.Fatal(err)
	}
	if err := childFirst.ImportUpdates(blobAnchor); err != nil {
		t.Fatal(err)
	}

	want := []string{"a", "b"}
	assertListValues := func(t *testing.T, r *Replica, label string) {
		t.Helper()
		l, err := r.List("items")
		if err != nil {
			t.Fatal(err)
		}
		values := l.Values()
		if len(values) != len(want) {
			t.Fatalf("%s: got %d elements, want %d: %#v", label, len(values), len(want), values)
		}
		for i, v := range values {
			if v.Native() != want[i] {
				t.Fatalf("%s: element %d: got %v want %v", label, i, v.Native(), want[i])
			}
		}
	}

	assertListValues(t, anchorFirst, "anchor-then-child")
	assertListValues(t, childFirst, "child-then-anchor")
}

func TestContainerKindMismatchRejected(t *testing.T) {
	r := NewReplica(1)
	if _, err := r.Map("x"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.List("x"); err == nil {
		t.Fatal("expected error reusing container name under a different kind")
	}
}

func TestCommitWithNoPendingEditsIsNoop(t *testing.T) {
	r := NewReplica(1)
	fired := false
	r.SubscribeLocalUpdate(func([]byte) bool { fired = true; return true })
	r.Commit()
	if fired {
		t.Fatal("expected no local-update dispatch when nothing is pending")
	}
}

func TestLocalUpdateSubscriberUnsubscribesOnFalse(t *testing.T) {
	r := NewReplica(1)
	calls := 0
	r.SubscribeLocalUpdate(func([]byte) bool { calls++; return false })

	m, _ := r.Map("kv")
	m.Set("a", Int(1))
	r.Commit()
	m.Set("b", Int(2))
	r.Commit()

	if calls != 1 {
		t.Fatalf("expected exactly one delivery before unsubscribe, got %d", calls)
	}
}

func TestChangeSubscriberReceivesContainerAndKeys(t *testing.T) {
	r := NewReplica(1)
	var got ChangeEvent
	r.SubscribeChange(func(e ChangeEvent) { got = e })

	m, _ := r.Map("kv")
	m.Set("a", Int(1))
	r.Commit()

	if len(got.Changes) != 1 {
		t.Fatalf("expected one container change, got %d", len(got.Changes))
	}
	if got.Changes[0].Container != "kv" || got.Changes[0].Keys[0] != "a" {
		t.Fatalf("unexpected change event: %#v", got.Changes[0])
	}
}

func TestListConvergesUnderConcurrentInsertAtSameAnchor(t *testing.T) {
	a := NewReplica(1)
	b := NewReplica(2)

	la, _ := a.List("seq")
	lb, _ := b.List("seq")
	la.Append(String("root"))
	a.Commit()

	seed := a.ExportSnapshot()
	if err := b.ImportUpdates(seed); err != nil {
		t.Fatal(err)
	}

	rootID := la.Elements()[0].ID
	la.InsertAfter(&rootID, String("from-a"))
	a.Commit()
	lb.InsertAfter(&rootID, String("from-b"))
	b.Commit()

	if err := a.ImportUpdates(b.ExportUpdates(a.CloneVersionVector())); err != nil {
		t.Fatal(err)
	}
	if err := b.ImportUpdates(a.ExportUpdates(b.CloneVersionVector())); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(a.DeepValue().Native(), b.DeepValue().Native()) {
		t.Fatalf("list diverged: %#v vs %#v", a.DeepValue().Native(), b.DeepValue().Native())
	}
}

func TestCounterSumsAcrossPeersRegardlessOfOrder(t *testing.T) {
	a := NewReplica(1)
	ca, _ := a.Counter("hits")
	ca.Increment(3)
	ca.Increment(2)
	a.Commit()

	b := NewReplica(2)
	cb, _ := b.Counter("hits")
	cb.Increment(10)
	b.Commit()

	if err := b.ImportUpdates(a.ExportSnapshot()); err != nil {
		t.Fatal(err)
	}
	if err := a.ImportUpdates(b.ExportUpdates(map[uint64]uint64{2: 0})); err != nil {
		t.Fatal(err)
	}

	if ca.Value() != 15 || cb.Value() != 15 {
		t.Fatalf("expected 15 on both sides, got a=%d b=%d", ca.Value(), cb.Value())
	}
}

func TestTextConcatenatesInOrder(t *testing.T) {
	r := NewReplica(1)
	text, _ := r.Text("doc")
	text.Append("hello")
	text.InsertAt(5, " world")
	r.Commit()

	if got := text.String(); got != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestImportRejectsMalformedBlob(t *testing.T) {
	r := NewReplica(1)
	err := r.ImportUpdates([]byte("not-a-blob"))
	if err == nil {
		t.Fatal("expected decode error")
	}
	if _, ok := err.(*DecodeError); !ok {
		t.Fatalf("expected *DecodeError, got %T", err)
	}
}
