package namespace

import (
	"errors"
	"testing"

	"github.com/rubiojr/plutus/pkg/crdt"
)

func TestSetGetRoundTrip(t *testing.T) {
	r := crdt.NewReplica(1)
	ns, err := Open(r, "settings")
	if err != nil {
		t.Fatal(err)
	}

	if err := ns.Set("theme", "dark"); err != nil {
		t.Fatal(err)
	}
	r.Commit()

	v, ok := ns.Get("theme")
	if !ok || v != "dark" {
		t.Fatalf("got %#v, %v", v, ok)
	}
}

func TestSetRejectsUnsupportedValue(t *testing.T) {
	r := crdt.NewReplica(1)
	ns, _ := Open(r, "settings")

	err := ns.Set("bad", make(chan int))
	if err == nil {
		t.Fatal("expected an error for an unsupported value shape")
	}
	if !errors.Is(err, ErrUnsupportedValue) {
		t.Fatalf("expected ErrUnsupportedValue, got %v", err)
	}

	if ns.Contains("bad") {
		t.Fatal("a rejected Set must not leave partial state")
	}
}

func TestDeleteAndContains(t *testing.T) {
	r := crdt.NewReplica(1)
	ns, _ := Open(r, "settings")

	ns.Set("k", "v")
	r.Commit()
	if !ns.Contains("k") {
		t.Fatal("expected key present after set")
	}

	ns.Delete("k")
	r.Commit()
	if ns.Contains("k") {
		t.Fatal("expected key gone after delete")
	}
}

func TestKeysValuesItemsToDict(t *testing.T) {
	r := crdt.NewReplica(1)
	ns, _ := Open(r, "settings")

	ns.Set("b", int64(2))
	ns.Set("a", int64(1))
	r.Commit()

	keys := ns.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("expected sorted keys [a b], got %v", keys)
	}

	values := ns.Values()
	if len(values) != 2 || values[0] != int64(1) || values[1] != int64(2) {
		t.Fatalf("unexpected values: %v", values)
	}

	items := ns.Items()
	if len(items) != 2 || items[0][0] != "a" || items[1][0] != "b" {
		t.Fatalf("unexpected items: %v", items)
	}

	dict := ns.ToDict()
	if dict["a"] != int64(1) || dict["b"] != int64(2) {
		t.Fatalf("unexpected dict: %v", dict)
	}
}

func TestNestedValueShapesAreSupported(t *testing.T) {
	r := crdt.NewReplica(1)
	ns, _ := Open(r, "settings")

	nested := map[string]any{
		"tags": []any{"a", "b"},
		"n":    int64(3),
	}
	if err := ns.Set("profile", nested); err != nil {
		t.Fatal(err)
	}
	r.Commit()

	v, ok := ns.Get("profile")
	if !ok {
		t.Fatal("expected profile present")
	}
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("expected map[string]any, got %T", v)
	}
	if m["n"] != int64(3) {
		t.Fatalf("unexpected nested n: %v", m["n"])
	}
}
