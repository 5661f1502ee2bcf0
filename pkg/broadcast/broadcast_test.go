package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rubiojr/plutus/pkg/crdt"
	"github.com/rubiojr/plutus/pkg/wire"
)

// memTransport is an in-process Transport double: Send appends to an
// outbox, Receive drains a prefilled inbox.
type memTransport struct {
	mu     sync.Mutex
	outbox []wire.Envelope
	inbox  chan wire.Envelope
	closed bool
}

func newMemTransport() *memTransport {
	return &memTransport{inbox: make(chan wire.Envelope, 16)}
}

func (m *memTransport) Send(ctx context.Context, e wire.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbox = append(m.outbox, e)
	return nil
}

func (m *memTransport) Receive(ctx context.Context) (wire.Envelope, error) {
	select {
	case e := <-m.inbox:
		return e, nil
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}

func (m *memTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memTransport) IsConnected() bool { return !m.closed }

func (m *memTransport) Reconnect(ctx context.Context) error { return nil }

func (m *memTransport) sent() []wire.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wire.Envelope, len(m.outbox))
	copy(out, m.outbox)
	return out
}

func TestSuppressionSkipsExactlyOneCommit(t *testing.T) {
	// Scenario §8.9.
	r := crdt.NewReplica(1)
	b := New(r, 1)
	mt := newMemTransport()
	b.SetTransport(mt)

	m, _ := r.Map("kv")

	b.SuppressNextLocalUpdate()
	m.Set("a", crdt.Int(1))
	r.Commit()

	select {
	case <-b.queue:
		t.Fatal("expected the suppressed commit not to enqueue")
	default:
	}

	m.Set("b", crdt.Int(2))
	r.Commit()

	select {
	case <-b.queue:
	case <-time.After(time.Second):
		t.Fatal("expected the following commit to enqueue normally")
	}
}

func TestFlushPendingWaitsForSendLoopDrain(t *testing.T) {
	// Scenario §8.10.
	r := crdt.NewReplica(1)
	b := New(r, 1)
	mt := newMemTransport()
	b.SetTransport(mt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.RunSendLoop(ctx)

	m, _ := r.Map("kv")
	m.Set("a", crdt.Int(1))
	r.Commit()
	m.Set("b", crdt.Int(2))
	r.Commit()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer flushCancel()
	if !b.FlushPending(flushCtx) {
		t.Fatal("expected flush to complete")
	}
	if len(mt.sent()) != 2 {
		t.Fatalf("expected 2 sent envelopes, got %d", len(mt.sent()))
	}
}

func TestReceiveLoopAppliesIncomingUpdates(t *testing.T) {
	author := crdt.NewReplica(9)
	am, _ := author.Map("kv")
	am.Set("k", crdt.String("v"))
	author.Commit()
	blob := author.ExportSnapshot()

	r := crdt.NewReplica(1)
	b := New(r, 1)
	mt := newMemTransport()
	b.SetTransport(mt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.RunReceiveLoop(ctx)

	mt.inbox <- wire.Envelope{Type: wire.CRDTUpdate, Sender: 9, Payload: blob}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rm, _ := r.Map("kv")
		if v, ok := rm.Get("k"); ok && v.Native() == "v" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("receive loop never applied the incoming update")
}

func TestNoTransportAndNoEventLogDoesNotEnqueue(t *testing.T) {
	r := crdt.NewReplica(1)
	b := New(r, 1)

	m, _ := r.Map("kv")
	m.Set("a", crdt.Int(1))
	r.Commit()

	// No transport and no event log bound: the callback should simply
	// return without enqueueing or panicking.
	select {
	case <-b.queue:
		t.Fatal("expected no enqueue without a bound transport")
	default:
	}
}
