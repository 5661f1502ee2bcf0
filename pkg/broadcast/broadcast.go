// Package broadcast implements the Broadcaster: the bridge between one
// Replica's local-update stream and a Transport, in both directions, with a
// bounded queue, a suppression token, and a durability fallback to an
// Event log (spec §4.5).
package broadcast

import (
	"context"
	"sync"

	"github.com/rubiojr/plutus/pkg/crdt"
	"github.com/rubiojr/plutus/pkg/eventlog"
	"github.com/rubiojr/plutus/pkg/log"
	"github.com/rubiojr/plutus/pkg/transport"
	"github.com/rubiojr/plutus/pkg/wire"
)

// QueueCapacity is the bounded size of the pending local-update queue (spec
// §4.5, §5).
const QueueCapacity = 1024

// Broadcaster bridges one Replica to at most one Transport and at most one
// Event log. The replica is fixed at construction; the transport and event
// log may be nil or rebound at any time. The zero value is not usable, use
// New.
type Broadcaster struct {
	replica *crdt.Replica
	peerID  uint64
	logger  *log.Logger

	queue chan []byte

	mu           sync.Mutex
	transport    transport.Transport
	eventLog     *eventlog.Log
	suppressNext int
	pending      int
	drained      chan struct{}
	observer     func(wire.Envelope)
}

// New creates a Broadcaster bound to replica and subscribes to its local
// updates. Transport and event log are bound afterwards via SetTransport and
// SetEventLog.
func New(replica *crdt.Replica, peerID uint64) *Broadcaster {
	b := &Broadcaster{
		replica: replica,
		peerID:  peerID,
		logger:  log.ForService("broadcast"),
		queue:   make(chan []byte, QueueCapacity),
		drained: closedChan(),
	}
	replica.SubscribeLocalUpdate(b.onLocalUpdate)
	return b
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// SetTransport (re)binds the transport the send/receive loops use.
// Rebinding is explicit, never implicit (spec §3 "Ownership").
func (b *Broadcaster) SetTransport(t transport.Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transport = t
}

// SetEventLog (re)binds the durability fallback / send-path mirror.
func (b *Broadcaster) SetEventLog(l *eventlog.Log) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eventLog = l
}

// SetEnvelopeObserver registers a callback invoked with every envelope the
// receive loop reads off the transport, regardless of type, before any
// CRDT_UPDATE handling. Used by higher layers (pkg/agent) that need to
// react to JOIN/LEAVE/HEARTBEAT traffic the Broadcaster itself only
// forwards into the replica when it's a CRDT_UPDATE.
func (b *Broadcaster) SetEnvelopeObserver(observer func(wire.Envelope)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = observer
}

// SuppressNextLocalUpdate arms the suppression token: the next local-update
// callback invocation is swallowed instead of enqueued. Used by the
// higher-level sync() path, which sends its own computed delta directly to
// avoid a duplicate transmission (spec §4.5 "Suppression token").
func (b *Broadcaster) SuppressNextLocalUpdate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.suppressNext++
}

// onLocalUpdate is the Replica's local-update callback (spec §4.5
// "Local-update handler"). It always returns true: the Broadcaster never
// unsubscribes itself.
func (b *Broadcaster) onLocalUpdate(blob []byte) bool {
	b.mu.Lock()
	if b.suppressNext > 0 {
		b.suppressNext--
		b.mu.Unlock()
		return true
	}
	t := b.transport
	evlog := b.eventLog
	b.mu.Unlock()

	if t == nil {
		if evlog != nil {
			env := wire.Envelope{Type: wire.CRDTUpdate, Sender: b.peerID, Payload: blob}
			if err := evlog.Append(env.Encode()); err != nil {
				b.logger.Warnf("appending local update to event log: %v", err)
			}
		}
		return true
	}

	// Count the blob as pending before it becomes visible to the send loop,
	// so the loop's decrement can never run ahead of this increment.
	b.mu.Lock()
	b.pending++
	if b.pending == 1 {
		b.drained = make(chan struct{})
	}
	b.mu.Unlock()

	select {
	case b.queue <- blob:
	default:
		b.decrementPending()
		b.logger.Warnf("local update queue full (capacity %d); dropping update", QueueCapacity)
	}
	return true
}

func (b *Broadcaster) decrementPending() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending--
	if b.pending <= 0 {
		b.pending = 0
		close(b.drained)
	}
}

// RunSendLoop drains the queue until ctx is cancelled or a transport error
// occurs, in which case it logs and returns; reconnect is driven from above
// (spec §4.5 "Send loop").
func (b *Broadcaster) RunSendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case blob := <-b.queue:
			b.mu.Lock()
			t := b.transport
			evlog := b.eventLog
			b.mu.Unlock()

			if t == nil {
				b.decrementPending()
				continue
			}

			env := wire.Envelope{Type: wire.CRDTUpdate, Sender: b.peerID, Payload: blob}
			if evlog != nil {
				if err := evlog.Append(env.Encode()); err != nil {
					b.logger.Warnf("send loop: appending to event log: %v", err)
				}
			}
			if err := t.Send(ctx, env); err != nil {
				b.logger.Warnf("send loop: %v", err)
				b.decrementPending()
				return
			}
			b.decrementPending()
		}
	}
}

// RunReceiveLoop applies incoming CRDT_UPDATE envelopes to the replica until
// ctx is cancelled, the transport is unrecoverable, or reconnect fails
// (spec §4.5 "Receive loop").
func (b *Broadcaster) RunReceiveLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		b.mu.Lock()
		t := b.transport
		b.mu.Unlock()
		if t == nil {
			return
		}

		env, err := t.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if reconnErr := t.Reconnect(ctx); reconnErr != nil {
				b.logger.Warnf("receive loop: reconnect failed: %v", reconnErr)
				return
			}
			continue
		}

		b.mu.Lock()
		observer := b.observer
		b.mu.Unlock()
		if observer != nil {
			observer(env)
		}

		if env.Type == wire.CRDTUpdate {
			if err := b.replica.ImportUpdates(env.Payload); err != nil {
				b.logger.Warnf("receive loop: import failed: %v", err)
			}
		}
	}
}

// FlushPending waits for the drained signal (every outstanding enqueue
// consumed by the send loop), honouring ctx's deadline/cancellation.
// Returns whether drain completed before ctx was done.
func (b *Broadcaster) FlushPending(ctx context.Context) bool {
	b.mu.Lock()
	drained := b.drained
	b.mu.Unlock()
	select {
	case <-drained:
		return true
	case <-ctx.Done():
		return false
	}
}

// ReplayLog iterates the bound event log (if any), decoding each entry and
// applying it to the replica, skipping entries authored by this replica's
// own peer-id (already present) and logging-but-skipping malformed ones.
func (b *Broadcaster) ReplayLog() {
	b.mu.Lock()
	evlog := b.eventLog
	b.mu.Unlock()
	if evlog == nil {
		return
	}

	for _, raw := range evlog.Replay() {
		env, err := wire.Decode(raw)
		if err != nil {
			b.logger.Warnf("replay: skipping malformed entry: %v", err)
			continue
		}
		if env.Sender == b.peerID {
			continue
		}
		if env.Type != wire.CRDTUpdate {
			continue
		}
		if err := b.replica.ImportUpdates(env.Payload); err != nil {
			b.logger.Warnf("replay: import failed: %v", err)
		}
	}
}
