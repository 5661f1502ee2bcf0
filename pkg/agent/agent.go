package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rubiojr/plutus/pkg/broadcast"
	"github.com/rubiojr/plutus/pkg/crdt"
	"github.com/rubiojr/plutus/pkg/log"
	"github.com/rubiojr/plutus/pkg/namespace"
	"github.com/rubiojr/plutus/pkg/peer"
	"github.com/rubiojr/plutus/pkg/transport"
	"github.com/rubiojr/plutus/pkg/wire"
)

// Config configures an Agent's transport handshake and retry policy.
type Config struct {
	URI         string
	Token       string
	Retries     int
	BaseBackoff time.Duration // zero means transport defaults
	MaxBackoff  time.Duration // zero means transport defaults
}

// Agent wires a Replica, a Broadcaster and a Transport together behind the
// consumer-facing join/leave/sync/commit/state surface (spec §6).
type Agent struct {
	peerID      uint64
	replica     *crdt.Replica
	broadcaster *broadcast.Broadcaster
	peers       *peer.Registry
	lifecycle   *LifecycleManager
	logger      *log.Logger
	cfg         Config

	mu           sync.Mutex
	transport    transport.Transport
	lastSyncedVV map[uint64]uint64
	cancel       context.CancelFunc
}

// New creates an Agent bound to a fresh Replica for peerID. The Broadcaster
// is created and subscribed immediately; Join binds a Transport to it.
func New(peerID uint64, cfg Config) *Agent {
	replica := crdt.NewReplica(peerID)
	a := &Agent{
		peerID:       peerID,
		replica:      replica,
		broadcaster:  broadcast.New(replica, peerID),
		peers:        peer.NewRegistry(),
		lifecycle:    NewLifecycleManager(),
		logger:       log.ForService("agent"),
		cfg:          cfg,
		lastSyncedVV: make(map[uint64]uint64),
	}
	replica.SubscribeChange(func(ev crdt.ChangeEvent) {
		a.lifecycle.Fire(OnStateChange, ev)
	})
	return a
}

// Replica returns the agent's underlying Replica.
func (a *Agent) Replica() *crdt.Replica { return a.replica }

// Lifecycle returns the agent's LifecycleManager, for registering hooks.
func (a *Agent) Lifecycle() *LifecycleManager { return a.lifecycle }

// PeerID returns the agent's 64-bit peer identifier.
func (a *Agent) PeerID() uint64 { return a.peerID }

// State returns the Namespace facade over the named Map container.
func (a *Agent) State(name string) (*namespace.Namespace, error) {
	return namespace.Open(a.replica, name)
}

// Commit seals pending local edits (see crdt.Replica.Commit).
func (a *Agent) Commit() {
	a.replica.Commit()
}

// Join connects to uri (falling back to a.cfg.URI if uri is empty),
// binds the resulting Transport to the Broadcaster, sends a JOIN envelope,
// and starts the send/receive loops. Fires BEFORE_JOIN before dialing and
// AFTER_JOIN once the loops are running.
func (a *Agent) Join(ctx context.Context, uri, token string) error {
	a.lifecycle.Fire(BeforeJoin, nil)

	if uri == "" {
		uri = a.cfg.URI
	}
	if token == "" {
		token = a.cfg.Token
	}

	t, err := transport.Connect(ctx, transport.Options{
		URI:         uri,
		Token:       token,
		PeerID:      a.peerID,
		Retries:     a.cfg.Retries,
		BaseBackoff: a.cfg.BaseBackoff,
		MaxBackoff:  a.cfg.MaxBackoff,
	})
	if err != nil {
		a.lifecycle.Fire(OnError, err)
		return fmt.Errorf("agent: join: %w", err)
	}

	a.mu.Lock()
	a.transport = t
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Unlock()

	a.broadcaster.SetTransport(t)
	a.broadcaster.SetEnvelopeObserver(a.onEnvelope)

	if err := t.Send(ctx, wire.Envelope{Type: wire.Join, Sender: a.peerID}); err != nil {
		a.lifecycle.Fire(OnError, err)
		return fmt.Errorf("agent: sending JOIN: %w", err)
	}

	go a.broadcaster.RunSendLoop(runCtx)
	go a.broadcaster.RunReceiveLoop(runCtx)

	a.lifecycle.Fire(AfterJoin, nil)
	return nil
}

// Leave sends a LEAVE envelope, stops the send/receive loops, and closes the
// transport. Fires BEFORE_LEAVE before sending and AFTER_LEAVE once closed.
func (a *Agent) Leave(ctx context.Context) error {
	a.lifecycle.Fire(BeforeLeave, nil)

	a.mu.Lock()
	t := a.transport
	cancel := a.cancel
	a.mu.Unlock()

	if t == nil {
		a.lifecycle.Fire(AfterLeave, nil)
		return nil
	}

	if err := t.Send(ctx, wire.Envelope{Type: wire.Leave, Sender: a.peerID}); err != nil {
		a.logger.Warnf("sending LEAVE: %v", err)
	}
	if cancel != nil {
		cancel()
	}
	err := t.Close()

	a.mu.Lock()
	a.transport = nil
	a.mu.Unlock()

	a.lifecycle.Fire(AfterLeave, nil)
	return err
}

// Sync implements spec §6's sync() contract exactly: suppress the next
// local-update enqueue, commit, and if the version vector changed since the
// last sync, export the delta and send it directly, then record the new
// last-synced vector. On a transport failure it attempts one reconnect and
// one retry before propagating the error.
func (a *Agent) Sync(ctx context.Context) error {
	a.broadcaster.SuppressNextLocalUpdate()
	a.replica.Commit()

	current := a.replica.CloneVersionVector()

	a.mu.Lock()
	last := a.lastSyncedVV
	t := a.transport
	a.mu.Unlock()

	if versionVectorsEqual(current, last) {
		return nil
	}

	if t == nil {
		a.mu.Lock()
		a.lastSyncedVV = current
		a.mu.Unlock()
		return nil
	}

	blob := a.replica.ExportUpdates(last)
	env := wire.Envelope{Type: wire.CRDTUpdate, Sender: a.peerID, Payload: blob}

	if err := t.Send(ctx, env); err != nil {
		a.logger.Warnf("sync: send failed, attempting one reconnect-and-retry: %v", err)
		if reconnErr := t.Reconnect(ctx); reconnErr != nil {
			a.lifecycle.Fire(OnError, reconnErr)
			return fmt.Errorf("agent: sync: reconnect failed: %w", reconnErr)
		}
		if retryErr := t.Send(ctx, env); retryErr != nil {
			a.lifecycle.Fire(OnError, retryErr)
			return fmt.Errorf("agent: sync: retry after reconnect failed: %w", retryErr)
		}
	}

	a.mu.Lock()
	a.lastSyncedVV = current
	a.mu.Unlock()
	return nil
}

// onEnvelope observes every frame the receive loop reads, tracking remote
// peer JOIN/LEAVE/HEARTBEAT traffic in the agent's own registry and firing
// the corresponding lifecycle hooks (SPEC_FULL.md §3 lifecycle hooks).
func (a *Agent) onEnvelope(env wire.Envelope) {
	switch env.Type {
	case wire.Join:
		if env.Sender == a.peerID {
			return
		}
		metadata, err := wire.DecodeMetadata(env.Payload)
		if err != nil {
			metadata = nil
		}
		a.peers.Add(env.Sender, metadata)
		a.lifecycle.Fire(OnPeerJoin, env.Sender)
	case wire.Leave:
		if env.Sender == a.peerID {
			return
		}
		a.peers.Remove(env.Sender)
		a.lifecycle.Fire(OnPeerLeave, env.Sender)
	case wire.Heartbeat:
		a.peers.RecordHeartbeat(env.Sender)
	}
}

// Peers returns the agent's view of remote peers learned via JOIN/LEAVE
// traffic relayed through the hub.
func (a *Agent) Peers() *peer.Registry { return a.peers }

// RunHeartbeatLoop sends a HEARTBEAT envelope on every tick of interval
// until ctx is cancelled, refreshing this peer's record on the hub and any
// other agent's registry (spec §3 "timestamp refreshed on HEARTBEAT").
func (a *Agent) RunHeartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			t := a.transport
			a.mu.Unlock()
			if t == nil {
				continue
			}
			if err := t.Send(ctx, wire.Envelope{Type: wire.Heartbeat, Sender: a.peerID}); err != nil {
				a.logger.Warnf("heartbeat: %v", err)
			}
		}
	}
}

func versionVectorsEqual(a, b map[uint64]uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
