// Package agent wires a Replica, a Broadcaster, a Transport and a Namespace
// together into the consumer-facing lifecycle surface described in spec §6
// ("Agent lifecycle surface") and supplemented from api/lifecycle.py per
// SPEC_FULL.md §3.
package agent

import "sync"

// Event names one of the eight lifecycle hook points an Agent fires.
type Event string

const (
	BeforeJoin    Event = "BEFORE_JOIN"
	AfterJoin     Event = "AFTER_JOIN"
	BeforeLeave   Event = "BEFORE_LEAVE"
	AfterLeave    Event = "AFTER_LEAVE"
	OnStateChange Event = "ON_STATE_CHANGE"
	OnPeerJoin    Event = "ON_PEER_JOIN"
	OnPeerLeave   Event = "ON_PEER_LEAVE"
	OnError       Event = "ON_ERROR"
)

// Handler receives whatever payload is relevant to the event: nil for
// BEFORE_JOIN/AFTER_JOIN/BEFORE_LEAVE/AFTER_LEAVE, a crdt.ChangeEvent for
// ON_STATE_CHANGE, a peer-id (uint64) for ON_PEER_JOIN/ON_PEER_LEAVE, and an
// error for ON_ERROR.
type Handler func(payload any)

// LifecycleManager holds, per Event, an ordered list of Handlers and fires
// them synchronously (Go has no async/await split to preserve here: the
// whole Agent already runs on goroutines).
type LifecycleManager struct {
	mu       sync.Mutex
	handlers map[Event][]Handler
}

// NewLifecycleManager returns an empty LifecycleManager.
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{handlers: make(map[Event][]Handler)}
}

// On registers h to run whenever event fires.
func (m *LifecycleManager) On(event Event, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], h)
}

// Fire invokes every handler registered for event, in registration order.
func (m *LifecycleManager) Fire(event Event, payload any) {
	m.mu.Lock()
	handlers := append([]Handler(nil), m.handlers[event]...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}
