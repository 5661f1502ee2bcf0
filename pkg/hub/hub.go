// Package hub implements the server-side fan-out point: an authoritative
// additional replica, the authenticated WebSocket admission path, and the
// per-frame routing logic described in spec §4.7.
package hub

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/rubiojr/plutus/pkg/crdt"
	"github.com/rubiojr/plutus/pkg/eventlog"
	"github.com/rubiojr/plutus/pkg/log"
	"github.com/rubiojr/plutus/pkg/peer"
	"github.com/rubiojr/plutus/pkg/wire"
)

// HubPeerID is the peer-id the hub's own authoritative replica operates
// under. It never originates CRDT_UPDATE traffic of its own; it only
// imports and rebroadcasts, so collision with a real agent's peer-id has no
// observable effect on convergence.
const HubPeerID = 0

// Config configures a Hub.
type Config struct {
	// AuthToken, if non-empty, requires every connection to present it as a
	// bearer credential and a peer-id header (spec §4.7 "Admission").
	AuthToken string

	EventLogPath       string
	MaxEventLogEntries int
	MaxEventLogBytes   int64
	CompressEventLog   bool

	// AuditDBPath, if non-empty, opens a SQLite-backed audit trail of
	// JOIN/LEAVE/HEARTBEAT events, independent of the in-memory peer
	// registry (supplemental to spec §4.4, not required by it).
	AuditDBPath string
}

type clientConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Hub accepts authenticated connections, fans envelopes out to connected
// peers, and maintains an authoritative replica and event log (spec §4.7).
type Hub struct {
	authToken string
	replica   *crdt.Replica
	eventLog  *eventlog.Log
	peers     *peer.Registry
	logger    *log.Logger
	upgrader  websocket.Upgrader
	audit     *sql.DB

	mu      sync.Mutex
	clients map[uint64]*clientConn

	httpServer *http.Server
}

// New creates a Hub per cfg. The event log is always created (memory-only
// if EventLogPath is empty); the audit database is opened only if
// AuditDBPath is set.
func New(cfg Config) (*Hub, error) {
	evlog, err := eventlog.Open(eventlog.Options{
		Path:       cfg.EventLogPath,
		MaxEntries: cfg.MaxEventLogEntries,
		MaxBytes:   cfg.MaxEventLogBytes,
		Compress:   cfg.CompressEventLog,
	})
	if err != nil {
		return nil, fmt.Errorf("hub: opening event log: %w", err)
	}

	h := &Hub{
		authToken: cfg.AuthToken,
		replica:   crdt.NewReplica(HubPeerID),
		eventLog:  evlog,
		peers:     peer.NewRegistry(),
		logger:    log.ForService("hub"),
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:   make(map[uint64]*clientConn),
	}

	if cfg.AuditDBPath != "" {
		db, err := sql.Open("sqlite3", cfg.AuditDBPath)
		if err != nil {
			return nil, fmt.Errorf("hub: opening audit database: %w", err)
		}
		if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS peer_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			peer_id INTEGER NOT NULL,
			event TEXT NOT NULL,
			at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
			db.Close()
			return nil, fmt.Errorf("hub: initializing audit schema: %w", err)
		}
		h.audit = db
	}

	return h, nil
}

// Replica returns the hub's authoritative replica.
func (h *Hub) Replica() *crdt.Replica { return h.replica }

// Peers returns the hub's peer registry.
func (h *Hub) Peers() *peer.Registry { return h.peers }

// Mux returns an http.ServeMux with the WebSocket endpoint registered.
func (h *Hub) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", h.HandleWebSocket)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Start listens on addr until ctx is cancelled, then shuts down gracefully.
func (h *Hub) Start(ctx context.Context, addr string) error {
	h.httpServer = &http.Server{Addr: addr, Handler: h.Mux()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		return h.Stop(context.Background())
	}
}

// Stop closes every client socket and shuts down the HTTP server.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	for id, c := range h.clients {
		c.conn.Close()
		delete(h.clients, id)
	}
	h.mu.Unlock()

	if h.audit != nil {
		h.audit.Close()
	}
	if h.eventLog != nil {
		h.eventLog.Close()
	}
	if h.httpServer == nil {
		return nil
	}
	return h.httpServer.Shutdown(ctx)
}

// HandleWebSocket performs admission and then runs the per-connection
// message loop (spec §4.7).
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var boundPeerID uint64
	hasBound := false

	if h.authToken != "" {
		if r.Header.Get("Authorization") != "Bearer "+h.authToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		raw := r.Header.Get("X-Plutus-Peer-Id")
		if raw == "" {
			http.Error(w, "missing X-Plutus-Peer-Id header", http.StatusBadRequest)
			return
		}
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid X-Plutus-Peer-Id header", http.StatusBadRequest)
			return
		}
		boundPeerID = id
		hasBound = true
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("upgrade failed: %v", err)
		return
	}
	h.serveConnection(conn, boundPeerID, hasBound)
}

func (h *Hub) serveConnection(conn *websocket.Conn, boundPeerID uint64, hasBound bool) {
	cc := &clientConn{conn: conn}
	var registeredPeerID uint64
	registered := false

	defer func() {
		conn.Close()
		if registered {
			h.mu.Lock()
			if existing, ok := h.clients[registeredPeerID]; ok && existing == cc {
				delete(h.clients, registeredPeerID)
			}
			h.mu.Unlock()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := wire.Decode(data)
		if err != nil {
			h.logger.Warnf("dropping malformed envelope: %v", err)
			continue
		}

		if hasBound && env.Sender != boundPeerID {
			h.logger.Warnf("dropping frame: sender %d does not match admitted peer %d", env.Sender, boundPeerID)
			continue
		}

		switch env.Type {
		case wire.Join:
			h.mu.Lock()
			previous, hadPrevious := h.clients[env.Sender]
			h.clients[env.Sender] = cc
			h.mu.Unlock()
			if hadPrevious && previous != cc {
				// A peer reconnected under the same id without the old
				// socket ever sending LEAVE; close it explicitly rather
				// than leaking its read loop and OS socket.
				h.logger.Warnf("peer %d reconnected, closing previous connection", env.Sender)
				previous.conn.Close()
			}
			registeredPeerID = env.Sender
			registered = true
			metadata, err := wire.DecodeMetadata(env.Payload)
			if err != nil {
				h.logger.Warnf("peer %d: ignoring malformed JOIN metadata: %v", env.Sender, err)
				metadata = nil
			}
			h.peers.Add(env.Sender, metadata)
			h.auditEvent(env.Sender, "JOIN")
		case wire.Leave:
			h.peers.Remove(env.Sender)
			h.auditEvent(env.Sender, "LEAVE")
		case wire.Heartbeat:
			h.peers.RecordHeartbeat(env.Sender)
			h.auditEvent(env.Sender, "HEARTBEAT")
		case wire.CRDTUpdate:
			if err := h.replica.ImportUpdates(env.Payload); err != nil {
				h.logger.Warnf("importing update from peer %d: %v", env.Sender, err)
			} else if h.eventLog != nil {
				if err := h.eventLog.Append(data); err != nil {
					h.logger.Warnf("appending to event log: %v", err)
				}
			}
		}

		h.fanOut(env.Sender, data)
	}
}

func (h *Hub) fanOut(sender uint64, raw []byte) {
	h.mu.Lock()
	recipients := make(map[uint64]*clientConn, len(h.clients))
	for id, c := range h.clients {
		if id != sender {
			recipients[id] = c
		}
	}
	h.mu.Unlock()

	failed := make(map[uint64]*clientConn)
	for id, c := range recipients {
		c.writeMu.Lock()
		err := c.conn.WriteMessage(websocket.BinaryMessage, raw)
		c.writeMu.Unlock()
		if err != nil {
			failed[id] = c
		}
	}
	if len(failed) == 0 {
		return
	}

	h.mu.Lock()
	for id, c := range failed {
		if existing, ok := h.clients[id]; ok && existing == c {
			delete(h.clients, id)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) auditEvent(peerID uint64, event string) {
	if h.audit == nil {
		return
	}
	if _, err := h.audit.Exec("INSERT INTO peer_events (peer_id, event) VALUES (?, ?)", peerID, event); err != nil {
		h.logger.Warnf("audit trail insert failed: %v", err)
	}
}
