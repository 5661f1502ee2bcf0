// Package transport implements the client side of the framed bidirectional
// message channel agents use to talk to a hub (spec §4.6), with WebSocket
// over HTTP as the reference binding (spec §6 "Handshake").
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rubiojr/plutus/pkg/log"
	"github.com/rubiojr/plutus/pkg/wire"
)

// ErrClosed is returned by Send/Receive once the transport has been closed.
var ErrClosed = errors.New("transport: closed")

// ErrConnection wraps any I/O failure on a send or receive; the broadcaster's
// receive loop answers it with a reconnect (exiting only if that fails) and
// the higher-level sync path treats it as a trigger for one
// reconnect-and-retry (spec §7).
var ErrConnection = errors.New("transport: connection error")

const (
	defaultMaxMessageSize = 10 * 1024 * 1024
	defaultRetries        = 3
	defaultBaseBackoff    = 200 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
)

// Transport is the capability set spec §9 "Dynamic dispatch" describes:
// send/receive/close/is_connected. WebSocketTransport is the only
// implementation; it is still named behind the interface so the
// broadcaster and agent layers never import gorilla/websocket directly.
type Transport interface {
	Send(ctx context.Context, e wire.Envelope) error
	Receive(ctx context.Context) (wire.Envelope, error)
	Close() error
	IsConnected() bool
	Reconnect(ctx context.Context) error
}

// Options configures a WebSocketTransport's handshake and retry policy.
type Options struct {
	URI    string
	Token  string
	PeerID uint64

	MaxMessageSize int64 // 0 means defaultMaxMessageSize
	Retries        int   // additional attempts after the first; 0 means defaultRetries; a negative value makes Connect fail without dialing
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.Retries == 0 {
		o.Retries = defaultRetries
	}
	if o.BaseBackoff == 0 {
		o.BaseBackoff = defaultBaseBackoff
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = defaultMaxBackoff
	}
	return o
}

// WebSocketTransport is a Transport backed by a gorilla/websocket
// connection.
type WebSocketTransport struct {
	opts   Options
	logger *log.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// Connect performs the handshake (spec §4.6 "Connect"), retrying on failure
// up to opts.Retries additional times with exponential backoff
// min(base*2^attempt, max).
func Connect(ctx context.Context, opts Options) (*WebSocketTransport, error) {
	t := &WebSocketTransport{opts: opts.withDefaults(), logger: log.ForService("transport")}
	if err := t.dial(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *WebSocketTransport) dial(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt <= t.opts.Retries; attempt++ {
		if attempt > 0 {
			backoff := t.opts.BaseBackoff * time.Duration(uint(1)<<uint(attempt-1))
			if backoff > t.opts.MaxBackoff {
				backoff = t.opts.MaxBackoff
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		header := http.Header{}
		if t.opts.Token != "" {
			header.Set("Authorization", "Bearer "+t.opts.Token)
		}
		header.Set("X-Plutus-Peer-Id", strconv.FormatUint(t.opts.PeerID, 10))

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.opts.URI, header)
		if err != nil {
			lastErr = err
			t.logger.Warnf("connect attempt %d/%d to %s failed: %v", attempt+1, t.opts.Retries+1, t.opts.URI, err)
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.closed = false
		t.mu.Unlock()
		return nil
	}
	return fmt.Errorf("transport: connect to %s: %w", t.opts.URI, lastErr)
}

// Reconnect re-runs the original handshake with the original settings.
func (t *WebSocketTransport) Reconnect(ctx context.Context) error {
	return t.dial(ctx)
}

// Send encodes and writes one frame.
func (t *WebSocketTransport) Send(ctx context.Context, e wire.Envelope) error {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if closed || conn == nil {
		return ErrClosed
	}

	data := e.Encode()
	if int64(len(data)) > t.opts.MaxMessageSize {
		return fmt.Errorf("transport: encoded message of %d bytes exceeds max %d", len(data), t.opts.MaxMessageSize)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

// Receive reads and decodes one frame. Messages larger than max_size are
// rejected (spec §4.6 "Framing limits").
func (t *WebSocketTransport) Receive(ctx context.Context) (wire.Envelope, error) {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if closed || conn == nil {
		return wire.Envelope{}, ErrClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if int64(len(data)) > t.opts.MaxMessageSize {
		return wire.Envelope{}, fmt.Errorf("transport: received message of %d bytes exceeds max %d", len(data), t.opts.MaxMessageSize)
	}
	return wire.Decode(data)
}

// Close is idempotent; once closed, Send and Receive fail with ErrClosed.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

// IsConnected reports whether the transport currently has a live socket.
func (t *WebSocketTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.conn != nil
}
