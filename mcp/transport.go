package mcp

import (
	"context"
	"fmt"
	"io"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mcpkit/corekit/internal/jsonrpc"
)

// A Transport is a duplex carrier of JSON-RPC messages between one MCP
// client and one MCP server, per spec.md §4.2. Implementations: the SSE
// pair (sse.go) and the Streamable-HTTP transport (streamable.go); an
// in-memory pipe transport for tests lives in pipe.go.
type Transport interface {
	// Start begins reading. It is idempotent in the sense that a second
	// call returns a *TransportAlreadyStartedError rather than restarting
	// the reader.
	Start(ctx context.Context) error

	// Send enqueues one outbound message, returning once it has been
	// handed to the underlying medium (not once the peer has acknowledged
	// it). It fails with a *TransportSendError on I/O failure or once the
	// transport is closed.
	Send(ctx context.Context, msg jsonrpc.Message) error

	// Close stops reading, releases the medium, and fires the onClose
	// hook. It is idempotent.
	Close() error

	// OnMessage, OnError, and OnClose register the at-most-once hooks
	// described in spec.md §4.2. Calling one twice panics: the contract
	// is a single owner (the Engine) per Transport instance.
	OnMessage(func(jsonrpc.Message))
	OnError(func(error))
	OnClose(func())
}

// hooks implements the at-most-once callback registration and the
// deliver/fail/fireClose helpers shared by every Transport implementation
// in this package.
type hooks struct {
	mu        sync.Mutex
	onMessage func(jsonrpc.Message)
	onError   func(error)
	onClose   func()
	closeOnce sync.Once
}

func (h *hooks) OnMessage(cb func(jsonrpc.Message)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.onMessage != nil {
		panic("mcp: OnMessage registered twice")
	}
	h.onMessage = cb
}

func (h *hooks) OnError(cb func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.onError != nil {
		panic("mcp: OnError registered twice")
	}
	h.onError = cb
}

func (h *hooks) OnClose(cb func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.onClose != nil {
		panic("mcp: OnClose registered twice")
	}
	h.onClose = cb
}

// deliver invokes the onMessage hook, if registered. It adds no ordering or
// locking of its own: the pipe transport and SSEClientTransport call it from
// a single reader goroutine, in wire order, while SSEHandler and
// StreamableHTTPHandler call it from each POST's handler goroutine and
// StreamableClientTransport calls it from both Send and its GET-stream
// goroutine, so those deliveries can run concurrently.
func (h *hooks) deliver(msg jsonrpc.Message) {
	h.mu.Lock()
	cb := h.onMessage
	h.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

func (h *hooks) fail(err error) {
	h.mu.Lock()
	cb := h.onError
	h.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (h *hooks) fireClose() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		cb := h.onClose
		h.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
}

// ConnectionOptions configures the behavior of an individual connection
// built over a Transport, matching the teacher's ConnectionOptions.
type ConnectionOptions struct {
	// Logger, if set, receives a line of text for every message sent or
	// received, for diagnostics. Use NewRotatingWireLogger to get
	// size/age-based rotation for long-running server processes instead
	// of an unbounded file.
	Logger io.Writer
}

// NewRotatingWireLogger returns an io.Writer suitable for
// ConnectionOptions.Logger that rotates the wire-traffic log by size and
// age instead of growing it without bound for the lifetime of a
// long-running server process.
func NewRotatingWireLogger(path string, maxSizeMB, maxAgeDays, maxBackups int) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxAge:     maxAgeDays,
		MaxBackups: maxBackups,
		Compress:   true,
	}
}

func (o *ConnectionOptions) logSend(msg jsonrpc.Message) {
	if o == nil || o.Logger == nil {
		return
	}
	data, err := jsonrpc.Encode(msg)
	if err != nil {
		fmt.Fprintf(o.Logger, "send: failed to marshal: %v\n", err)
		return
	}
	fmt.Fprintf(o.Logger, "send: %s\n", data)
}

func (o *ConnectionOptions) logRecv(msg jsonrpc.Message) {
	if o == nil || o.Logger == nil {
		return
	}
	data, err := jsonrpc.Encode(msg)
	if err != nil {
		fmt.Fprintf(o.Logger, "recv: failed to marshal: %v\n", err)
		return
	}
	fmt.Fprintf(o.Logger, "recv: %s\n", data)
}
