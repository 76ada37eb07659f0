package mcp

import (
	"errors"
	"fmt"

	"github.com/mcpkit/corekit/internal/jsonrpc"
)

// ErrConnectionClosed is wrapped by *TransportClosedError and by the send
// errors of the SSE and Streamable-HTTP server transports once closed.
var ErrConnectionClosed = errors.New("mcp: connection closed")

// TransportAlreadyStartedError is returned by Transport.Start when called a
// second time.
type TransportAlreadyStartedError struct{ Transport string }

func (e *TransportAlreadyStartedError) Error() string {
	return fmt.Sprintf("mcp: %s transport already started", e.Transport)
}

// TransportSendError is returned by Transport.Send on I/O failure, or when
// the transport is closed.
type TransportSendError struct {
	Transport string
	Err       error
}

func (e *TransportSendError) Error() string {
	return fmt.Sprintf("mcp: %s transport send failed: %v", e.Transport, e.Err)
}

func (e *TransportSendError) Unwrap() error { return e.Err }

// TransportClosedError is the local error delivered to all pending requests
// when a Transport closes, and returned by Engine.Request once it has closed.
type TransportClosedError struct{ Err error }

func (e *TransportClosedError) Error() string {
	if e.Err == nil {
		return "mcp: transport closed"
	}
	return fmt.Sprintf("mcp: transport closed: %v", e.Err)
}

func (e *TransportClosedError) Unwrap() error {
	if e.Err == nil {
		return ErrConnectionClosed
	}
	return e.Err
}

// McpError wraps a remote JSON-RPC error response, returned to the caller of
// Engine.Request.
type McpError struct {
	Code    int64
	Message string
	Data    []byte
}

func (e *McpError) Error() string {
	return fmt.Sprintf("mcp: remote error %d: %s", e.Code, e.Message)
}

func mcpErrorFromWire(we *jsonrpc.WireError) *McpError {
	return &McpError{Code: we.Code, Message: we.Message, Data: we.Data}
}

// RequestTimeoutError is returned to the caller of Engine.Request when the
// request's deadline (or maxTotalTimeout) elapses before a reply arrives.
type RequestTimeoutError struct {
	Method string
	ID     jsonrpc.ID
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("mcp: request %q (id=%v) timed out", e.Method, e.ID.Raw())
}

// RequestCancelledError is returned to the caller of Engine.Request when the
// request is cancelled locally, either explicitly or because its context was
// done.
type RequestCancelledError struct {
	Method string
	ID     jsonrpc.ID
	Reason string
}

func (e *RequestCancelledError) Error() string {
	return fmt.Sprintf("mcp: request %q (id=%v) cancelled: %s", e.Method, e.ID.Raw(), e.Reason)
}

// CapabilityNotSupportedError is raised by Engine.Request before anything is
// sent, when the counterparty does not advertise the capability the method
// requires.
type CapabilityNotSupportedError struct {
	Method     string
	Capability Capability
}

func (e *CapabilityNotSupportedError) Error() string {
	return fmt.Sprintf("mcp: peer does not support capability %q required by %q", e.Capability, e.Method)
}

// ProtocolVersionError is raised by the client handshake when the server
// replies with a protocol version the client does not support.
type ProtocolVersionError struct {
	Proposed string
	Returned string
}

func (e *ProtocolVersionError) Error() string {
	return fmt.Sprintf("mcp: server returned unsupported protocol version %q (proposed %q)", e.Returned, e.Proposed)
}
