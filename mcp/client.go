package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Client is the client-side half of an MCP connection: an identity, a set
// of capabilities to advertise, and the request/notification handlers this
// side exposes to whatever server it connects to (roots/list,
// sampling/createMessage, elicitation/create are the common ones).
type Client struct {
	impl Implementation
	caps CapabilitySet

	logger           *slog.Logger
	metrics          *EngineMetrics
	concurrencyLimit int64

	requestHandlers      map[string]RequestHandlerFunc
	notificationHandlers map[string][]NotificationHandlerFunc
}

// NewClient returns a Client identifying itself as impl and advertising
// caps.
func NewClient(impl Implementation, caps CapabilitySet) *Client {
	return &Client{
		impl:                 impl,
		caps:                 caps,
		requestHandlers:      make(map[string]RequestHandlerFunc),
		notificationHandlers: make(map[string][]NotificationHandlerFunc),
	}
}

// SetLogger sets the logger passed to every Engine this Client creates.
func (c *Client) SetLogger(logger *slog.Logger) { c.logger = logger }

// SetMetrics attaches Prometheus instrumentation to every Engine this
// Client creates.
func (c *Client) SetMetrics(m *EngineMetrics) { c.metrics = m }

// SetConcurrencyLimit bounds how many inbound requests (roots/list,
// sampling/createMessage, ...) a connected session dispatches concurrently.
func (c *Client) SetConcurrencyLimit(n int64) { c.concurrencyLimit = n }

// SetRequestHandler registers the handler this client exposes for method,
// used for server-initiated requests such as roots/list. Must be called
// before Connect.
func (c *Client) SetRequestHandler(method string, h RequestHandlerFunc) {
	c.requestHandlers[method] = h
}

// SetNotificationHandler registers a handler for notifications the server
// sends this client, such as notifications/message or
// notifications/tools/list_changed. Must be called before Connect.
func (c *Client) SetNotificationHandler(method string, h NotificationHandlerFunc) {
	c.notificationHandlers[method] = append(c.notificationHandlers[method], h)
}

// ClientSession is an established, handshaked connection to one server.
type ClientSession struct {
	*session
	client *Client
}

// Connect starts t, performs the five-step handshake from spec.md §4.6
// (send initialize, await InitializeResult, validate the negotiated
// protocol version, record the server's capabilities, send
// notifications/initialized), and returns a ready ClientSession.
func (c *Client) Connect(ctx context.Context, t Transport, opts *ConnectionOptions) (*ClientSession, error) {
	engine := NewEngine(t, EngineOptions{
		Logger:           c.logger,
		Metrics:          c.metrics,
		ConcurrencyLimit: c.concurrencyLimit,
		Connection:       opts,
	})
	engine.SetOwnCapabilities(c.caps)
	for method, h := range c.requestHandlers {
		engine.SetRequestHandler(method, h)
	}
	for method, hs := range c.notificationHandlers {
		for _, h := range hs {
			engine.SetNotificationHandler(method, h)
		}
	}

	cs := &ClientSession{session: newSession(engine), client: c}

	if err := engine.Start(ctx); err != nil {
		return nil, err
	}
	if err := cs.transition(StateInitializing); err != nil {
		_ = engine.Close()
		return nil, err
	}

	params := InitializeParams{
		ProtocolVersion: SupportedProtocolVersions[0],
		Capabilities:    c.caps,
		ClientInfo:      c.impl,
	}
	raw, err := engine.Request(ctx, "initialize", params, nil)
	if err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("mcp: initialize failed: %w", err)
	}
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("mcp: malformed InitializeResult: %w", err)
	}
	if !supports(SupportedProtocolVersions, result.ProtocolVersion) {
		_ = engine.Close()
		return nil, &ProtocolVersionError{Proposed: params.ProtocolVersion, Returned: result.ProtocolVersion}
	}
	engine.SetPeerCapabilities(result.Capabilities)
	cs.setHandshakeResult(result.ProtocolVersion, result.ServerInfo, result.Capabilities)

	if err := engine.Notify(ctx, "notifications/initialized", nil); err != nil {
		_ = engine.Close()
		return nil, err
	}
	if err := cs.transition(StateReady); err != nil {
		_ = engine.Close()
		return nil, err
	}
	return cs, nil
}

// Request sends method to the server and waits for its reply.
func (cs *ClientSession) Request(ctx context.Context, method string, params any, opts *RequestOptions) (json.RawMessage, error) {
	if err := cs.requireReady(); err != nil {
		return nil, err
	}
	return cs.engine.Request(ctx, method, params, opts)
}

// Notify sends method to the server as a fire-and-forget notification.
func (cs *ClientSession) Notify(ctx context.Context, method string, params any) error {
	if err := cs.requireReady(); err != nil {
		return err
	}
	return cs.engine.Notify(ctx, method, params)
}
