package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mcpkit/corekit/internal/jsonrpc"
)

// listChangedCapabilities are the top-level capabilities whose listChanged
// sub-feature this core forwards automatically once a ServerSession is
// Ready. Domain-specific capabilities register their own gate via
// Engine.RequireCapability, but listChanged forwarding is generic enough to
// live here.
var listChangedCapabilities = []Capability{CapTools, CapPrompts, CapResources}

func listChangedMethod(cap Capability) string {
	switch cap {
	case CapTools:
		return "notifications/tools/list_changed"
	case CapPrompts:
		return "notifications/prompts/list_changed"
	case CapResources:
		return "notifications/resources/list_changed"
	default:
		return ""
	}
}

// Server is the server-side half of an MCP connection: an identity, the
// capabilities it advertises, the request/notification handlers it answers,
// and a ChangeBus used to fan out list-changed notifications to every
// connected session.
type Server struct {
	impl         Implementation
	caps         CapabilitySet
	instructions string

	logger           *slog.Logger
	metrics          *EngineMetrics
	concurrencyLimit int64

	changeBus *ChangeBus

	mu                   sync.Mutex
	requestHandlers      map[string]RequestHandlerFunc
	notificationHandlers map[string][]NotificationHandlerFunc
	methodCaps           map[string]Capability
}

// NewServer returns a Server identifying itself as impl and advertising
// caps.
func NewServer(impl Implementation, caps CapabilitySet) *Server {
	return &Server{
		impl:                 impl,
		caps:                 caps,
		changeBus:            NewChangeBus(16),
		requestHandlers:      make(map[string]RequestHandlerFunc),
		notificationHandlers: make(map[string][]NotificationHandlerFunc),
		methodCaps:           make(map[string]Capability),
	}
}

// SetInstructions sets the free-text "instructions" field returned in
// InitializeResult.
func (s *Server) SetInstructions(text string) { s.instructions = text }

// SetLogger sets the logger passed to every Engine this Server creates.
func (s *Server) SetLogger(logger *slog.Logger) { s.logger = logger }

// SetMetrics attaches Prometheus instrumentation to every Engine this
// Server creates.
func (s *Server) SetMetrics(m *EngineMetrics) { s.metrics = m }

// SetConcurrencyLimit bounds how many inbound requests a connected session
// dispatches to handlers concurrently.
func (s *Server) SetConcurrencyLimit(n int64) { s.concurrencyLimit = n }

// SetRequestHandler registers the handler for method, replacing any handler
// registered previously, for every session this Server creates from now on.
// requiredCap, if not "", gates the method the same way Engine.RequireCapability
// does: the method is rejected before dispatch unless this server's own
// capabilities (caps passed to NewServer) include it.
func (s *Server) SetRequestHandler(method string, requiredCap Capability, h RequestHandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestHandlers[method] = h
	if requiredCap != "" {
		s.methodCaps[method] = requiredCap
	}
}

// SetNotificationHandler appends a handler for method, for every session
// this Server creates from now on.
func (s *Server) SetNotificationHandler(method string, h NotificationHandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notificationHandlers[method] = append(s.notificationHandlers[method], h)
}

// NotifyListChanged announces that the list under cap changed; if this
// server advertises cap with listChanged, every connected, Ready session
// receives a notifications/*/list_changed message.
func (s *Server) NotifyListChanged(cap Capability) {
	s.changeBus.Publish(cap)
}

// ServerSession is one accepted, handshaked client connection.
type ServerSession struct {
	*session
	server *Server
	ready  chan struct{}
}

// CreateSession starts t, answers the client's handshake (spec.md §4.6:
// respond to initialize, negotiate the protocol version, await
// notifications/initialized), and returns the session. Non-"initialize"
// requests that arrive while Initializing are parked until Ready rather
// than rejected; those that arrive before "initialize" are rejected with
// CodeServerNotInitialized.
func (s *Server) CreateSession(ctx context.Context, t Transport, opts *ConnectionOptions) (*ServerSession, error) {
	engine := NewEngine(t, EngineOptions{
		Logger:           s.logger,
		Metrics:          s.metrics,
		ConcurrencyLimit: s.concurrencyLimit,
		Connection:       opts,
	})
	engine.SetOwnCapabilities(s.caps)

	ss := &ServerSession{session: newSession(engine), server: s, ready: make(chan struct{})}

	s.mu.Lock()
	for method, cap := range s.methodCaps {
		engine.RequireCapability(method, cap)
	}
	for method, h := range s.requestHandlers {
		engine.SetRequestHandler(method, ss.gateUntilReady(h))
	}
	for method, hs := range s.notificationHandlers {
		for _, h := range hs {
			engine.SetNotificationHandler(method, h)
		}
	}
	s.mu.Unlock()

	var closeReady sync.Once
	engine.SetRequestHandler("initialize", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		var p InitializeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid initialize params", map[string]string{"error": err.Error()})
		}
		if err := ss.transition(StateInitializing); err != nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, err.Error(), nil)
		}
		version := negotiateVersion(p.ProtocolVersion, SupportedProtocolVersions)
		engine.SetPeerCapabilities(p.Capabilities)
		ss.setHandshakeResult(version, p.ClientInfo, p.Capabilities)
		return InitializeResult{
			ProtocolVersion: version,
			Capabilities:    s.caps,
			ServerInfo:      s.impl,
			Instructions:    s.instructions,
		}, nil
	})
	engine.SetNotificationHandler("notifications/initialized", func(ctx context.Context, method string, params json.RawMessage) {
		_ = ss.transition(StateReady)
		closeReady.Do(func() { close(ss.ready) })
	})

	if err := engine.Start(ctx); err != nil {
		return nil, err
	}

	for _, cap := range listChangedCapabilities {
		if s.caps.HasSub(cap, SubListChanged) {
			go ss.forwardListChanged(ctx, cap)
		}
	}

	return ss, nil
}

// gateUntilReady wraps h so that it blocks until the session reaches Ready
// (or ctx is done) before running, implementing the "queue non-initialize
// requests during Initializing" rule.
func (ss *ServerSession) gateUntilReady(h RequestHandlerFunc) RequestHandlerFunc {
	return func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		if ss.getState() == StateUninitialized {
			return nil, jsonrpc.NewError(jsonrpc.CodeServerNotInitialized, "session not initialized", nil)
		}
		if err := ss.waitReady(ctx, ss.ready); err != nil {
			return nil, err
		}
		return h(ctx, method, params)
	}
}

func (ss *ServerSession) forwardListChanged(ctx context.Context, cap Capability) {
	method := listChangedMethod(cap)
	if method == "" {
		return
	}
	if err := ss.waitReady(ctx, ss.ready); err != nil {
		return
	}
	for range ss.server.changeBus.Subscribe(ctx, cap) {
		_ = ss.engine.Notify(ctx, method, nil)
	}
}

// Request sends method to the client and waits for its reply.
func (ss *ServerSession) Request(ctx context.Context, method string, params any, opts *RequestOptions) (json.RawMessage, error) {
	if err := ss.requireReady(); err != nil {
		return nil, err
	}
	return ss.engine.Request(ctx, method, params, opts)
}

// Notify sends method to the client as a fire-and-forget notification.
func (ss *ServerSession) Notify(ctx context.Context, method string, params any) error {
	if err := ss.requireReady(); err != nil {
		return err
	}
	return ss.engine.Notify(ctx, method, params)
}

// SetRequestHandler registers or replaces this session's handler for
// method. Unlike Server.SetRequestHandler, this takes effect for this
// session only and immediately: use it for per-session state such as a
// LoggingHandler's "logging/setLevel" handler.
func (ss *ServerSession) SetRequestHandler(method string, h RequestHandlerFunc) {
	ss.engine.SetRequestHandler(method, h)
}
