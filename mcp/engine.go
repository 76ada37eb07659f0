package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mcpkit/corekit/internal/jsonrpc"
)

// DefaultRequestTimeout is used by Engine.Request when RequestOptions.Timeout
// is zero.
const DefaultRequestTimeout = 60 * time.Second

// RequestHandlerFunc answers one inbound JSON-RPC request. A returned error
// that is a *jsonrpc.WireError is sent verbatim; any other error is reported
// to the peer as jsonrpc.CodeInternalError with the error's text attached.
type RequestHandlerFunc func(ctx context.Context, method string, params json.RawMessage) (result any, err error)

// NotificationHandlerFunc handles one inbound JSON-RPC notification. It has
// no way to report failure back to the peer, per the JSON-RPC notification
// contract; log and return.
type NotificationHandlerFunc func(ctx context.Context, method string, params json.RawMessage)

// RequestOptions configures one outbound call made through Engine.Request.
type RequestOptions struct {
	// Timeout bounds how long to wait without a response (or, if
	// ResetTimeoutOnProgress is set, without a progress notification)
	// before the request fails with *RequestTimeoutError. Zero means
	// DefaultRequestTimeout.
	Timeout time.Duration

	// MaxTotalTimeout, if non-zero, bounds the request's total lifetime
	// regardless of progress notifications.
	MaxTotalTimeout time.Duration

	// ResetTimeoutOnProgress restarts the Timeout clock every time a
	// notifications/progress message arrives for this request.
	ResetTimeoutOnProgress bool

	// OnProgress, if set, is invoked for every progress notification
	// received for this request, on the transport's delivery goroutine.
	// Setting it causes the engine to mint and attach a progress token to
	// the outbound request automatically.
	OnProgress func(ProgressNotification)
}

// EngineOptions configures a new Engine.
type EngineOptions struct {
	// Logger receives diagnostics (dropped replies, malformed
	// notifications, handler panics). Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics, if set, is fed request lifecycle events. A nil Metrics
	// disables instrumentation entirely; see metrics.go.
	Metrics *EngineMetrics

	// ConcurrencyLimit bounds how many inbound requests this Engine
	// dispatches to handlers concurrently. Zero means unbounded.
	ConcurrencyLimit int64

	// Connection configures wire-level logging of sent and received
	// messages.
	Connection *ConnectionOptions
}

// Engine is the transport-agnostic JSON-RPC request/response/notification
// correlator described in spec.md §4.5: it turns a Transport into a typed
// request/reply API, dispatches inbound calls to registered handlers, and
// enforces the capability gate before either direction crosses the wire.
//
// One Engine owns exactly one Transport for its lifetime; Client and Server
// each build a Session on top of an Engine to add the MCP handshake and
// domain-level method registries.
type Engine struct {
	transport Transport
	logger    *slog.Logger
	metrics   *EngineMetrics
	connOpts  *ConnectionOptions

	concurrency *semaphore.Weighted

	mu       sync.Mutex
	closed   bool
	nextID   int64

	pending        map[jsonrpc.ID]*pendingRequest
	pendingByToken map[ProgressToken]*pendingRequest

	requestHandlers      map[string]RequestHandlerFunc
	notificationHandlers map[string][]NotificationHandlerFunc
	methodReqs           map[string]methodRequirement
	middleware           []Middleware

	ownCaps  CapabilitySet
	peerCaps CapabilitySet

	inbound    map[jsonrpc.ID]context.CancelFunc
	suppressed map[jsonrpc.ID]bool

	errorHandler func(error)
	closeHandler func()
}

// NewEngine wires an Engine to t, registering the Transport hooks. Callers
// must not register their own hooks on t afterward; Engine owns them for t's
// lifetime.
func NewEngine(t Transport, opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		transport:            t,
		logger:               logger,
		metrics:              opts.Metrics,
		connOpts:             opts.Connection,
		pending:              make(map[jsonrpc.ID]*pendingRequest),
		pendingByToken:       make(map[ProgressToken]*pendingRequest),
		requestHandlers:      make(map[string]RequestHandlerFunc),
		notificationHandlers: make(map[string][]NotificationHandlerFunc),
		methodReqs:           make(map[string]methodRequirement, len(builtinMethodRequirements)),
		ownCaps:              NewCapabilitySet(),
		peerCaps:             NewCapabilitySet(),
		inbound:              make(map[jsonrpc.ID]context.CancelFunc),
		suppressed:           make(map[jsonrpc.ID]bool),
	}
	for m, r := range builtinMethodRequirements {
		e.methodReqs[m] = r
	}
	if opts.ConcurrencyLimit > 0 {
		e.concurrency = semaphore.NewWeighted(opts.ConcurrencyLimit)
	}
	t.OnMessage(e.handleMessage)
	t.OnError(e.handleTransportError)
	t.OnClose(e.handleClose)
	return e
}

// Start begins reading from the underlying transport.
func (e *Engine) Start(ctx context.Context) error {
	return e.transport.Start(ctx)
}

// Close releases the underlying transport. Pending requests are failed with
// *TransportClosedError.
func (e *Engine) Close() error {
	return e.transport.Close()
}

// SetErrorHandler registers a callback for transport-level errors that are
// not tied to any one pending request.
func (e *Engine) SetErrorHandler(h func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorHandler = h
}

// SetCloseHandler registers a callback fired once, when the transport
// closes.
func (e *Engine) SetCloseHandler(h func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeHandler = h
}

// SetOwnCapabilities records which capabilities this side advertised during
// the handshake, used to gate inbound dispatch of methods that require them.
func (e *Engine) SetOwnCapabilities(cs CapabilitySet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ownCaps = cs
}

// SetPeerCapabilities records which capabilities the counterparty advertised,
// used to gate outbound Request calls.
func (e *Engine) SetPeerCapabilities(cs CapabilitySet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peerCaps = cs
}

// RequireCapability registers a gate for method: Request refuses to send it
// unless the peer advertises cap, and inbound dispatch refuses to run it
// unless this side advertises cap.
func (e *Engine) RequireCapability(method string, cap Capability) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.methodReqs[method] = methodRequirement{cap: cap, responderMustAdvertise: true}
}

// SetRequestHandler registers the handler for method, replacing any handler
// registered previously.
func (e *Engine) SetRequestHandler(method string, h RequestHandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requestHandlers[method] = h
}

// Middleware wraps a RequestHandlerFunc to add cross-cutting behavior
// (logging, auth, metrics) around dispatch without the handler or the
// engine knowing about each other.
type Middleware func(RequestHandlerFunc) RequestHandlerFunc

// AddMiddleware appends mw to the chain applied to every inbound request
// dispatch, regardless of which method's handler ends up running.
// Middleware added first wraps outermost, matching the teacher's
// addMiddleware (applied back-to-front so the first-added middleware sees
// the call first and the reply last).
func (e *Engine) AddMiddleware(mw Middleware) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.middleware = append(e.middleware, mw)
}

func (e *Engine) wrapWithMiddleware(h RequestHandlerFunc) RequestHandlerFunc {
	e.mu.Lock()
	chain := append([]Middleware(nil), e.middleware...)
	e.mu.Unlock()
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i](h)
	}
	return h
}

// SetNotificationHandler appends a handler for method; all handlers
// registered for a method run, in registration order, for every matching
// notification. Handlers registered for notifications/progress or
// notifications/cancelled never run: the engine handles those two itself.
func (e *Engine) SetNotificationHandler(method string, h NotificationHandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notificationHandlers[method] = append(e.notificationHandlers[method], h)
}

// Request sends method with params and blocks until a matching response
// arrives, ctx is done, or the request times out or is cancelled.
func (e *Engine) Request(ctx context.Context, method string, params any, opts *RequestOptions) (json.RawMessage, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	if req, ok := e.methodRequirement(method); ok {
		if !e.peerCapabilities().Has(req.cap) {
			return nil, &CapabilityNotSupportedError{Method: method, Capability: req.cap}
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, &TransportClosedError{}
	}
	id := jsonrpc.Int64ID(e.nextID)
	e.nextID++
	pr := &pendingRequest{
		id:              id,
		method:          method,
		onProgress:      opts.OnProgress,
		timeout:         opts.Timeout,
		maxTotalTimeout: opts.MaxTotalTimeout,
		resetOnProgress: opts.ResetTimeoutOnProgress,
		done:            make(chan struct{}),
		started:         time.Now(),
	}
	if pr.timeout == 0 {
		pr.timeout = DefaultRequestTimeout
	}
	if opts.OnProgress != nil {
		pr.token = id
	}
	e.pending[id] = pr
	if pr.token.IsValid() {
		e.pendingByToken[pr.token] = pr
	}
	e.mu.Unlock()

	raw, err := attachProgressToken(params, pr.token)
	if err != nil {
		e.removePending(id, pr.token)
		return nil, err
	}
	wireReq := &jsonrpc.Request{ID: id, Method: method, Params: raw}

	e.metrics.incInFlight(method)
	defer e.metrics.decInFlight(method)

	if err := e.send(ctx, wireReq); err != nil {
		e.removePending(id, pr.token)
		return nil, err
	}
	pr.armTimers(e)

	select {
	case <-pr.done:
	case <-ctx.Done():
		e.Cancel(id, ctx.Err().Error())
		<-pr.done
	}
	e.metrics.observeLatency(method, time.Since(pr.started).Seconds())
	return pr.result, pr.err
}

// Notify sends method as a fire-and-forget notification.
func (e *Engine) Notify(ctx context.Context, method string, params any) error {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return e.send(ctx, n)
}

// Cancel aborts the pending request identified by id: it is removed from the
// pending table, a notifications/cancelled message is sent best-effort, and
// the caller of Request unblocks with a *RequestCancelledError.
func (e *Engine) Cancel(id jsonrpc.ID, reason string) {
	pr := e.removePending(id, ProgressToken{})
	if pr == nil {
		return
	}
	e.notifyCancelled(id, reason)
	pr.finish(nil, &RequestCancelledError{Method: pr.method, ID: id, Reason: reason})
	e.metrics.incCancellations(pr.method)
}

func (e *Engine) timeoutPending(id jsonrpc.ID) {
	pr := e.removePending(id, ProgressToken{})
	if pr == nil {
		return
	}
	e.notifyCancelled(id, "timeout")
	pr.finish(nil, &RequestTimeoutError{Method: pr.method, ID: id})
	e.metrics.incTimeouts(pr.method)
}

func (e *Engine) notifyCancelled(id jsonrpc.ID, reason string) {
	params := wireCancelledParams{RequestID: mustMarshalID(id), Reason: reason}
	n, err := jsonrpc.NewNotification("notifications/cancelled", params)
	if err != nil {
		return
	}
	_ = e.send(context.Background(), n)
}

// removePending atomically deletes id (and token, if valid) from the pending
// tables and returns the removed request, or nil if it was already gone
// (already completed, already cancelled, or never existed).
func (e *Engine) removePending(id jsonrpc.ID, token ProgressToken) *pendingRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	pr, ok := e.pending[id]
	if !ok {
		return nil
	}
	delete(e.pending, id)
	if pr.token.IsValid() {
		delete(e.pendingByToken, pr.token)
	} else if token.IsValid() {
		delete(e.pendingByToken, token)
	}
	pr.stopTimers()
	return pr
}

func (e *Engine) completePending(id jsonrpc.ID, result json.RawMessage, wireErr *jsonrpc.WireError) {
	pr := e.removePending(id, ProgressToken{})
	if pr == nil {
		e.logger.Warn("reply for unknown or already-resolved request id", "id", id.Raw())
		return
	}
	if wireErr != nil {
		pr.finish(nil, mcpErrorFromWire(wireErr))
		return
	}
	pr.finish(result, nil)
}

func (e *Engine) send(ctx context.Context, msg jsonrpc.Message) error {
	e.connOpts.logSend(msg)
	return e.transport.Send(ctx, msg)
}

func (e *Engine) peerCapabilities() CapabilitySet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerCaps
}

func (e *Engine) ownCapabilities() CapabilitySet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ownCaps
}

func (e *Engine) methodRequirement(method string) (methodRequirement, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.methodReqs[method]
	return r, ok
}

func (e *Engine) handleMessage(msg jsonrpc.Message) {
	e.connOpts.logRecv(msg)
	switch m := msg.(type) {
	case *jsonrpc.Response:
		e.completePending(m.ID, m.Result, nil)
	case *jsonrpc.ErrorResponse:
		e.completePending(m.ID, nil, m.Error)
	case *jsonrpc.Request:
		e.handleInboundRequest(m)
	case *jsonrpc.Notification:
		e.handleNotification(m)
	}
}

func (e *Engine) handleTransportError(err error) {
	e.logger.Error("transport error", "error", err)
	e.mu.Lock()
	h := e.errorHandler
	e.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func (e *Engine) handleClose() {
	e.mu.Lock()
	e.closed = true
	pending := e.pending
	e.pending = make(map[jsonrpc.ID]*pendingRequest)
	e.pendingByToken = make(map[ProgressToken]*pendingRequest)
	h := e.closeHandler
	e.mu.Unlock()

	for _, pr := range pending {
		pr.stopTimers()
		pr.finish(nil, &TransportClosedError{})
	}
	if h != nil {
		h()
	}
}

func (e *Engine) handleInboundRequest(req *jsonrpc.Request) {
	method := req.Method

	e.mu.Lock()
	h, haveHandler := e.requestHandlers[method]
	reqd, hasReqd := e.methodReqs[method]
	own := e.ownCaps
	e.mu.Unlock()

	if hasReqd && !own.Has(reqd.cap) {
		e.replyError(req.ID, jsonrpc.Errorf(jsonrpc.CodeMethodNotFound, "method %q requires capability %q, not advertised", method, reqd.cap))
		return
	}
	if !haveHandler {
		e.replyError(req.ID, jsonrpc.Errorf(jsonrpc.CodeMethodNotFound, "method not found: %s", method))
		return
	}
	h = e.wrapWithMiddleware(h)

	token, _ := parseProgressToken(req.Params)
	ctx, cancel := context.WithCancel(context.Background())
	ctx = withProgressEmitter(ctx, e, token)

	e.mu.Lock()
	e.inbound[req.ID] = cancel
	e.mu.Unlock()

	go e.runInboundHandler(ctx, cancel, req, h)
}

func (e *Engine) runInboundHandler(ctx context.Context, cancel context.CancelFunc, req *jsonrpc.Request, h RequestHandlerFunc) {
	defer func() {
		e.mu.Lock()
		delete(e.inbound, req.ID)
		e.mu.Unlock()
		cancel()
	}()

	if e.concurrency != nil {
		if err := e.concurrency.Acquire(ctx, 1); err != nil {
			return
		}
		defer e.concurrency.Release(1)
	}

	result, err := h(ctx, req.Method, req.Params)

	e.mu.Lock()
	suppressed := e.suppressed[req.ID]
	delete(e.suppressed, req.ID)
	e.mu.Unlock()
	if suppressed {
		return
	}

	if err != nil {
		e.replyErrorFromHandler(req.ID, err)
		return
	}
	resp, encErr := jsonrpc.NewResponse(req.ID, result)
	if encErr != nil {
		e.replyError(req.ID, jsonrpc.Errorf(jsonrpc.CodeInternalError, "marshaling result: %v", encErr))
		return
	}
	if err := e.send(context.Background(), resp); err != nil {
		e.logger.Warn("failed to send response", "method", req.Method, "error", err)
	}
}

func (e *Engine) replyErrorFromHandler(id jsonrpc.ID, err error) {
	var we *jsonrpc.WireError
	if errors.As(err, &we) {
		e.replyError(id, we)
		return
	}
	e.replyError(id, jsonrpc.NewError(jsonrpc.CodeInternalError, "internal error", map[string]string{"message": err.Error()}))
}

func (e *Engine) replyError(id jsonrpc.ID, we *jsonrpc.WireError) {
	resp := &jsonrpc.ErrorResponse{ID: id, Error: we}
	if err := e.send(context.Background(), resp); err != nil {
		e.logger.Warn("failed to send error response", "error", err)
	}
}

func (e *Engine) handleNotification(n *jsonrpc.Notification) {
	switch n.Method {
	case "notifications/progress":
		e.handleProgressNotification(n.Params)
		return
	case "notifications/cancelled":
		e.handleCancelledNotification(n.Params)
		return
	}

	e.mu.Lock()
	handlers := append([]NotificationHandlerFunc(nil), e.notificationHandlers[n.Method]...)
	e.mu.Unlock()

	for _, h := range handlers {
		e.runNotificationHandler(h, n)
	}
}

func (e *Engine) runNotificationHandler(h NotificationHandlerFunc, n *jsonrpc.Notification) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("notification handler panicked", "method", n.Method, "panic", r)
		}
	}()
	h(context.Background(), n.Method, n.Params)
}

func (e *Engine) handleProgressNotification(raw json.RawMessage) {
	var params wireProgressParams
	if err := json.Unmarshal(raw, &params); err != nil {
		e.logger.Warn("malformed progress notification", "error", err)
		return
	}
	token, err := jsonrpc.ParseID(params.ProgressToken)
	if err != nil || !token.IsValid() {
		e.logger.Warn("progress notification with invalid token", "error", err)
		return
	}

	e.mu.Lock()
	pr, ok := e.pendingByToken[token]
	e.mu.Unlock()
	if !ok {
		return
	}

	pr.mu.Lock()
	if pr.haveProgress && params.Progress < pr.lastProgress {
		e.logger.Warn("progress notification moved backwards", "method", pr.method, "previous", pr.lastProgress, "got", params.Progress)
	}
	pr.lastProgress = params.Progress
	pr.haveProgress = true
	cb := pr.onProgress
	pr.mu.Unlock()

	pr.resetTimeout(e)
	if cb != nil {
		cb(ProgressNotification{Token: token, Progress: params.Progress, Total: params.Total, Message: params.Message})
	}
}

func (e *Engine) handleCancelledNotification(raw json.RawMessage) {
	var params wireCancelledParams
	if err := json.Unmarshal(raw, &params); err != nil {
		e.logger.Warn("malformed cancelled notification", "error", err)
		return
	}
	id, err := jsonrpc.ParseID(params.RequestID)
	if err != nil || !id.IsValid() {
		e.logger.Warn("cancelled notification with invalid requestId", "error", err)
		return
	}

	e.mu.Lock()
	cancel, ok := e.inbound[id]
	if ok {
		e.suppressed[id] = true
	}
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Engine) sendProgress(ctx context.Context, token ProgressToken, progress float64, total *float64, message string) error {
	params := wireProgressParams{ProgressToken: mustMarshalID(token), Progress: progress, Total: total, Message: message}
	n, err := jsonrpc.NewNotification("notifications/progress", params)
	if err != nil {
		return err
	}
	return e.send(ctx, n)
}

func mustMarshalID(id jsonrpc.ID) json.RawMessage {
	data, err := json.Marshal(id.Raw())
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

type wireProgressParams struct {
	ProgressToken json.RawMessage `json:"progressToken"`
	Progress      float64         `json:"progress"`
	Total         *float64        `json:"total,omitempty"`
	Message       string          `json:"message,omitempty"`
}

type wireCancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}

// attachProgressToken returns params re-marshaled with a "_meta.progressToken"
// field injected, or params marshaled as-is if token is invalid. params must
// marshal to a JSON object if token is valid.
func attachProgressToken(params any, token ProgressToken) (json.RawMessage, error) {
	if !token.IsValid() {
		if params == nil {
			return nil, nil
		}
		return json.Marshal(params)
	}
	base := map[string]any{}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &base); err != nil {
			return nil, fmt.Errorf("mcp: cannot attach progress token: params is not a JSON object: %w", err)
		}
	}
	base["_meta"] = map[string]any{"progressToken": token.Raw()}
	return json.Marshal(base)
}

func parseProgressToken(raw json.RawMessage) (ProgressToken, bool) {
	if len(raw) == 0 {
		return ProgressToken{}, false
	}
	var wrapper struct {
		Meta struct {
			ProgressToken json.RawMessage `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil || len(wrapper.Meta.ProgressToken) == 0 {
		return ProgressToken{}, false
	}
	tok, err := jsonrpc.ParseID(wrapper.Meta.ProgressToken)
	if err != nil || !tok.IsValid() {
		return ProgressToken{}, false
	}
	return tok, true
}

// pendingRequest tracks one outbound request awaiting a reply.
type pendingRequest struct {
	id         jsonrpc.ID
	method     string
	token      ProgressToken
	onProgress func(ProgressNotification)

	timeout         time.Duration
	maxTotalTimeout time.Duration
	resetOnProgress bool

	mu           sync.Mutex
	lastProgress float64
	haveProgress bool
	timer        *time.Timer
	totalTimer   *time.Timer

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error

	started time.Time
}

func (pr *pendingRequest) armTimers(e *Engine) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.timeout > 0 {
		pr.timer = time.AfterFunc(pr.timeout, func() { e.timeoutPending(pr.id) })
	}
	if pr.maxTotalTimeout > 0 {
		pr.totalTimer = time.AfterFunc(pr.maxTotalTimeout, func() { e.timeoutPending(pr.id) })
	}
}

func (pr *pendingRequest) resetTimeout(e *Engine) {
	if !pr.resetOnProgress || pr.timeout <= 0 {
		return
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.timer != nil {
		pr.timer.Stop()
		pr.timer = time.AfterFunc(pr.timeout, func() { e.timeoutPending(pr.id) })
	}
}

func (pr *pendingRequest) stopTimers() {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.timer != nil {
		pr.timer.Stop()
	}
	if pr.totalTimer != nil {
		pr.totalTimer.Stop()
	}
}

func (pr *pendingRequest) finish(result json.RawMessage, err error) {
	pr.once.Do(func() {
		pr.result = result
		pr.err = err
		close(pr.done)
	})
}
