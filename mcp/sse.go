package mcp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mcpkit/corekit/internal/jsonrpc"
)

// SSEHandler is the server side of the SSE transport pair from spec.md §4.3:
// a GET request opens a long-lived event stream and is immediately
// answered with an "endpoint" event naming a session-scoped URL; the client
// POSTs each outbound message to that URL, and the server's replies and
// notifications arrive as "message" events on the GET stream.
type SSEHandler struct {
	// EndpointPath builds the path (and query) clients should POST to for
	// the given session ID, e.g. func(id string) string { return
	// "/message?sessionId=" + id }.
	EndpointPath func(sessionID string) string

	// OnSession is called once, synchronously, for every new GET
	// connection, with the Transport this core should drive that session
	// through (typically passed straight to Server.CreateSession).
	OnSession func(ctx context.Context, t Transport)

	mu       sync.Mutex
	sessions map[string]*sseServerTransport
}

// NewSSEHandler returns an SSEHandler. onSession is invoked for every new
// client connection; the caller is expected to call Server.CreateSession
// with the given Transport from inside it.
func NewSSEHandler(endpointPath func(sessionID string) string, onSession func(ctx context.Context, t Transport)) *SSEHandler {
	return &SSEHandler{
		EndpointPath: endpointPath,
		OnSession:    onSession,
		sessions:     make(map[string]*sseServerTransport),
	}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.serveStream(w, r)
	case http.MethodPost:
		h.serveMessage(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *SSEHandler) serveStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID := uuid.NewString()
	t := newSSEServerTransport()

	h.mu.Lock()
	h.sessions[sessionID] = t
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, sessionID)
		h.mu.Unlock()
		t.Close()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", h.EndpointPath(sessionID))
	flusher.Flush()

	t.attach(w, flusher)
	if h.OnSession != nil {
		h.OnSession(r.Context(), t)
	}

	select {
	case <-r.Context().Done():
	case <-t.closed:
	}
}

func (h *SSEHandler) serveMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	h.mu.Lock()
	t, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	msg, err := jsonrpc.Decode(data)
	if err != nil {
		http.Error(w, "malformed message: "+err.Error(), http.StatusBadRequest)
		return
	}
	t.deliver(msg)
	w.WriteHeader(http.StatusAccepted)
}

// sseServerTransport is the Transport the server drives one SSE session
// through: Send writes an SSE "message" event to the GET stream; inbound
// messages arrive out-of-band, delivered by SSEHandler.serveMessage.
type sseServerTransport struct {
	hooks

	mu      sync.Mutex
	started bool
	w       http.ResponseWriter
	flusher http.Flusher

	closeOnce sync.Once
	closed    chan struct{}
}

func newSSEServerTransport() *sseServerTransport {
	return &sseServerTransport{closed: make(chan struct{})}
}

func (t *sseServerTransport) attach(w http.ResponseWriter, flusher http.Flusher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.w, t.flusher = w, flusher
}

// Start only records that it was called (a second call returns
// *TransportAlreadyStartedError): the GET handler goroutine already owns
// this connection's lifetime by the time a Transport exists to call Start on.
func (t *sseServerTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return &TransportAlreadyStartedError{Transport: "sse-server"}
	}
	t.started = true
	return nil
}

func (t *sseServerTransport) Send(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.Encode(msg)
	if err != nil {
		return &TransportSendError{Transport: "sse-server", Err: err}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closed:
		return &TransportSendError{Transport: "sse-server", Err: ErrConnectionClosed}
	default:
	}
	if _, err := fmt.Fprintf(t.w, "event: message\ndata: %s\n\n", data); err != nil {
		return &TransportSendError{Transport: "sse-server", Err: err}
	}
	t.flusher.Flush()
	return nil
}

func (t *sseServerTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.fireClose()
	})
	return nil
}

// SSEClientTransport is the client side of the SSE transport pair: it opens
// the GET stream, waits for the server's "endpoint" event, and POSTs
// outbound messages to that endpoint.
type SSEClientTransport struct {
	hooks

	streamURL string
	client    *http.Client

	mu          sync.Mutex
	started     bool
	endpointURL string
	cancel      context.CancelFunc

	endpointOnce sync.Once
	endpointSet  chan struct{}
}

// NewSSEClientTransport returns a transport that opens its event stream at
// streamURL. A nil client uses http.DefaultClient.
func NewSSEClientTransport(streamURL string, client *http.Client) *SSEClientTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &SSEClientTransport{streamURL: streamURL, client: client, endpointSet: make(chan struct{})}
}

func (t *SSEClientTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return &TransportAlreadyStartedError{Transport: "sse-client"}
	}
	t.started = true
	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.streamURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("mcp: sse connect failed: %s", resp.Status)
	}
	go t.readLoop(resp)
	return nil
}

func (t *SSEClientTransport) readLoop(resp *http.Response) {
	defer resp.Body.Close()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)

	var event, data string
	flush := func() {
		if event == "" && data == "" {
			return
		}
		switch event {
		case "endpoint":
			t.setEndpoint(data)
		default:
			msg, err := jsonrpc.Decode([]byte(data))
			if err != nil {
				t.fail(err)
			} else {
				t.deliver(msg)
			}
		}
		event, data = "", ""
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil {
		t.fail(err)
	}
	t.fireClose()
}

func (t *SSEClientTransport) setEndpoint(path string) {
	base, err := url.Parse(t.streamURL)
	if err != nil {
		t.fail(err)
		return
	}
	ref, err := url.Parse(path)
	if err != nil {
		t.fail(err)
		return
	}
	t.mu.Lock()
	t.endpointURL = base.ResolveReference(ref).String()
	t.mu.Unlock()
	t.endpointOnce.Do(func() { close(t.endpointSet) })
}

func (t *SSEClientTransport) Send(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-t.endpointSet:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.mu.Lock()
	endpoint := t.endpointURL
	t.mu.Unlock()

	data, err := jsonrpc.Encode(msg)
	if err != nil {
		return &TransportSendError{Transport: "sse-client", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return &TransportSendError{Transport: "sse-client", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return &TransportSendError{Transport: "sse-client", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &TransportSendError{Transport: "sse-client", Err: fmt.Errorf("status %s", resp.Status)}
	}
	return nil
}

func (t *SSEClientTransport) Close() error {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
