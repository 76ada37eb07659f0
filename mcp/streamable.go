package mcp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/sync/errgroup"

	"github.com/mcpkit/corekit/internal/jsonrpc"
)

// maxStreamEvents bounds how many past events a StreamableServerTransport
// keeps for Last-Event-ID replay on reconnect.
const maxStreamEvents = 256

const sessionHeader = "Mcp-Session-Id"

// StreamableHTTPHandler is the server side of the Streamable-HTTP transport
// from spec.md §4.4: one URL answering POST (submit a message, get back
// 202 or a single JSON reply; POST never answers with an event stream),
// GET (open a resumable event stream,
// replaying from Last-Event-ID), and DELETE (terminate the session).
type StreamableHTTPHandler struct {
	// OnSession is called once, synchronously, the first time a session is
	// created (on its first POST), with the Transport this core should
	// drive that session through.
	OnSession func(ctx context.Context, t Transport)

	mu       sync.Mutex
	sessions map[string]*StreamableServerTransport
}

// NewStreamableHTTPHandler returns a StreamableHTTPHandler.
func NewStreamableHTTPHandler(onSession func(ctx context.Context, t Transport)) *StreamableHTTPHandler {
	return &StreamableHTTPHandler{OnSession: onSession, sessions: make(map[string]*StreamableServerTransport)}
}

func (h *StreamableHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.servePost(w, r)
	case http.MethodGet:
		h.serveGet(w, r)
	case http.MethodDelete:
		h.serveDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *StreamableHTTPHandler) servePost(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	msg, err := jsonrpc.Decode(body)
	if err != nil {
		http.Error(w, "malformed message: "+err.Error(), http.StatusBadRequest)
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	t := h.sessionFor(sessionID)
	if t == nil {
		if sessionID != "" {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		sessionID = uuid.NewString()
		t = newStreamableServerTransport(sessionID)
		h.mu.Lock()
		h.sessions[sessionID] = t
		h.mu.Unlock()
		if h.OnSession != nil {
			h.OnSession(r.Context(), t)
		}
	}
	w.Header().Set(sessionHeader, sessionID)

	if req, ok := msg.(*jsonrpc.Request); ok {
		waiter := t.registerWaiter(req.ID)
		t.deliver(msg)
		select {
		case reply := <-waiter:
			data, err := jsonrpc.Encode(reply)
			if err != nil {
				http.Error(w, "encode error", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(data)
		case <-r.Context().Done():
			t.abandonWaiter(req.ID)
		}
		return
	}

	t.deliver(msg)
	w.WriteHeader(http.StatusAccepted)
}

func (h *StreamableHTTPHandler) serveGet(w http.ResponseWriter, r *http.Request) {
	if accept := r.Header["Accept"]; len(accept) > 0 && !httpguts.HeaderValuesContainsToken(accept, "text/event-stream") {
		http.Error(w, "Accept must include text/event-stream", http.StatusNotAcceptable)
		return
	}
	t := h.sessionFor(r.Header.Get(sessionHeader))
	if t == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	ch, replay := t.attachStream(r.Header.Get("Last-Event-ID"))
	for _, ev := range replay {
		writeSSEEvent(w, ev)
	}
	flusher.Flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeSSEEvent(w, ev)
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-t.closed:
			return
		}
	}
}

func (h *StreamableHTTPHandler) serveDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	h.mu.Lock()
	t := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if t == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	t.Close()
	w.WriteHeader(http.StatusNoContent)
}

func (h *StreamableHTTPHandler) sessionFor(sessionID string) *StreamableServerTransport {
	if sessionID == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[sessionID]
}

func writeSSEEvent(w http.ResponseWriter, ev streamEvent) {
	fmt.Fprintf(w, "id: %s\nevent: message\ndata: %s\n\n", ev.id, ev.data)
}

type streamEvent struct {
	id   string
	data []byte
}

// StreamableServerTransport is the Transport a server drives one
// Streamable-HTTP session through. A reply to a request routes back to the
// POST that submitted it if that connection is still open; otherwise (and
// for notifications) it's appended to the session's resumable event log
// and pushed to whatever GET stream is currently attached.
type StreamableServerTransport struct {
	hooks

	sessionID string

	mu      sync.Mutex
	started bool
	nextIdx uint64
	events  []streamEvent
	sub     chan streamEvent
	waiters map[string]chan jsonrpc.Message

	closeOnce sync.Once
	closed    chan struct{}
}

func newStreamableServerTransport(sessionID string) *StreamableServerTransport {
	return &StreamableServerTransport{
		sessionID: sessionID,
		waiters:   make(map[string]chan jsonrpc.Message),
		closed:    make(chan struct{}),
	}
}

func (t *StreamableServerTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return &TransportAlreadyStartedError{Transport: "streamable-server"}
	}
	t.started = true
	return nil
}

func (t *StreamableServerTransport) registerWaiter(id jsonrpc.ID) chan jsonrpc.Message {
	ch := make(chan jsonrpc.Message, 1)
	t.mu.Lock()
	t.waiters[id.GoString()] = ch
	t.mu.Unlock()
	return ch
}

func (t *StreamableServerTransport) abandonWaiter(id jsonrpc.ID) {
	t.mu.Lock()
	delete(t.waiters, id.GoString())
	t.mu.Unlock()
}

func (t *StreamableServerTransport) Send(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-t.closed:
		return &TransportSendError{Transport: "streamable-server", Err: ErrConnectionClosed}
	default:
	}
	if id := responseID(msg); id.IsValid() {
		t.mu.Lock()
		ch, ok := t.waiters[id.GoString()]
		if ok {
			delete(t.waiters, id.GoString())
		}
		t.mu.Unlock()
		if ok {
			select {
			case ch <- msg:
				return nil
			default:
			}
		}
	}
	return t.publish(msg)
}

func responseID(msg jsonrpc.Message) jsonrpc.ID {
	switch m := msg.(type) {
	case *jsonrpc.Response:
		return m.ID
	case *jsonrpc.ErrorResponse:
		return m.ID
	default:
		return jsonrpc.ID{}
	}
}

func (t *StreamableServerTransport) publish(msg jsonrpc.Message) error {
	data, err := jsonrpc.Encode(msg)
	if err != nil {
		return &TransportSendError{Transport: "streamable-server", Err: err}
	}
	t.mu.Lock()
	idx := t.nextIdx
	t.nextIdx++
	ev := streamEvent{id: fmt.Sprintf("%s_%d", t.sessionID, idx), data: data}
	t.events = append(t.events, ev)
	if len(t.events) > maxStreamEvents {
		t.events = t.events[len(t.events)-maxStreamEvents:]
	}
	sub := t.sub
	t.mu.Unlock()

	if sub != nil {
		select {
		case sub <- ev:
		default:
		}
	}
	return nil
}

// attachStream connects the session's one live GET stream, returning a
// channel of future events and the events to replay first: everything
// after lastEventID, or everything buffered if lastEventID is not found (a
// gap too large to resume from). A fresh GET (empty lastEventID) replays
// nothing and receives only events published from then on.
func (t *StreamableServerTransport) attachStream(lastEventID string) (<-chan streamEvent, []streamEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan streamEvent, 64)
	t.sub = ch

	if lastEventID == "" {
		return ch, nil
	}
	for i, ev := range t.events {
		if ev.id == lastEventID {
			return ch, append([]streamEvent(nil), t.events[i+1:]...)
		}
	}
	return ch, append([]streamEvent(nil), t.events...)
}

func (t *StreamableServerTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		if t.sub != nil {
			close(t.sub)
		}
		t.mu.Unlock()
		t.fireClose()
	})
	return nil
}

// StreamableClientTransport is the client side of the Streamable-HTTP
// transport: Send POSTs one message to url, and a background stream opened
// after the first POST establishes a session relays further server pushes.
type StreamableClientTransport struct {
	hooks

	url    string
	client *http.Client

	mu           sync.Mutex
	started      bool
	sessionID    string
	lastEventID  string
	streamCancel context.CancelFunc
}

// NewStreamableClientTransport returns a transport that submits to and
// streams from url. A nil client uses http.DefaultClient.
func NewStreamableClientTransport(url string, client *http.Client) *StreamableClientTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &StreamableClientTransport{url: url, client: client}
}

func (t *StreamableClientTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return &TransportAlreadyStartedError{Transport: "streamable-client"}
	}
	t.started = true
	return nil
}

func (t *StreamableClientTransport) Send(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.Encode(msg)
	if err != nil {
		return &TransportSendError{Transport: "streamable-client", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(data))
	if err != nil {
		return &TransportSendError{Transport: "streamable-client", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	t.mu.Lock()
	sessionID := t.sessionID
	t.mu.Unlock()
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &TransportSendError{Transport: "streamable-client", Err: err}
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		isNew := t.sessionID == ""
		t.sessionID = sid
		t.mu.Unlock()
		if isNew {
			t.startStream()
		}
	}

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return &TransportSendError{Transport: "streamable-client", Err: err}
		}
		reply, err := jsonrpc.Decode(body)
		if err != nil {
			return &TransportSendError{Transport: "streamable-client", Err: err}
		}
		t.deliver(reply)
		return nil
	default:
		return &TransportSendError{Transport: "streamable-client", Err: fmt.Errorf("status %s", resp.Status)}
	}
}

// startStream launches the background GET pump the first time a session is
// established, supervised by an errgroup: a failed GET or read error reaches
// OnError once (not when Close cancelled the stream), and the end of the
// stream, a clean EOF included, fires OnClose.
func (t *StreamableClientTransport) startStream() {
	t.mu.Lock()
	if t.streamCancel != nil {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.streamCancel = cancel
	t.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.runGetStream(gctx) })
	go func() {
		err := g.Wait()
		if err != nil && gctx.Err() == nil {
			t.fail(err)
		}
		t.fireClose()
	}()
}

func (t *StreamableClientTransport) runGetStream(ctx context.Context) error {
	t.mu.Lock()
	sessionID := t.sessionID
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(sessionHeader, sessionID)
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mcp: streamable GET failed: %s", resp.Status)
	}
	return t.consumeStream(resp.Body)
}

func (t *StreamableClientTransport) consumeStream(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)

	var id, data string
	flush := func() {
		if data == "" {
			return
		}
		if id != "" {
			t.mu.Lock()
			t.lastEventID = id
			t.mu.Unlock()
		}
		msg, err := jsonrpc.Decode([]byte(data))
		if err != nil {
			t.fail(err)
		} else {
			t.deliver(msg)
		}
		id, data = "", ""
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "id:"):
			id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	return scanner.Err()
}

func (t *StreamableClientTransport) Close() error {
	t.mu.Lock()
	cancel := t.streamCancel
	sessionID := t.sessionID
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if sessionID != "" {
		req, err := http.NewRequest(http.MethodDelete, t.url, nil)
		if err == nil {
			req.Header.Set(sessionHeader, sessionID)
			if resp, err := t.client.Do(req); err == nil {
				resp.Body.Close()
			}
		}
	}
	t.fireClose()
	return nil
}
