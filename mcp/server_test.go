package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mcpkit/corekit/internal/jsonrpc"
)

func newHandshakedPair(t *testing.T, configureServer func(*Server), configureClient func(*Client)) (*ClientSession, *ServerSession) {
	t.Helper()
	clientT, serverT := NewPipeTransports()

	server := NewServer(Implementation{Name: "test-server", Version: "1.0.0"}, NewCapabilitySet())
	if configureServer != nil {
		configureServer(server)
	}
	client := NewClient(Implementation{Name: "test-client", Version: "1.0.0"}, NewCapabilitySet())
	if configureClient != nil {
		configureClient(client)
	}

	type result struct {
		ss  *ServerSession
		err error
	}
	serverDone := make(chan result, 1)
	go func() {
		ss, err := server.CreateSession(context.Background(), serverT, nil)
		serverDone <- result{ss, err}
	}()

	cs, err := client.Connect(context.Background(), clientT, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sr := <-serverDone
	if sr.err != nil {
		t.Fatalf("CreateSession: %v", sr.err)
	}
	t.Cleanup(func() {
		cs.Close()
	})
	return cs, sr.ss
}

func TestHandshakeReachesReady(t *testing.T) {
	cs, ss := newHandshakedPair(t, nil, nil)
	if cs.getState() != StateReady {
		t.Errorf("client state = %s, want ready", cs.getState())
	}
	if ss.getState() != StateReady {
		t.Errorf("server state = %s, want ready", ss.getState())
	}
	if cs.PeerInfo().Name != "test-server" {
		t.Errorf("client's view of server identity = %q, want %q", cs.PeerInfo().Name, "test-server")
	}
	if ss.PeerInfo().Name != "test-client" {
		t.Errorf("server's view of client identity = %q, want %q", ss.PeerInfo().Name, "test-client")
	}
	if cs.ProtocolVersion() != SupportedProtocolVersions[0] {
		t.Errorf("negotiated version = %q, want %q", cs.ProtocolVersion(), SupportedProtocolVersions[0])
	}
}

func TestServerRequestAnsweredByClient(t *testing.T) {
	cs, ss := newHandshakedPair(t, nil, func(c *Client) {
		c.caps.Add(CapRoots)
		c.SetRequestHandler("roots/list", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
			return map[string]any{"roots": []string{"/tmp"}}, nil
		})
	})
	_ = cs
	raw, err := ss.Request(context.Background(), "roots/list", nil, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var got struct {
		Roots []string `json:"roots"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Roots) != 1 || got.Roots[0] != "/tmp" {
		t.Errorf("got %v, want [/tmp]", got.Roots)
	}
}

func TestListChangedForwardedToReadySession(t *testing.T) {
	var server *Server
	cs, _ := newHandshakedPair(t, func(s *Server) {
		s.caps.Add(CapTools, SubListChanged)
		server = s
	}, nil)

	notified := make(chan struct{}, 1)
	cs.engine.SetNotificationHandler("notifications/tools/list_changed", func(ctx context.Context, method string, params json.RawMessage) {
		notified <- struct{}{}
	})

	server.NotifyListChanged(CapTools)
	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tools/list_changed notification")
	}
}

func TestNonInitializeRequestQueuedUntilReady(t *testing.T) {
	clientT, serverT := NewPipeTransports()
	server := NewServer(Implementation{Name: "s", Version: "1"}, NewCapabilitySet())
	gate := make(chan struct{})
	server.SetRequestHandler("ping", "", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		return "pong", nil
	})

	engine := NewEngine(clientT, EngineOptions{})
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	go func() {
		ss, err := server.CreateSession(context.Background(), serverT, nil)
		if err != nil {
			return
		}
		close(gate)
		_ = ss
	}()

	// Complete the "initialize" round-trip first, leaving the session
	// Initializing (not yet Ready: notifications/initialized hasn't been
	// sent), then send "ping" and confirm it blocks rather than either
	// running immediately or being rejected outright.
	params := InitializeParams{ProtocolVersion: SupportedProtocolVersions[0], Capabilities: NewCapabilitySet(), ClientInfo: Implementation{Name: "c", Version: "1"}}
	if _, err := engine.Request(context.Background(), "initialize", params, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	pingDone := make(chan json.RawMessage, 1)
	pingErr := make(chan error, 1)
	go func() {
		raw, err := engine.Request(context.Background(), "ping", nil, nil)
		pingDone <- raw
		pingErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-pingDone:
		t.Fatal("ping completed before notifications/initialized was sent")
	default:
	}

	if err := engine.Notify(context.Background(), "notifications/initialized", nil); err != nil {
		t.Fatalf("notify initialized: %v", err)
	}
	<-gate

	select {
	case raw := <-pingDone:
		var got string
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("unmarshal ping result: %v", err)
		}
		if got != "pong" {
			t.Errorf("got %q, want %q", got, "pong")
		}
	case <-time.After(time.Second):
		t.Fatal("ping never completed after initialization")
	}
	if err := <-pingErr; err != nil {
		t.Fatalf("ping error: %v", err)
	}
}

func TestUninitializedSessionRejectsRequestsImmediately(t *testing.T) {
	clientT, serverT := NewPipeTransports()
	server := NewServer(Implementation{Name: "s", Version: "1"}, NewCapabilitySet())
	server.SetRequestHandler("ping", "", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		return "pong", nil
	})

	engine := NewEngine(clientT, EngineOptions{})
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	go server.CreateSession(context.Background(), serverT, nil)

	_, err := engine.Request(context.Background(), "ping", nil, nil)
	var mcpErr *McpError
	if !errors.As(err, &mcpErr) {
		t.Fatalf("got %v, want *McpError", err)
	}
	if mcpErr.Code != jsonrpc.CodeServerNotInitialized {
		t.Errorf("got code %d, want %d", mcpErr.Code, jsonrpc.CodeServerNotInitialized)
	}
}
