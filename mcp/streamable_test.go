package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStreamableTransportEndToEnd(t *testing.T) {
	server := NewServer(Implementation{Name: "streamable-server", Version: "1"}, NewCapabilitySet())
	server.SetRequestHandler("ping", "", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		return "pong", nil
	})

	sessions := make(chan *ServerSession, 1)
	handler := NewStreamableHTTPHandler(func(ctx context.Context, tr Transport) {
		ss, err := server.CreateSession(ctx, tr, nil)
		if err != nil {
			t.Errorf("CreateSession: %v", err)
			return
		}
		sessions <- ss
	})
	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()

	clientTransport := NewStreamableClientTransport(httpServer.URL, nil)
	client := NewClient(Implementation{Name: "streamable-client", Version: "1"}, NewCapabilitySet())
	cs, err := client.Connect(context.Background(), clientTransport, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer cs.Close()

	select {
	case <-sessions:
	case <-time.After(time.Second):
		t.Fatal("server never created a session")
	}

	raw, err := cs.Request(context.Background(), "ping", nil, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var got string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != "pong" {
		t.Errorf("got %q, want %q", got, "pong")
	}
}

func TestStreamableServerPushNotificationOverGETStream(t *testing.T) {
	server := NewServer(Implementation{Name: "s", Version: "1"}, NewCapabilitySet())
	sessions := make(chan *ServerSession, 1)
	handler := NewStreamableHTTPHandler(func(ctx context.Context, tr Transport) {
		ss, err := server.CreateSession(ctx, tr, nil)
		if err != nil {
			t.Errorf("CreateSession: %v", err)
			return
		}
		sessions <- ss
	})
	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()

	clientTransport := NewStreamableClientTransport(httpServer.URL, nil)
	client := NewClient(Implementation{Name: "c", Version: "1"}, NewCapabilitySet())
	cs, err := client.Connect(context.Background(), clientTransport, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer cs.Close()

	var ss *ServerSession
	select {
	case ss = <-sessions:
	case <-time.After(time.Second):
		t.Fatal("server never created a session")
	}

	// Give the client's background GET stream a moment to attach before
	// the server pushes, since there is no explicit handshake for it.
	time.Sleep(50 * time.Millisecond)

	got := make(chan struct{}, 1)
	cs.engine.SetNotificationHandler("notifications/tools/list_changed", func(ctx context.Context, method string, params json.RawMessage) {
		got <- struct{}{}
	})

	if err := ss.Notify(context.Background(), "notifications/tools/list_changed", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the pushed notification")
	}
}

func TestStreamableHandlerRejectsUnknownSession(t *testing.T) {
	handler := NewStreamableHTTPHandler(nil)
	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()

	req, err := http.NewRequest(http.MethodGet, httpServer.URL, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set(sessionHeader, "does-not-exist")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestStreamableHandlerRejectsUnsupportedMethod(t *testing.T) {
	handler := NewStreamableHTTPHandler(nil)
	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()

	req, err := http.NewRequest(http.MethodPut, httpServer.URL, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}
