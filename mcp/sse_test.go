package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSSETransportEndToEnd(t *testing.T) {
	server := NewServer(Implementation{Name: "sse-server", Version: "1"}, NewCapabilitySet())
	server.SetRequestHandler("ping", "", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		return "pong", nil
	})

	sessions := make(chan *ServerSession, 1)
	handler := NewSSEHandler(
		func(sessionID string) string { return "/message?sessionId=" + sessionID },
		func(ctx context.Context, tr Transport) {
			ss, err := server.CreateSession(ctx, tr, nil)
			if err != nil {
				t.Errorf("CreateSession: %v", err)
				return
			}
			sessions <- ss
		},
	)
	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()

	clientTransport := NewSSEClientTransport(httpServer.URL, nil)
	client := NewClient(Implementation{Name: "sse-client", Version: "1"}, NewCapabilitySet())
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

func TestSSEHandlerRejectsUnknownSession(t *testing.T) {
	handler := NewSSEHandler(func(string) string { return "/message" }, nil)
	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()

	resp, err := http.Post(httpServer.URL+"/message?sessionId=does-not-exist", "application/json", nil)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestSSEHandlerRejectsUnsupportedMethod(t *testing.T) {
	handler := NewSSEHandler(func(string) string { return "/message" }, nil)
	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()

	req, err := http.NewRequest(http.MethodDelete, httpServer.URL, nil)
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
