package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestConnectRejectsUnsupportedProtocolVersion(t *testing.T) {
	clientT, serverT := NewPipeTransports()

	engine := NewEngine(serverT, EngineOptions{})
	engine.SetRequestHandler("initialize", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		return InitializeResult{
			ProtocolVersion: "1999-01-01",
			Capabilities:    NewCapabilitySet(),
			ServerInfo:      Implementation{Name: "bad-server", Version: "0"},
		}, nil
	})
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	client := NewClient(Implementation{Name: "c", Version: "1"}, NewCapabilitySet())
	_, err := client.Connect(context.Background(), clientT, nil)
	var verErr *ProtocolVersionError
	if !errors.As(err, &verErr) {
		t.Fatalf("got %v, want *ProtocolVersionError", err)
	}
}

func TestSessionCallsRejectedBeforeReady(t *testing.T) {
	cs := &ClientSession{session: newSession(NewEngine(func() Transport { c, _ := NewPipeTransports(); return c }(), EngineOptions{}))}
	if err := cs.Notify(context.Background(), "whatever", nil); err == nil {
		t.Error("expected Notify on a not-yet-ready session to fail")
	}
	if _, err := cs.Request(context.Background(), "whatever", nil, nil); err == nil {
		t.Error("expected Request on a not-yet-ready session to fail")
	}
}
