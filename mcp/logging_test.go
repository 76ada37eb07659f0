package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestLoggingHandlerEnabled(t *testing.T) {
	_, ss := newHandshakedPair(t, func(s *Server) { s.caps.Add(CapLogging) }, nil)

	h := NewLoggingHandler(ss, slog.LevelInfo)
	if !h.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("Warn should be enabled when minLevel is Info")
	}
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Debug should not be enabled when minLevel is Info")
	}

	h.SetLevel(slog.LevelDebug)
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Debug should be enabled after SetLevel(Debug)")
	}
}

func TestLoggingHandlerSetLevelHandlerParsesWireLevel(t *testing.T) {
	_, ss := newHandshakedPair(t, func(s *Server) { s.caps.Add(CapLogging) }, nil)
	h := NewLoggingHandler(ss, slog.LevelInfo)

	_, err := h.SetLevelHandler(context.Background(), "logging/setLevel", json.RawMessage(`{"level":"debug"}`))
	if err != nil {
		t.Fatalf("SetLevelHandler: %v", err)
	}
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected level to be lowered to debug")
	}

	if _, err := h.SetLevelHandler(context.Background(), "logging/setLevel", json.RawMessage(`{"level":"bogus"}`)); err == nil {
		t.Error("expected an error for an unrecognized level")
	}
}

func TestLoggingHandlerEmitsNotificationsMessage(t *testing.T) {
	cs, ss := newHandshakedPair(t, func(s *Server) { s.caps.Add(CapLogging) }, nil)

	got := make(chan mcpLogParams, 1)
	cs.engine.SetNotificationHandler("notifications/message", func(ctx context.Context, method string, params json.RawMessage) {
		var p mcpLogParams
		if err := json.Unmarshal(params, &p); err != nil {
			t.Errorf("unmarshal notifications/message params: %v", err)
			return
		}
		got <- p
	})

	h := NewLoggingHandler(ss, slog.LevelInfo)
	logger := slog.New(h)
	logger.Info("hello", "key", "value")

	select {
	case p := <-got:
		if p.Level != "info" {
			t.Errorf("level = %q, want %q", p.Level, "info")
		}
		if p.Data["message"] != "hello" {
			t.Errorf("data.message = %v, want %q", p.Data["message"], "hello")
		}
		if p.Data["key"] != "value" {
			t.Errorf("data.key = %v, want %q", p.Data["key"], "value")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notifications/message")
	}
}

func TestLoggingHandlerWithAttrsIsIndependent(t *testing.T) {
	_, ss := newHandshakedPair(t, func(s *Server) { s.caps.Add(CapLogging) }, nil)
	base := NewLoggingHandler(ss, slog.LevelInfo)
	withAttrs := base.WithAttrs([]slog.Attr{slog.String("component", "test")}).(*LoggingHandler)

	if len(base.attrs) != 0 {
		t.Error("WithAttrs mutated the base handler's attrs")
	}
	if len(withAttrs.attrs) != 1 {
		t.Fatalf("got %d attrs, want 1", len(withAttrs.attrs))
	}
}
