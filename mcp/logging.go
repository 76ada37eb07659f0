package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mcpkit/corekit/internal/jsonrpc"
)

// LoggingHandler is an slog.Handler that forwards records as
// "notifications/message" notifications instead of writing text, the way
// spec.md's logging capability exposes server-side application logs to a
// client. Attach it as the Handler of an *slog.Logger used by application
// code; it is independent of ConnectionOptions.Logger, which logs wire
// traffic, not application events.
type LoggingHandler struct {
	session *ServerSession
	logger  string

	mu       sync.Mutex
	minLevel slog.Level
	attrs    []slog.Attr
}

// NewLoggingHandler returns a handler that forwards to ss, starting at
// minLevel. Register its SetLevelHandler as the "logging/setLevel" handler
// on ss if the client should be able to raise or lower the level remotely.
func NewLoggingHandler(ss *ServerSession, minLevel slog.Level) *LoggingHandler {
	return &LoggingHandler{session: ss, minLevel: minLevel}
}

func (h *LoggingHandler) Enabled(_ context.Context, level slog.Level) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return level >= h.minLevel
}

// SetLevel changes the minimum level forwarded, in response to a
// logging/setLevel request.
func (h *LoggingHandler) SetLevel(level slog.Level) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.minLevel = level
}

// SetLevelHandler is a RequestHandlerFunc implementing "logging/setLevel":
// it parses {"level": "..."} and calls SetLevel.
func (h *LoggingHandler) SetLevelHandler(ctx context.Context, method string, params json.RawMessage) (any, error) {
	var p struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid setLevel params", nil)
	}
	level, ok := parseMcpLevel(p.Level)
	if !ok {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "unknown level: "+p.Level, nil)
	}
	h.SetLevel(level)
	return struct{}{}, nil
}

func (h *LoggingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	attrs := append([]slog.Attr(nil), h.attrs...)
	h.mu.Unlock()

	data := make(map[string]any, r.NumAttrs()+len(attrs))
	for _, a := range attrs {
		data[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Any()
		return true
	})
	data["message"] = r.Message

	params := mcpLogParams{Level: mcpLogLevel(r.Level), Logger: h.logger, Data: data}
	return h.session.Notify(ctx, "notifications/message", params)
}

func (h *LoggingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := &LoggingHandler{session: h.session, logger: h.logger, minLevel: h.minLevel}
	out.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return out
}

func (h *LoggingHandler) WithGroup(name string) slog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := &LoggingHandler{session: h.session, logger: name, minLevel: h.minLevel, attrs: h.attrs}
	return out
}

type mcpLogParams struct {
	Level  string         `json:"level"`
	Logger string         `json:"logger,omitempty"`
	Data   map[string]any `json:"data"`
}

func mcpLogLevel(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warning"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

func parseMcpLevel(s string) (slog.Level, bool) {
	switch s {
	case "debug":
		return slog.LevelDebug, true
	case "info", "notice":
		return slog.LevelInfo, true
	case "warning":
		return slog.LevelWarn, true
	case "error", "critical", "alert", "emergency":
		return slog.LevelError, true
	default:
		return 0, false
	}
}
