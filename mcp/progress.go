package mcp

import (
	"context"

	"github.com/mcpkit/corekit/internal/jsonrpc"
)

// ProgressToken correlates notifications/progress messages with the request
// they report on. It shares ID's string-or-number wire representation: a
// token minted as a number must never come back as a string.
type ProgressToken = jsonrpc.ID

// ProgressNotification is one notifications/progress message, either sent by
// this side or received from the peer.
type ProgressNotification struct {
	Token    ProgressToken
	Progress float64
	Total    *float64
	Message  string
}

// progressEmitterKey is the context key under which the engine stashes the
// emitter for the request currently being handled.
type progressEmitterKey struct{}

// progressEmitter lets a request handler report progress without having to
// thread the progress token through its own signature.
type progressEmitter struct {
	engine *Engine
	token  ProgressToken
}

func withProgressEmitter(ctx context.Context, e *Engine, token ProgressToken) context.Context {
	return context.WithValue(ctx, progressEmitterKey{}, &progressEmitter{engine: e, token: token})
}

// ProgressFromContext returns the progress emitter for the inbound request
// being handled by ctx, or nil if ctx was not derived from a handler
// invocation (or the caller attached no progress token).
func ProgressFromContext(ctx context.Context) *ProgressReporter {
	v, _ := ctx.Value(progressEmitterKey{}).(*progressEmitter)
	if v == nil || !v.token.IsValid() {
		return nil
	}
	return &ProgressReporter{emitter: v}
}

// ProgressReporter emits notifications/progress messages for one in-flight
// request.
type ProgressReporter struct {
	emitter *progressEmitter
}

// Report sends one progress update. A nil receiver (no progress token was
// attached to the request) makes this a no-op, so handlers can call it
// unconditionally.
func (r *ProgressReporter) Report(ctx context.Context, progress float64, total *float64, message string) error {
	if r == nil {
		return nil
	}
	return r.emitter.engine.sendProgress(ctx, r.emitter.token, progress, total, message)
}
