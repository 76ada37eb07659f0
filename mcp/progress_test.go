package mcp

import (
	"context"
	"testing"
)

func TestProgressFromContextNilWhenAbsent(t *testing.T) {
	if r := ProgressFromContext(context.Background()); r != nil {
		t.Errorf("got %v, want nil for a context with no progress emitter", r)
	}
}

func TestProgressFromContextNilWhenTokenInvalid(t *testing.T) {
	ctx := withProgressEmitter(context.Background(), nil, ProgressToken{})
	if r := ProgressFromContext(ctx); r != nil {
		t.Errorf("got %v, want nil when the attached token is invalid", r)
	}
}

func TestNilProgressReporterReportIsNoOp(t *testing.T) {
	var r *ProgressReporter
	if err := r.Report(context.Background(), 1, nil, "x"); err != nil {
		t.Errorf("Report on a nil *ProgressReporter should be a no-op, got %v", err)
	}
}
