package loggingutil

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestEnsureLogger(t *testing.T) {
	if EnsureLogger(nil) == nil {
		t.Fatalf("expected noop logger")
	}
	var buf bytes.Buffer
	logger := Buffer(&buf, pslog.DebugLevel)
	EnsureLogger(logger).Info("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("expected passthrough logger, got %q", buf.String())
	}
}

func TestFromContextPrefersContextLogger(t *testing.T) {
	var ctxBuf, fallbackBuf bytes.Buffer
	ctx := pslog.ContextWithLogger(context.Background(), Buffer(&ctxBuf, pslog.DebugLevel))
	FromContext(ctx, Buffer(&fallbackBuf, pslog.DebugLevel)).Info("from.ctx")
	if !strings.Contains(ctxBuf.String(), "from.ctx") || fallbackBuf.Len() != 0 {
		t.Fatalf("context logger not preferred: ctx=%q fallback=%q", ctxBuf.String(), fallbackBuf.String())
	}
	FromContext(context.Background(), Buffer(&fallbackBuf, pslog.DebugLevel)).Info("fallback")
	if !strings.Contains(fallbackBuf.String(), "fallback") {
		t.Fatalf("fallback logger not used")
	}
}

func TestAttached(t *testing.T) {
	if _, ok := Attached(context.Background()); ok {
		t.Fatalf("bare context must not report a logger")
	}
	if _, ok := Attached(nil); ok { //nolint:staticcheck
		t.Fatalf("nil context must not report a logger")
	}
	var buf bytes.Buffer
	ctx := pslog.ContextWithLogger(context.Background(), Buffer(&buf, pslog.DebugLevel))
	logger, ok := Attached(ctx)
	if !ok {
		t.Fatalf("expected attached logger")
	}
	logger.Info("attached")
	if !strings.Contains(buf.String(), "attached") {
		t.Fatalf("attached logger not returned: %q", buf.String())
	}
}
