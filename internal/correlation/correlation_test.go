package correlation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	if got, ok := Normalize("  cn3k2m7ag9p1  "); !ok || got != "cn3k2m7ag9p1" {
		t.Fatalf("expected trimmed id, got %q ok=%v", got, ok)
	}
	for _, bad := range []string{"", "has space", "bad\x01", strings.Repeat("a", MaxIDLength+1)} {
		if _, ok := Normalize(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestSetAndGet(t *testing.T) {
	ctx := context.Background()
	if Has(ctx) {
		t.Fatalf("expected empty context")
	}
	if Has(Set(ctx, "")) {
		t.Fatalf("invalid id must be ignored")
	}
	ctx = Set(ctx, "attempt-1")
	if got := ID(ctx); got != "attempt-1" {
		t.Fatalf("expected attempt-1, got %q", got)
	}
}

func TestGenerateIsValid(t *testing.T) {
	a, b := Generate(), Generate()
	if a == b {
		t.Fatalf("expected distinct ids")
	}
	if _, ok := Normalize(a); !ok {
		t.Fatalf("generated id %q rejected", a)
	}
}

func TestInjectAndMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/rename/message", nil)
	Inject(Set(context.Background(), "attempt-7"), req)
	if req.Header.Get(Header) != "attempt-7" {
		t.Fatalf("header not injected")
	}
	var seen string
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ID(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "attempt-7" {
		t.Fatalf("middleware did not propagate id, got %q", seen)
	}
}
