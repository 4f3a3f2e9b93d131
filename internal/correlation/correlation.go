// Package correlation carries the rename attempt identifier across logs,
// spans and HTTP hops.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/xid"

	"pkt.systems/pslog"
)

// Header is the HTTP header used to propagate the identifier.
const Header = "X-Keyrename-Attempt"

// MaxIDLength bounds accepted identifiers.
const MaxIDLength = 64

type contextKey struct{}

// Set returns ctx carrying id. Invalid identifiers leave ctx unchanged.
func Set(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the identifier stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries an identifier.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Normalize validates an external identifier: printable ASCII, no spaces,
// bounded length.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r <= 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new sortable identifier.
func Generate() string {
	return xid.New().String()
}

// Logger returns logger annotated with the identifier on ctx.
func Logger(ctx context.Context, logger pslog.Logger) pslog.Logger {
	if id := ID(ctx); id != "" && logger != nil {
		return logger.With("attempt", id)
	}
	return logger
}

// Inject copies the identifier on ctx into req.
func Inject(ctx context.Context, req *http.Request) {
	if id := ID(ctx); id != "" {
		req.Header.Set(Header, id)
	}
}

// Middleware lifts the header into the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := Normalize(r.Header.Get(Header)); ok {
			r = r.WithContext(Set(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
