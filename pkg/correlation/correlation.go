// Package correlation assigns and threads correlation IDs through a request.
package correlation

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Header is the inbound/outbound HTTP header carrying the correlation ID.
const Header = "X-Correlation-Id"

type ctxKey struct{}

// FromRequest returns the inbound correlation ID if present, or mints a new
// one. Either way the returned ID is also stashed in the request's context.
func FromRequest(r *http.Request) (string, *http.Request) {
	id := r.Header.Get(Header)
	if id == "" {
		id = uuid.NewString()
	}
	ctx := context.WithValue(r.Context(), ctxKey{}, id)
	return id, r.WithContext(ctx)
}

// FromContext retrieves a previously stashed correlation ID, if any.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}
