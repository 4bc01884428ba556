package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// requestIDKey is an unexported context key type; using a struct keeps it
// collision-free across packages.
type requestIDKey struct{}

const requestIDHeader = "X-Request-ID"

// RequestID returns a middleware that tags every request with an id. A
// client-supplied X-Request-ID is kept so ids correlate across services.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}

			w.Header().Set(requestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), requestIDKey{}, id),
			))
		})
	}
}

// GetRequestID extracts the request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
