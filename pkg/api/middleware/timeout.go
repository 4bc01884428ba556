package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sagaflow/sagaflow/pkg/api/response"
)

// Timeout returns a middleware bounding request handling time. Websocket
// upgrade requests pass through untouched; their connections are long-lived
// by design and manage their own deadlines.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isUpgradeRequest(r) {
				next.ServeHTTP(w, r)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			go func() {
				defer close(done)
				next.ServeHTTP(w, r.WithContext(ctx))
			}()

			select {
			case <-done:
			case <-ctx.Done():
				requestID := GetRequestID(r.Context())
				if requestID == "" {
					requestID = "unknown"
				}
				response.Error(w,
					http.StatusGatewayTimeout,
					response.ErrCodeGatewayTimeout,
					"request timeout",
					requestID,
				)
			}
		})
	}
}

func isUpgradeRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
