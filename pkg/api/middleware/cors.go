package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/sagaflow/sagaflow/config"
)

// CORS returns a middleware applying the configured CORS policy. Header
// values that never change per request are joined once up front.
func CORS(cfg *config.CORSConfig) func(http.Handler) http.Handler {
	allowedMethods := strings.Join(cfg.AllowedMethods, ", ")
	allowedHeaders := strings.Join(cfg.AllowedHeaders, ", ")
	maxAge := ""
	if cfg.MaxAge > 0 {
		maxAge = strconv.Itoa(cfg.MaxAge)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			headers := w.Header()
			if origin := r.Header.Get("Origin"); origin != "" && isOriginAllowed(origin, cfg.AllowedOrigins) {
				headers.Set("Access-Control-Allow-Origin", origin)
			}
			if allowedMethods != "" {
				headers.Set("Access-Control-Allow-Methods", allowedMethods)
			}
			if allowedHeaders != "" {
				headers.Set("Access-Control-Allow-Headers", allowedHeaders)
			}
			if cfg.AllowCredentials {
				headers.Set("Access-Control-Allow-Credentials", "true")
			}
			if maxAge != "" {
				headers.Set("Access-Control-Max-Age", maxAge)
			}

			// Preflight requests end here
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isOriginAllowed(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
