package middleware

import (
	"net/http"
	"strings"
)

const (
	corsAllowedHeaders = "Authorization, Content-Type, X-Request-ID"
	corsAllowedMethods = "GET, POST, OPTIONS"
)

// CORS echoes allowlisted origins. "*" allows any origin; entries are
// compared without a trailing slash.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAny := false
	allow := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = normalizeOrigin(origin)
		switch origin {
		case "":
		case "*":
			allowAny = true
		default:
			allow[origin] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := normalizeOrigin(r.Header.Get("Origin"))
			_, listed := allow[origin]
			if origin != "" && (allowAny || listed) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
				h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
				h.Set("Access-Control-Max-Age", "600")
			}
			if r.Method == http.MethodOptions && origin != "" && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func normalizeOrigin(origin string) string {
	return strings.TrimRight(strings.TrimSpace(origin), "/")
}
