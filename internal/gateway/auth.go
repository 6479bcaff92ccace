package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ExtractAPIKey extracts an API key from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header, and the
// api_key query param (useful for SSE clients where headers are difficult).
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// authMiddleware enforces the bearer token on every endpoint except the
// health check. Disabled auth passes everything through.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if !s.cfg.AuthEnabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AuthToken)) != 1 {
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
