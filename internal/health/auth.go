package health

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequireToken wraps next so every request must carry
// "Authorization: Bearer <token>". An empty token disables the check.
func RequireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !tokenMatch(bearerToken(r.Header.Get("Authorization")), token) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="wsbench"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// tokenMatch compares in constant time.
func tokenMatch(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
