package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/martinsuchenak/sweepd/internal/log"
)

// SecurityHeadersMiddleware adds security headers to responses
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware enforces the source allow-list and the API key on
// /api/ routes. An empty allowedSource admits any source; an empty key
// disables key checks. Health checks are never authenticated.
func AuthMiddleware(key, allowedSource string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		src := requestSource(r)
		if allowedSource != "" && src != allowedSource {
			log.Warn("Blocked request from disallowed source", "source", src, "path", r.URL.Path)
			writeAuthError(w, http.StatusForbidden, "forbidden")
			return
		}

		if key != "" {
			got := r.Header.Get("X-API-KEY")
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				log.Warn("Invalid API key", "source", src, "path", r.URL.Path)
				writeAuthError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// requestSource is the first X-Forwarded-For hop when present,
// otherwise the peer address without port.
func requestSource(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
