package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func authedMux(key, allowedSource string) http.Handler {
	handler, _, _ := setupTestHandler()
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return SecurityHeadersMiddleware(AuthMiddleware(key, allowedSource, mux))
}

func TestAuth_MissingKey(t *testing.T) {
	srv := authedMux("secret", "")

	req := httptest.NewRequest("GET", "/api/scans", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without key, got %d", w.Code)
	}
}

func TestAuth_WrongKey(t *testing.T) {
	srv := authedMux("secret", "")

	req := httptest.NewRequest("GET", "/api/scans", nil)
	req.Header.Set("X-API-KEY", "guess")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 with wrong key, got %d", w.Code)
	}
}

func TestAuth_ValidKey(t *testing.T) {
	srv := authedMux("secret", "")

	req := httptest.NewRequest("GET", "/api/scans", nil)
	req.Header.Set("X-API-KEY", "secret")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 with valid key, got %d", w.Code)
	}
}

func TestAuth_SourceAllowList(t *testing.T) {
	srv := authedMux("secret", "192.0.2.10")

	req := httptest.NewRequest("GET", "/api/scans", nil)
	req.Header.Set("X-API-KEY", "secret")
	req.RemoteAddr = "192.0.2.99:4321"
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403 for disallowed source, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/scans", nil)
	req.Header.Set("X-API-KEY", "secret")
	req.RemoteAddr = "192.0.2.10:4321"
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for allowed source, got %d", w.Code)
	}
}

func TestAuth_ForwardedForFirstHop(t *testing.T) {
	srv := authedMux("secret", "192.0.2.10")

	req := httptest.NewRequest("GET", "/api/scans", nil)
	req.Header.Set("X-API-KEY", "secret")
	req.Header.Set("X-Forwarded-For", "192.0.2.10, 203.0.113.1")
	req.RemoteAddr = "10.0.0.1:1234"
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for allowed forwarded source, got %d", w.Code)
	}
}

func TestAuth_HealthzSkipsAuth(t *testing.T) {
	srv := authedMux("secret", "192.0.2.10")

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected health check to bypass auth, got %d", w.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	srv := authedMux("", "")

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("Expected nosniff header, got %q", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("Expected DENY frame options, got %q", got)
	}
}
