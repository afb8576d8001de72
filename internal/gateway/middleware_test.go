package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDHeader(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()

	t.Run("generated when absent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Header().Get("X-Request-ID") == "" {
			t.Error("X-Request-ID missing from response")
		}
	})

	t.Run("echoed when supplied", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Request-ID", "req-123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if got := rec.Header().Get("X-Request-ID"); got != "req-123" {
			t.Errorf("X-Request-ID = %q, want req-123", got)
		}
	})
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestServer(t)
	rec := env.get(t, "/health")

	want := map[string]string{
		"Content-Security-Policy": "default-src 'self'; frame-ancestors 'none'",
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "strict-origin-when-cross-origin",
	}
	for header, value := range want {
		if got := rec.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
}

func TestCORSOriginPolicy(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()

	t.Run("configured origin echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "http://app.example")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://app.example" {
			t.Errorf("allow-origin = %q", got)
		}
	})

	t.Run("untrusted origin not reflected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "http://evil.example")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("allow-origin = %q, want empty", got)
		}
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/usage", nil)
		req.Header.Set("Origin", "http://app.example")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Max-Age"); got != "86400" {
			t.Errorf("max-age = %q", got)
		}
	})

	t.Run("wildcard in dev", func(t *testing.T) {
		devEnv := newTestServer(t)
		devEnv.cfg.CORSOrigin = "*"
		rec := devEnv.get(t, "/health")
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("allow-origin = %q, want *", got)
		}
	})
}

func TestBearerAuth(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + testSecret, http.StatusUnauthorized},
		{"valid token", "Bearer " + testSecret, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/usage", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestHealthAndMetricsUnauthenticated(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()

	for _, path := range []string{"/health", "/metrics"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200 without auth", path, rec.Code)
		}
	}
}

func TestRateLimitPerIP(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()

	var last *httptest.ResponseRecorder
	for i := 0; i < 61; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, req)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Errorf("61st request status = %d, want 429", last.Code)
	}
	if got := last.Header().Get("X-RateLimit-Limit"); got != "60" {
		t.Errorf("X-RateLimit-Limit = %q, want 60", got)
	}
	if last.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("X-RateLimit-Reset missing")
	}

	// A different IP has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "203.0.113.10:4000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("fresh IP status = %d, want 200", rec.Code)
	}
}

func TestTrustProxyForwardedFor(t *testing.T) {
	env := newTestServer(t)
	env.cfg.TrustProxy = true

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	if got := env.server.clientIP(req); got != "198.51.100.7" {
		t.Errorf("clientIP = %q, want first forwarded hop", got)
	}

	env.cfg.TrustProxy = false
	req.RemoteAddr = "192.0.2.44:5555"
	if got := env.server.clientIP(req); got != "192.0.2.44" {
		t.Errorf("clientIP = %q, want remote addr when proxy untrusted", got)
	}
}

func TestSecretsEqual(t *testing.T) {
	if !secretsEqual("abc", "abc") {
		t.Error("equal secrets rejected")
	}
	if secretsEqual("abc", "abd") || secretsEqual("abc", "abcd") {
		t.Error("unequal secrets accepted")
	}
}
