package gateway

import (
	"bufio"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/klaus/internal/observability"
)

// withRequestID ensures every request carries a correlation id, in both the
// request context and the response header.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := observability.AddRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// instrument records per-request metrics, a trace span, and an access log
// line.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		if s.tracer != nil {
			spanCtx, span := s.tracer.TraceHTTPRequest(ctx, r.Method, r.URL.Path)
			defer span.End()
			ctx = spanCtx
		}
		next.ServeHTTP(rec, r.WithContext(ctx))

		duration := time.Since(start)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rec.status), duration.Seconds())
		}
		s.logger.Debug(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", duration.Milliseconds(),
		)
	})
}

// corsAndSecurityHeaders applies the hardening headers and the CORS policy.
// The allowed origin is configuration, never a reflection of the request.
func (s *Server) corsAndSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")

		origin := r.Header.Get("Origin")
		allowed := s.cfg.CORSOrigin
		if allowed == "*" {
			h.Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && origin == allowed {
			h.Set("Access-Control-Allow-Origin", allowed)
			h.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions && origin != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			h.Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit enforces the per-IP token bucket and stamps the X-RateLimit
// headers on every response.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := s.limiter.Check(s.clientIP(r))
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(status.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(status.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(status.Reset.Unix(), 10))

		if !status.Allowed {
			if s.metrics != nil {
				s.metrics.RecordRateLimitRejection("http")
			}
			writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth guards the /api surface with a constant-time bearer check.
// An empty configured secret disables auth for local development.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APISecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok || !secretsEqual(token, s.cfg.APISecret) {
			s.logger.Warn(r.Context(), "unauthorized request",
				"path", r.URL.Path,
				"remote", s.clientIP(r),
			)
			writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

// secretsEqual compares hashed values so the comparison is constant-time
// and does not leak the secret's length.
func secretsEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// clientIP extracts the caller's address, honouring X-Forwarded-For only
// when the deployment declares a trusted proxy in front.
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				fwd = fwd[:i]
			}
			return strings.TrimSpace(fwd)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder captures the response status for metrics and logging.
// Hijack passes through so the WebSocket upgrade still works behind the
// middleware chain.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
