package handlers

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

type contextKey string

const credentialKey contextKey = "upstream_credential"

// RateLimiter counts requests per client within a fixed window
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, clientID string, limit int) (bool, int, error)
}

type Middleware struct {
	apiKey            string
	customCredentials bool
	limiter           RateLimiter
	limit             int
}

// NewMiddleware creates the gateway middleware. limiter may be nil, which disables rate limiting.
func NewMiddleware(apiKey string, customCredentials bool, limiter RateLimiter, limit int) *Middleware {
	return &Middleware{
		apiKey:            apiKey,
		customCredentials: customCredentials,
		limiter:           limiter,
		limit:             limit,
	}
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
}

// CredentialFromContext returns the caller supplied upstream credential, if any
func CredentialFromContext(ctx context.Context) string {
	credential, _ := ctx.Value(credentialKey).(string)
	return credential
}

// AuthMiddleware validates the bearer key. In custom-credential mode the bearer is the
// caller's own upstream sso value instead.
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing API key", "authentication_error")
			return
		}

		if m.customCredentials {
			credential := fmt.Sprintf("sso=%s;sso-rw=%s", token, token)
			ctx := context.WithValue(r.Context(), credentialKey, credential)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if token != m.apiKey {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "authentication_error")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AdminMiddleware guards the management routes with the static key in every mode
func (m *Middleware) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bearerToken(r) != m.apiKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitMiddleware enforces a per-client request budget per minute
func (m *Middleware) RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.limiter == nil || m.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientID := clientAddress(r)
		exceeded, remaining, err := m.limiter.CheckRateLimit(r.Context(), clientID, m.limit)
		if err != nil {
			log.WithError(err).Warn("Rate limit check failed, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", m.limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		if exceeded {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limit_error")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
