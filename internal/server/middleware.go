package server

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"

	"codeask/internal/auth"
	"codeask/internal/errors"
	"codeask/internal/logging"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const requestIDKey contextKey = "requestID"

// GetRequestID returns the request ID from context, or empty string
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestIDMiddleware adds a unique request ID to each request
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.New().String()
			}
			ctx := context.WithValue(r.Context(), requestIDKey, reqID)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggingMiddleware logs HTTP requests and responses
func LoggingMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info("HTTP request", map[string]interface{}{
				"method":    r.Method,
				"path":      r.URL.Path,
				"status":    wrapped.statusCode,
				"duration":  time.Since(start).String(),
				"requestID": GetRequestID(r.Context()),
			})
		})
	}
}

// RecoveryMiddleware recovers from panics and logs them
func RecoveryMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("Panic recovered", map[string]interface{}{
						"error":     fmt.Sprintf("%v", err),
						"stack":     string(debug.Stack()),
						"requestID": GetRequestID(r.Context()),
					})
					writeError(w, errors.Newf(errors.InternalError, "internal server error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// AuthMiddleware enforces the X-API-Key header and per-caller rate limits.
// The health endpoint stays open for probes.
func AuthMiddleware(mgr *auth.Manager, logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || !mgr.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("X-API-Key")
			if !mgr.Authenticate(key) {
				logger.Warn("Unauthorized request", map[string]interface{}{
					"path":      r.URL.Path,
					"requestID": GetRequestID(r.Context()),
				})
				writeStatusError(w, http.StatusUnauthorized, "invalid or missing API key")
				return
			}

			if ok, retryAfter := mgr.Allow(key); !ok {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeStatusError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
