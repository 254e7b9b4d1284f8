// Package middleware provides the HTTP middleware stack: correlation IDs,
// structured request logging, panic recovery, and provider identity
// extraction. Authentication itself is owned by the identity service; the
// core only consumes the identity headers it forwards.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
)

type contextKey string

const (
	CorrelationIDKey contextKey = "correlation_id"
	ProviderIDKey    contextKey = "provider_id"
	AdminKey         contextKey = "is_admin"
)

// GetCorrelationID retrieves the correlation ID from context.
func GetCorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return v
	}
	return ""
}

// GetProviderID retrieves the authenticated provider ID from context.
func GetProviderID(ctx context.Context) string {
	if v, ok := ctx.Value(ProviderIDKey).(string); ok {
		return v
	}
	return ""
}

// IsAdmin reports whether the request carries admin identity.
func IsAdmin(ctx context.Context) bool {
	v, ok := ctx.Value(AdminKey).(bool)
	return ok && v
}

// CorrelationID attaches a correlation ID to each request.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = ulid.Make().String()
		}

		ctx := context.WithValue(r.Context(), CorrelationIDKey, correlationID)
		w.Header().Set("X-Correlation-ID", correlationID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logger logs each completed request with structured fields.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info("request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
					"correlation_id", GetCorrelationID(r.Context()),
					"provider_id", GetProviderID(r.Context()),
					"remote_addr", r.RemoteAddr,
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// Recoverer recovers from panics, logs them, and returns a 500 envelope.
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						"panic", rec,
						"stack", string(debug.Stack()),
						"path", r.URL.Path,
						"method", r.Method,
						"correlation_id", GetCorrelationID(r.Context()),
					)

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]interface{}{
						"success": false,
						"message": "an unexpected error occurred",
						"error":   "internal",
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// ProviderExtractor lifts the upstream-authenticated provider identity from
// the X-Provider-ID header into context.
func ProviderExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if providerID := r.Header.Get("X-Provider-ID"); providerID != "" {
			ctx := context.WithValue(r.Context(), ProviderIDKey, providerID)
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

// RequireProvider rejects requests without a provider identity.
func RequireProvider(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetProviderID(r.Context()) == "" {
			writeError(w, http.StatusForbidden, "forbidden", "provider identity required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AdminOnly gates admin routes on a shared admin token header.
func AdminOnly(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || r.Header.Get("X-Admin-Token") != token {
				writeError(w, http.StatusForbidden, "forbidden", "admin access required")
				return
			}
			ctx := context.WithValue(r.Context(), AdminKey, true)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"message": message,
		"error":   code,
	})
}
