package api

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/hyperengineering/journalsync/internal/auth"
)

// TokenValidator validates bearer tokens. *auth.JWTAuth implements it.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// AuthMiddleware validates the bearer JWT and stores the caller identity
// in the request context. Returns 401 RFC 7807 Problem Details on
// failure. Tokens are never logged.
func AuthMiddleware(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.BearerToken(r)
			if err == nil {
				var claims *auth.Claims
				if claims, err = v.ValidateToken(token); err == nil {
					ctx := WithIdentity(r.Context(), Identity{UserID: claims.UserID(), DeviceID: claims.DeviceID})
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			slog.Warn("auth failure",
				"component", "api",
				"path", r.URL.Path,
				"method", r.Method,
				"remote_ip", r.RemoteAddr,
				"error", err,
			)
			WriteProblem(w, r, http.StatusUnauthorized, "Missing or invalid bearer token")
		})
	}
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		slog.Info("request",
			"component", "api",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecoveryMiddleware catches panics and returns 500 Problem Details.
// Panic details are logged but never exposed to the client.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					panic(recovered)
				}
				slog.Error("panic recovered",
					"component", "api",
					"error", recovered,
					"stack", string(debug.Stack()),
					"path", r.URL.Path,
					"method", r.Method,
				)
				WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
