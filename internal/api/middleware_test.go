package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/journalsync/internal/auth"
)

const testSecret = "test-secret-key-12345"

// mockHandler is a simple handler that records if it was called
func mockHandler() (http.Handler, *bool) {
	called := false
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}), &called
}

func testToken(t *testing.T, user, device string) string {
	t.Helper()
	token, err := auth.NewJWTAuth(testSecret).GenerateToken(user, device, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken error = %v", err)
	}
	return token
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	var got Identity
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	mw := AuthMiddleware(auth.NewJWTAuth(testSecret))(handler)

	req := httptest.NewRequest(http.MethodGet, "/sync/full", nil)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "user-1", "device-1"))
	w := httptest.NewRecorder()
	mw.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got.UserID != "user-1" || got.DeviceID != "device-1" {
		t.Errorf("identity = %+v, want user-1/device-1", got)
	}
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	otherKey, err := auth.NewJWTAuth("another-secret").GenerateToken("u", "d", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"no bearer prefix", testToken(t, "u", "d")},
		{"empty token", "Bearer "},
		{"whitespace token", "Bearer    "},
		{"garbage", "Bearer not-a-jwt"},
		{"wrong key", "Bearer " + otherKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, called := mockHandler()
			mw := AuthMiddleware(auth.NewJWTAuth(testSecret))(handler)

			req := httptest.NewRequest(http.MethodPost, "/sync/push", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			mw.ServeHTTP(w, req)

			if *called {
				t.Error("handler should not be called")
			}
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestAuthMiddleware_ResponseFormat_RFC7807(t *testing.T) {
	handler, _ := mockHandler()
	mw := AuthMiddleware(auth.NewJWTAuth(testSecret))(handler)

	req := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	w := httptest.NewRecorder()
	mw.ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %v, want application/problem+json", ct)
	}
	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal response as RFC 7807: %v", err)
	}
	if p.Type != "https://journalsync.dev/errors/unauthorized" {
		t.Errorf("type = %v", p.Type)
	}
	if p.Status != http.StatusUnauthorized || p.Instance != "/sync/pull" {
		t.Errorf("problem = %+v", p)
	}
}

func TestAuthMiddleware_NoTokenLeak(t *testing.T) {
	var logBuf bytes.Buffer
	oldLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logBuf, nil)))
	defer slog.SetDefault(oldLogger)

	token := testToken(t, "u", "d") + "tampered"
	handler, _ := mockHandler()
	mw := LoggingMiddleware(AuthMiddleware(auth.NewJWTAuth(testSecret))(handler))

	req := httptest.NewRequest(http.MethodGet, "/sync/full", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	mw.ServeHTTP(w, req)

	out := logBuf.String() + w.Body.String()
	if strings.Contains(out, token) {
		t.Error("token leaked into logs or response")
	}
	if strings.Contains(out, testSecret) {
		t.Error("secret leaked into logs or response")
	}
	if !strings.Contains(logBuf.String(), "auth failure") {
		t.Error("expected auth failure to be logged")
	}
}

func TestLoggingMiddleware_RecordsStatus(t *testing.T) {
	var logBuf bytes.Buffer
	oldLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logBuf, nil)))
	defer slog.SetDefault(oldLogger)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	LoggingMiddleware(inner).ServeHTTP(httptest.NewRecorder(), req)

	out := logBuf.String()
	for _, want := range []string{"msg=request", "status=418", "path=/health", "duration_ms="} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestRecoveryMiddleware_Panic(t *testing.T) {
	var logBuf bytes.Buffer
	oldLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logBuf, nil)))
	defer slog.SetDefault(oldLogger)

	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("secret internal detail")
	})
	req := httptest.NewRequest(http.MethodGet, "/sync/full", nil)
	w := httptest.NewRecorder()
	RecoveryMiddleware(panicky).ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "secret internal detail") {
		t.Error("panic detail exposed to client")
	}
	if !strings.Contains(logBuf.String(), "panic recovered") {
		t.Error("panic not logged")
	}
}

func TestRecoveryMiddleware_NoPanic(t *testing.T) {
	handler, called := mockHandler()
	w := httptest.NewRecorder()
	RecoveryMiddleware(handler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if !*called || w.Code != http.StatusOK {
		t.Errorf("called = %v status = %d", *called, w.Code)
	}
}
