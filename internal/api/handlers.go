package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	jsync "github.com/hyperengineering/journalsync/internal/sync"
)

// SyncStore is the server-side record store. *store.ServerStore
// implements it.
type SyncStore interface {
	ApplyPush(ctx context.Context, userID, sourceID string, records []jsync.PushRecord) (*jsync.PushResponse, error)
	Pull(ctx context.Context, userID string, since time.Time) (*jsync.PullResponse, error)
	FullSnapshot(ctx context.Context, userID string) (*jsync.FullDownloadResponse, error)
	Ping(ctx context.Context) error
}

// Handler implements the API handlers
type Handler struct {
	store   SyncStore
	tokens  TokenValidator
	version string
}

// NewHandler creates a new Handler.
func NewHandler(s SyncStore, tokens TokenValidator, version string) *Handler {
	return &Handler{
		store:   s,
		tokens:  tokens,
		version: version,
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Health returns the health status. It needs no credentials.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "component", "api", "action", "health", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Version: h.version})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
