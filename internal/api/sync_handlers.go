package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	jsync "github.com/hyperengineering/journalsync/internal/sync"
	"github.com/hyperengineering/journalsync/internal/validation"
)

// SyncPush handles POST /sync/push. Records are applied in one
// transaction with optimistic concurrency; any version mismatch turns
// the response into a 409 carrying the same body shape.
func (h *Handler) SyncPush(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	id, err := IdentityFromContext(ctx)
	if err != nil {
		WriteProblem(w, r, http.StatusUnauthorized, "Missing identity")
		return
	}

	var req jsync.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	if errs := validation.ValidatePush(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Push contains invalid records", errs)
		return
	}

	resp, err := h.store.ApplyPush(ctx, id.UserID, id.DeviceID, req.Records)
	if err != nil {
		slog.Error("push failed",
			"component", "api",
			"action", "sync_push_failed",
			"user_id", id.UserID,
			"device_id", id.DeviceID,
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}

	status := http.StatusOK
	if resp.HasConflicts {
		status = http.StatusConflict
	}
	writeJSON(w, status, resp)

	slog.Info("push completed",
		"component", "api",
		"action", "sync_push",
		"user_id", id.UserID,
		"device_id", id.DeviceID,
		"records", len(req.Records),
		"conflicts", len(resp.Conflicts),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// SyncPull handles GET /sync/pull?since=<RFC 3339>.
func (h *Handler) SyncPull(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	id, err := IdentityFromContext(ctx)
	if err != nil {
		WriteProblem(w, r, http.StatusUnauthorized, "Missing identity")
		return
	}

	raw := r.URL.Query().Get("since")
	if raw == "" {
		WriteProblem(w, r, http.StatusBadRequest, "since query parameter is required")
		return
	}
	since, err := jsync.ParseSince(raw)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
		return
	}

	resp, err := h.store.Pull(ctx, id.UserID, since)
	if err != nil {
		slog.Error("pull failed",
			"component", "api",
			"action", "sync_pull_failed",
			"user_id", id.UserID,
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)

	slog.Debug("pull served",
		"component", "api",
		"action", "sync_pull",
		"user_id", id.UserID,
		"records", len(resp.Records),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// SyncFull handles GET /sync/full.
func (h *Handler) SyncFull(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	id, err := IdentityFromContext(ctx)
	if err != nil {
		WriteProblem(w, r, http.StatusUnauthorized, "Missing identity")
		return
	}

	resp, err := h.store.FullSnapshot(ctx, id.UserID)
	if err != nil {
		slog.Error("full download failed",
			"component", "api",
			"action", "sync_full_failed",
			"user_id", id.UserID,
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)

	slog.Info("full download served",
		"component", "api",
		"action", "sync_full",
		"user_id", id.UserID,
		"tables", len(resp.Tables),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
