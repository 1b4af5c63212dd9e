package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/reflect-labs/internal/checkpoint"
	"github.com/ashureev/reflect-labs/internal/identity"
	"github.com/ashureev/reflect-labs/internal/playback"
	"github.com/go-chi/chi/v5"
)

// Triggerer opens manual checkpoints on connected tabs.
type Triggerer interface {
	Trigger(userID, tabID, topic string) (bool, error)
}

// PlaybackHandler exposes operator controls for connected playbacks.
type PlaybackHandler struct {
	playbacks Triggerer
}

// NewPlaybackHandler creates a new playback handler.
func NewPlaybackHandler(playbacks Triggerer) *PlaybackHandler {
	return &PlaybackHandler{playbacks: playbacks}
}

// RegisterRoutes registers playback routes.
func (h *PlaybackHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/playback/trigger", h.Trigger)
}

type triggerRequest struct {
	Topic string `json:"topic"`
}

// Trigger opens a manual checkpoint on the caller's tab. A request made
// while a session is already open reports opened=false.
func (h *PlaybackHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	tabID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req triggerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	opened, err := h.playbacks.Trigger(userID, tabID, req.Topic)
	switch {
	case errors.Is(err, playback.ErrNotConnected), errors.Is(err, checkpoint.ErrClosed):
		Error(w, http.StatusNotFound, "playback_not_connected")
		return
	case err != nil:
		slog.Warn("Manual trigger failed", "error", err, "user_id", userID, "tab_id", tabID)
		Error(w, http.StatusBadGateway, err.Error())
		return
	}

	slog.Info("Manual trigger requested", "user_id", userID, "tab_id", tabID, "opened", opened)
	JSON(w, http.StatusOK, map[string]interface{}{"opened": opened})
}
