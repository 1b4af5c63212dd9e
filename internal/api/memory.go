package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/reflect-labs/internal/identity"
	"github.com/go-chi/chi/v5"
)

// MemoryHandler exposes the caller's identity and learning memory.
type MemoryHandler struct {
	*Handler
}

// NewMemoryHandler creates a new memory handler.
func NewMemoryHandler(base *Handler) *MemoryHandler {
	return &MemoryHandler{Handler: base}
}

// RegisterRoutes registers memory routes.
func (h *MemoryHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/me", h.GetMe)
	r.Get("/api/memory", h.GetMemory)
}

type topicMemoryResponse struct {
	Topic        string    `json:"topic"`
	Attempts     int       `json:"attempts"`
	CorrectCount int       `json:"correct_count"`
	LastCorrect  bool      `json:"last_correct"`
	Accuracy     float64   `json:"accuracy"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// GetMe returns the current user's information.
func (h *MemoryHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  user.UserID,
		"username": user.Username,
		"tab_id":   identity.SessionIDFromContext(r.Context()),
	})
}

// GetMemory returns the caller's per-topic aggregates.
func (h *MemoryHandler) GetMemory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	topics, err := h.repo.ListTopicMemory(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list topic memory", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load memory")
		return
	}

	out := make([]topicMemoryResponse, 0, len(topics))
	for _, m := range topics {
		out = append(out, topicMemoryResponse{
			Topic:        m.Topic,
			Attempts:     m.Attempts,
			CorrectCount: m.CorrectCount,
			LastCorrect:  m.LastCorrect,
			Accuracy:     m.Accuracy(),
			UpdatedAt:    m.UpdatedAt,
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"topics": out})
}
