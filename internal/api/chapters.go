package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/reflect-labs/internal/domain"
	"github.com/go-chi/chi/v5"
)

// ChapterHandler serves checkpoint configuration for chapters.
type ChapterHandler struct {
	*Handler
}

// NewChapterHandler creates a new chapter handler.
func NewChapterHandler(base *Handler) *ChapterHandler {
	return &ChapterHandler{Handler: base}
}

// RegisterRoutes registers chapter routes.
func (h *ChapterHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/chapters/{chapterID}/checkpoints", h.GetCheckpoints)
	r.Put("/api/chapters/{chapterID}/checkpoints", h.PutCheckpoints)
}

type checkpointsRequest struct {
	VideoID     string              `json:"video_id"`
	Checkpoints []domain.Checkpoint `json:"checkpoints"`
}

// GetCheckpoints returns the checkpoints configured for a chapter.
func (h *ChapterHandler) GetCheckpoints(w http.ResponseWriter, r *http.Request) {
	chapterID := chi.URLParam(r, "chapterID")
	cps, err := h.repo.GetChapterCheckpoints(r.Context(), chapterID)
	if err != nil {
		slog.Error("Failed to load checkpoints", "error", err, "chapter_id", chapterID)
		Error(w, http.StatusInternalServerError, "failed to load checkpoints")
		return
	}
	if cps == nil {
		Error(w, http.StatusNotFound, "chapter not found")
		return
	}
	JSON(w, http.StatusOK, cps)
}

// PutCheckpoints replaces the checkpoints of a chapter.
func (h *ChapterHandler) PutCheckpoints(w http.ResponseWriter, r *http.Request) {
	chapterID := chi.URLParam(r, "chapterID")

	var req checkpointsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	cps := &domain.ChapterCheckpoints{
		ChapterID:   chapterID,
		VideoID:     req.VideoID,
		Checkpoints: req.Checkpoints,
	}
	if err := h.repo.PutChapterCheckpoints(r.Context(), cps); err != nil {
		if errors.Is(err, domain.ErrInvalidCheckpoint) {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("Failed to store checkpoints", "error", err, "chapter_id", chapterID)
		Error(w, http.StatusInternalServerError, "failed to store checkpoints")
		return
	}

	stored, err := h.repo.GetChapterCheckpoints(r.Context(), chapterID)
	if err != nil || stored == nil {
		slog.Error("Failed to reload checkpoints", "error", err, "chapter_id", chapterID)
		Error(w, http.StatusInternalServerError, "failed to load checkpoints")
		return
	}
	slog.Info("Checkpoints updated", "chapter_id", chapterID, "count", len(stored.Checkpoints))
	JSON(w, http.StatusOK, stored)
}
