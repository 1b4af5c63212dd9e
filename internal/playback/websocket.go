package playback

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/reflect-labs/internal/identity"
	"github.com/ashureev/reflect-labs/internal/session"
	"github.com/coder/websocket"
)

const readLimit = 64 << 10

// Store is the persistence the WebSocket handler needs.
type Store interface {
	CheckpointSource
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// WebSocketHandler serves the playback channel of a host page.
type WebSocketHandler struct {
	repo          Store
	registry      *Registry
	collab        session.Collaborators
	cfg           Config
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(repo Store, registry *Registry, collab session.Collaborators, cfg Config, allowedOrigin string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		repo:          repo,
		registry:      registry,
		collab:        collab,
		cfg:           cfg,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade. An optional
// chapter_id query parameter loads that chapter immediately.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	tabID := identity.SessionIDFromContext(r.Context())
	h.logger.Info("[PLAYBACK] WebSocket connection request", "user_id", userID, "tab_id", tabID, "ip", r.RemoteAddr)

	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("[PLAYBACK] Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "playback ended"); closeErr != nil {
			h.logger.Debug("[PLAYBACK] Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()
	ws.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	p := New(ws, userID, tabID, h.repo, h.collab, h.cfg, h.logger)
	h.registry.Register(p)
	defer func() {
		h.registry.Unregister(p)
		p.Close()
	}()

	go h.touch(userID)

	if chapterID := r.URL.Query().Get("chapter_id"); chapterID != "" {
		if err := p.Load(ctx, chapterID); err != nil {
			h.logger.Warn("[PLAYBACK] Failed to load chapter", "chapter_id", chapterID, "error", err)
			p.sendError(err)
		}
	}

	h.readLoop(ctx, ws, p)
	h.logger.Info("[PLAYBACK] Playback session ended", "user_id", userID, "tab_id", tabID)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, p *Playback) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("[PLAYBACK] WebSocket closed by client", "user_id", p.userID)
			} else if ctx.Err() == nil {
				h.logger.Warn("[PLAYBACK] WebSocket read error", "error", err, "user_id", p.userID)
			}
			return
		}
		p.Handle(message)
	}
}

func (h *WebSocketHandler) touch(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.repo.UpdateLastSeen(ctx, userID, time.Now()); err != nil {
		h.logger.Debug("[PLAYBACK] Failed to update last seen", "error", err, "user_id", userID)
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("[PLAYBACK] WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
