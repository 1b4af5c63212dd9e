package playback

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/ashureev/reflect-labs/internal/metrics"
	"github.com/coder/websocket"
)

// ErrNotConnected is returned when a user has no playback on a tab.
var ErrNotConnected = errors.New("playback not connected")

// Registry tracks connected playbacks by user and tab.
type Registry struct {
	mu     sync.RWMutex
	active map[string]map[string]*Playback
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]map[string]*Playback),
	}
}

// Get returns the playback for a user and tab, or nil.
func (r *Registry) Get(userID, tabID string) *Playback {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tabs, ok := r.active[userID]; ok {
		return tabs[tabID]
	}
	return nil
}

// Register adds a playback. A playback already registered for the same tab
// is closed and replaced.
func (r *Registry) Register(p *Playback) {
	r.mu.Lock()
	if _, exists := r.active[p.userID]; !exists {
		r.active[p.userID] = make(map[string]*Playback)
	}
	existing := r.active[p.userID][p.tabID]
	r.active[p.userID][p.tabID] = p
	r.mu.Unlock()

	if existing != nil && existing != p {
		existing.Close()
		if c, ok := existing.player.conn.(interface {
			Close(websocket.StatusCode, string) error
		}); ok {
			go func() { _ = c.Close(websocket.StatusNormalClosure, "playback replaced") }()
		}
		slog.Info("[PLAYBACK] Playback replaced", "user_id", p.userID, "tab_id", p.tabID)
	} else {
		metrics.IncActivePlaybacks()
	}
	slog.Info("[PLAYBACK] Playback registered", "user_id", p.userID, "tab_id", p.tabID)
}

// Unregister removes p if it is still the registered playback for its tab.
func (r *Registry) Unregister(p *Playback) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tabs, ok := r.active[p.userID]
	if !ok {
		return
	}
	if current, exists := tabs[p.tabID]; exists && current == p {
		delete(tabs, p.tabID)
		if len(tabs) == 0 {
			delete(r.active, p.userID)
		}
		metrics.DecActivePlaybacks()
		slog.Info("[PLAYBACK] Playback unregistered", "user_id", p.userID, "tab_id", p.tabID)
	}
}

// Trigger opens a manual checkpoint on a connected tab.
func (r *Registry) Trigger(userID, tabID, topic string) (bool, error) {
	p := r.Get(userID, tabID)
	if p == nil {
		return false, ErrNotConnected
	}
	return p.Trigger(topic)
}

// Count returns the number of connected playbacks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, tabs := range r.active {
		n += len(tabs)
	}
	return n
}

// CloseAll closes every playback, e.g. on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	var all []*Playback
	for userID, tabs := range r.active {
		for _, p := range tabs {
			all = append(all, p)
			metrics.DecActivePlaybacks()
		}
		delete(r.active, userID)
	}
	r.mu.Unlock()

	for _, p := range all {
		p.Close()
	}
}
