//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/reflect-labs/internal/config"
	"github.com/ashureev/reflect-labs/internal/domain"
	"github.com/ashureev/reflect-labs/internal/identity"
	"github.com/ashureev/reflect-labs/internal/playback"
	"github.com/ashureev/reflect-labs/internal/store"
	"github.com/go-chi/chi/v5"
)

const testUser = "anon_0123456789abcdef0123456789abcdef"

type fakeTriggerer struct {
	opened bool
	err    error
	got    [3]string
}

func (f *fakeTriggerer) Trigger(userID, tabID, topic string) (bool, error) {
	f.got = [3]string{userID, tabID, topic}
	return f.opened, f.err
}

func newTestRouter(t *testing.T, trig Triggerer) (http.Handler, *store.SQLiteStore) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	base := NewHandler(repo)
	r := chi.NewRouter()
	r.Use(identity.Middleware(repo, true))
	NewChapterHandler(base).RegisterRoutes(r)
	NewMemoryHandler(base).RegisterRoutes(r)
	NewPlaybackHandler(trig).RegisterRoutes(r)
	NewConfigHandler(&config.Config{AgentAddr: "agent:50051"}).RegisterRoutes(r)
	NewHealthHandler(repo).RegisterHealth(r)
	return r, repo
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.AddCookie(&http.Cookie{Name: identity.AnonCookieName, Value: testUser})
	req.Header.Set(identity.SessionHeaderName, "tab-7")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestPutAndGetCheckpoints(t *testing.T) {
	h, _ := newTestRouter(t, &fakeTriggerer{})

	w := do(t, h, http.MethodGet, "/api/chapters/ch-1/checkpoints", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before configuration, got %d", w.Code)
	}

	body := `{"video_id":"vid-1","checkpoints":[{"time":90,"topic":"maps"},{"time":30,"topic":"slices"}]}`
	w = do(t, h, http.MethodPut, "/api/chapters/ch-1/checkpoints", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/api/chapters/ch-1/checkpoints", "")
	var got domain.ChapterCheckpoints
	decode(t, w, &got)
	if got.VideoID != "vid-1" || len(got.Checkpoints) != 2 {
		t.Fatalf("unexpected checkpoints %+v", got)
	}
	if got.Checkpoints[0].Time != 30 {
		t.Errorf("expected ascending order, got %+v", got.Checkpoints)
	}
}

func TestPutCheckpointsRejectsInvalid(t *testing.T) {
	h, _ := newTestRouter(t, &fakeTriggerer{})

	tests := []struct {
		name string
		body string
	}{
		{"negative time", `{"checkpoints":[{"time":-1,"topic":"x"}]}`},
		{"missing topic", `{"checkpoints":[{"time":5,"topic":" "}]}`},
		{"duplicate time", `{"checkpoints":[{"time":5,"topic":"a"},{"time":5,"topic":"b"}]}`},
		{"malformed", `{"checkpoints":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPut, "/api/chapters/ch-1/checkpoints", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestGetMemory(t *testing.T) {
	h, repo := newTestRouter(t, &fakeTriggerer{})

	ctx := context.Background()
	for i, correct := range []bool{false, true} {
		err := repo.RecordOutcome(ctx, domain.MemoryUpdate{
			ID:         "evt-" + string(rune('a'+i)),
			StudentID:  testUser,
			Topic:      "loops",
			Correct:    correct,
			Attempt:    i + 1,
			RecordedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("RecordOutcome failed: %v", err)
		}
	}

	w := do(t, h, http.MethodGet, "/api/memory", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got struct {
		Topics []topicMemoryResponse `json:"topics"`
	}
	decode(t, w, &got)
	if len(got.Topics) != 1 {
		t.Fatalf("expected one topic, got %+v", got.Topics)
	}
	m := got.Topics[0]
	if m.Attempts != 2 || m.CorrectCount != 1 || !m.LastCorrect || m.Accuracy != 0.5 {
		t.Errorf("unexpected aggregate %+v", m)
	}
}

func TestGetMe(t *testing.T) {
	h, _ := newTestRouter(t, &fakeTriggerer{})

	w := do(t, h, http.MethodGet, "/api/me", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got map[string]string
	decode(t, w, &got)
	if got["user_id"] != testUser || got["tab_id"] != "tab-7" {
		t.Errorf("unexpected identity %+v", got)
	}
}

func TestTriggerUsesCallerTab(t *testing.T) {
	trig := &fakeTriggerer{opened: true}
	h, _ := newTestRouter(t, trig)

	w := do(t, h, http.MethodPost, "/api/playback/trigger", `{"topic":"recap"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if trig.got != [3]string{testUser, "tab-7", "recap"} {
		t.Errorf("unexpected trigger target %v", trig.got)
	}
	var got map[string]bool
	decode(t, w, &got)
	if !got["opened"] {
		t.Error("expected opened=true")
	}
}

func TestTriggerErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not connected", playback.ErrNotConnected, http.StatusNotFound},
		{"pause failed", errors.New("pause player: broken pipe"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestRouter(t, &fakeTriggerer{err: tt.err})
			w := do(t, h, http.MethodPost, "/api/playback/trigger", "")
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestHealthAndConfig(t *testing.T) {
	h, _ := newTestRouter(t, &fakeTriggerer{})

	w := do(t, h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", w.Code)
	}

	w = do(t, h, http.MethodGet, "/api/config", "")
	var got map[string]interface{}
	decode(t, w, &got)
	if got["ai_enabled"] != true {
		t.Errorf("expected ai_enabled, got %+v", got)
	}
}
