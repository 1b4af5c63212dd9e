package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/reflect-labs/internal/domain"
)

type memUsers struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func (m *memUsers) GetUser(_ context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id], nil
}

func (m *memUsers) UpsertUser(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.users == nil {
		m.users = make(map[string]*domain.User)
	}
	m.users[u.UserID] = u
	return nil
}

func TestMiddlewareCreatesAnonymousUser(t *testing.T) {
	repo := &memUsers{}
	var gotUser, gotTab string
	h := Middleware(repo, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
		gotTab = SessionIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/ws/playback?tab_id=tab-1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if !isValidAnonID(gotUser) {
		t.Fatalf("expected generated anon id, got %q", gotUser)
	}
	if gotTab != "tab-1" {
		t.Errorf("expected tab-1, got %q", gotTab)
	}
	if u, _ := repo.GetUser(context.Background(), gotUser); u == nil || !strings.HasPrefix(u.Username, "anon-") {
		t.Errorf("expected stored user, got %+v", u)
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName || cookies[0].Value != gotUser {
		t.Errorf("expected identity cookie, got %+v", cookies)
	}
}

func TestMiddlewareReusesCookie(t *testing.T) {
	repo := &memUsers{}
	id := "anon_0123456789abcdef0123456789abcdef"
	var gotUser string
	h := Middleware(repo, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/memory", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: id})
	req.Header.Set(SessionHeaderName, "bad tab id!")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if gotUser != id {
		t.Errorf("expected cookie id %q, got %q", id, gotUser)
	}
}

func TestSanitizeSessionID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", DefaultSessionIDValue},
		{"tab-42", "tab-42"},
		{"  tab:1.a_b  ", "tab:1.a_b"},
		{"has space", DefaultSessionIDValue},
		{strings.Repeat("x", 129), DefaultSessionIDValue},
	}
	for _, tt := range tests {
		if got := sanitizeSessionID(tt.in); got != tt.want {
			t.Errorf("sanitizeSessionID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
