package session

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/latchkey/latchkey/internal/auth/token"
)

func newManager(t *testing.T, clock func() time.Time) *Manager {
	t.Helper()
	tokens := newTokenService(t)
	if clock != nil {
		tokens = tokens.WithClock(clock)
	}
	return NewManager(tokens)
}

func newTokenService(t *testing.T) *token.Service {
	t.Helper()
	tokens, err := token.NewService([]byte(strings.Repeat("s", 32)))
	if err != nil {
		t.Fatalf("new token service: %v", err)
	}
	return tokens
}

func TestIssueAndResolve(t *testing.T) {
	manager := newManager(t, nil)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/auth/login/verify", nil)
	if err := manager.Issue(recorder, request, "user-1"); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	cookies := recorder.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %d, want 1", len(cookies))
	}
	cookie := cookies[0]
	if cookie.Name != CookieName {
		t.Errorf("cookie name = %q, want %q", cookie.Name, CookieName)
	}
	if !cookie.HttpOnly {
		t.Error("cookie must be http only")
	}
	if cookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("cookie same-site = %v, want lax", cookie.SameSite)
	}
	if cookie.Secure {
		t.Error("cookie must not be secure over plain http")
	}
	if want := int(token.SessionTTL / time.Second); cookie.MaxAge != want {
		t.Errorf("cookie max age = %d, want %d", cookie.MaxAge, want)
	}

	resolved := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	resolved.AddCookie(cookie)
	userID, err := manager.Resolve(resolved)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("resolved user = %q, want user-1", userID)
	}
}

func TestIssueSecureBehindProxy(t *testing.T) {
	manager := newManager(t, nil)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/auth/login/verify", nil)
	request.Header.Set("X-Forwarded-Proto", "https")
	if err := manager.Issue(recorder, request, "user-1"); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !recorder.Result().Cookies()[0].Secure {
		t.Error("cookie must be secure when the forwarded scheme is https")
	}
}

func TestResolveFailures(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	manager := newManager(t, clock)

	t.Run("no cookie", func(t *testing.T) {
		request := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		if _, err := manager.Resolve(request); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("err = %v, want ErrUnauthenticated", err)
		}
	})

	t.Run("garbage value", func(t *testing.T) {
		request := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		request.AddCookie(&http.Cookie{Name: CookieName, Value: "not-a-token"})
		if _, err := manager.Resolve(request); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("err = %v, want ErrUnauthenticated", err)
		}
	})

	t.Run("expired session", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		if err := manager.Issue(recorder, httptest.NewRequest(http.MethodPost, "/", nil), "user-1"); err != nil {
			t.Fatalf("Issue: %v", err)
		}
		now = now.Add(token.SessionTTL + time.Hour)
		request := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		request.AddCookie(recorder.Result().Cookies()[0])
		if _, err := manager.Resolve(request); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("err = %v, want ErrUnauthenticated", err)
		}
	})

	t.Run("wrong token kind", func(t *testing.T) {
		tokens := newTokenService(t).WithClock(clock)
		signup, err := tokens.IssueSignup("Ada", "ada@example.com")
		if err != nil {
			t.Fatalf("IssueSignup: %v", err)
		}
		request := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		request.AddCookie(&http.Cookie{Name: CookieName, Value: signup})
		if _, err := manager.Resolve(request); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("err = %v, want ErrUnauthenticated", err)
		}
	})
}

func TestClear(t *testing.T) {
	manager := newManager(t, nil)

	recorder := httptest.NewRecorder()
	manager.Clear(recorder, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))
	cookies := recorder.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %d, want 1", len(cookies))
	}
	if cookies[0].MaxAge != -1 {
		t.Errorf("cookie max age = %d, want -1", cookies[0].MaxAge)
	}
	if cookies[0].Value != "" {
		t.Errorf("cookie value = %q, want empty", cookies[0].Value)
	}
}
