// Package session centralizes browser session cookie behavior.
//
// The cookie value is a signed session token, so sessions need no server
// side table: possession of a verifiable token is the session.
package session

import (
	"net/http"
	"strings"
	"time"

	"github.com/latchkey/latchkey/internal/auth/token"
	apperrors "github.com/latchkey/latchkey/internal/platform/errors"
)

// CookieName is the canonical session cookie name.
const CookieName = "user_id"

// ErrUnauthenticated is the single resolution failure. A missing cookie, a
// malformed token, an expired token, and a token of the wrong kind are all
// the same condition to callers: nobody is logged in.
var ErrUnauthenticated = apperrors.New(apperrors.CodeUnauthenticated, "authentication required")

// Manager issues and resolves session cookies.
type Manager struct {
	tokens *token.Service
}

// NewManager builds a session manager over the token service.
func NewManager(tokens *token.Service) *Manager {
	return &Manager{tokens: tokens}
}

// Issue starts a session for userID by setting the session cookie.
func (m *Manager) Issue(w http.ResponseWriter, r *http.Request, userID string) error {
	sessionToken, err := m.tokens.IssueSession(userID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    sessionToken,
		Path:     "/",
		MaxAge:   int(token.SessionTTL / time.Second),
		HttpOnly: true,
		Secure:   isHTTPS(r),
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Resolve returns the authenticated user id for the request.
func (m *Manager) Resolve(r *http.Request) (string, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie == nil {
		return "", ErrUnauthenticated
	}
	value := strings.TrimSpace(cookie.Value)
	if value == "" {
		return "", ErrUnauthenticated
	}
	claims, err := m.tokens.VerifySession(value)
	if err != nil {
		return "", ErrUnauthenticated
	}
	return claims.UserID, nil
}

// Clear expires the session cookie.
func (m *Manager) Clear(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   isHTTPS(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func isHTTPS(r *http.Request) bool {
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	if idx := strings.IndexByte(proto, ','); idx >= 0 {
		proto = proto[:idx]
	}
	return strings.EqualFold(strings.TrimSpace(proto), "https")
}
