// Package web exposes the auth flows over HTTP.
package web

import (
	"net/http"

	"github.com/latchkey/latchkey/internal/auth/otp"
	"github.com/latchkey/latchkey/internal/auth/passkey"
	"github.com/latchkey/latchkey/internal/auth/session"
	"github.com/latchkey/latchkey/internal/auth/storage"
)

// Server wires the auth services into HTTP handlers.
type Server struct {
	otp      *otp.Service
	passkeys *passkey.Service
	sessions *session.Manager
	users    storage.UserStore
}

// NewServer builds the HTTP surface over the auth services.
func NewServer(otpService *otp.Service, passkeyService *passkey.Service, sessions *session.Manager, users storage.UserStore) *Server {
	return &Server{
		otp:      otpService,
		passkeys: passkeyService,
		sessions: sessions,
		users:    users,
	}
}

// RegisterRoutes mounts every auth endpoint on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/auth/signup/code", s.handleSignupCode)
	mux.HandleFunc("/auth/signup/verify", s.handleSignupVerify)
	mux.HandleFunc("/auth/login/code", s.handleLoginCode)
	mux.HandleFunc("/auth/login/verify", s.handleLoginVerify)
	mux.HandleFunc("/auth/passkeys/registration/begin", s.handlePasskeyRegistrationBegin)
	mux.HandleFunc("/auth/passkeys/registration/finish", s.handlePasskeyRegistrationFinish)
	mux.HandleFunc("/auth/passkeys/login/begin", s.handlePasskeyLoginBegin)
	mux.HandleFunc("/auth/passkeys/discovery/begin", s.handlePasskeyDiscoveryBegin)
	mux.HandleFunc("/auth/passkeys/login/finish", s.handlePasskeyLoginFinish)
	mux.HandleFunc("/auth/logout", s.handleLogout)
	mux.HandleFunc("/auth/me", s.handleMe)
	mux.HandleFunc("/up", s.handleUp)
}
