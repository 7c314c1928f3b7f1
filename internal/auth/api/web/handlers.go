package web

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/latchkey/latchkey/internal/auth/otp"
	"github.com/latchkey/latchkey/internal/auth/ratelimit"
	"github.com/latchkey/latchkey/internal/auth/user"
	apperrors "github.com/latchkey/latchkey/internal/platform/errors"
)

type codeRequest struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type codeResponse struct {
	VerificationToken string `json:"verification_token"`
}

type verifyRequest struct {
	VerificationToken string `json:"verification_token"`
	Code              string `json:"code"`
}

type passkeyLoginBeginRequest struct {
	Email string `json:"email"`
}

type passkeyBeginResponse struct {
	Options        json.RawMessage `json:"options"`
	ChallengeToken string          `json:"challenge_token"`
}

type passkeyFinishRequest struct {
	ChallengeToken string          `json:"challenge_token"`
	Credential     json.RawMessage `json:"credential"`
}

type passkeyRegistrationResponse struct {
	CredentialID string `json:"credential_id"`
}

type userResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (s *Server) handleSignupCode(w http.ResponseWriter, r *http.Request) {
	s.handleCodeRequest(w, r, otp.PurposeSignup)
}

func (s *Server) handleLoginCode(w http.ResponseWriter, r *http.Request) {
	s.handleCodeRequest(w, r, otp.PurposeLogin)
}

func (s *Server) handleCodeRequest(w http.ResponseWriter, r *http.Request, purpose otp.Purpose) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var request codeRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "request body must be valid json")
		return
	}

	result, err := s.otp.RequestCode(r.Context(), otp.RequestCodeInput{
		Email:    request.Email,
		Name:     request.Name,
		Purpose:  purpose,
		ClientIP: clientIP(r),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, codeResponse{VerificationToken: result.Token})
}

func (s *Server) handleSignupVerify(w http.ResponseWriter, r *http.Request) {
	s.handleVerify(w, r, otp.PurposeSignup)
}

func (s *Server) handleLoginVerify(w http.ResponseWriter, r *http.Request) {
	s.handleVerify(w, r, otp.PurposeLogin)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, purpose otp.Purpose) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var request verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "request body must be valid json")
		return
	}

	account, err := s.otp.VerifyCode(r.Context(), purpose, request.VerificationToken, request.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sessions.Issue(w, r, account.ID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userToResponse(account))
}

func (s *Server) handlePasskeyRegistrationBegin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, err := s.sessions.Resolve(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.passkeys.BeginRegistration(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, passkeyBeginResponse{Options: result.OptionsJSON, ChallengeToken: result.Token})
}

func (s *Server) handlePasskeyRegistrationFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, err := s.sessions.Resolve(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var request passkeyFinishRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "request body must be valid json")
		return
	}

	credentialID, err := s.passkeys.FinishRegistration(r.Context(), userID, request.ChallengeToken, request.Credential)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, passkeyRegistrationResponse{CredentialID: credentialID})
}

func (s *Server) handlePasskeyLoginBegin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var request passkeyLoginBeginRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "request body must be valid json")
		return
	}

	result, err := s.passkeys.BeginLogin(r.Context(), request.Email, clientIP(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, passkeyBeginResponse{Options: result.OptionsJSON, ChallengeToken: result.Token})
}

func (s *Server) handlePasskeyDiscoveryBegin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result, err := s.passkeys.BeginDiscovery(r.Context(), clientIP(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, passkeyBeginResponse{Options: result.OptionsJSON, ChallengeToken: result.Token})
}

func (s *Server) handlePasskeyLoginFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var request passkeyFinishRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "request body must be valid json")
		return
	}

	account, err := s.passkeys.FinishLogin(r.Context(), request.ChallengeToken, request.Credential)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sessions.Issue(w, r, account.ID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userToResponse(account))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.sessions.Clear(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, err := s.sessions.Resolve(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	account, err := s.users.GetUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userToResponse(account))
}

func (s *Server) handleUp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps a domain error onto an HTTP response.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	status := code.HTTPStatus()
	if code == apperrors.CodeRateLimitExceeded {
		if retryAfter, ok := ratelimit.RetryAfter(err); ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)))
		}
	}

	description := "internal error"
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		description = appErr.Message
	}
	writeJSONError(w, status, string(code), description)
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, errorResponse{Error: code, ErrorDescription: description})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

func userToResponse(account user.User) userResponse {
	return userResponse{
		ID:        account.ID,
		Name:      account.Name,
		Email:     account.Email,
		CreatedAt: account.CreatedAt,
	}
}

// clientIP resolves the originating address, preferring the first forwarded
// hop when the service runs behind a proxy.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.IndexByte(forwarded, ','); idx >= 0 {
			forwarded = forwarded[:idx]
		}
		if addr := strings.TrimSpace(forwarded); addr != "" {
			return addr
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
