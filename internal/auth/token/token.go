// Package token issues and verifies the short-lived signed tokens that carry
// intent between requests: signup intent, in-progress code verification,
// passkey challenges, and established sessions.
//
// Tokens are HMAC-SHA256 JWTs over a single shared secret. There is no
// server-side token state; trust derives entirely from signature and expiry.
package token

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/latchkey/latchkey/internal/platform/errors"
)

// Kind identifies the trust level a token encodes. The kind is embedded in
// the claim set so a token issued for one step cannot be replayed in another.
type Kind string

const (
	KindSignup           Kind = "signup"
	KindCodeVerification Kind = "code-verification"
	KindPasskeyChallenge Kind = "passkey-challenge"
	KindPasskeyDiscovery Kind = "passkey-discovery"
	KindSession          Kind = "session"
)

// Per-kind validity windows.
const (
	SignupTTL           = 24 * time.Hour
	CodeVerificationTTL = 15 * time.Minute
	PasskeyChallengeTTL = 10 * time.Minute
	PasskeyDiscoveryTTL = 10 * time.Minute
	SessionTTL          = 30 * 24 * time.Hour
)

const minSecretLength = 32

// ErrVerification is the single failure surfaced for any bad token. Expired,
// forged, and malformed tokens are distinguishable internally (the wrapped
// cause) but never to callers across the trust boundary.
var ErrVerification = apperrors.New(apperrors.CodeTokenVerificationFailed, "token verification failed")

// Service signs and verifies typed tokens.
type Service struct {
	secret []byte
	clock  func() time.Time
}

// NewService builds a token service over the shared signing secret.
func NewService(secret []byte) (*Service, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes", minSecretLength)
	}
	return &Service{secret: secret, clock: time.Now}, nil
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// SignupClaims carries pending signup intent (name and email) before any
// user row exists.
type SignupClaims struct {
	jwt.RegisteredClaims
	TokenUse Kind   `json:"token_use"`
	Name     string `json:"name"`
	Email    string `json:"email"`
}

// CodeVerificationClaims identifies an in-flight one-time-code attempt. The
// subject is exactly one of UserID (login against a known account) or Email
// (signup, or login shaped for anti-enumeration); the code itself never
// appears in the token.
type CodeVerificationClaims struct {
	jwt.RegisteredClaims
	TokenUse      Kind   `json:"token_use"`
	UserID        string `json:"user_id,omitempty"`
	Email         string `json:"email,omitempty"`
	AuthAttemptID string `json:"auth_attempt_id"`
}

// PasskeyChallengeClaims carries a WebAuthn challenge bound to a known user
// for registration or targeted login.
type PasskeyChallengeClaims struct {
	jwt.RegisteredClaims
	TokenUse  Kind   `json:"token_use"`
	Challenge string `json:"challenge"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
}

// PasskeyDiscoveryClaims carries a WebAuthn challenge with no user binding;
// the responding credential identifies the user.
type PasskeyDiscoveryClaims struct {
	jwt.RegisteredClaims
	TokenUse  Kind   `json:"token_use"`
	Challenge string `json:"challenge"`
}

// SessionClaims represents an established session.
type SessionClaims struct {
	jwt.RegisteredClaims
	TokenUse Kind   `json:"token_use"`
	UserID   string `json:"user_id"`
}

func (s *Service) registered(ttl time.Duration) jwt.RegisteredClaims {
	now := s.clock().UTC()
	return jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (s *Service) sign(claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// IssueSignup issues a signup-intent token.
func (s *Service) IssueSignup(name, email string) (string, error) {
	return s.sign(SignupClaims{
		RegisteredClaims: s.registered(SignupTTL),
		TokenUse:         KindSignup,
		Name:             name,
		Email:            email,
	})
}

// IssueCodeVerification issues a code-verification token for the attempt.
// Exactly one of userID and email must be set.
func (s *Service) IssueCodeVerification(userID, email, authAttemptID string) (string, error) {
	if err := validateSubject(userID, email); err != nil {
		return "", err
	}
	if strings.TrimSpace(authAttemptID) == "" {
		return "", fmt.Errorf("auth attempt id is required")
	}
	return s.sign(CodeVerificationClaims{
		RegisteredClaims: s.registered(CodeVerificationTTL),
		TokenUse:         KindCodeVerification,
		UserID:           userID,
		Email:            email,
		AuthAttemptID:    authAttemptID,
	})
}

// IssuePasskeyChallenge issues a challenge token for a targeted ceremony.
func (s *Service) IssuePasskeyChallenge(challenge, userID, email string) (string, error) {
	if strings.TrimSpace(challenge) == "" {
		return "", fmt.Errorf("challenge is required")
	}
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("user id is required")
	}
	return s.sign(PasskeyChallengeClaims{
		RegisteredClaims: s.registered(PasskeyChallengeTTL),
		TokenUse:         KindPasskeyChallenge,
		Challenge:        challenge,
		UserID:           userID,
		Email:            email,
	})
}

// IssuePasskeyDiscovery issues a challenge token for a nameless ceremony.
func (s *Service) IssuePasskeyDiscovery(challenge string) (string, error) {
	if strings.TrimSpace(challenge) == "" {
		return "", fmt.Errorf("challenge is required")
	}
	return s.sign(PasskeyDiscoveryClaims{
		RegisteredClaims: s.registered(PasskeyDiscoveryTTL),
		TokenUse:         KindPasskeyDiscovery,
		Challenge:        challenge,
	})
}

// IssueSession issues a session token for the user.
func (s *Service) IssueSession(userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("user id is required")
	}
	return s.sign(SessionClaims{
		RegisteredClaims: s.registered(SessionTTL),
		TokenUse:         KindSession,
		UserID:           userID,
	})
}

// VerifySignup verifies a signup-intent token.
func (s *Service) VerifySignup(tokenString string) (SignupClaims, error) {
	var claims SignupClaims
	if err := s.parse(tokenString, &claims); err != nil {
		return SignupClaims{}, err
	}
	if claims.TokenUse != KindSignup || claims.Email == "" || claims.Name == "" {
		return SignupClaims{}, verificationFailure(fmt.Errorf("signup claim shape mismatch"))
	}
	return claims, nil
}

// VerifyCodeVerification verifies a code-verification token, including the
// exactly-one-subject shape rule.
func (s *Service) VerifyCodeVerification(tokenString string) (CodeVerificationClaims, error) {
	var claims CodeVerificationClaims
	if err := s.parse(tokenString, &claims); err != nil {
		return CodeVerificationClaims{}, err
	}
	if claims.TokenUse != KindCodeVerification || claims.AuthAttemptID == "" {
		return CodeVerificationClaims{}, verificationFailure(fmt.Errorf("code verification claim shape mismatch"))
	}
	if err := validateSubject(claims.UserID, claims.Email); err != nil {
		return CodeVerificationClaims{}, verificationFailure(err)
	}
	return claims, nil
}

// VerifyPasskeyChallenge verifies a targeted passkey challenge token.
func (s *Service) VerifyPasskeyChallenge(tokenString string) (PasskeyChallengeClaims, error) {
	var claims PasskeyChallengeClaims
	if err := s.parse(tokenString, &claims); err != nil {
		return PasskeyChallengeClaims{}, err
	}
	if claims.TokenUse != KindPasskeyChallenge || claims.Challenge == "" || claims.UserID == "" {
		return PasskeyChallengeClaims{}, verificationFailure(fmt.Errorf("passkey challenge claim shape mismatch"))
	}
	return claims, nil
}

// VerifyPasskeyDiscovery verifies a discovery challenge token.
func (s *Service) VerifyPasskeyDiscovery(tokenString string) (PasskeyDiscoveryClaims, error) {
	var claims PasskeyDiscoveryClaims
	if err := s.parse(tokenString, &claims); err != nil {
		return PasskeyDiscoveryClaims{}, err
	}
	if claims.TokenUse != KindPasskeyDiscovery || claims.Challenge == "" {
		return PasskeyDiscoveryClaims{}, verificationFailure(fmt.Errorf("passkey discovery claim shape mismatch"))
	}
	return claims, nil
}

// VerifySession verifies a session token.
func (s *Service) VerifySession(tokenString string) (SessionClaims, error) {
	var claims SessionClaims
	if err := s.parse(tokenString, &claims); err != nil {
		return SessionClaims{}, err
	}
	if claims.TokenUse != KindSession || claims.UserID == "" {
		return SessionClaims{}, verificationFailure(fmt.Errorf("session claim shape mismatch"))
	}
	return claims, nil
}

func (s *Service) parse(tokenString string, claims jwt.Claims) error {
	if strings.TrimSpace(tokenString) == "" {
		return verificationFailure(fmt.Errorf("token is empty"))
	}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return s.clock().UTC() }),
	)
	if err != nil {
		return verificationFailure(err)
	}
	return nil
}

// verificationFailure wraps the real cause (expiry vs forgery vs shape) so it
// stays available for logs while callers see one flattened condition.
func verificationFailure(cause error) error {
	return apperrors.Wrap(apperrors.CodeTokenVerificationFailed, "token verification failed", cause)
}

func validateSubject(userID, email string) error {
	hasUser := strings.TrimSpace(userID) != ""
	hasEmail := strings.TrimSpace(email) != ""
	if hasUser == hasEmail {
		return fmt.Errorf("exactly one of user id and email must be set")
	}
	return nil
}
