// Package otp implements the one-time-code signup and login flows.
//
// A code request admits through the rate limiter, persists a hashed attempt,
// and hands the client a code-verification token; redeeming the token with
// the mailed code proves email ownership. Login requests are shaped
// identically whether or not the account exists so responses cannot be used
// to enumerate accounts.
package otp

import (
	"context"
	"fmt"
	"time"

	"github.com/latchkey/latchkey/internal/auth/ratelimit"
	"github.com/latchkey/latchkey/internal/auth/storage"
	"github.com/latchkey/latchkey/internal/auth/token"
	"github.com/latchkey/latchkey/internal/auth/user"
	apperrors "github.com/latchkey/latchkey/internal/platform/errors"
	"github.com/latchkey/latchkey/internal/platform/id"
)

// Purpose distinguishes signup from login attempts.
type Purpose string

const (
	PurposeSignup Purpose = "signup"
	PurposeLogin  Purpose = "login"
)

// CodeTTL is how long an issued code stays redeemable.
const CodeTTL = 15 * time.Minute

var (
	// ErrAccountExists is returned for signup requests against a registered
	// email. Safe to reveal pre-signup: it is a deliberate duplicate-
	// prevention message about an address the caller already controls.
	ErrAccountExists = apperrors.New(apperrors.CodeAccountExists, "an account with this email already exists")

	// ErrInvalidCode is the single redemption failure. Wrong code, expired
	// attempt, consumed attempt, subject mismatch, and login against a
	// nonexistent account all collapse here on purpose.
	ErrInvalidCode = apperrors.New(apperrors.CodeInvalidCode, "invalid code, please try again")
)

// Mailer delivers issued codes out of band.
type Mailer interface {
	SendCode(ctx context.Context, email, name, code string, purpose string) error
}

// Service orchestrates code issuance and redemption.
type Service struct {
	users    storage.UserStore
	attempts storage.AuthAttemptStore
	tokens   *token.Service
	limiter  *ratelimit.Limiter
	mailer   Mailer

	clock         func() time.Time
	idGenerator   func() (string, error)
	codeGenerator func() (string, error)
}

// NewService builds the OTP flow service.
func NewService(users storage.UserStore, attempts storage.AuthAttemptStore, tokens *token.Service, limiter *ratelimit.Limiter, mailer Mailer) *Service {
	return &Service{
		users:         users,
		attempts:      attempts,
		tokens:        tokens,
		limiter:       limiter,
		mailer:        mailer,
		clock:         time.Now,
		idGenerator:   id.NewID,
		codeGenerator: GenerateCode,
	}
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithGenerators overrides id and code generation. Test hook.
func (s *Service) WithGenerators(idGenerator, codeGenerator func() (string, error)) *Service {
	if idGenerator != nil {
		s.idGenerator = idGenerator
	}
	if codeGenerator != nil {
		s.codeGenerator = codeGenerator
	}
	return s
}

// RequestCodeInput describes an incoming code request.
type RequestCodeInput struct {
	Email    string
	Name     string // signup only
	Purpose  Purpose
	ClientIP string
}

// RequestCodeResult carries the verification token the client must present
// together with the mailed code.
type RequestCodeResult struct {
	Token string
}

// RequestCode admits, records, and dispatches a one-time code.
func (s *Service) RequestCode(ctx context.Context, in RequestCodeInput) (RequestCodeResult, error) {
	endpoint := endpointFor(in.Purpose)
	if endpoint == "" {
		return RequestCodeResult{}, fmt.Errorf("unknown purpose %q", in.Purpose)
	}

	if err := s.limiter.Check(ctx, in.ClientIP, ratelimit.KindIP, endpoint); err != nil {
		return RequestCodeResult{}, err
	}

	email, err := user.NormalizeEmail(in.Email)
	if err != nil {
		_ = s.limiter.MarkLatestBadEmail(ctx, in.ClientIP, ratelimit.KindIP, endpoint)
		return RequestCodeResult{}, err
	}

	if err := s.limiter.Check(ctx, email, ratelimit.KindEmail, endpoint); err != nil {
		return RequestCodeResult{}, err
	}

	var result RequestCodeResult
	switch in.Purpose {
	case PurposeSignup:
		result, err = s.requestSignupCode(ctx, email, in.Name)
	case PurposeLogin:
		result, err = s.requestLoginCode(ctx, email)
	}
	if err != nil {
		return RequestCodeResult{}, err
	}

	hash := ratelimit.TokenHash(result.Token)
	_ = s.limiter.MarkSuccessful(ctx, in.ClientIP, ratelimit.KindIP, endpoint, hash)
	_ = s.limiter.MarkSuccessful(ctx, email, ratelimit.KindEmail, endpoint, hash)
	return result, nil
}

func (s *Service) requestSignupCode(ctx context.Context, email, name string) (RequestCodeResult, error) {
	normalized, err := user.NormalizeCreateUserInput(user.CreateUserInput{Name: name, Email: email})
	if err != nil {
		return RequestCodeResult{}, err
	}

	if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
		return RequestCodeResult{}, ErrAccountExists
	} else if err != storage.ErrNotFound {
		return RequestCodeResult{}, fmt.Errorf("lookup user by email: %w", err)
	}

	code, err := s.codeGenerator()
	if err != nil {
		return RequestCodeResult{}, fmt.Errorf("generate code: %w", err)
	}
	attempt, err := s.storeAttempt(ctx, email, normalized.Name, "", code, PurposeSignup)
	if err != nil {
		return RequestCodeResult{}, err
	}

	// The token never carries the code or its hash, only the attempt id and
	// the subject proving which email this attempt belongs to.
	signed, err := s.tokens.IssueCodeVerification("", email, attempt.ID)
	if err != nil {
		return RequestCodeResult{}, fmt.Errorf("issue code verification token: %w", err)
	}
	if err := s.mailer.SendCode(ctx, email, normalized.Name, code, string(PurposeSignup)); err != nil {
		return RequestCodeResult{}, fmt.Errorf("send code: %w", err)
	}
	return RequestCodeResult{Token: signed}, nil
}

func (s *Service) requestLoginCode(ctx context.Context, email string) (RequestCodeResult, error) {
	account, err := s.users.GetUserByEmail(ctx, email)
	registered := err == nil
	if err != nil && err != storage.ErrNotFound {
		return RequestCodeResult{}, fmt.Errorf("lookup user by email: %w", err)
	}

	code, err := s.codeGenerator()
	if err != nil {
		return RequestCodeResult{}, fmt.Errorf("generate code: %w", err)
	}

	// Anti-enumeration: the unregistered path runs the same sequence as the
	// registered one. The attempt row is still created, but its hash is of a
	// second random code nobody was sent, so redemption can never succeed and
	// failure is indistinguishable from a wrong code.
	storedCode := code
	userID := ""
	name := ""
	if registered {
		userID = account.ID
		name = account.Name
	} else {
		substitute, err := s.codeGenerator()
		if err != nil {
			return RequestCodeResult{}, fmt.Errorf("generate substitute code: %w", err)
		}
		storedCode = substitute
	}

	attempt, err := s.storeAttempt(ctx, email, name, userID, storedCode, PurposeLogin)
	if err != nil {
		return RequestCodeResult{}, err
	}

	var signed string
	if registered {
		signed, err = s.tokens.IssueCodeVerification(userID, "", attempt.ID)
	} else {
		signed, err = s.tokens.IssueCodeVerification("", email, attempt.ID)
	}
	if err != nil {
		return RequestCodeResult{}, fmt.Errorf("issue code verification token: %w", err)
	}
	if err := s.mailer.SendCode(ctx, email, name, code, string(PurposeLogin)); err != nil {
		return RequestCodeResult{}, fmt.Errorf("send code: %w", err)
	}
	return RequestCodeResult{Token: signed}, nil
}

func (s *Service) storeAttempt(ctx context.Context, email, name, userID, code string, purpose Purpose) (storage.AuthAttempt, error) {
	attemptID, err := s.idGenerator()
	if err != nil {
		return storage.AuthAttempt{}, fmt.Errorf("generate attempt id: %w", err)
	}
	codeHash, err := HashCode(code)
	if err != nil {
		return storage.AuthAttempt{}, err
	}
	now := s.clock().UTC()
	attempt := storage.AuthAttempt{
		ID:        attemptID,
		Email:     email,
		Name:      name,
		UserID:    userID,
		CodeHash:  codeHash,
		Purpose:   string(purpose),
		ExpiresAt: now.Add(CodeTTL),
		CreatedAt: now,
	}
	if err := s.attempts.PutAuthAttempt(ctx, attempt); err != nil {
		return storage.AuthAttempt{}, fmt.Errorf("store auth attempt: %w", err)
	}
	return attempt, nil
}

// VerifyCode redeems a code against its verification token. Every failure
// path returns ErrInvalidCode; which check failed is not observable.
//
// An invalid submission does not consume the attempt, so the caller may retry
// until the attempt expires. Redemption is terminal.
func (s *Service) VerifyCode(ctx context.Context, purpose Purpose, tokenString, code string) (user.User, error) {
	claims, err := s.tokens.VerifyCodeVerification(tokenString)
	if err != nil {
		return user.User{}, ErrInvalidCode
	}

	attempt, err := s.attempts.GetAuthAttempt(ctx, claims.AuthAttemptID)
	if err != nil {
		return user.User{}, ErrInvalidCode
	}
	now := s.clock().UTC()
	if attempt.UsedAt != nil || now.After(attempt.ExpiresAt) {
		return user.User{}, ErrInvalidCode
	}
	if attempt.Purpose != string(purpose) {
		return user.User{}, ErrInvalidCode
	}
	if claims.UserID != "" {
		if attempt.UserID == "" || attempt.UserID != claims.UserID {
			return user.User{}, ErrInvalidCode
		}
	} else if attempt.Email != claims.Email {
		return user.User{}, ErrInvalidCode
	}

	if !compareCode(attempt.CodeHash, code) {
		return user.User{}, ErrInvalidCode
	}

	switch purpose {
	case PurposeSignup:
		return s.redeemSignup(ctx, attempt, now)
	case PurposeLogin:
		return s.redeemLogin(ctx, attempt, now)
	default:
		return user.User{}, ErrInvalidCode
	}
}

func (s *Service) redeemSignup(ctx context.Context, attempt storage.AuthAttempt, now time.Time) (user.User, error) {
	// Race guard; the unique email constraint in storage is the real
	// enforcement boundary.
	if _, err := s.users.GetUserByEmail(ctx, attempt.Email); err == nil {
		return user.User{}, ErrInvalidCode
	} else if err != storage.ErrNotFound {
		return user.User{}, fmt.Errorf("lookup user by email: %w", err)
	}

	created, err := user.CreateUser(
		user.CreateUserInput{Name: attempt.Name, Email: attempt.Email},
		s.clock,
		s.idGenerator,
	)
	if err != nil {
		return user.User{}, ErrInvalidCode
	}
	if err := s.users.PutUser(ctx, created); err != nil {
		return user.User{}, fmt.Errorf("store user: %w", err)
	}
	if err := s.attempts.MarkAuthAttemptUsed(ctx, attempt.ID, now); err != nil {
		return user.User{}, fmt.Errorf("mark attempt used: %w", err)
	}
	return created, nil
}

func (s *Service) redeemLogin(ctx context.Context, attempt storage.AuthAttempt, now time.Time) (user.User, error) {
	// Attempts created for unregistered emails carry a substituted hash and
	// can never reach this point, but the guard stays: no account, no login.
	if attempt.UserID == "" {
		return user.User{}, ErrInvalidCode
	}
	account, err := s.users.GetUser(ctx, attempt.UserID)
	if err != nil {
		return user.User{}, ErrInvalidCode
	}
	if err := s.attempts.MarkAuthAttemptUsed(ctx, attempt.ID, now); err != nil {
		return user.User{}, fmt.Errorf("mark attempt used: %w", err)
	}
	return account, nil
}

func endpointFor(purpose Purpose) ratelimit.Endpoint {
	switch purpose {
	case PurposeSignup:
		return ratelimit.EndpointSignup
	case PurposeLogin:
		return ratelimit.EndpointLogin
	default:
		return ""
	}
}
