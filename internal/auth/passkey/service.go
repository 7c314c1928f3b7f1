// Package passkey implements WebAuthn registration and login.
//
// Ceremony state is not stored server side. The challenge travels to the
// client inside a signed token and is rebuilt into WebAuthn session data on
// the finish call, so the flow needs no session table and nodes share no
// state.
package passkey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/latchkey/latchkey/internal/auth/ratelimit"
	"github.com/latchkey/latchkey/internal/auth/storage"
	"github.com/latchkey/latchkey/internal/auth/token"
	"github.com/latchkey/latchkey/internal/auth/user"
	apperrors "github.com/latchkey/latchkey/internal/platform/errors"
)

var (
	// ErrAlreadyRegistered enforces the one-passkey-per-account policy.
	ErrAlreadyRegistered = apperrors.New(apperrors.CodePasskeyAlreadyRegistered, "a passkey is already registered for this account")

	// ErrNotFound is returned when a login targets an account with no
	// registered passkey.
	ErrNotFound = apperrors.New(apperrors.CodePasskeyNotFound, "no passkey is registered for this account")

	// ErrClonedCredential is returned when an assertion's signature counter
	// did not advance past the stored one. The credential is presumed copied
	// and the login is refused without touching stored state.
	ErrClonedCredential = apperrors.New(apperrors.CodePasskeyClonedCredential, "credential rejected: possible cloned authenticator")
)

type passkeyProvider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

type passkeyParser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultParser struct{}

func (defaultParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// Service orchestrates passkey ceremonies.
type Service struct {
	users    storage.UserStore
	passkeys storage.PasskeyStore
	tokens   *token.Service
	limiter  *ratelimit.Limiter
	provider passkeyProvider
	parser   passkeyParser

	clock func() time.Time
}

// NewService builds the passkey service around a configured WebAuthn
// provider.
func NewService(users storage.UserStore, passkeys storage.PasskeyStore, tokens *token.Service, limiter *ratelimit.Limiter, provider *webauthn.WebAuthn) *Service {
	return &Service{
		users:    users,
		passkeys: passkeys,
		tokens:   tokens,
		limiter:  limiter,
		provider: provider,
		parser:   defaultParser{},
		clock:    time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithProvider swaps the WebAuthn provider and parser. Test hook.
func (s *Service) WithProvider(provider passkeyProvider, parser passkeyParser) *Service {
	if provider != nil {
		s.provider = provider
	}
	if parser != nil {
		s.parser = parser
	}
	return s
}

// BeginResult carries the browser-facing ceremony options and the challenge
// token the client must echo back on the finish call.
type BeginResult struct {
	OptionsJSON []byte
	Token       string
}

// BeginRegistration starts a registration ceremony for a logged-in user.
// Accounts are limited to one passkey; a second registration is refused.
func (s *Service) BeginRegistration(ctx context.Context, userID string) (BeginResult, error) {
	account, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return BeginResult{}, err
	}

	existing, err := s.passkeys.ListPasskeyCredentials(ctx, account.ID)
	if err != nil {
		return BeginResult{}, fmt.Errorf("list passkey credentials: %w", err)
	}
	if len(existing) > 0 {
		return BeginResult{}, ErrAlreadyRegistered
	}

	creation, session, err := s.provider.BeginRegistration(
		&passkeyUser{user: account},
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			AuthenticatorAttachment: protocol.Platform,
			ResidentKey:             protocol.ResidentKeyRequirementRequired,
			UserVerification:        protocol.VerificationRequired,
		}),
	)
	if err != nil {
		return BeginResult{}, fmt.Errorf("begin passkey registration: %w", err)
	}

	challengeToken, err := s.tokens.IssuePasskeyChallenge(session.Challenge, account.ID, "")
	if err != nil {
		return BeginResult{}, fmt.Errorf("issue challenge token: %w", err)
	}
	optionsJSON, err := json.Marshal(creation)
	if err != nil {
		return BeginResult{}, fmt.Errorf("encode registration options: %w", err)
	}
	return BeginResult{OptionsJSON: optionsJSON, Token: challengeToken}, nil
}

// FinishRegistration validates the authenticator's attestation response and
// persists the credential. The challenge token must belong to userID.
func (s *Service) FinishRegistration(ctx context.Context, userID, challengeToken string, responseJSON []byte) (string, error) {
	claims, err := s.tokens.VerifyPasskeyChallenge(challengeToken)
	if err != nil {
		return "", err
	}
	if claims.UserID == "" || claims.UserID != userID {
		return "", apperrors.New(apperrors.CodeNotAuthorized, "challenge does not belong to this user")
	}

	account, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}

	// Re-checked here because the begin and finish calls are separated by
	// the full ceremony round trip.
	existing, err := s.passkeys.ListPasskeyCredentials(ctx, account.ID)
	if err != nil {
		return "", fmt.Errorf("list passkey credentials: %w", err)
	}
	if len(existing) > 0 {
		return "", ErrAlreadyRegistered
	}

	parsed, err := s.parser.ParseCredentialCreationResponseBytes(responseJSON)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInvalidArgument, "parse credential response", err)
	}

	credential, err := s.provider.CreateCredential(&passkeyUser{user: account}, webauthn.SessionData{
		Challenge:        claims.Challenge,
		UserID:           []byte(account.ID),
		UserVerification: protocol.VerificationRequired,
	}, parsed)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInvalidArgument, "validate credential response", err)
	}

	record, err := s.credentialRecord(account.ID, *credential)
	if err != nil {
		return "", err
	}
	if err := s.passkeys.PutPasskeyCredential(ctx, record); err != nil {
		return "", fmt.Errorf("store passkey credential: %w", err)
	}
	return record.CredentialID, nil
}

// BeginLogin starts a targeted login ceremony for the account owning email.
func (s *Service) BeginLogin(ctx context.Context, email, clientIP string) (BeginResult, error) {
	if err := s.limiter.Check(ctx, clientIP, ratelimit.KindIP, ratelimit.EndpointPasskeyLogin); err != nil {
		return BeginResult{}, err
	}
	normalized, err := user.NormalizeEmail(email)
	if err != nil {
		_ = s.limiter.MarkLatestBadEmail(ctx, clientIP, ratelimit.KindIP, ratelimit.EndpointPasskeyLogin)
		return BeginResult{}, err
	}
	if err := s.limiter.Check(ctx, normalized, ratelimit.KindEmail, ratelimit.EndpointPasskeyLogin); err != nil {
		return BeginResult{}, err
	}

	account, err := s.users.GetUserByEmail(ctx, normalized)
	if err != nil {
		if err == storage.ErrNotFound {
			return BeginResult{}, ErrNotFound
		}
		return BeginResult{}, fmt.Errorf("lookup user by email: %w", err)
	}
	passkeyUser, err := s.loadPasskeyUser(ctx, account)
	if err != nil {
		return BeginResult{}, err
	}
	if len(passkeyUser.credentials) == 0 {
		return BeginResult{}, ErrNotFound
	}

	assertion, session, err := s.provider.BeginLogin(passkeyUser, webauthn.WithUserVerification(protocol.VerificationRequired))
	if err != nil {
		return BeginResult{}, fmt.Errorf("begin passkey login: %w", err)
	}

	challengeToken, err := s.tokens.IssuePasskeyChallenge(session.Challenge, account.ID, normalized)
	if err != nil {
		return BeginResult{}, fmt.Errorf("issue challenge token: %w", err)
	}
	optionsJSON, err := json.Marshal(assertion)
	if err != nil {
		return BeginResult{}, fmt.Errorf("encode login options: %w", err)
	}

	hash := ratelimit.TokenHash(challengeToken)
	_ = s.limiter.MarkSuccessful(ctx, clientIP, ratelimit.KindIP, ratelimit.EndpointPasskeyLogin, hash)
	_ = s.limiter.MarkSuccessful(ctx, normalized, ratelimit.KindEmail, ratelimit.EndpointPasskeyLogin, hash)
	return BeginResult{OptionsJSON: optionsJSON, Token: challengeToken}, nil
}

// BeginDiscovery starts a usernameless login ceremony. The authenticator
// picks the resident credential, so no account is named up front.
func (s *Service) BeginDiscovery(ctx context.Context, clientIP string) (BeginResult, error) {
	if err := s.limiter.Check(ctx, clientIP, ratelimit.KindIP, ratelimit.EndpointPasskeyDiscovery); err != nil {
		return BeginResult{}, err
	}

	assertion, session, err := s.provider.BeginDiscoverableLogin(webauthn.WithUserVerification(protocol.VerificationRequired))
	if err != nil {
		return BeginResult{}, fmt.Errorf("begin discoverable login: %w", err)
	}

	challengeToken, err := s.tokens.IssuePasskeyDiscovery(session.Challenge)
	if err != nil {
		return BeginResult{}, fmt.Errorf("issue challenge token: %w", err)
	}
	optionsJSON, err := json.Marshal(assertion)
	if err != nil {
		return BeginResult{}, fmt.Errorf("encode login options: %w", err)
	}

	_ = s.limiter.MarkSuccessful(ctx, clientIP, ratelimit.KindIP, ratelimit.EndpointPasskeyDiscovery, ratelimit.TokenHash(challengeToken))
	return BeginResult{OptionsJSON: optionsJSON, Token: challengeToken}, nil
}

// FinishLogin validates an assertion response against its challenge token and
// returns the authenticated user. It accepts tokens from both BeginLogin and
// BeginDiscovery; the token kind decides how the credential is resolved.
func (s *Service) FinishLogin(ctx context.Context, challengeToken string, responseJSON []byte) (user.User, error) {
	parsed, err := s.parser.ParseCredentialRequestResponseBytes(responseJSON)
	if err != nil {
		return user.User{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "parse credential response", err)
	}

	if claims, err := s.tokens.VerifyPasskeyChallenge(challengeToken); err == nil {
		return s.finishTargetedLogin(ctx, claims, parsed)
	}
	claims, err := s.tokens.VerifyPasskeyDiscovery(challengeToken)
	if err != nil {
		return user.User{}, err
	}
	return s.finishDiscoveryLogin(ctx, claims, parsed)
}

func (s *Service) finishTargetedLogin(ctx context.Context, claims token.PasskeyChallengeClaims, parsed *protocol.ParsedCredentialAssertionData) (user.User, error) {
	account, err := s.users.GetUser(ctx, claims.UserID)
	if err != nil {
		return user.User{}, err
	}
	passkeyUser, err := s.loadPasskeyUser(ctx, account)
	if err != nil {
		return user.User{}, err
	}

	validated, err := s.provider.ValidateLogin(passkeyUser, webauthn.SessionData{
		Challenge:        claims.Challenge,
		UserID:           []byte(account.ID),
		UserVerification: protocol.VerificationRequired,
	}, parsed)
	if err != nil {
		return user.User{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "validate passkey login", err)
	}

	if err := s.recordUse(ctx, *validated); err != nil {
		return user.User{}, err
	}
	return account, nil
}

func (s *Service) finishDiscoveryLogin(ctx context.Context, claims token.PasskeyDiscoveryClaims, parsed *protocol.ParsedCredentialAssertionData) (user.User, error) {
	validatedUser, validated, err := s.provider.ValidatePasskeyLogin(s.discoverableUserHandler(ctx), webauthn.SessionData{
		Challenge:        claims.Challenge,
		UserVerification: protocol.VerificationRequired,
	}, parsed)
	if err != nil {
		return user.User{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "validate passkey login", err)
	}

	record, ok := validatedUser.(*passkeyUser)
	if !ok {
		return user.User{}, fmt.Errorf("unexpected webauthn user type %T", validatedUser)
	}
	if err := s.recordUse(ctx, *validated); err != nil {
		return user.User{}, err
	}
	return record.user, nil
}

// recordUse applies the anti-clone counter check and persists the advance.
//
// The reported counter must move strictly past the stored value on every
// authentication, zero included. A counter that fails to advance means two
// authenticators may hold the same private key; the login is rejected and
// the stored counter left untouched so the legitimate device still works.
func (s *Service) recordUse(ctx context.Context, credential webauthn.Credential) error {
	credentialID := encodeCredentialID(credential.ID)
	stored, err := s.passkeys.GetPasskeyCredential(ctx, credentialID)
	if err != nil {
		return fmt.Errorf("load passkey credential: %w", err)
	}

	newCount := credential.Authenticator.SignCount
	if credential.Authenticator.CloneWarning || newCount <= stored.SignCount {
		return ErrClonedCredential
	}
	if err := s.passkeys.UpdatePasskeySignCount(ctx, credentialID, newCount, s.clock().UTC()); err != nil {
		return fmt.Errorf("update sign count: %w", err)
	}
	return nil
}

type passkeyUser struct {
	user        user.User
	credentials []webauthn.Credential
}

func (u *passkeyUser) WebAuthnID() []byte {
	return []byte(u.user.ID)
}

func (u *passkeyUser) WebAuthnName() string {
	return u.user.Email
}

func (u *passkeyUser) WebAuthnDisplayName() string {
	return u.user.Name
}

func (u *passkeyUser) WebAuthnIcon() string {
	return ""
}

func (u *passkeyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (s *Service) loadPasskeyUser(ctx context.Context, account user.User) (*passkeyUser, error) {
	records, err := s.passkeys.ListPasskeyCredentials(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("list passkey credentials: %w", err)
	}
	credentials, err := decodeStoredCredentials(records)
	if err != nil {
		return nil, err
	}
	return &passkeyUser{user: account, credentials: credentials}, nil
}

func (s *Service) discoverableUserHandler(ctx context.Context) webauthn.DiscoverableUserHandler {
	return func(_, userHandle []byte) (webauthn.User, error) {
		userID := strings.TrimSpace(string(userHandle))
		if userID == "" {
			return nil, fmt.Errorf("user handle is required")
		}
		account, err := s.users.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		return s.loadPasskeyUser(ctx, account)
	}
}

// credentialRecord flattens a validated credential into its stored form.
func (s *Service) credentialRecord(userID string, credential webauthn.Credential) (storage.PasskeyCredential, error) {
	flagsJSON, err := json.Marshal(credential.Flags)
	if err != nil {
		return storage.PasskeyCredential{}, fmt.Errorf("encode credential flags: %w", err)
	}
	transports := make([]string, 0, len(credential.Transport))
	for _, transport := range credential.Transport {
		transports = append(transports, string(transport))
	}
	now := s.clock().UTC()
	return storage.PasskeyCredential{
		CredentialID: encodeCredentialID(credential.ID),
		UserID:       userID,
		PublicKey:    credential.PublicKey,
		SignCount:    credential.Authenticator.SignCount,
		Transports:   transports,
		FlagsJSON:    string(flagsJSON),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// decodeStoredCredentials rebuilds library credentials from stored columns.
func decodeStoredCredentials(records []storage.PasskeyCredential) ([]webauthn.Credential, error) {
	if len(records) == 0 {
		return nil, nil
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		rawID, err := base64.RawURLEncoding.DecodeString(record.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("decode credential id %s: %w", record.CredentialID, err)
		}
		var flags webauthn.CredentialFlags
		if record.FlagsJSON != "" {
			if err := json.Unmarshal([]byte(record.FlagsJSON), &flags); err != nil {
				return nil, fmt.Errorf("decode credential flags %s: %w", record.CredentialID, err)
			}
		}
		transports := make([]protocol.AuthenticatorTransport, 0, len(record.Transports))
		for _, transport := range record.Transports {
			transports = append(transports, protocol.AuthenticatorTransport(transport))
		}
		credentials = append(credentials, webauthn.Credential{
			ID:        rawID,
			PublicKey: record.PublicKey,
			Transport: transports,
			Flags:     flags,
			Authenticator: webauthn.Authenticator{
				SignCount: record.SignCount,
			},
		})
	}
	return credentials, nil
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}
