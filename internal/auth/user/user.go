// Package user provides auth user identity management.
package user

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	apperrors "github.com/latchkey/latchkey/internal/platform/errors"
	"github.com/latchkey/latchkey/internal/platform/id"
)

const maxNameLength = 100

var (
	// ErrEmptyName indicates a missing display name.
	ErrEmptyName = apperrors.New(apperrors.CodeUserEmptyName, "name is required")
	// ErrInvalidName indicates a display name that exceeds the allowed length.
	ErrInvalidName = apperrors.New(apperrors.CodeUserInvalidName, "name must be at most 100 characters")
	// ErrInvalidEmail indicates an email address that fails RFC 5322 parsing.
	ErrInvalidEmail = apperrors.New(apperrors.CodeUserInvalidEmail, "email is invalid")
)

// User represents an authenticated identity record.
//
// A User row exists only after email ownership was proven by a redeemed code
// or a passkey ceremony; nothing creates users speculatively.
type User struct {
	ID        string
	Name      string
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateUserInput describes the metadata needed to create a user.
type CreateUserInput struct {
	Name  string
	Email string
}

// NormalizeEmail validates and canonicalizes an email address. The lowered
// form is the identity key used for lookups, rate limiting, and uniqueness.
func NormalizeEmail(address string) (string, error) {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "", ErrInvalidEmail
	}
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(parsed.Address), nil
}

// CreateUser creates a durable user identity from validated input.
//
// This is the canonical point where untrusted signup data becomes a stable
// identity used by the code and passkey flows.
func CreateUser(input CreateUserInput, now func() time.Time, idGenerator func() (string, error)) (User, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateUserInput(input)
	if err != nil {
		return User{}, err
	}

	userID, err := idGenerator()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	createdAt := now().UTC()
	return User{
		ID:        userID,
		Name:      normalized.Name,
		Email:     normalized.Email,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}

// NormalizeCreateUserInput trims and normalizes input before validation.
func NormalizeCreateUserInput(input CreateUserInput) (CreateUserInput, error) {
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return CreateUserInput{}, ErrEmptyName
	}
	if len(input.Name) > maxNameLength {
		return CreateUserInput{}, ErrInvalidName
	}
	email, err := NormalizeEmail(input.Email)
	if err != nil {
		return CreateUserInput{}, err
	}
	input.Email = email
	return input, nil
}
