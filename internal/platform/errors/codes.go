// Package errors provides structured error handling for the auth domain.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"

	// User errors
	CodeUserEmptyName    Code = "USER_EMPTY_NAME"
	CodeUserInvalidName  Code = "USER_INVALID_NAME"
	CodeUserInvalidEmail Code = "USER_INVALID_EMAIL"

	// Account errors
	CodeAccountExists Code = "ACCOUNT_EXISTS"

	// Token errors. Signature, expiry, and shape failures all collapse to
	// this single code before crossing the trust boundary.
	CodeTokenVerificationFailed Code = "TOKEN_VERIFICATION_FAILED"

	// Code redemption errors. Mismatch, expiry, reuse, and missing-account
	// conditions are deliberately indistinguishable.
	CodeInvalidCode Code = "INVALID_CODE"

	// Rate limiting
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"

	// Passkey errors
	CodePasskeyAlreadyRegistered Code = "PASSKEY_ALREADY_REGISTERED"
	CodePasskeyNotFound          Code = "PASSKEY_NOT_FOUND"
	CodePasskeyClonedCredential  Code = "PASSKEY_CLONED_CREDENTIAL"

	// Authorization errors
	CodeNotAuthorized   Code = "NOT_AUTHORIZED"
	CodeUnauthenticated Code = "UNAUTHENTICATED"

	// Input errors
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
)

// HTTPStatus maps the code to the HTTP status the web surface responds with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound, CodePasskeyNotFound:
		return http.StatusNotFound
	case CodeUserEmptyName, CodeUserInvalidName, CodeUserInvalidEmail, CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeAccountExists, CodePasskeyAlreadyRegistered:
		return http.StatusConflict
	case CodeTokenVerificationFailed, CodeInvalidCode, CodePasskeyClonedCredential:
		return http.StatusUnauthorized
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeNotAuthorized:
		return http.StatusForbidden
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
