package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	apperrors "github.com/latchkey/latchkey/internal/platform/errors"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestService(t *testing.T, clock func() time.Time) *Service {
	t.Helper()
	svc, err := NewService(testSecret)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if clock != nil {
		svc.WithClock(clock)
	}
	return svc
}

func TestNewServiceRejectsShortSecret(t *testing.T) {
	if _, err := NewService([]byte("too short")); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestSignupRoundTrip(t *testing.T) {
	svc := newTestService(t, nil)
	signed, err := svc.IssueSignup("Ada", "ada@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := svc.VerifySignup(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Name != "Ada" || claims.Email != "ada@example.com" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	svc := newTestService(t, nil)
	signed, err := svc.IssueSession("user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := svc.VerifySession(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("UserID = %q, want %q", claims.UserID, "user-1")
	}
}

func TestKindConfusionRejected(t *testing.T) {
	svc := newTestService(t, nil)
	signed, err := svc.IssueSession("user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	// A valid session token must not verify as any other kind.
	if _, err := svc.VerifySignup(signed); !errors.Is(err, ErrVerification) {
		t.Fatalf("signup err = %v, want ErrVerification", err)
	}
	if _, err := svc.VerifyCodeVerification(signed); !errors.Is(err, ErrVerification) {
		t.Fatalf("code err = %v, want ErrVerification", err)
	}
	if _, err := svc.VerifyPasskeyDiscovery(signed); !errors.Is(err, ErrVerification) {
		t.Fatalf("discovery err = %v, want ErrVerification", err)
	}
}

func TestExpiredTokenRejectedGenerically(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, func() time.Time { return now })

	signed, err := svc.IssueCodeVerification("user-1", "", "attempt-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	now = now.Add(CodeVerificationTTL + time.Second)
	_, err = svc.VerifyCodeVerification(signed)
	if !errors.Is(err, ErrVerification) {
		t.Fatalf("err = %v, want ErrVerification", err)
	}
	// The generic code must not leak why verification failed.
	if got := apperrors.GetCode(err); got != apperrors.CodeTokenVerificationFailed {
		t.Fatalf("code = %q, want %q", got, apperrors.CodeTokenVerificationFailed)
	}
	if strings.Contains(err.Error(), "expired") {
		t.Fatalf("error message leaks expiry: %q", err.Error())
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	svc := newTestService(t, nil)
	signed, err := svc.IssueSession("user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	tampered := signed[:len(signed)-2] + "xx"
	if _, err := svc.VerifySession(tampered); !errors.Is(err, ErrVerification) {
		t.Fatalf("err = %v, want ErrVerification", err)
	}
}

func TestWrongSecretRejected(t *testing.T) {
	svc := newTestService(t, nil)
	other, err := NewService([]byte("ffffffffffffffffffffffffffffffff"))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	signed, err := other.IssueSession("user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.VerifySession(signed); !errors.Is(err, ErrVerification) {
		t.Fatalf("err = %v, want ErrVerification", err)
	}
}

func TestCodeVerificationSubjectShape(t *testing.T) {
	svc := newTestService(t, nil)

	if _, err := svc.IssueCodeVerification("user-1", "ada@example.com", "attempt-1"); err == nil {
		t.Fatal("expected error when both subjects are set")
	}
	if _, err := svc.IssueCodeVerification("", "", "attempt-1"); err == nil {
		t.Fatal("expected error when neither subject is set")
	}

	signed, err := svc.IssueCodeVerification("", "ada@example.com", "attempt-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := svc.VerifyCodeVerification(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Email != "ada@example.com" || claims.UserID != "" || claims.AuthAttemptID != "attempt-1" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestEmptyTokenRejected(t *testing.T) {
	svc := newTestService(t, nil)
	if _, err := svc.VerifySession("  "); !errors.Is(err, ErrVerification) {
		t.Fatalf("err = %v, want ErrVerification", err)
	}
}

func TestPasskeyChallengeRoundTrip(t *testing.T) {
	svc := newTestService(t, nil)
	signed, err := svc.IssuePasskeyChallenge("challenge-bytes", "user-1", "ada@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := svc.VerifyPasskeyChallenge(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Challenge != "challenge-bytes" || claims.UserID != "user-1" {
		t.Fatalf("claims = %+v", claims)
	}

	discovery, err := svc.IssuePasskeyDiscovery("challenge-bytes")
	if err != nil {
		t.Fatalf("issue discovery: %v", err)
	}
	// Discovery and targeted challenge tokens are not interchangeable.
	if _, err := svc.VerifyPasskeyChallenge(discovery); !errors.Is(err, ErrVerification) {
		t.Fatalf("err = %v, want ErrVerification", err)
	}
}
