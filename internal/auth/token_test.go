package auth

import (
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("test-secret")
	claims := Claims{
		Sub:    "usr_1",
		Handle: "bob",
		JTI:    "jti_1",
		Exp:    time.Now().Add(time.Hour).Unix(),
	}

	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	parsed, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if parsed.Sub != claims.Sub || parsed.Handle != claims.Handle || parsed.JTI != claims.JTI {
		t.Errorf("claims mismatch: %+v", parsed)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken(secret, Claims{Sub: "usr_1", Handle: "bob", JTI: "jti_1", Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if _, err := ParseToken([]byte("other-secret"), token); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
	if _, err := ParseToken(secret, token+"x"); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken for mangled signature, got %v", err)
	}
}

func TestParseTokenExpired(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken(secret, Claims{Sub: "usr_1", Handle: "bob", JTI: "jti_1", Exp: time.Now().Add(-time.Minute).Unix()})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if _, err := ParseToken(secret, token); err != ErrExpiredToken {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}
