package filehandshake

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	m := NewManager("test-secret", time.Minute, "qrelay")
	token, err := m.IssueRequestToken("conn-123")
	if err != nil {
		t.Fatalf("IssueRequestToken: %v", err)
	}
	claims, err := m.VerifyRequestToken(token)
	if err != nil {
		t.Fatalf("VerifyRequestToken: %v", err)
	}
	if claims.ConnectionID != "conn-123" {
		t.Fatalf("ConnectionID = %q, want %q", claims.ConnectionID, "conn-123")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewManager("secret-a", time.Minute, "qrelay")
	verifier := NewManager("secret-b", time.Minute, "qrelay")

	token, err := issuer.IssueRequestToken("conn-123")
	if err != nil {
		t.Fatalf("IssueRequestToken: %v", err)
	}
	if _, err := verifier.VerifyRequestToken(token); err == nil {
		t.Fatal("expected verification to fail with mismatched secret")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m := NewManager("test-secret", -time.Second, "qrelay")
	token, err := m.IssueRequestToken("conn-123")
	if err != nil {
		t.Fatalf("IssueRequestToken: %v", err)
	}
	if _, err := m.VerifyRequestToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("VerifyRequestToken err = %v, want ErrExpiredToken", err)
	}
}
