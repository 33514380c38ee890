package authn

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func withSecret(t *testing.T) {
	t.Helper()
	ResetSecretForTests()
	t.Setenv("AUTHGRID_AUTH_SECRET", "unit-test-secret")
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidate(t *testing.T) {
	withSecret(t)

	token, err := GenerateToken(42, "acme", 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	id, err := claims.PrincipalID()
	if err != nil || id != 42 {
		t.Fatalf("principal id = %d, err = %v", id, err)
	}
	if claims.TenantID != "acme" {
		t.Fatalf("tenant = %q", claims.TenantID)
	}
	if claims.ID == "" {
		t.Fatal("missing jti")
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	withSecret(t)

	token, err := GenerateToken(42, "acme", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + ".AAAA"
	if _, err := ParseAndValidate(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestMissingSecret(t *testing.T) {
	ResetSecretForTests()
	t.Setenv("AUTHGRID_AUTH_SECRET", "")
	t.Cleanup(ResetSecretForTests)
	if _, err := GenerateToken(1, "t", time.Minute); err == nil {
		t.Fatal("expected error without secret")
	}
}

func TestGenerateTokenValidation(t *testing.T) {
	withSecret(t)
	if _, err := GenerateToken(0, "t", time.Minute); err == nil {
		t.Fatal("zero principal accepted")
	}
	if _, err := GenerateToken(1, "t", 0); err == nil {
		t.Fatal("zero ttl accepted")
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := ContextWithPrincipal(context.Background(), Principal{ID: 7, TenantID: "acme"})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.ID != 7 || p.TenantID != "acme" {
		t.Fatalf("principal = %+v, ok = %v", p, ok)
	}
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatal("principal from empty context")
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("unexpected hash form: %s", hash)
	}
	if err := VerifyPassword(hash, "s3cret"); err != nil {
		t.Fatalf("correct password rejected: %v", err)
	}
	if err := VerifyPassword(hash, "wrong"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}

func TestPasswordHashMalformed(t *testing.T) {
	if err := VerifyPassword("not-a-hash", "x"); err == nil {
		t.Fatal("malformed hash accepted")
	}
}
