package identity

import (
	"errors"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"branchledger/backend/internal/domain"
)

func TestIssueAndVerifyActor(t *testing.T) {
	provider, err := NewProvider("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	token, expiresAt, err := provider.Issue(domain.Actor{BranchID: "branch-1", ActorID: "clerk-7"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !expiresAt.After(time.Now()) {
		t.Fatalf("expected expiry in the future, got %s", expiresAt)
	}

	actor, err := provider.Actor(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if actor.BranchID != "branch-1" || actor.ActorID != "clerk-7" {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestActorRejectsForeignAndExpiredTokens(t *testing.T) {
	provider, _ := NewProvider("test-secret", time.Hour)
	other, _ := NewProvider("other-secret", time.Hour)

	token, _, err := other.Issue(domain.Actor{BranchID: "branch-1", ActorID: "clerk-7"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := provider.Actor(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign secret, got %v", err)
	}

	expired, _ := NewProvider("test-secret", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, _, err = expired.Issue(domain.Actor{BranchID: "branch-1", ActorID: "clerk-7"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := provider.Actor(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestActorRejectsTokenWithoutBranch(t *testing.T) {
	provider, _ := NewProvider("test-secret", time.Hour)
	claims := jwtlib.RegisteredClaims{
		Subject:   "clerk-7",
		Issuer:    issuer,
		ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := provider.Actor(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken without branch claim, got %v", err)
	}
}

func TestNewProviderRequiresSecret(t *testing.T) {
	if _, err := NewProvider("  ", time.Hour); err == nil {
		t.Fatalf("expected error for blank secret")
	}
}
