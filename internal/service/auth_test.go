package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTRoundTrip(t *testing.T) {
	auth := NewAuthService("test-secret-key-for-jwt")
	ctx := context.Background()

	token, err := auth.IssueJWT(ctx, "owner-42", "owner@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	principal, err := auth.ValidateJWT(ctx, token)
	if err != nil {
		t.Fatalf("ValidateJWT: %v", err)
	}
	if principal.OwnerID != "owner-42" {
		t.Errorf("OwnerID: got %q, want owner-42", principal.OwnerID)
	}
	if principal.Email != "owner@example.com" {
		t.Errorf("Email: got %q", principal.Email)
	}
}

func TestJWTExpired(t *testing.T) {
	auth := NewAuthService("secret")
	ctx := context.Background()

	token, err := auth.IssueJWT(ctx, "o", "", -time.Hour)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}
	if _, err := auth.ValidateJWT(ctx, token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestJWTInvalidToken(t *testing.T) {
	auth := NewAuthService("secret")
	if _, err := auth.ValidateJWT(context.Background(), "garbage.token.here"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestJWTWrongSecret(t *testing.T) {
	token, _ := NewAuthService("one").IssueJWT(context.Background(), "o", "", time.Hour)
	if _, err := NewAuthService("two").ValidateJWT(context.Background(), token); err == nil {
		t.Fatal("expected error for token signed with another secret")
	}
}

func TestJWTRequiresSubject(t *testing.T) {
	secret := []byte("secret")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewAuthService("secret").ValidateJWT(context.Background(), token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials without subject, got %v", err)
	}
}

func TestJWTRejectsNoneAlgorithm(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "o",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewAuthService("secret").ValidateJWT(context.Background(), token); err == nil {
		t.Fatal("unsigned token must be rejected")
	}
}
