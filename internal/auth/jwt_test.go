package auth

import (
	"errors"
	"testing"
	"time"
)

func TestJWTServiceIssueValidate(t *testing.T) {
	service := NewJWTService("secret", time.Hour, 24*time.Hour)
	pair, err := service.Issue(&User{ID: "user-1", Name: "User"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	user, err := service.Validate(pair.Access, TokenAccess)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if user.ID != "user-1" {
		t.Fatalf("expected user id, got %q", user.ID)
	}
	if user.Name != "User" {
		t.Fatalf("expected name, got %q", user.Name)
	}
	if _, err := service.Validate(pair.Refresh, TokenRefresh); err != nil {
		t.Fatalf("Validate(refresh) error = %v", err)
	}
}

func TestJWTServiceRejects(t *testing.T) {
	service := NewJWTService("secret", time.Hour, time.Hour)
	pair, err := service.Issue(&User{ID: "user-1"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	other := NewJWTService("other", time.Hour, time.Hour)
	otherPair, err := other.Issue(&User{ID: "user-1"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	expired := NewJWTService("secret", time.Minute, time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expiredPair, err := expired.Issue(&User{ID: "user-1"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	tests := []struct {
		name      string
		token     string
		tokenType string
	}{
		{name: "refresh used as access", token: pair.Refresh, tokenType: TokenAccess},
		{name: "access used as refresh", token: pair.Access, tokenType: TokenRefresh},
		{name: "wrong secret", token: otherPair.Access, tokenType: TokenAccess},
		{name: "expired", token: expiredPair.Access, tokenType: TokenAccess},
		{name: "garbage", token: "not-a-token", tokenType: TokenAccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := service.Validate(tt.token, tt.tokenType); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("Validate() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTServiceRequiresUser(t *testing.T) {
	service := NewJWTService("secret", time.Hour, time.Hour)
	if _, err := service.Issue(&User{}); err == nil {
		t.Fatal("expected error for empty user id")
	}
	var disabled *JWTService
	if _, err := disabled.Issue(&User{ID: "x"}); !errors.Is(err, ErrAuthDisabled) {
		t.Fatalf("Issue() error = %v, want ErrAuthDisabled", err)
	}
}
