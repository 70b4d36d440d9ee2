package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stemsi/examroom-backend/internal/config"
	"github.com/stemsi/examroom-backend/internal/model"
	"golang.org/x/crypto/bcrypt"
)

func newAuthService(expiry time.Duration) *AuthService {
	cfg := &config.Config{
		JWTSecret:  "test-secret",
		JWTExpiry:  expiry,
		BcryptCost: bcrypt.MinCost,
	}
	// No Redis: the proctor paths under test never touch the session
	// register.
	return NewAuthService(cfg, nil)
}

func TestHashAndCheckPassword(t *testing.T) {
	svc := newAuthService(time.Hour)

	hash, err := svc.HashPassword("rahasia123")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := svc.CheckPassword(hash, "rahasia123"); err != nil {
		t.Fatalf("CheckPassword: %v", err)
	}
	if err := svc.CheckPassword(hash, "salah"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestGenerateAndValidateToken(t *testing.T) {
	svc := newAuthService(time.Hour)
	user := &model.User{ID: 42, Username: "pak_guru", Role: model.RoleGuru}

	token, err := svc.GenerateToken(context.Background(), user)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.UserID != 42 || claims.Role != model.RoleGuru {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.Subject != "42" {
		t.Fatalf("subject = %q, want the user ID", claims.Subject)
	}
	if claims.ID == "" {
		t.Fatal("token must carry a JTI")
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	svc := newAuthService(time.Hour)
	user := &model.User{ID: 1, Role: model.RoleAdmin}

	token, err := svc.GenerateToken(context.Background(), user)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	other := newAuthService(time.Hour)
	other.cfg.JWTSecret = "another-secret"
	if _, err := other.ValidateToken(token); err == nil {
		t.Fatal("token signed with a different secret must not validate")
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	svc := newAuthService(-time.Minute)
	user := &model.User{ID: 1, Role: model.RoleGuru}

	token, err := svc.GenerateToken(context.Background(), user)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := svc.ValidateToken(token); err == nil {
		t.Fatal("expired token must not validate")
	}
}
