package users

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/esasync/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:users_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Account{}); err != nil {
		t.Fatalf("failed to migrate account schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000000, 0) },
		BcryptCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestAuthenticateReturnsIdentity(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	account, err := service.Create(ctx, NewAccount{Username: " MRossi ", FullName: "Mario Rossi", Role: auth.RoleTechnician, Password: "correct horse"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if account.Username != "mrossi" {
		t.Fatalf("expected normalized username, got %q", account.Username)
	}
	if account.PasswordHash == "correct horse" {
		t.Fatalf("password must not be stored in clear")
	}

	identity, err := service.Authenticate(ctx, "mrossi", "correct horse")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if identity.Username != "mrossi" || identity.Role != auth.RoleTechnician || identity.FullName != "Mario Rossi" {
		t.Fatalf("unexpected identity %+v", identity)
	}

	var stored Account
	if err := db.First(&stored, "username = ?", "mrossi").Error; err != nil {
		t.Fatalf("failed to load account: %v", err)
	}
	if stored.LastLoginAt == nil {
		t.Fatalf("expected last login to be recorded")
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	if _, err := service.Create(ctx, NewAccount{Username: "mrossi", Role: auth.RoleTechnician, Password: "correct horse"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := service.Authenticate(ctx, "mrossi", "wrong password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := service.Authenticate(ctx, "nobody", "correct horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}

	if err := service.SetDisabled(ctx, "mrossi", true); err != nil {
		t.Fatalf("disable failed: %v", err)
	}
	if _, err := service.Authenticate(ctx, "mrossi", "correct horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected disabled account to be rejected, got %v", err)
	}
}

func TestCreateValidatesAccounts(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	cases := []NewAccount{
		{Username: "", Role: auth.RoleTechnician, Password: "long enough"},
		{Username: "mrossi", Role: "guest", Password: "long enough"},
		{Username: "mrossi", Role: auth.RoleTechnician, Password: "short"},
	}
	for _, request := range cases {
		if _, err := service.Create(ctx, request); !errors.Is(err, ErrInvalidAccount) {
			t.Fatalf("expected invalid account for %+v, got %v", request, err)
		}
	}

	if _, err := service.Create(ctx, NewAccount{Username: "admin", Role: auth.RoleAdmin, Password: "long enough"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := service.Create(ctx, NewAccount{Username: "ADMIN", Role: auth.RoleAdmin, Password: "long enough"}); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected duplicate to be rejected, got %v", err)
	}
}
