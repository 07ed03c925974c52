package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/esasync/internal/auth"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	// ErrInvalidCredentials indicates an unknown username, a wrong password or a disabled account.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrInvalidAccount indicates missing or malformed account fields.
	ErrInvalidAccount = errors.New("users: invalid account")
	// ErrAccountExists indicates that the username is taken.
	ErrAccountExists = errors.New("users: account already exists")
)

const minPasswordLength = 8

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	BcryptCost int
}

// Service manages technician accounts and verifies their passwords.
type Service struct {
	db        *gorm.DB
	now       func() time.Time
	cost      int
	dummyHash []byte
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("users: bcrypt cost %d out of range", cost)
	}
	// Unknown usernames are compared against this hash so both paths cost the same.
	dummyHash, err := bcrypt.GenerateFromPassword([]byte("esasync-unknown-user"), cost)
	if err != nil {
		return nil, fmt.Errorf("users: prepare hash: %w", err)
	}
	return &Service{
		db:        cfg.Database,
		now:       clock,
		cost:      cost,
		dummyHash: dummyHash,
	}, nil
}

// NewAccount describes an account to create.
type NewAccount struct {
	Username string
	FullName string
	Role     string
	Password string
}

// Create stores a new account with a bcrypt password hash.
func (s *Service) Create(ctx context.Context, request NewAccount) (Account, error) {
	username := normalizeUsername(request.Username)
	role := normalize(request.Role)
	switch {
	case username == "":
		return Account{}, fmt.Errorf("%w: username is required", ErrInvalidAccount)
	case !auth.ValidRole(role):
		return Account{}, fmt.Errorf("%w: unknown role %q", ErrInvalidAccount, role)
	case len(request.Password) < minPasswordLength:
		return Account{}, fmt.Errorf("%w: password must have at least %d characters", ErrInvalidAccount, minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(request.Password), s.cost)
	if err != nil {
		return Account{}, fmt.Errorf("users: hash password: %w", err)
	}
	account := Account{
		Username:     username,
		FullName:     normalize(request.FullName),
		Role:         role,
		PasswordHash: string(hash),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&Account{}).Where("username = ?", username).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("%w: %s", ErrAccountExists, username)
		}
		return tx.Create(&account).Error
	})
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// Authenticate verifies the password and returns the identity to put in the token.
func (s *Service) Authenticate(ctx context.Context, username, password string) (auth.Identity, error) {
	var account Account
	err := s.db.WithContext(ctx).
		Where("username = ?", normalizeUsername(username)).
		First(&account).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return auth.Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		return auth.Identity{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return auth.Identity{}, ErrInvalidCredentials
	}
	if account.Disabled {
		return auth.Identity{}, ErrInvalidCredentials
	}

	_ = s.db.WithContext(ctx).Model(&Account{}).
		Where("username = ?", account.Username).
		Update("last_login_at", s.now().UTC()).
		Error

	return auth.Identity{Username: account.Username, FullName: account.FullName, Role: account.Role}, nil
}

// SetDisabled blocks or re-enables logins for the account.
func (s *Service) SetDisabled(ctx context.Context, username string, disabled bool) error {
	result := s.db.WithContext(ctx).Model(&Account{}).
		Where("username = ?", normalizeUsername(username)).
		Update("disabled", disabled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrInvalidCredentials, username)
	}
	return nil
}
