// Package session holds the authenticated technician for one client process. A Session is created
// on login or restored from disk and passed explicitly to whatever needs the bearer token.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/esasync/internal/auth"
	"github.com/MarcoPoloResearchLab/esasync/internal/protocol"
	"go.uber.org/zap"
)

const fileName = "session.json"

var (
	// ErrNoSession indicates that nobody is logged in.
	ErrNoSession = errors.New("session: not logged in")
	// ErrExpired indicates that the stored token is past its expiry.
	ErrExpired = errors.New("session: token expired")
	// ErrIncomplete indicates a login answer or session file without username or token.
	ErrIncomplete = errors.New("session: username and token are required")
)

// Session is the authenticated technician.
type Session struct {
	Username  string    `json:"username"`
	FullName  string    `json:"full_name"`
	Role      string    `json:"role"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// FromLogin builds a session from the server's login answer. Role and expiry are taken from the
// token claims when the answer omits them.
func FromLogin(response protocol.LoginResponse) (*Session, error) {
	current := &Session{
		Username: strings.TrimSpace(response.Username),
		FullName: strings.TrimSpace(response.FullName),
		Role:     strings.TrimSpace(response.Role),
		Token:    strings.TrimSpace(response.AccessToken),
	}
	if current.Token == "" {
		return nil, ErrIncomplete
	}
	claims, err := auth.ReadClaims(current.Token)
	if err != nil {
		return nil, fmt.Errorf("session: unreadable token: %w", err)
	}
	if current.Username == "" {
		current.Username = claims.Subject
	}
	if current.Role == "" {
		current.Role = claims.Role
	}
	if current.FullName == "" {
		current.FullName = claims.FullName
	}
	if claims.ExpiresAt != nil {
		current.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	if err := current.validate(); err != nil {
		return nil, err
	}
	return current, nil
}

// Expired reports whether the token is past its expiry at now. Tokens without expiry never expire.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Scope keys per-technician local state such as the pull cursor.
func (s *Session) Scope() string {
	return s.Username
}

// DisplayName prefers the full name.
func (s *Session) DisplayName() string {
	if s.FullName != "" {
		return s.FullName
	}
	return s.Username
}

func (s *Session) validate() error {
	if strings.TrimSpace(s.Username) == "" || strings.TrimSpace(s.Token) == "" {
		return ErrIncomplete
	}
	return nil
}

// FileStore persists the session in the client's data directory.
type FileStore struct {
	path   string
	clock  func() time.Time
	logger *zap.Logger
}

// NewFileStore returns a store for <dataDir>/session.json.
func NewFileStore(dataDir string, clock func() time.Time, logger *zap.Logger) *FileStore {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: filepath.Join(dataDir, fileName), clock: clock, logger: logger}
}

// Path returns the session file location.
func (f *FileStore) Path() string {
	return f.path
}

// Load restores the session. A missing file yields ErrNoSession; an unreadable file is removed and
// also yields ErrNoSession; an expired token yields the session together with ErrExpired.
func (f *FileStore) Load() (*Session, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w", f.path, err)
	}
	var restored Session
	if err := json.Unmarshal(raw, &restored); err != nil || restored.validate() != nil {
		f.logger.Warn("discarding unreadable session file", zap.String("path", f.path), zap.Error(err))
		_ = f.Clear()
		return nil, ErrNoSession
	}
	if restored.Expired(f.clock()) {
		return &restored, ErrExpired
	}
	return &restored, nil
}

// Save writes the session atomically with owner-only permissions.
func (f *FileStore) Save(current *Session) error {
	if current == nil {
		return ErrNoSession
	}
	if err := current.validate(); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("session: create directory: %w", err)
	}
	temporary := f.path + ".tmp"
	if err := os.WriteFile(temporary, encoded, 0o600); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	if err := os.Rename(temporary, f.path); err != nil {
		return fmt.Errorf("session: replace: %w", err)
	}
	return nil
}

// Clear removes the session file; clearing an absent session is not an error.
func (f *FileStore) Clear() error {
	err := os.Remove(f.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("session: remove: %w", err)
	}
	return nil
}
