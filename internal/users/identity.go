package users

import (
	"strings"
	"time"
)

// Account is a technician allowed to log in to the sync server.
type Account struct {
	Username     string     `gorm:"column:username;primaryKey;size:190;not null"`
	FullName     string     `gorm:"column:full_name;size:320"`
	Role         string     `gorm:"column:role;size:32;not null"`
	PasswordHash string     `gorm:"column:password_hash;size:255;not null"`
	Disabled     bool       `gorm:"column:disabled;not null;default:false"`
	LastLoginAt  *time.Time `gorm:"column:last_login_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing technician accounts.
func (Account) TableName() string {
	return "technician_accounts"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}

// normalizeUsername folds usernames to the case they are stored in.
func normalizeUsername(value string) string {
	return strings.ToLower(normalize(value))
}
