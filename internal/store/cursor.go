package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// SyncCursor persists the pull high-water mark per session scope (the technician username).
type SyncCursor struct {
	Scope         string    `gorm:"column:scope;primaryKey;size:190;not null"`
	HighWaterMark time.Time `gorm:"column:high_water_mark;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (SyncCursor) TableName() string {
	return "sync_cursors"
}

// HighWaterMark returns the stored pull cursor; zero means the scope has never completed a pass.
func (tx *Tx) HighWaterMark(scope string) (time.Time, error) {
	var cursor SyncCursor
	err := tx.db.Where("scope = ?", scope).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: read cursor %s: %w", scope, err)
	}
	return cursor.HighWaterMark.UTC(), nil
}

// SetHighWaterMark stores the pull cursor for the scope.
func (tx *Tx) SetHighWaterMark(scope string, mark time.Time) error {
	cursor := SyncCursor{Scope: scope, HighWaterMark: mark.UTC()}
	if err := tx.db.Save(&cursor).Error; err != nil {
		return fmt.Errorf("store: write cursor %s: %w", scope, err)
	}
	return nil
}
