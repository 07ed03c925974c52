package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/esasync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillDeviceStatus = "2025-06-10_backfill_device_status"
	migrationClearNullUUIDs       = "2025-06-10_clear_null_uuids"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func localMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillDeviceStatus, apply: backfillDeviceStatus},
		{name: migrationClearNullUUIDs, apply: clearNullUUIDs},
	}
}

func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Devices imported before commissioning was tracked carry no status.
func backfillDeviceStatus(db *gorm.DB) error {
	return db.Model(&records.Device{}).
		Where("status IS NULL OR status = ''").
		Update("status", records.DeviceStatusActive).Error
}

// Legacy rows may hold NULL uuids; the store treats empty as missing.
func clearNullUUIDs(db *gorm.DB) error {
	for _, table := range records.Tables {
		if err := db.Table(table).Where("uuid IS NULL").Update("uuid", "").Error; err != nil {
			return err
		}
	}
	return nil
}
