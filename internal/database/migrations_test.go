package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/esasync/internal/records"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsDeviceStatus(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(append(records.Models(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	device := records.Device{
		Envelope: records.Envelope{
			UUID:         "a3b9f3f8-31a3-4d0e-9b7a-6f1c2f6b1d11",
			LastModified: time.Unix(1700000000, 0).UTC(),
			State:        records.StateSynced,
		},
		SerialNumber: "SN-77",
	}
	if err := database.Create(&device).Error; err != nil {
		testContext.Fatalf("failed to insert device: %v", err)
	}
	if err := database.Model(&records.Device{}).Where("id = ?", device.ID).Update("status", "").Error; err != nil {
		testContext.Fatalf("failed to blank status: %v", err)
	}

	if err := applyMigrations(database, localMigrations(), zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored records.Device
	if err := database.Where("uuid = ?", device.UUID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload device: %v", err)
	}
	if stored.Status != records.DeviceStatusActive {
		testContext.Fatalf("expected status to be backfilled, got %q", stored.Status)
	}
	if stored.State != records.StateSynced {
		testContext.Fatalf("expected sync state to be untouched, got %q", stored.State)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillDeviceStatus).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, localMigrations(), zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-run to be a no-op: %v", err)
	}
	var count int64
	database.Model(&migrationRecord{}).Count(&count)
	if count != int64(len(localMigrations())) {
		testContext.Fatalf("expected %d migration records, got %d", len(localMigrations()), count)
	}
}

func TestOpenLocalCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "nested", "verifiche.db")

	database, err := OpenLocal(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open local database: %v", err)
	}
	for _, table := range records.Tables {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
	if !database.Migrator().HasTable("sync_cursors") {
		testContext.Fatalf("expected sync_cursors table to exist")
	}
}

func TestOpenServerRejectsUnknownDriver(testContext *testing.T) {
	if _, err := OpenServer("oracle", "dsn", nil); err == nil {
		testContext.Fatalf("expected unknown driver error")
	}
	if _, err := OpenServer(DriverSQLite, " ", nil); err == nil {
		testContext.Fatalf("expected missing dsn error")
	}
}
