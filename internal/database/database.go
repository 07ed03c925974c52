package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarcoPoloResearchLab/esasync/internal/records"
	"github.com/MarcoPoloResearchLab/esasync/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	// DriverSQLite selects the embedded SQLite driver.
	DriverSQLite = "sqlite"
	// DriverPostgres selects the Postgres driver.
	DriverPostgres = "postgres"

	sqlitePragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
)

var (
	errMissingPath   = errors.New("database: path is required")
	errUnknownDriver = errors.New("database: unknown driver")
)

// OpenLocal opens the technician's embedded database, creating its directory when needed, and
// migrates every syncable table plus the pull cursors. A single connection serializes writers so
// CRUD and sync transactions never interleave.
func OpenLocal(path string, logger *zap.Logger) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errMissingPath
	}
	if !isMemoryDSN(trimmed) {
		if err := os.MkdirAll(filepath.Dir(trimmed), 0o700); err != nil {
			return nil, fmt.Errorf("database: create directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(withPragmas(trimmed)), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", trimmed, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	models := append(records.Models(), &store.SyncCursor{}, &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return nil, fmt.Errorf("database: migrate local schema: %w", err)
	}
	if err := applyMigrations(db, localMigrations(), logger); err != nil {
		return nil, fmt.Errorf("database: apply local migrations: %w", err)
	}
	return db, nil
}

// OpenServer opens the reference server's database with the named driver and migrates the
// provided models.
func OpenServer(driver, dsn string, logger *zap.Logger, models ...any) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errMissingPath
	}

	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite, "":
		dialector = sqlite.Open(withPragmas(trimmed))
	case DriverPostgres:
		dialector = postgres.Open(trimmed)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownDriver, driver)
	}

	db, err := gorm.Open(dialector, gormConfig())
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", driver, err)
	}
	if dialector.Name() == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(append(models, &migrationRecord{})...); err != nil {
		return nil, fmt.Errorf("database: migrate server schema: %w", err)
	}
	if logger != nil {
		logger.Info("server database ready", zap.String("driver", dialector.Name()))
	}
	return db, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + sqlitePragmas
}

func isMemoryDSN(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}
