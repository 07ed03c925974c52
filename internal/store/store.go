package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/esasync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates that no row with the requested uuid exists in the table.
	ErrNotFound = errors.New("store: record not found")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	columnUUID         = "uuid"
	columnState        = "sync_state"
	columnLastModified = "last_modified"
	queryUUID          = columnUUID + " = ?"
	queryStateIn       = columnState + " IN ?"
	orderByID          = "id ASC"
)

// Config describes the dependencies of a Store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the local record store. Every read or write runs inside a scoped transaction that
// commits on normal return and rolls back on error or panic.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("store: %w", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Now returns the store clock reading normalized for last_modified.
func (s *Store) Now() time.Time {
	return records.Timestamp(s.clock())
}

// WithinTransaction runs fn inside one transaction. All writes made through tx are committed
// together when fn returns nil and discarded otherwise.
func (s *Store) WithinTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&Tx{db: db, now: s.Now})
	})
	if err != nil {
		s.logger.Debug("store transaction rolled back", zap.Error(err))
	}
	return err
}

// DirtyRecords returns every unconfirmed record of the table, tombstones included.
func (s *Store) DirtyRecords(ctx context.Context, table string) ([]records.Record, error) {
	var result []records.Record
	err := s.WithinTransaction(ctx, func(tx *Tx) error {
		var err error
		result, err = tx.DirtyRecords(table)
		return err
	})
	return result, err
}

// GetByUUID returns the wire form of the row with the uuid, tombstones included.
func (s *Store) GetByUUID(ctx context.Context, table, uuid string) (*records.Record, error) {
	var result *records.Record
	err := s.WithinTransaction(ctx, func(tx *Tx) error {
		var err error
		result, err = tx.Record(table, uuid)
		return err
	})
	return result, err
}

// Find returns the entity with the uuid, tombstones included.
func (s *Store) Find(ctx context.Context, table, uuid string) (records.Entity, error) {
	var result records.Entity
	err := s.WithinTransaction(ctx, func(tx *Tx) error {
		var err error
		result, err = tx.Find(table, uuid)
		return err
	})
	return result, err
}

// Get returns a live entity; tombstones are reported as ErrNotFound.
func (s *Store) Get(ctx context.Context, table, uuid string) (records.Entity, error) {
	var result records.Entity
	err := s.WithinTransaction(ctx, func(tx *Tx) error {
		var err error
		result, err = tx.Get(table, uuid)
		return err
	})
	return result, err
}

// List returns the live rows of the table.
func (s *Store) List(ctx context.Context, table string) ([]records.Entity, error) {
	var result []records.Entity
	err := s.WithinTransaction(ctx, func(tx *Tx) error {
		var err error
		result, err = tx.List(table)
		return err
	})
	return result, err
}

// UpsertByUUID inserts or fully updates the entity keyed by its uuid.
func (s *Store) UpsertByUUID(ctx context.Context, entity records.Entity) error {
	return s.WithinTransaction(ctx, func(tx *Tx) error {
		return tx.Upsert(entity)
	})
}

// MarkSynced confirms the row if its last_modified still equals the pushed value.
func (s *Store) MarkSynced(ctx context.Context, table, uuid string, pushed time.Time) (bool, error) {
	var marked bool
	err := s.WithinTransaction(ctx, func(tx *Tx) error {
		var err error
		marked, err = tx.MarkSynced(table, uuid, pushed)
		return err
	})
	return marked, err
}

// MarkAllDirty flags every row of every syncable table as unconfirmed.
func (s *Store) MarkAllDirty(ctx context.Context) (map[string]int64, error) {
	var result map[string]int64
	err := s.WithinTransaction(ctx, func(tx *Tx) error {
		var err error
		result, err = tx.MarkAllDirty()
		return err
	})
	return result, err
}

// HighWaterMark returns the pull cursor stored for the scope; zero means never synced.
func (s *Store) HighWaterMark(ctx context.Context, scope string) (time.Time, error) {
	var result time.Time
	err := s.WithinTransaction(ctx, func(tx *Tx) error {
		var err error
		result, err = tx.HighWaterMark(scope)
		return err
	})
	return result, err
}

// CountStates returns the number of rows in each sync state for the table.
func (s *Store) CountStates(ctx context.Context, table string) (map[records.State]int64, error) {
	var result map[records.State]int64
	err := s.WithinTransaction(ctx, func(tx *Tx) error {
		var err error
		result, err = tx.CountStates(table)
		return err
	})
	return result, err
}
