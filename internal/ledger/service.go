// Package ledger is the sync server's record store. It keeps the current version of every record
// pushed by any technician and answers pulls by server-side modification time.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/esasync/internal/protocol"
	"github.com/MarcoPoloResearchLab/esasync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingWriter     = errors.New("writer is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "ledger.service.new"
	opApply      = "ledger.apply"
	opPull       = "ledger.pull"

	// ReasonInvalidBatch marks a client error in the pushed batch.
	ReasonInvalidBatch = "invalid_batch"
	// ReasonInvalidTable marks a pull for a table outside the syncable set.
	ReasonInvalidTable = "invalid_table"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IsClientError reports whether err was caused by the request rather than by the server.
func IsClientError(err error) bool {
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		return false
	}
	code := serviceErr.Code()
	return code == opApply+"."+ReasonInvalidBatch ||
		code == opApply+"."+"missing_writer" ||
		code == opPull+"."+ReasonInvalidTable
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Apply resolves every record of the batch against the stored version in one transaction and
// returns one result per record in request order. Rejected records carry the stored version.
func (s *Service) Apply(ctx context.Context, writer string, batch protocol.PushRequest) (protocol.PushResponse, error) {
	if s.db == nil {
		s.logError(opApply, "missing_database", errMissingDatabase)
		return protocol.PushResponse{}, newServiceError(opApply, "missing_database", errMissingDatabase)
	}
	if writer == "" {
		return protocol.PushResponse{}, newServiceError(opApply, "missing_writer", errMissingWriter)
	}
	if err := batch.Validate(); err != nil {
		return protocol.PushResponse{}, newServiceError(opApply, ReasonInvalidBatch, err)
	}

	appliedAt := records.Timestamp(s.clock())
	response := protocol.PushResponse{
		Table:      batch.Table,
		Results:    make([]protocol.PushResult, 0, len(batch.Records)),
		ServerTime: appliedAt,
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, record := range batch.Records {
			var existing Entry
			var existingPtr *Entry
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("record_table = ? AND uuid = ?", batch.Table, record.UUID).
				Take(&existing).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				existingPtr = nil
			} else if err != nil {
				s.logError(opApply, "entry_select_failed", err,
					zap.String("table", batch.Table),
					zap.String("uuid", record.UUID))
				return newServiceError(opApply, "entry_select_failed", err)
			} else {
				existingPtr = &existing
			}

			outcome := resolveChange(existingPtr, ChangeRequest{Writer: writer, Record: record}, appliedAt)
			if !outcome.Accepted {
				serverVersion := outcome.Entry.Record()
				response.Results = append(response.Results, protocol.PushResult{
					UUID:          record.UUID,
					Accepted:      false,
					ServerVersion: &serverVersion,
				})
				continue
			}

			if err := tx.Save(outcome.Entry).Error; err != nil {
				s.logError(opApply, "entry_save_failed", err,
					zap.String("table", batch.Table),
					zap.String("uuid", record.UUID))
				return newServiceError(opApply, "entry_save_failed", err)
			}

			changeID, err := s.idProvider.NewID()
			if err != nil {
				s.logError(opApply, "id_generation_failed", err, zap.String("uuid", record.UUID))
				return newServiceError(opApply, "id_generation_failed", err)
			}
			outcome.AuditRecord.ChangeID = changeID
			if err := tx.Create(outcome.AuditRecord).Error; err != nil {
				s.logError(opApply, "audit_insert_failed", err,
					zap.String("table", batch.Table),
					zap.String("uuid", record.UUID))
				return newServiceError(opApply, "audit_insert_failed", err)
			}

			response.Results = append(response.Results, protocol.PushResult{UUID: record.UUID, Accepted: true})
		}
		return nil
	})

	if txErr != nil {
		return protocol.PushResponse{}, txErr
	}

	return response, nil
}

// Pull returns every entry of the table modified on the server at or after since, tombstones
// included. ServerTime is taken before the query so a later pull from it misses nothing.
func (s *Service) Pull(ctx context.Context, table string, since time.Time) (protocol.PullResponse, error) {
	if s.db == nil {
		s.logError(opPull, "missing_database", errMissingDatabase)
		return protocol.PullResponse{}, newServiceError(opPull, "missing_database", errMissingDatabase)
	}
	if !records.IsSyncable(table) {
		return protocol.PullResponse{}, newServiceError(opPull, ReasonInvalidTable, fmt.Errorf("%w: %q", records.ErrUnknownTable, table))
	}

	serverTime := records.Timestamp(s.clock())
	query := s.db.WithContext(ctx).Where("record_table = ?", table)
	if !since.IsZero() {
		query = query.Where("server_modified >= ?", records.Timestamp(since))
	}

	var entries []Entry
	if err := query.Order("server_modified ASC").Order("uuid ASC").Find(&entries).Error; err != nil {
		s.logError(opPull, "query_failed", err, zap.String("table", table))
		return protocol.PullResponse{}, newServiceError(opPull, "query_failed", err)
	}

	response := protocol.PullResponse{
		Table:      table,
		Records:    make([]records.Record, 0, len(entries)),
		ServerTime: serverTime,
	}
	for _, entry := range entries {
		response.Records = append(response.Records, entry.Record())
	}
	return response, nil
}

// History returns the audit trail of one record, oldest first.
func (s *Service) History(ctx context.Context, table, uuid string) ([]Change, error) {
	if s.db == nil {
		return nil, newServiceError(opPull, "missing_database", errMissingDatabase)
	}
	var changes []Change
	err := s.db.WithContext(ctx).
		Where("record_table = ? AND uuid = ?", table, uuid).
		Order("applied_at ASC").
		Order("change_id ASC").
		Find(&changes).Error
	if err != nil {
		s.logError("ledger.history", "query_failed", err, zap.String("table", table), zap.String("uuid", uuid))
		return nil, newServiceError("ledger.history", "query_failed", err)
	}
	return changes, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("ledger service error", attrs...)
}
