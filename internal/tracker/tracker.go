package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/esasync/internal/records"
	"github.com/MarcoPoloResearchLab/esasync/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrInvalidInput indicates that a mutation request is missing required domain fields.
	ErrInvalidInput = errors.New("tracker: invalid input")
	// ErrDuplicateSerial indicates that a serial number is already used by another active device.
	ErrDuplicateSerial = errors.New("tracker: serial number already used by an active device")
	// ErrImmutable indicates an attempt to edit a verification after it was recorded.
	ErrImmutable = errors.New("tracker: verifications cannot be edited")

	errMissingStore      = errors.New("record store is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
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
	opTrackerNew   = "tracker.new"
	opCreate       = "tracker.create"
	opUpdate       = "tracker.update"
	opDelete       = "tracker.delete"
	opSetStatus    = "tracker.set_device_status"
	opSaveProfile  = "tracker.save_profile"
	opSetDefault   = "tracker.set_default_instrument"
	opSaveSig      = "tracker.save_signature"
	opFullPush     = "tracker.mark_everything_for_full_push"
	reasonRejected = "rejected"
	reasonStore    = "store_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues record identities.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues random (version 4) UUIDs.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Config describes the dependencies of a Tracker.
type Config struct {
	Store      *store.Store
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Tracker applies domain mutations to the record store and maintains the sync envelope on every
// row it touches: creates get a fresh uuid, and every create, update or delete stamps
// last_modified and leaves the row unconfirmed.
type Tracker struct {
	store  *store.Store
	ids    IDProvider
	logger *zap.Logger
}

// New constructs a Tracker.
func New(cfg Config) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opTrackerNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opTrackerNew, "missing_id_provider", errMissingIDProvider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Tracker{store: cfg.Store, ids: cfg.IDProvider, logger: logger}, nil
}

// Create inserts a new entity under a fresh uuid and returns it. Devices, verifications and
// instruments are validated by their domain rules first.
func (t *Tracker) Create(ctx context.Context, entity records.Entity) (string, error) {
	var assigned string
	err := t.store.WithinTransaction(ctx, func(tx *store.Tx) error {
		var err error
		assigned, err = t.create(tx, entity)
		return err
	})
	if err != nil {
		return "", t.fail(opCreate, entity.TableName(), err)
	}
	return assigned, nil
}

// Update overwrites the domain fields of the live entity identified by its uuid.
func (t *Tracker) Update(ctx context.Context, entity records.Entity) error {
	err := t.store.WithinTransaction(ctx, func(tx *store.Tx) error {
		return t.update(tx, entity)
	})
	if err != nil {
		return t.fail(opUpdate, entity.TableName(), err)
	}
	return nil
}

// Delete tombstones the live row and, for customers, destinations and profiles, the rows they own.
func (t *Tracker) Delete(ctx context.Context, table, uuid string) error {
	err := t.store.WithinTransaction(ctx, func(tx *store.Tx) error {
		switch table {
		case records.TableCustomers:
			return t.deleteCustomer(tx, uuid)
		case records.TableDestinations:
			return t.deleteDestination(tx, uuid)
		case records.TableProfiles:
			return t.deleteProfile(tx, uuid)
		default:
			_, err := t.tombstone(tx, table, uuid)
			return err
		}
	})
	if err != nil {
		return t.fail(opDelete, table, err)
	}
	return nil
}

func (t *Tracker) create(tx *store.Tx, entity records.Entity) (string, error) {
	switch typed := entity.(type) {
	case *records.Customer:
		if strings.TrimSpace(typed.Name) == "" {
			return "", fmt.Errorf("%w: customer name is required", ErrInvalidInput)
		}
	case *records.Destination:
		if strings.TrimSpace(typed.Name) == "" {
			return "", fmt.Errorf("%w: destination name is required", ErrInvalidInput)
		}
		if _, err := tx.Get(records.TableCustomers, typed.CustomerUUID); err != nil {
			return "", fmt.Errorf("%w: customer %q: %v", ErrInvalidInput, typed.CustomerUUID, err)
		}
	case *records.Device:
		return t.addDevice(tx, typed)
	case *records.Verification:
		if _, err := tx.Get(records.TableDevices, typed.DeviceUUID); err != nil {
			return "", fmt.Errorf("%w: device %q: %v", ErrInvalidInput, typed.DeviceUUID, err)
		}
	case *records.Instrument:
		if strings.TrimSpace(typed.InstrumentName) == "" || strings.TrimSpace(typed.SerialNumber) == "" {
			return "", fmt.Errorf("%w: instrument name and serial number are required", ErrInvalidInput)
		}
	}
	return t.insert(tx, entity)
}

func (t *Tracker) update(tx *store.Tx, entity records.Entity) error {
	switch typed := entity.(type) {
	case *records.Verification:
		return ErrImmutable
	case *records.Customer:
		if strings.TrimSpace(typed.Name) == "" {
			return fmt.Errorf("%w: customer name is required", ErrInvalidInput)
		}
	case *records.Device:
		return t.updateDevice(tx, typed)
	}
	return t.overwrite(tx, entity)
}

// insert assigns the identity and envelope of a brand-new row.
func (t *Tracker) insert(tx *store.Tx, entity records.Entity) (string, error) {
	assigned, err := t.ids.NewID()
	if err != nil {
		return "", err
	}
	meta := entity.Meta()
	meta.ID = 0
	meta.UUID = assigned
	meta.LastModified = tx.Now()
	meta.State = records.StatePending
	if err := tx.Upsert(entity); err != nil {
		return "", err
	}
	return assigned, nil
}

// overwrite replaces the domain fields of a live row, keeping its uuid and local id.
func (t *Tracker) overwrite(tx *store.Tx, entity records.Entity) error {
	meta := entity.Meta()
	existing, err := tx.Get(entity.TableName(), meta.UUID)
	if err != nil {
		return err
	}
	meta.ID = existing.Meta().ID
	meta.LastModified = tx.Now()
	meta.State = records.StatePending
	return tx.Upsert(entity)
}

// tombstone soft-deletes a live row.
func (t *Tracker) tombstone(tx *store.Tx, table, uuid string) (records.Entity, error) {
	entity, err := tx.Get(table, uuid)
	if err != nil {
		return nil, err
	}
	meta := entity.Meta()
	meta.LastModified = tx.Now()
	meta.State = records.StateTombstonePending
	if err := tx.Upsert(entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// tombstoneWhere soft-deletes every live row of the table matching the condition.
func (t *Tracker) tombstoneWhere(tx *store.Tx, table, condition string, args ...any) ([]string, error) {
	entities, err := tx.SelectLive(table, condition, args...)
	if err != nil {
		return nil, err
	}
	removed := make([]string, 0, len(entities))
	for _, entity := range entities {
		if _, err := t.tombstone(tx, table, entity.Meta().UUID); err != nil {
			return nil, err
		}
		removed = append(removed, entity.Meta().UUID)
	}
	return removed, nil
}

func (t *Tracker) fail(operation, table string, err error) error {
	reason := reasonStore
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrDuplicateSerial) ||
		errors.Is(err, ErrImmutable) || errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, records.ErrInvalidUUID) || errors.Is(err, records.ErrUnknownTable) {
		reason = reasonRejected
		t.logger.Warn("tracker mutation rejected",
			zap.String("operation", operation),
			zap.String("table", table),
			zap.Error(err))
	} else {
		t.logError(operation, reason, err, zap.String("table", table))
	}
	return newServiceError(operation, reason, err)
}

func (t *Tracker) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	t.logger.Error("tracker error", attrs...)
}
