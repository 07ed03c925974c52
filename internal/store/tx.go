package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/esasync/internal/records"
	"gorm.io/gorm"
)

// Tx is the view of the store inside one scoped transaction.
type Tx struct {
	db  *gorm.DB
	now func() time.Time
}

// DB exposes the transaction handle for domain queries that the generic accessors do not cover.
func (tx *Tx) DB() *gorm.DB {
	return tx.db
}

// Now returns the normalized clock reading used for last_modified stamps.
func (tx *Tx) Now() time.Time {
	return tx.now()
}

type lister func(query *gorm.DB) ([]records.Entity, error)

var listers = map[string]lister{
	records.TableCustomers:     listRows[records.Customer],
	records.TableDestinations:  listRows[records.Destination],
	records.TableDevices:       listRows[records.Device],
	records.TableVerifications: listRows[records.Verification],
	records.TableProfiles:      listRows[records.Profile],
	records.TableProfileTests:  listRows[records.ProfileTest],
	records.TableInstruments:   listRows[records.Instrument],
	records.TableSignatures:    listRows[records.Signature],
}

func listRows[T any, P interface {
	*T
	records.Entity
}](query *gorm.DB) ([]records.Entity, error) {
	var rows []T
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	entities := make([]records.Entity, len(rows))
	for index := range rows {
		entities[index] = P(&rows[index])
	}
	return entities, nil
}

func listerFor(table string) (lister, error) {
	list, ok := listers[table]
	if !ok {
		return nil, fmt.Errorf("%w: %q", records.ErrUnknownTable, table)
	}
	return list, nil
}

// Select returns the rows of the table matching the condition, tombstones included, in local insertion order.
func (tx *Tx) Select(table string, condition string, args ...any) ([]records.Entity, error) {
	list, err := listerFor(table)
	if err != nil {
		return nil, err
	}
	query := tx.db.Order(orderByID)
	if strings.TrimSpace(condition) != "" {
		query = query.Where(condition, args...)
	}
	entities, err := list(query)
	if err != nil {
		return nil, fmt.Errorf("store: select %s: %w", table, err)
	}
	return entities, nil
}

// SelectLive is Select restricted to rows that are not tombstones.
func (tx *Tx) SelectLive(table string, condition string, args ...any) ([]records.Entity, error) {
	list, err := listerFor(table)
	if err != nil {
		return nil, err
	}
	query := tx.db.Order(orderByID).Where(queryStateIn, records.LiveStates)
	if strings.TrimSpace(condition) != "" {
		query = query.Where(condition, args...)
	}
	entities, err := list(query)
	if err != nil {
		return nil, fmt.Errorf("store: select live %s: %w", table, err)
	}
	return entities, nil
}

// List returns the live rows of the table.
func (tx *Tx) List(table string) ([]records.Entity, error) {
	return tx.SelectLive(table, "")
}

// DirtyRecords returns the wire form of every unconfirmed row, tombstones included.
// Legacy rows that still lack a uuid are skipped until they are repaired.
func (tx *Tx) DirtyRecords(table string) ([]records.Record, error) {
	entities, err := tx.Select(table, queryStateIn+" AND "+columnUUID+" <> ''", records.DirtyStates)
	if err != nil {
		return nil, err
	}
	dirty := make([]records.Record, 0, len(entities))
	for _, entity := range entities {
		record, err := records.FromEntity(entity)
		if err != nil {
			return nil, err
		}
		dirty = append(dirty, record)
	}
	return dirty, nil
}

// Find returns the row with the uuid, tombstones included.
func (tx *Tx) Find(table, uuid string) (records.Entity, error) {
	entity, err := records.New(table)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(uuid) == "" {
		return nil, fmt.Errorf("%w: empty", records.ErrInvalidUUID)
	}
	err = tx.db.Where(queryUUID, uuid).Take(entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, table, uuid)
	}
	if err != nil {
		return nil, fmt.Errorf("store: find %s %s: %w", table, uuid, err)
	}
	return entity, nil
}

// Get returns a live row; tombstones are reported as ErrNotFound.
func (tx *Tx) Get(table, uuid string) (records.Entity, error) {
	entity, err := tx.Find(table, uuid)
	if err != nil {
		return nil, err
	}
	if entity.Meta().State.IsDeleted() {
		return nil, fmt.Errorf("%w: %s %s is deleted", ErrNotFound, table, uuid)
	}
	return entity, nil
}

// Record returns the wire form of the row with the uuid, tombstones included.
func (tx *Tx) Record(table, uuid string) (*records.Record, error) {
	entity, err := tx.Find(table, uuid)
	if err != nil {
		return nil, err
	}
	record, err := records.FromEntity(entity)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Upsert inserts the entity when its uuid is unknown and otherwise overwrites every column of the
// existing row, keeping the local numeric id. The envelope is written exactly as given.
func (tx *Tx) Upsert(entity records.Entity) error {
	meta := entity.Meta()
	if strings.TrimSpace(meta.UUID) == "" {
		return fmt.Errorf("%w: empty", records.ErrInvalidUUID)
	}
	if err := meta.State.Validate(); err != nil {
		return err
	}
	meta.LastModified = records.Timestamp(meta.LastModified)

	existing, err := tx.Find(entity.TableName(), meta.UUID)
	switch {
	case errors.Is(err, ErrNotFound):
		meta.ID = 0
		if err := tx.db.Create(entity).Error; err != nil {
			return fmt.Errorf("store: insert %s %s: %w", entity.TableName(), meta.UUID, err)
		}
		return nil
	case err != nil:
		return err
	}

	meta.ID = existing.Meta().ID
	if err := tx.db.Save(entity).Error; err != nil {
		return fmt.Errorf("store: update %s %s: %w", entity.TableName(), meta.UUID, err)
	}
	return nil
}

// ApplyRecord writes the record content verbatim under its uuid and returns the stored entity.
func (tx *Tx) ApplyRecord(record records.Record, synced bool) (records.Entity, error) {
	entity, err := record.Decode(synced)
	if err != nil {
		return nil, err
	}
	if err := tx.Upsert(entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// MarkSynced confirms the row when its last_modified still equals the pushed value. A row edited
// after it was collected, or one that no longer exists, is left untouched and reported false.
func (tx *Tx) MarkSynced(table, uuid string, pushed time.Time) (bool, error) {
	entity, err := tx.Find(table, uuid)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	meta := entity.Meta()
	if !meta.LastModified.Equal(records.Timestamp(pushed)) {
		return false, nil
	}
	if meta.State.IsSynced() {
		return true, nil
	}
	if err := tx.db.Model(entity).Update(columnState, meta.State.Confirmed()).Error; err != nil {
		return false, fmt.Errorf("store: mark synced %s %s: %w", table, uuid, err)
	}
	return true, nil
}

// Touch bumps last_modified to now, or just past supersede when the clock lags behind it, and marks
// the row unconfirmed without changing domain fields.
func (tx *Tx) Touch(table, uuid string, supersede time.Time) (records.Entity, error) {
	entity, err := tx.Find(table, uuid)
	if err != nil {
		return nil, err
	}
	meta := entity.Meta()
	meta.LastModified = tx.Now()
	if floor := records.Timestamp(supersede).Add(time.Microsecond); meta.LastModified.Before(floor) {
		meta.LastModified = floor
	}
	meta.State = meta.State.Dirtied()
	err = tx.db.Model(entity).Updates(map[string]any{
		columnLastModified: meta.LastModified,
		columnState:        meta.State,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("store: touch %s %s: %w", table, uuid, err)
	}
	return entity, nil
}

// MarkAllDirty flags every row of every syncable table unconfirmed with last_modified = now and
// returns the number of rows marked per table. Tombstones stay tombstones.
func (tx *Tx) MarkAllDirty() (map[string]int64, error) {
	now := tx.Now()
	dirtied := gorm.Expr(
		"CASE WHEN "+columnState+" IN (?, ?) THEN ? ELSE ? END",
		records.StateTombstonePending, records.StateTombstoneSynced,
		records.StateTombstonePending, records.StatePending,
	)
	marked := make(map[string]int64, len(records.Tables))
	for _, table := range records.Tables {
		result := tx.db.Table(table).Where("1 = 1").Updates(map[string]any{
			columnState:        dirtied,
			columnLastModified: now,
		})
		if result.Error != nil {
			return nil, fmt.Errorf("store: mark dirty %s: %w", table, result.Error)
		}
		marked[table] = result.RowsAffected
	}
	return marked, nil
}

// BackfillUUIDs assigns a fresh uuid to every row of the table that has none.
func (tx *Tx) BackfillUUIDs(table string, newID func() (string, error)) (int64, error) {
	if !records.IsSyncable(table) {
		return 0, fmt.Errorf("%w: %q", records.ErrUnknownTable, table)
	}
	var localIDs []int64
	err := tx.db.Table(table).
		Where(columnUUID+" IS NULL OR "+columnUUID+" = ''").
		Order(orderByID).
		Pluck("id", &localIDs).Error
	if err != nil {
		return 0, fmt.Errorf("store: scan missing uuids %s: %w", table, err)
	}
	for _, localID := range localIDs {
		value, err := newID()
		if err != nil {
			return 0, err
		}
		if err := tx.db.Table(table).Where("id = ?", localID).Update(columnUUID, value).Error; err != nil {
			return 0, fmt.Errorf("store: assign uuid %s %d: %w", table, localID, err)
		}
	}
	return int64(len(localIDs)), nil
}

// Wipe physically removes every row of every syncable table and all pull cursors.
// Only a full reset may call it; ordinary deletion is always a tombstone.
func (tx *Tx) Wipe() (map[string]int64, error) {
	removed := make(map[string]int64, len(records.Tables))
	for index := len(records.Tables) - 1; index >= 0; index-- {
		table := records.Tables[index]
		model, _ := records.New(table)
		result := tx.db.Where("1 = 1").Delete(model)
		if result.Error != nil {
			return nil, fmt.Errorf("store: wipe %s: %w", table, result.Error)
		}
		removed[table] = result.RowsAffected
	}
	if err := tx.db.Where("1 = 1").Delete(&SyncCursor{}).Error; err != nil {
		return nil, fmt.Errorf("store: wipe cursors: %w", err)
	}
	return removed, nil
}

// CountStates returns the number of rows in each sync state for the table.
func (tx *Tx) CountStates(table string) (map[records.State]int64, error) {
	if !records.IsSyncable(table) {
		return nil, fmt.Errorf("%w: %q", records.ErrUnknownTable, table)
	}
	var rows []struct {
		State records.State `gorm:"column:sync_state"`
		Total int64         `gorm:"column:total"`
	}
	err := tx.db.Table(table).
		Select(columnState + ", COUNT(*) AS total").
		Group(columnState).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: count states %s: %w", table, err)
	}
	counts := make(map[records.State]int64, len(rows))
	for _, row := range rows {
		counts[row.State] = row.Total
	}
	return counts, nil
}
