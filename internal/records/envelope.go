package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidState indicates that a persisted sync state is not one of the known values.
	ErrInvalidState = errors.New("records: invalid sync state")
	// ErrInvalidUUID indicates that a record identifier is empty or malformed.
	ErrInvalidUUID = errors.New("records: invalid uuid")
	// ErrUnknownTable indicates that a table name is not part of the syncable set.
	ErrUnknownTable = errors.New("records: unknown table")
	// ErrTableMismatch indicates that a record was decoded into an entity of another table.
	ErrTableMismatch = errors.New("records: table mismatch")
)

// State is the per-record sync state. It replaces the is_synced/is_deleted flag pair so that
// only the four meaningful combinations can be stored.
type State string

const (
	// StatePending marks a live record with local changes the server has not confirmed.
	StatePending State = "pending"
	// StateSynced marks a live record matching the last known server state.
	StateSynced State = "synced"
	// StateTombstonePending marks a soft-deleted record whose deletion has not been pushed.
	StateTombstonePending State = "tombstone_pending"
	// StateTombstoneSynced marks a soft-deleted record whose deletion the server has accepted.
	StateTombstoneSynced State = "tombstone_synced"
)

var (
	// DirtyStates lists the states selected by a dirty-record scan.
	DirtyStates = []State{StatePending, StateTombstonePending}
	// LiveStates lists the states visible to ordinary (non-sync) reads.
	LiveStates = []State{StatePending, StateSynced}
)

// NewState maps the legacy flag pair onto a State.
func NewState(deleted, synced bool) State {
	switch {
	case deleted && synced:
		return StateTombstoneSynced
	case deleted:
		return StateTombstonePending
	case synced:
		return StateSynced
	default:
		return StatePending
	}
}

// ParseState validates raw input and returns a State.
func ParseState(raw string) (State, error) {
	state := State(strings.TrimSpace(raw))
	if err := state.Validate(); err != nil {
		return "", err
	}
	return state, nil
}

// Validate reports whether the state is one of the known values.
func (s State) Validate() error {
	switch s {
	case StatePending, StateSynced, StateTombstonePending, StateTombstoneSynced:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidState, string(s))
	}
}

// IsSynced reports whether the local state matches the last known server state.
func (s State) IsSynced() bool {
	return s == StateSynced || s == StateTombstoneSynced
}

// IsDeleted reports whether the record is a tombstone.
func (s State) IsDeleted() bool {
	return s == StateTombstonePending || s == StateTombstoneSynced
}

// Dirtied returns the unconfirmed counterpart of the state, keeping deletion.
func (s State) Dirtied() State {
	return NewState(s.IsDeleted(), false)
}

// Confirmed returns the synced counterpart of the state, keeping deletion.
func (s State) Confirmed() State {
	return NewState(s.IsDeleted(), true)
}

// String returns the persisted representation.
func (s State) String() string {
	return string(s)
}

// Envelope is the sync metadata shared by every syncable entity. The numeric ID is local-only
// and never leaves the store; UUID is the join key with the server.
type Envelope struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	UUID         string    `gorm:"column:uuid;size:36;index" json:"-"`
	LastModified time.Time `gorm:"column:last_modified;not null;index" json:"-"`
	State        State     `gorm:"column:sync_state;size:24;not null;default:pending;index" json:"-"`
}

// Meta exposes the envelope of the embedding entity.
func (e *Envelope) Meta() *Envelope {
	return e
}

// Entity is implemented by every syncable model.
type Entity interface {
	TableName() string
	Meta() *Envelope
}

// Timestamp normalizes a time to the precision and zone used for last_modified.
func Timestamp(value time.Time) time.Time {
	return value.UTC().Truncate(time.Microsecond)
}

// Record is the wire representation of one syncable row.
type Record struct {
	Table        string          `json:"table"`
	UUID         string          `json:"uuid"`
	LastModified time.Time       `json:"last_modified"`
	IsDeleted    bool            `json:"is_deleted"`
	Payload      json.RawMessage `json:"payload"`
}

// FromEntity builds the wire record for an entity.
func FromEntity(entity Entity) (Record, error) {
	meta := entity.Meta()
	if strings.TrimSpace(meta.UUID) == "" {
		return Record{}, fmt.Errorf("%w: empty", ErrInvalidUUID)
	}
	payload, err := json.Marshal(entity)
	if err != nil {
		return Record{}, fmt.Errorf("records: encode %s %s: %w", entity.TableName(), meta.UUID, err)
	}
	return Record{
		Table:        entity.TableName(),
		UUID:         meta.UUID,
		LastModified: Timestamp(meta.LastModified),
		IsDeleted:    meta.State.IsDeleted(),
		Payload:      payload,
	}, nil
}

// Decode materializes the record into a fresh entity of its table. The returned entity carries
// the record's uuid and last_modified and the requested sync confirmation; its local ID is zero.
func (r Record) Decode(synced bool) (Entity, error) {
	entity, err := New(r.Table)
	if err != nil {
		return nil, err
	}
	if err := r.DecodeInto(entity, synced); err != nil {
		return nil, err
	}
	return entity, nil
}

// DecodeInto overwrites the domain fields and envelope of entity with the record content.
func (r Record) DecodeInto(entity Entity, synced bool) error {
	if entity.TableName() != r.Table {
		return fmt.Errorf("%w: %s into %s", ErrTableMismatch, r.Table, entity.TableName())
	}
	if strings.TrimSpace(r.UUID) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUUID)
	}
	localID := entity.Meta().ID
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, entity); err != nil {
			return fmt.Errorf("records: decode %s %s: %w", r.Table, r.UUID, err)
		}
	}
	meta := entity.Meta()
	meta.ID = localID
	meta.UUID = r.UUID
	meta.LastModified = Timestamp(r.LastModified)
	meta.State = NewState(r.IsDeleted, synced)
	return nil
}

// Key identifies a record across tables.
type Key struct {
	Table string
	UUID  string
}

// Key returns the cross-table identity of the record.
func (r Record) Key() Key {
	return Key{Table: r.Table, UUID: r.UUID}
}

// Fields decodes the payload into a generic map, for display.
func (r Record) Fields() (map[string]any, error) {
	fields := map[string]any{}
	if len(r.Payload) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(r.Payload, &fields); err != nil {
		return nil, fmt.Errorf("records: decode %s %s: %w", r.Table, r.UUID, err)
	}
	return fields, nil
}
