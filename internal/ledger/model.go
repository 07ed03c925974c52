package ledger

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/esasync/internal/records"
)

// Entry is the server's current version of one record.
type Entry struct {
	RecordTable    string    `gorm:"column:record_table;primaryKey;size:64;not null;index:idx_entries_table_server,priority:1"`
	UUID           string    `gorm:"column:uuid;primaryKey;size:36;not null"`
	LastModified   time.Time `gorm:"column:last_modified;not null"`
	ServerModified time.Time `gorm:"column:server_modified;not null;index:idx_entries_table_server,priority:2"`
	IsDeleted      bool      `gorm:"column:is_deleted;not null;default:false"`
	PayloadJSON    string    `gorm:"column:payload_json;type:text;not null"`
	Version        int64     `gorm:"column:version;not null;default:1"`
	LastWriter     string    `gorm:"column:last_writer;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "ledger_entries"
}

// Record renders the entry in wire form.
func (e Entry) Record() records.Record {
	var payload json.RawMessage
	if e.PayloadJSON != "" {
		payload = json.RawMessage(e.PayloadJSON)
	}
	return records.Record{
		Table:        e.RecordTable,
		UUID:         e.UUID,
		LastModified: records.Timestamp(e.LastModified),
		IsDeleted:    e.IsDeleted,
		Payload:      payload,
	}
}

// Change is the append-only audit trail of accepted pushes.
type Change struct {
	ChangeID        string    `gorm:"column:change_id;primaryKey;size:190;not null"`
	RecordTable     string    `gorm:"column:record_table;size:64;not null;index:idx_changes_record,priority:1"`
	UUID            string    `gorm:"column:uuid;size:36;not null;index:idx_changes_record,priority:2"`
	AppliedAt       time.Time `gorm:"column:applied_at;not null;index"`
	Writer          string    `gorm:"column:writer;size:190;not null"`
	ClientModified  time.Time `gorm:"column:client_modified;not null"`
	IsDeleted       bool      `gorm:"column:is_deleted;not null;default:false"`
	PayloadJSON     string    `gorm:"column:payload_json;type:text;not null"`
	PreviousVersion *int64    `gorm:"column:prev_version"`
	NewVersion      *int64    `gorm:"column:new_version"`
}

// TableName provides the explicit table binding for GORM.
func (Change) TableName() string {
	return "ledger_changes"
}

// Models lists the ledger tables for schema migration.
func Models() []any {
	return []any{&Entry{}, &Change{}}
}

// ChangeRequest is one pushed record together with the technician who pushed it.
type ChangeRequest struct {
	Writer string
	Record records.Record
}

// ConflictOutcome captures the decision from resolveChange. A rejected change carries the
// unchanged stored entry and no audit record.
type ConflictOutcome struct {
	Accepted    bool
	Entry       *Entry
	AuditRecord *Change
}
