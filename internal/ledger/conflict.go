package ledger

import (
	"time"

	"github.com/MarcoPoloResearchLab/esasync/internal/records"
)

// resolveChange applies last-write-wins on the client's last_modified. Equal timestamps are
// accepted so a client can re-push a version the server already holds.
func resolveChange(existing *Entry, change ChangeRequest, appliedAt time.Time) ConflictOutcome {
	incoming := change.Record
	clientModified := records.Timestamp(incoming.LastModified)

	stored := Entry{
		RecordTable: incoming.Table,
		UUID:        incoming.UUID,
	}
	if existing != nil {
		stored = *existing
	}

	if existing != nil && clientModified.Before(records.Timestamp(stored.LastModified)) {
		copyStored := stored
		return ConflictOutcome{Accepted: false, Entry: &copyStored}
	}

	updated := stored
	updated.LastModified = clientModified
	updated.ServerModified = records.Timestamp(appliedAt)
	updated.IsDeleted = incoming.IsDeleted
	updated.LastWriter = change.Writer
	if len(incoming.Payload) > 0 {
		updated.PayloadJSON = string(incoming.Payload)
	}

	nextVersion := stored.Version + 1
	if nextVersion <= 0 {
		nextVersion = 1
	}
	updated.Version = nextVersion

	audit := &Change{
		RecordTable:    updated.RecordTable,
		UUID:           updated.UUID,
		AppliedAt:      updated.ServerModified,
		Writer:         change.Writer,
		ClientModified: clientModified,
		IsDeleted:      updated.IsDeleted,
		PayloadJSON:    updated.PayloadJSON,
		NewVersion:     pointerTo(updated.Version),
	}
	if stored.Version > 0 {
		audit.PreviousVersion = pointerTo(stored.Version)
	}

	return ConflictOutcome{Accepted: true, Entry: &updated, AuditRecord: audit}
}

func pointerTo(value int64) *int64 {
	v := value
	return &v
}
