package ledger

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/esasync/internal/records"
)

var storedAt = time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)

func storedEntry() *Entry {
	return &Entry{
		RecordTable:    records.TableDevices,
		UUID:           "d-1",
		LastModified:   storedAt,
		ServerModified: storedAt,
		PayloadJSON:    `{"description":"stored"}`,
		Version:        2,
		LastWriter:     "mrossi",
	}
}

func incomingChange(modified time.Time, deleted bool, payload string) ChangeRequest {
	return ChangeRequest{
		Writer: "lbianchi",
		Record: records.Record{
			Table:        records.TableDevices,
			UUID:         "d-1",
			LastModified: modified,
			IsDeleted:    deleted,
			Payload:      []byte(payload),
		},
	}
}

func TestResolveChangeAcceptsNewRecord(t *testing.T) {
	appliedAt := storedAt.Add(time.Hour)
	outcome := resolveChange(nil, incomingChange(storedAt, false, `{"description":"new"}`), appliedAt)
	if !outcome.Accepted {
		t.Fatalf("expected change to be accepted")
	}
	if outcome.Entry.Version != 1 {
		t.Fatalf("expected first version, got %d", outcome.Entry.Version)
	}
	if !outcome.Entry.ServerModified.Equal(appliedAt) {
		t.Fatalf("expected server_modified %s, got %s", appliedAt, outcome.Entry.ServerModified)
	}
	if outcome.AuditRecord == nil || outcome.AuditRecord.PreviousVersion != nil {
		t.Fatalf("expected audit record without previous version: %#v", outcome.AuditRecord)
	}
}

func TestResolveChangeBreaksTieByLastModified(t *testing.T) {
	tests := []struct {
		name             string
		clientModified   time.Time
		expectAcceptance bool
		expectedVersion  int64
	}{
		{name: "client-newer", clientModified: storedAt.Add(time.Minute), expectAcceptance: true, expectedVersion: 3},
		{name: "server-newer", clientModified: storedAt.Add(-time.Minute), expectAcceptance: false, expectedVersion: 2},
		{name: "equal-timestamp", clientModified: storedAt, expectAcceptance: true, expectedVersion: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := resolveChange(storedEntry(), incomingChange(tt.clientModified, false, `{"description":"incoming"}`), storedAt.Add(time.Hour))
			if outcome.Accepted != tt.expectAcceptance {
				t.Fatalf("acceptance mismatch, want %v got %v", tt.expectAcceptance, outcome.Accepted)
			}
			if outcome.Entry.Version != tt.expectedVersion {
				t.Fatalf("unexpected version %d", outcome.Entry.Version)
			}
			if !tt.expectAcceptance {
				if outcome.AuditRecord != nil {
					t.Fatalf("audit record should be nil when rejecting change")
				}
				if outcome.Entry.PayloadJSON != `{"description":"stored"}` {
					t.Fatalf("rejected change must return the stored payload, got %s", outcome.Entry.PayloadJSON)
				}
				return
			}
			if outcome.Entry.LastWriter != "lbianchi" {
				t.Fatalf("expected last writer to update")
			}
			if outcome.AuditRecord.PreviousVersion == nil || *outcome.AuditRecord.PreviousVersion != 2 {
				t.Fatalf("unexpected previous version pointer: %#v", outcome.AuditRecord.PreviousVersion)
			}
		})
	}
}

func TestResolveChangeTombstoneWithoutPayloadKeepsContent(t *testing.T) {
	outcome := resolveChange(storedEntry(), incomingChange(storedAt.Add(time.Minute), true, ""), storedAt.Add(time.Hour))
	if !outcome.Accepted {
		t.Fatalf("expected tombstone to be accepted")
	}
	if !outcome.Entry.IsDeleted {
		t.Fatalf("accepted tombstone should mark entry as deleted")
	}
	if outcome.Entry.PayloadJSON != `{"description":"stored"}` {
		t.Fatalf("expected stored payload to survive, got %s", outcome.Entry.PayloadJSON)
	}
}
