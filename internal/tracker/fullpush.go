package tracker

import (
	"context"

	"github.com/MarcoPoloResearchLab/esasync/internal/records"
	"github.com/MarcoPoloResearchLab/esasync/internal/store"
	"go.uber.org/zap"
)

// TableReport summarizes the forced re-push preparation of one table.
type TableReport struct {
	RowsMarked int64 `json:"rows_marked"`
	UUIDAdded  int64 `json:"uuid_added"`
}

// FullPushReport summarizes MarkEverythingForFullPush.
type FullPushReport struct {
	Tables            map[string]TableReport `json:"tables"`
	SerialsNormalized int64                  `json:"serials_normalized"`
}

// RowsMarked returns the total number of rows flagged across all tables.
func (r FullPushReport) RowsMarked() int64 {
	var total int64
	for _, table := range r.Tables {
		total += table.RowsMarked
	}
	return total
}

// MarkEverythingForFullPush prepares a complete re-upload without wiping anything. In one
// transaction it assigns uuids to legacy rows that lack one, blanks placeholder device serials, and
// marks every row of every table unconfirmed with last_modified = now.
func (t *Tracker) MarkEverythingForFullPush(ctx context.Context) (FullPushReport, error) {
	report := FullPushReport{Tables: make(map[string]TableReport, len(records.Tables))}
	err := t.store.WithinTransaction(ctx, func(tx *store.Tx) error {
		added := make(map[string]int64, len(records.Tables))
		for _, table := range records.Tables {
			count, err := tx.BackfillUUIDs(table, t.ids.NewID)
			if err != nil {
				return err
			}
			added[table] = count
		}

		normalized, err := normalizePlaceholderSerials(tx)
		if err != nil {
			return err
		}
		report.SerialsNormalized = normalized

		marked, err := tx.MarkAllDirty()
		if err != nil {
			return err
		}
		for _, table := range records.Tables {
			report.Tables[table] = TableReport{RowsMarked: marked[table], UUIDAdded: added[table]}
		}
		return nil
	})
	if err != nil {
		t.logError(opFullPush, reasonStore, err)
		return FullPushReport{}, newServiceError(opFullPush, reasonStore, err)
	}
	t.logger.Info("all records marked for full push",
		zap.Int64("rows_marked", report.RowsMarked()),
		zap.Int64("serials_normalized", report.SerialsNormalized))
	return report, nil
}

func normalizePlaceholderSerials(tx *store.Tx) (int64, error) {
	result := tx.DB().Model(&records.Device{}).
		Where("serial_number IS NULL OR (serial_number <> '' AND (TRIM(serial_number) = '' OR UPPER(TRIM(serial_number)) IN ?))", placeholderSerials).
		Update("serial_number", "")
	return result.RowsAffected, result.Error
}
