package tracker

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/esasync/internal/records"
	"github.com/MarcoPoloResearchLab/esasync/internal/store"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

func (t *Tracker) deleteCustomer(tx *store.Tx, uuid string) error {
	if _, err := t.tombstone(tx, records.TableCustomers, uuid); err != nil {
		return err
	}
	destinations, err := tx.SelectLive(records.TableDestinations, "customer_uuid = ?", uuid)
	if err != nil {
		return err
	}
	for _, destination := range destinations {
		if err := t.deleteDestination(tx, destination.Meta().UUID); err != nil {
			return err
		}
	}
	t.logger.Info("customer deleted", zap.String("uuid", uuid), zap.Int("destinations", len(destinations)))
	return nil
}

func (t *Tracker) deleteDestination(tx *store.Tx, uuid string) error {
	if _, err := t.tombstone(tx, records.TableDestinations, uuid); err != nil {
		return err
	}
	devices, err := t.tombstoneWhere(tx, records.TableDevices, "destination_uuid = ?", uuid)
	if err != nil {
		return err
	}
	if len(devices) > 0 {
		t.logger.Info("devices deleted with destination", zap.String("destination_uuid", uuid), zap.Int("devices", len(devices)))
	}
	return nil
}

func (t *Tracker) deleteProfile(tx *store.Tx, uuid string) error {
	if _, err := t.tombstone(tx, records.TableProfiles, uuid); err != nil {
		return err
	}
	_, err := t.tombstoneWhere(tx, records.TableProfileTests, "profile_uuid = ?", uuid)
	return err
}

// TestDefinition is one entry of a profile's ordered test list.
type TestDefinition struct {
	Name              string
	Parameter         string
	Limits            datatypes.JSON
	IsAppliedPartTest bool
}

// SaveProfile creates the profile when it has no uuid and otherwise renames it. In both cases the
// previous tests are tombstoned and the given list is inserted under fresh uuids, in order.
func (t *Tracker) SaveProfile(ctx context.Context, profile *records.Profile, tests []TestDefinition) (string, error) {
	if strings.TrimSpace(profile.Name) == "" {
		return "", t.fail(opSaveProfile, records.TableProfiles, fmt.Errorf("%w: profile name is required", ErrInvalidInput))
	}
	var profileUUID string
	err := t.store.WithinTransaction(ctx, func(tx *store.Tx) error {
		if strings.TrimSpace(profile.UUID) == "" {
			assigned, err := t.insert(tx, profile)
			if err != nil {
				return err
			}
			profileUUID = assigned
		} else {
			if err := t.overwrite(tx, profile); err != nil {
				return err
			}
			profileUUID = profile.UUID
			if _, err := t.tombstoneWhere(tx, records.TableProfileTests, "profile_uuid = ?", profileUUID); err != nil {
				return err
			}
		}
		for position, definition := range tests {
			test := &records.ProfileTest{
				ProfileUUID:       profileUUID,
				Position:          position,
				Name:              definition.Name,
				Parameter:         definition.Parameter,
				Limits:            definition.Limits,
				IsAppliedPartTest: definition.IsAppliedPartTest,
			}
			if _, err := t.insert(tx, test); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", t.fail(opSaveProfile, records.TableProfiles, err)
	}
	return profileUUID, nil
}

// SetDefaultInstrument flags one live instrument as the default and clears the flag on all
// others. Every live instrument is re-stamped, matching how the flag is stored per row.
func (t *Tracker) SetDefaultInstrument(ctx context.Context, uuid string) error {
	err := t.store.WithinTransaction(ctx, func(tx *store.Tx) error {
		if _, err := tx.Get(records.TableInstruments, uuid); err != nil {
			return err
		}
		instruments, err := tx.List(records.TableInstruments)
		if err != nil {
			return err
		}
		now := tx.Now()
		for _, entity := range instruments {
			instrument := entity.(*records.Instrument)
			instrument.IsDefault = instrument.UUID == uuid
			instrument.LastModified = now
			instrument.State = records.StatePending
			if err := tx.Upsert(instrument); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return t.fail(opSetDefault, records.TableInstruments, err)
	}
	return nil
}

// SaveSignature stores the signature image for the username, replacing any live one.
func (t *Tracker) SaveSignature(ctx context.Context, username string, image []byte) (string, error) {
	trimmed := strings.TrimSpace(username)
	if trimmed == "" || len(image) == 0 {
		return "", t.fail(opSaveSig, records.TableSignatures, fmt.Errorf("%w: username and image are required", ErrInvalidInput))
	}
	var signatureUUID string
	err := t.store.WithinTransaction(ctx, func(tx *store.Tx) error {
		existing, err := tx.SelectLive(records.TableSignatures, "username = ?", trimmed)
		if err != nil {
			return err
		}
		signature := &records.Signature{Username: trimmed, ImageData: image}
		if len(existing) == 0 {
			signatureUUID, err = t.insert(tx, signature)
			return err
		}
		signature.UUID = existing[0].Meta().UUID
		signatureUUID = signature.UUID
		return t.overwrite(tx, signature)
	})
	if err != nil {
		return "", t.fail(opSaveSig, records.TableSignatures, err)
	}
	return signatureUUID, nil
}
