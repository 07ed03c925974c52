package tracker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/esasync/internal/records"
	"github.com/MarcoPoloResearchLab/esasync/internal/store"
	"go.uber.org/zap"
)

// placeholderSerials are the values technicians type when a device has no readable serial.
var placeholderSerials = []string{
	"N.P.", "NP", "N/A", "NA", "NON PRESENTE", "-",
	"SENZA SN", "NO SN", "MANCA SN", "N/D", "MANCANTE", "ND",
}

// NormalizeSerial upper-cases and trims the serial number and maps placeholders to empty.
func NormalizeSerial(serial string) string {
	normalized := strings.ToUpper(strings.TrimSpace(serial))
	if IsPlaceholderSerial(normalized) {
		return ""
	}
	return normalized
}

// IsPlaceholderSerial reports whether the value stands for "no serial number".
func IsPlaceholderSerial(serial string) bool {
	normalized := strings.ToUpper(strings.TrimSpace(serial))
	if normalized == "" {
		return true
	}
	for _, placeholder := range placeholderSerials {
		if normalized == placeholder {
			return true
		}
	}
	return false
}

// CheckActiveSerial fails with ErrDuplicateSerial when another active, non-deleted device holds the
// serial number. Placeholder serials never collide.
func CheckActiveSerial(tx *store.Tx, serial, selfUUID string) error {
	normalized := NormalizeSerial(serial)
	if normalized == "" {
		return nil
	}
	holders, err := tx.SelectLive(records.TableDevices,
		"UPPER(TRIM(serial_number)) = ? AND status <> ? AND uuid <> ?",
		normalized, records.DeviceStatusDecommissioned, selfUUID)
	if err != nil {
		return err
	}
	if len(holders) > 0 {
		return fmt.Errorf("%w: %s held by device %s", ErrDuplicateSerial, normalized, holders[0].Meta().UUID)
	}
	return nil
}

// CheckSerialCollisions applies the active-serial rule to the devices table as it stands, for the
// serials now held by the given devices. Collisions that involve none of them are not reported.
func CheckSerialCollisions(tx *store.Tx, uuids []string) error {
	if len(uuids) == 0 {
		return nil
	}
	touched, err := tx.SelectLive(records.TableDevices, "uuid IN ? AND status <> ?",
		uuids, records.DeviceStatusDecommissioned)
	if err != nil {
		return err
	}
	serials := make([]string, 0, len(touched))
	seen := make(map[string]struct{}, len(touched))
	for _, entity := range touched {
		serial := NormalizeSerial(entity.(*records.Device).SerialNumber)
		if _, duplicate := seen[serial]; serial == "" || duplicate {
			continue
		}
		seen[serial] = struct{}{}
		serials = append(serials, serial)
	}
	if len(serials) == 0 {
		return nil
	}
	sort.Strings(serials)

	active, err := tx.SelectLive(records.TableDevices, "UPPER(TRIM(serial_number)) IN ? AND status <> ?",
		serials, records.DeviceStatusDecommissioned)
	if err != nil {
		return err
	}
	holders := make(map[string][]string, len(serials))
	for _, entity := range active {
		serial := NormalizeSerial(entity.(*records.Device).SerialNumber)
		holders[serial] = append(holders[serial], entity.Meta().UUID)
	}
	var collisions []string
	for _, serial := range serials {
		if len(holders[serial]) > 1 {
			sort.Strings(holders[serial])
			collisions = append(collisions, fmt.Sprintf("%s held by devices %s", serial, strings.Join(holders[serial], ", ")))
		}
	}
	if len(collisions) > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateSerial, strings.Join(collisions, "; "))
	}
	return nil
}

func (t *Tracker) addDevice(tx *store.Tx, device *records.Device) (string, error) {
	device.SerialNumber = NormalizeSerial(device.SerialNumber)
	if device.Status == "" {
		device.Status = records.DeviceStatusActive
	}
	if strings.TrimSpace(device.DestinationUUID) != "" {
		if _, err := tx.Get(records.TableDestinations, device.DestinationUUID); err != nil {
			return "", fmt.Errorf("%w: destination %q: %v", ErrInvalidInput, device.DestinationUUID, err)
		}
	}
	if device.SerialNumber == "" {
		return t.insert(tx, device)
	}
	if err := CheckActiveSerial(tx, device.SerialNumber, ""); err != nil {
		return "", err
	}

	twins, err := tx.Select(records.TableDevices,
		"serial_number = ? AND sync_state IN ?",
		device.SerialNumber, []records.State{records.StateTombstonePending, records.StateTombstoneSynced})
	if err != nil {
		return "", err
	}
	if len(twins) == 0 {
		return t.insert(tx, device)
	}

	twin := twins[len(twins)-1].Meta()
	t.logger.Warn("reactivating deleted device with matching serial",
		zap.String("uuid", twin.UUID),
		zap.String("serial_number", device.SerialNumber))
	device.ID = twin.ID
	device.UUID = twin.UUID
	device.LastModified = tx.Now()
	device.State = records.StatePending
	device.Status = records.DeviceStatusActive
	if err := tx.Upsert(device); err != nil {
		return "", err
	}
	return twin.UUID, nil
}

func (t *Tracker) updateDevice(tx *store.Tx, device *records.Device) error {
	existing, err := tx.Get(records.TableDevices, device.UUID)
	if err != nil {
		return err
	}
	device.SerialNumber = NormalizeSerial(device.SerialNumber)
	if device.Status == "" {
		device.Status = existing.(*records.Device).Status
	}
	if device.Status != records.DeviceStatusDecommissioned {
		if err := CheckActiveSerial(tx, device.SerialNumber, device.UUID); err != nil {
			return err
		}
	}
	return t.overwrite(tx, device)
}

// SetDeviceStatus decommissions or reactivates a device without touching its deletion state.
func (t *Tracker) SetDeviceStatus(ctx context.Context, uuid string, status records.DeviceStatus) error {
	if status != records.DeviceStatusActive && status != records.DeviceStatusDecommissioned {
		return t.fail(opSetStatus, records.TableDevices, fmt.Errorf("%w: status %q", ErrInvalidInput, status))
	}
	err := t.store.WithinTransaction(ctx, func(tx *store.Tx) error {
		entity, err := tx.Get(records.TableDevices, uuid)
		if err != nil {
			return err
		}
		device := entity.(*records.Device)
		if status == records.DeviceStatusActive {
			if err := CheckActiveSerial(tx, device.SerialNumber, device.UUID); err != nil {
				return err
			}
		}
		device.Status = status
		device.LastModified = tx.Now()
		device.State = records.StatePending
		return tx.Upsert(device)
	})
	if err != nil {
		return t.fail(opSetStatus, records.TableDevices, err)
	}
	t.logger.Info("device status changed", zap.String("uuid", uuid), zap.String("status", string(status)))
	return nil
}
