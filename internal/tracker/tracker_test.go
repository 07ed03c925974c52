package tracker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/esasync/internal/database"
	"github.com/MarcoPoloResearchLab/esasync/internal/records"
	"github.com/MarcoPoloResearchLab/esasync/internal/store"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", s.next), nil
}

type tickingClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

type fixture struct {
	tracker *Tracker
	store   *store.Store
	db      *gorm.DB
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, err := database.OpenLocal(filepath.Join(t.TempDir(), "verifiche.db"), nil)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	clock := &tickingClock{current: time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)}
	recordStore, err := store.New(store.Config{Database: db, Clock: clock.Now})
	require.NoError(t, err)
	changeTracker, err := New(Config{Store: recordStore, IDProvider: &sequenceIDs{}})
	require.NoError(t, err)
	return fixture{tracker: changeTracker, store: recordStore, db: db}
}

func (f fixture) seedDestination(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	customerUUID, err := f.tracker.Create(ctx, &records.Customer{Name: "Ospedale San Maurizio"})
	require.NoError(t, err)
	destinationUUID, err := f.tracker.Create(ctx, &records.Destination{CustomerUUID: customerUUID, Name: "Radiologia"})
	require.NoError(t, err)
	return destinationUUID
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{IDProvider: NewUUIDProvider()})
	require.Error(t, err)

	f := newFixture(t)
	_, err = New(Config{Store: f.store})
	require.Error(t, err)
}

func TestMutationsKeepUUIDAndLeaveRecordDirty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.tracker.Create(ctx, &records.Customer{Name: "Clinica Alpina"})
	require.NoError(t, err)
	entity, err := f.store.Find(ctx, records.TableCustomers, created)
	require.NoError(t, err)
	require.Equal(t, records.StatePending, entity.Meta().State)
	createdAt := entity.Meta().LastModified

	_, err = f.store.MarkSynced(ctx, records.TableCustomers, created, createdAt)
	require.NoError(t, err)

	update := &records.Customer{Name: "Clinica Alpina Srl", Email: "info@alpina.example"}
	update.UUID = created
	require.NoError(t, f.tracker.Update(ctx, update))
	entity, err = f.store.Find(ctx, records.TableCustomers, created)
	require.NoError(t, err)
	require.Equal(t, created, entity.Meta().UUID)
	require.Equal(t, records.StatePending, entity.Meta().State)
	require.True(t, entity.Meta().LastModified.After(createdAt))
	updatedAt := entity.Meta().LastModified

	_, err = f.store.MarkSynced(ctx, records.TableCustomers, created, updatedAt)
	require.NoError(t, err)

	require.NoError(t, f.tracker.Delete(ctx, records.TableCustomers, created))
	entity, err = f.store.Find(ctx, records.TableCustomers, created)
	require.NoError(t, err)
	require.Equal(t, created, entity.Meta().UUID)
	require.Equal(t, records.StateTombstonePending, entity.Meta().State)
	require.True(t, entity.Meta().LastModified.After(updatedAt))

	dirty, err := f.store.DirtyRecords(ctx, records.TableCustomers)
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	require.True(t, dirty[0].IsDeleted)

	live, err := f.store.List(ctx, records.TableCustomers)
	require.NoError(t, err)
	require.Empty(t, live)

	err = f.tracker.Update(ctx, update)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateRejectsMissingName(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.Create(context.Background(), &records.Customer{Name: "  "})
	require.ErrorIs(t, err, ErrInvalidInput)

	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	require.Equal(t, "tracker.create.rejected", serviceErr.Code())
}

func TestNormalizeSerial(t *testing.T) {
	testCases := map[string]string{
		" sn-123 ":     "SN-123",
		"n/a":          "",
		"Non Presente": "",
		"-":            "",
		"":             "",
		"NDX":          "NDX",
	}
	for input, want := range testCases {
		require.Equal(t, want, NormalizeSerial(input), input)
	}
}

func TestAddDeviceEnforcesActiveSerialUniqueness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	destinationUUID := f.seedDestination(t)

	first, err := f.tracker.Create(ctx, &records.Device{DestinationUUID: destinationUUID, SerialNumber: "ab-100"})
	require.NoError(t, err)

	_, err = f.tracker.Create(ctx, &records.Device{DestinationUUID: destinationUUID, SerialNumber: " AB-100 "})
	require.ErrorIs(t, err, ErrDuplicateSerial)

	_, err = f.tracker.Create(ctx, &records.Device{DestinationUUID: destinationUUID, SerialNumber: "N/A"})
	require.NoError(t, err)
	_, err = f.tracker.Create(ctx, &records.Device{DestinationUUID: destinationUUID, SerialNumber: "n.p."})
	require.NoError(t, err)

	require.NoError(t, f.tracker.SetDeviceStatus(ctx, first, records.DeviceStatusDecommissioned))
	second, err := f.tracker.Create(ctx, &records.Device{DestinationUUID: destinationUUID, SerialNumber: "AB-100"})
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	err = f.tracker.SetDeviceStatus(ctx, first, records.DeviceStatusActive)
	require.ErrorIs(t, err, ErrDuplicateSerial)
}

func TestCheckSerialCollisionsJudgesTheResultingTable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	modified := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	device := func(uuid, serial string, status records.DeviceStatus) *records.Device {
		return &records.Device{
			Envelope:     records.Envelope{UUID: uuid, LastModified: modified, State: records.StateSynced},
			SerialNumber: serial,
			Status:       status,
		}
	}
	require.NoError(t, f.store.UpsertByUUID(ctx, device("legacy-1", "OLD-1", records.DeviceStatusActive)))
	require.NoError(t, f.store.UpsertByUUID(ctx, device("legacy-2", "OLD-1", records.DeviceStatusActive)))
	require.NoError(t, f.store.UpsertByUUID(ctx, device("aaa", "S1", records.DeviceStatusActive)))
	require.NoError(t, f.store.UpsertByUUID(ctx, device("bbb", "s1 ", records.DeviceStatusActive)))
	require.NoError(t, f.store.UpsertByUUID(ctx, device("ccc", "S2", records.DeviceStatusDecommissioned)))
	require.NoError(t, f.store.UpsertByUUID(ctx, device("ddd", "S2", records.DeviceStatusActive)))
	require.NoError(t, f.store.UpsertByUUID(ctx, device("eee", "N/A", records.DeviceStatusActive)))
	require.NoError(t, f.store.UpsertByUUID(ctx, device("fff", "n/a", records.DeviceStatusActive)))

	err := f.store.WithinTransaction(ctx, func(tx *store.Tx) error {
		require.NoError(t, CheckSerialCollisions(tx, nil))
		require.NoError(t, CheckSerialCollisions(tx, []string{"ddd", "eee", "fff"}))

		err := CheckSerialCollisions(tx, []string{"bbb", "ddd"})
		require.ErrorIs(t, err, ErrDuplicateSerial)
		require.Contains(t, err.Error(), "S1 held by devices aaa, bbb")
		require.NotContains(t, err.Error(), "OLD-1")
		return nil
	})
	require.NoError(t, err)
}

func TestAddDeviceReactivatesDeletedTwin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	destinationUUID := f.seedDestination(t)

	original, err := f.tracker.Create(ctx, &records.Device{DestinationUUID: destinationUUID, SerialNumber: "PUMP-7", Description: "old"})
	require.NoError(t, err)
	require.NoError(t, f.tracker.Delete(ctx, records.TableDevices, original))

	revived, err := f.tracker.Create(ctx, &records.Device{DestinationUUID: destinationUUID, SerialNumber: "pump-7", Description: "new"})
	require.NoError(t, err)
	require.Equal(t, original, revived)

	entity, err := f.store.Get(ctx, records.TableDevices, revived)
	require.NoError(t, err)
	device := entity.(*records.Device)
	require.Equal(t, "new", device.Description)
	require.Equal(t, records.StatePending, device.State)
	require.Equal(t, records.DeviceStatusActive, device.Status)

	var rows int64
	require.NoError(t, f.db.Model(&records.Device{}).Count(&rows).Error)
	require.Equal(t, int64(1), rows)
}

func TestDeleteCustomerCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	destinationUUID := f.seedDestination(t)
	destination, err := f.store.Get(ctx, records.TableDestinations, destinationUUID)
	require.NoError(t, err)
	customerUUID := destination.(*records.Destination).CustomerUUID

	deviceUUID, err := f.tracker.Create(ctx, &records.Device{DestinationUUID: destinationUUID, SerialNumber: "X1"})
	require.NoError(t, err)

	require.NoError(t, f.tracker.Delete(ctx, records.TableCustomers, customerUUID))

	for _, key := range []records.Key{
		{Table: records.TableCustomers, UUID: customerUUID},
		{Table: records.TableDestinations, UUID: destinationUUID},
		{Table: records.TableDevices, UUID: deviceUUID},
	} {
		entity, err := f.store.Find(ctx, key.Table, key.UUID)
		require.NoError(t, err)
		require.Equal(t, records.StateTombstonePending, entity.Meta().State, key.Table)
	}
}

func TestVerificationsAreImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	destinationUUID := f.seedDestination(t)
	deviceUUID, err := f.tracker.Create(ctx, &records.Device{DestinationUUID: destinationUUID, SerialNumber: "V-1"})
	require.NoError(t, err)

	verificationUUID, err := f.tracker.Create(ctx, &records.Verification{
		DeviceUUID:       deviceUUID,
		VerificationDate: "2025-05-01",
		OverallStatus:    "PASSED",
		Results:          datatypes.JSON(`[{"name":"Earth resistance","value":0.1,"passed":true}]`),
	})
	require.NoError(t, err)

	update := &records.Verification{OverallStatus: "FAILED"}
	update.UUID = verificationUUID
	require.ErrorIs(t, f.tracker.Update(ctx, update), ErrImmutable)

	_, err = f.tracker.Create(ctx, &records.Verification{DeviceUUID: "missing"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestSaveProfileReplacesTests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	profile := &records.Profile{ProfileKey: "cei_62_5", Name: "CEI 62-5"}
	profileUUID, err := f.tracker.SaveProfile(ctx, profile, []TestDefinition{
		{Name: "Earth resistance", Parameter: "PE", Limits: datatypes.JSON(`{"::ST":{"high_value":0.3}}`)},
		{Name: "Enclosure leakage", Parameter: "NC"},
	})
	require.NoError(t, err)

	firstTests, err := f.store.List(ctx, records.TableProfileTests)
	require.NoError(t, err)
	require.Len(t, firstTests, 2)

	profile.UUID = profileUUID
	profile.Name = "CEI 62-5 rev"
	_, err = f.tracker.SaveProfile(ctx, profile, []TestDefinition{{Name: "Patient leakage", IsAppliedPartTest: true}})
	require.NoError(t, err)

	live, err := f.store.List(ctx, records.TableProfileTests)
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, "Patient leakage", live[0].(*records.ProfileTest).Name)

	for _, test := range firstTests {
		entity, err := f.store.Find(ctx, records.TableProfileTests, test.Meta().UUID)
		require.NoError(t, err)
		require.Equal(t, records.StateTombstonePending, entity.Meta().State)
	}

	require.NoError(t, f.tracker.Delete(ctx, records.TableProfiles, profileUUID))
	live, err = f.store.List(ctx, records.TableProfileTests)
	require.NoError(t, err)
	require.Empty(t, live)
}

func TestSetDefaultInstrumentClearsOthers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.tracker.Create(ctx, &records.Instrument{InstrumentName: "ESA612", SerialNumber: "111", IsDefault: true})
	require.NoError(t, err)
	second, err := f.tracker.Create(ctx, &records.Instrument{InstrumentName: "ESA615", SerialNumber: "222"})
	require.NoError(t, err)
	_, err = f.tracker.Create(ctx, &records.Instrument{InstrumentName: "", SerialNumber: "333"})
	require.ErrorIs(t, err, ErrInvalidInput)

	require.NoError(t, f.tracker.SetDefaultInstrument(ctx, second))

	entity, err := f.store.Get(ctx, records.TableInstruments, first)
	require.NoError(t, err)
	require.False(t, entity.(*records.Instrument).IsDefault)
	entity, err = f.store.Get(ctx, records.TableInstruments, second)
	require.NoError(t, err)
	require.True(t, entity.(*records.Instrument).IsDefault)
}

func TestSaveSignatureReplacesLiveSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.tracker.SaveSignature(ctx, "mrossi", []byte{0x89, 0x50})
	require.NoError(t, err)
	second, err := f.tracker.SaveSignature(ctx, "mrossi", []byte{0x89, 0x51})
	require.NoError(t, err)
	require.Equal(t, first, second)

	entity, err := f.store.Get(ctx, records.TableSignatures, first)
	require.NoError(t, err)
	require.Equal(t, []byte{0x89, 0x51}, entity.(*records.Signature).ImageData)
}

func TestMarkEverythingForFullPush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var uuids []string
	for index := 0; index < 5; index++ {
		created, err := f.tracker.Create(ctx, &records.Customer{Name: fmt.Sprintf("Customer %d", index)})
		require.NoError(t, err)
		uuids = append(uuids, created)
	}
	for _, created := range uuids[:3] {
		entity, err := f.store.Find(ctx, records.TableCustomers, created)
		require.NoError(t, err)
		marked, err := f.store.MarkSynced(ctx, records.TableCustomers, created, entity.Meta().LastModified)
		require.NoError(t, err)
		require.True(t, marked)
	}

	legacy := &records.Device{SerialNumber: "n/d", Status: records.DeviceStatusActive}
	legacy.LastModified = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	legacy.State = records.StateSynced
	require.NoError(t, f.db.Create(legacy).Error)

	before := time.Date(2025, 5, 1, 8, 0, 5, 0, time.UTC)
	report, err := f.tracker.MarkEverythingForFullPush(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), report.Tables[records.TableCustomers].RowsMarked)
	require.Equal(t, int64(1), report.Tables[records.TableDevices].UUIDAdded)
	require.Equal(t, int64(1), report.SerialsNormalized)

	dirty, err := f.store.DirtyRecords(ctx, records.TableCustomers)
	require.NoError(t, err)
	require.Len(t, dirty, 5)
	for _, record := range dirty {
		require.True(t, record.LastModified.After(before))
	}

	devices, err := f.store.DirtyRecords(ctx, records.TableDevices)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.NotEmpty(t, devices[0].UUID)
	entity, err := f.store.Find(ctx, records.TableDevices, devices[0].UUID)
	require.NoError(t, err)
	require.Empty(t, entity.(*records.Device).SerialNumber)
}
