package records

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStateTransitionsKeepDeletion(t *testing.T) {
	testCases := []struct {
		name          string
		state         State
		wantSynced    bool
		wantDeleted   bool
		wantDirtied   State
		wantConfirmed State
	}{
		{"pending", StatePending, false, false, StatePending, StateSynced},
		{"synced", StateSynced, true, false, StatePending, StateSynced},
		{"tombstone-pending", StateTombstonePending, false, true, StateTombstonePending, StateTombstoneSynced},
		{"tombstone-synced", StateTombstoneSynced, true, true, StateTombstonePending, StateTombstoneSynced},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.wantSynced, tc.state.IsSynced())
			require.Equal(t, tc.wantDeleted, tc.state.IsDeleted())
			require.Equal(t, tc.wantDirtied, tc.state.Dirtied())
			require.Equal(t, tc.wantConfirmed, tc.state.Confirmed())
			require.Equal(t, tc.state, NewState(tc.wantDeleted, tc.wantSynced))
		})
	}
}

func TestParseStateRejectsUnknownValues(t *testing.T) {
	_, err := ParseState("deleted")
	require.ErrorIs(t, err, ErrInvalidState)

	state, err := ParseState(" synced ")
	require.NoError(t, err)
	require.Equal(t, StateSynced, state)
}

func TestRecordCarriesDomainFieldsOnly(t *testing.T) {
	modified := time.Date(2025, 3, 4, 10, 11, 12, 123456789, time.FixedZone("CET", 3600))
	device := &Device{
		Envelope: Envelope{
			ID:           42,
			UUID:         "0b7c6f1e-5d1c-4c59-9f43-111111111111",
			LastModified: modified,
			State:        StateTombstonePending,
		},
		SerialNumber: "SN-1",
		Description:  "Infusion pump",
		Status:       DeviceStatusActive,
	}

	record, err := FromEntity(device)
	require.NoError(t, err)
	require.Equal(t, TableDevices, record.Table)
	require.True(t, record.IsDeleted)
	require.Equal(t, time.UTC, record.LastModified.Location())
	require.Equal(t, 123456000, record.LastModified.Nanosecond())

	var payload map[string]any
	require.NoError(t, json.Unmarshal(record.Payload, &payload))
	require.NotContains(t, payload, "id")
	require.NotContains(t, payload, "sync_state")
	require.Equal(t, "SN-1", payload["serial_number"])

	decoded, err := record.Decode(true)
	require.NoError(t, err)
	decodedDevice, ok := decoded.(*Device)
	require.True(t, ok)
	require.Zero(t, decodedDevice.ID)
	require.Equal(t, device.UUID, decodedDevice.UUID)
	require.Equal(t, StateTombstoneSynced, decodedDevice.State)
	require.Equal(t, "Infusion pump", decodedDevice.Description)
}

func TestDecodeRejectsUnknownTableAndMismatch(t *testing.T) {
	_, err := Record{Table: "users", UUID: "x"}.Decode(false)
	require.True(t, errors.Is(err, ErrUnknownTable))

	err = Record{Table: TableCustomers, UUID: "x"}.DecodeInto(&Device{}, false)
	require.ErrorIs(t, err, ErrTableMismatch)

	_, err = FromEntity(&Customer{Name: "no uuid"})
	require.ErrorIs(t, err, ErrInvalidUUID)
}

func TestRecordFields(t *testing.T) {
	fields, err := Record{Table: TableCustomers, UUID: "c-1", Payload: json.RawMessage(`{"name":"ASST Lodi","phone":""}`)}.Fields()
	require.NoError(t, err)
	require.Equal(t, "ASST Lodi", fields["name"])

	empty, err := Record{Table: TableCustomers, UUID: "c-1"}.Fields()
	require.NoError(t, err)
	require.Empty(t, empty)

	_, err = Record{Table: TableCustomers, UUID: "c-1", Payload: json.RawMessage(`[1]`)}.Fields()
	require.Error(t, err)
}
