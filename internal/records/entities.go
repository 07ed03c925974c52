package records

import (
	"fmt"

	"gorm.io/datatypes"
)

const (
	TableCustomers     = "customers"
	TableDestinations  = "destinations"
	TableDevices       = "devices"
	TableVerifications = "verifications"
	TableProfiles      = "profiles"
	TableProfileTests  = "profile_tests"
	TableInstruments   = "mti_instruments"
	TableSignatures    = "signatures"
)

// Tables lists every syncable table, owners before the rows that reference them.
var Tables = []string{
	TableCustomers,
	TableDestinations,
	TableDevices,
	TableVerifications,
	TableProfiles,
	TableProfileTests,
	TableInstruments,
	TableSignatures,
}

// New returns an empty entity bound to the named table.
func New(table string) (Entity, error) {
	switch table {
	case TableCustomers:
		return &Customer{}, nil
	case TableDestinations:
		return &Destination{}, nil
	case TableDevices:
		return &Device{}, nil
	case TableVerifications:
		return &Verification{}, nil
	case TableProfiles:
		return &Profile{}, nil
	case TableProfileTests:
		return &ProfileTest{}, nil
	case TableInstruments:
		return &Instrument{}, nil
	case TableSignatures:
		return &Signature{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
}

// IsSyncable reports whether the table takes part in synchronization.
func IsSyncable(table string) bool {
	_, err := New(table)
	return err == nil
}

// Models returns one empty value per syncable table, in table order, for schema migration.
func Models() []any {
	models := make([]any, 0, len(Tables))
	for _, table := range Tables {
		entity, _ := New(table)
		models = append(models, entity)
	}
	return models
}

// Customer is a company served by the field-service team.
type Customer struct {
	Envelope
	Name    string `gorm:"column:name;size:255;not null" json:"name"`
	Address string `gorm:"column:address;size:512" json:"address"`
	Phone   string `gorm:"column:phone;size:64" json:"phone"`
	Email   string `gorm:"column:email;size:320" json:"email"`
}

// TableName provides the explicit table binding for GORM.
func (Customer) TableName() string {
	return TableCustomers
}

// Destination is a customer site where devices are installed.
type Destination struct {
	Envelope
	CustomerUUID string `gorm:"column:customer_uuid;size:36;index" json:"customer_uuid"`
	Name         string `gorm:"column:name;size:255;not null" json:"name"`
	Address      string `gorm:"column:address;size:512" json:"address"`
}

// TableName provides the explicit table binding for GORM.
func (Destination) TableName() string {
	return TableDestinations
}

// DeviceStatus tracks commissioning independently of deletion.
type DeviceStatus string

const (
	DeviceStatusActive         DeviceStatus = "active"
	DeviceStatusDecommissioned DeviceStatus = "decommissioned"
)

// Device is a medical device subject to periodic electrical-safety verification.
type Device struct {
	Envelope
	DestinationUUID            string         `gorm:"column:destination_uuid;size:36;index" json:"destination_uuid"`
	SerialNumber               string         `gorm:"column:serial_number;size:128;index" json:"serial_number"`
	Description                string         `gorm:"column:description;size:255" json:"description"`
	Manufacturer               string         `gorm:"column:manufacturer;size:255" json:"manufacturer"`
	Model                      string         `gorm:"column:model;size:255" json:"model"`
	Department                 string         `gorm:"column:department;size:255" json:"department"`
	AppliedParts               datatypes.JSON `gorm:"column:applied_parts_json" json:"applied_parts"`
	CustomerInventory          string         `gorm:"column:customer_inventory;size:128" json:"customer_inventory"`
	AMSInventory               string         `gorm:"column:ams_inventory;size:128" json:"ams_inventory"`
	VerificationIntervalMonths int            `gorm:"column:verification_interval;not null;default:0" json:"verification_interval"`
	NextVerificationDate       string         `gorm:"column:next_verification_date;size:10" json:"next_verification_date"`
	DefaultProfileKey          string         `gorm:"column:default_profile_key;size:128" json:"default_profile_key"`
	Status                     DeviceStatus   `gorm:"column:status;size:24;not null;default:active" json:"status"`
}

// TableName provides the explicit table binding for GORM.
func (Device) TableName() string {
	return TableDevices
}

// IsActive reports whether the device participates in serial-number uniqueness.
func (d *Device) IsActive() bool {
	return d.Status != DeviceStatusDecommissioned && !d.State.IsDeleted()
}

// Verification is the immutable record of one test run on a device.
type Verification struct {
	Envelope
	DeviceUUID         string         `gorm:"column:device_uuid;size:36;index" json:"device_uuid"`
	VerificationDate   string         `gorm:"column:verification_date;size:10;index" json:"verification_date"`
	ProfileName        string         `gorm:"column:profile_name;size:255" json:"profile_name"`
	Results            datatypes.JSON `gorm:"column:results_json" json:"results"`
	VisualInspection   datatypes.JSON `gorm:"column:visual_inspection_json" json:"visual_inspection"`
	OverallStatus      string         `gorm:"column:overall_status;size:16" json:"overall_status"`
	InstrumentName     string         `gorm:"column:mti_instrument;size:255" json:"mti_instrument"`
	InstrumentSerial   string         `gorm:"column:mti_serial;size:128" json:"mti_serial"`
	InstrumentVersion  string         `gorm:"column:mti_version;size:64" json:"mti_version"`
	InstrumentCalDate  string         `gorm:"column:mti_cal_date;size:10" json:"mti_cal_date"`
	TechnicianName     string         `gorm:"column:technician_name;size:255" json:"technician_name"`
	TechnicianUsername string         `gorm:"column:technician_username;size:190" json:"technician_username"`
	VerificationCode   string         `gorm:"column:verification_code;size:64" json:"verification_code"`
}

// TableName provides the explicit table binding for GORM.
func (Verification) TableName() string {
	return TableVerifications
}

// Profile is a named, ordered list of test definitions.
type Profile struct {
	Envelope
	ProfileKey string `gorm:"column:profile_key;size:128;index" json:"profile_key"`
	Name       string `gorm:"column:name;size:255;not null" json:"name"`
}

// TableName provides the explicit table binding for GORM.
func (Profile) TableName() string {
	return TableProfiles
}

// ProfileTest is one test definition; Limits is keyed by applied-part classification.
type ProfileTest struct {
	Envelope
	ProfileUUID       string         `gorm:"column:profile_uuid;size:36;index" json:"profile_uuid"`
	Position          int            `gorm:"column:position;not null;default:0" json:"position"`
	Name              string         `gorm:"column:name;size:255;not null" json:"name"`
	Parameter         string         `gorm:"column:parameter;size:255" json:"parameter"`
	Limits            datatypes.JSON `gorm:"column:limits_json" json:"limits"`
	IsAppliedPartTest bool           `gorm:"column:is_applied_part_test;not null;default:false" json:"is_applied_part_test"`
}

// TableName provides the explicit table binding for GORM.
func (ProfileTest) TableName() string {
	return TableProfileTests
}

// Instrument describes a calibration-tracked safety analyzer.
type Instrument struct {
	Envelope
	InstrumentName  string `gorm:"column:instrument_name;size:255;not null" json:"instrument_name"`
	SerialNumber    string `gorm:"column:serial_number;size:128;not null" json:"serial_number"`
	FirmwareVersion string `gorm:"column:fw_version;size:64" json:"fw_version"`
	CalibrationDate string `gorm:"column:calibration_date;size:10" json:"calibration_date"`
	IsDefault       bool   `gorm:"column:is_default;not null;default:false" json:"is_default"`
}

// TableName provides the explicit table binding for GORM.
func (Instrument) TableName() string {
	return TableInstruments
}

// Signature stores a technician's signature image.
type Signature struct {
	Envelope
	Username  string `gorm:"column:username;size:190;index" json:"username"`
	ImageData []byte `gorm:"column:signature_data" json:"signature_data"`
}

// TableName provides the explicit table binding for GORM.
func (Signature) TableName() string {
	return TableSignatures
}
