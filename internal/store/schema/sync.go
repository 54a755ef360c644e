package schema

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Device represents the devices table - which owners a device restores for
type Device struct {
	ID     string `gorm:"column:id;primaryKey;type:text"`
	Domain string `gorm:"column:domain;not null;type:text"`
	UserID string `gorm:"column:user_id;not null;type:text"`
	AppID  string `gorm:"column:app_id;type:text"`
	// OwnerIDs is a JSON array of owner ids
	OwnerIDs  datatypes.JSON `gorm:"column:owner_ids"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for the Device model
func (Device) TableName() string {
	return "devices"
}

// Owners decodes OwnerIDs
func (d *Device) Owners() ([]string, error) {
	return decodeStrings(d.OwnerIDs)
}

// SyncCheckpoint represents the sync_checkpoints table - append-only history of restores per device
type SyncCheckpoint struct {
	ID                int64          `gorm:"column:id;primaryKey;autoIncrement"`
	DeviceID          string         `gorm:"column:device_id;not null;type:text;index"`
	Domain            string         `gorm:"column:domain;not null;type:text"`
	UserID            string         `gorm:"column:user_id;not null;type:text"`
	AppID             string         `gorm:"column:app_id;type:text"`
	OwnerIDs          datatypes.JSON `gorm:"column:owner_ids"`
	RestoreID         string         `gorm:"column:restore_id;type:text;index"`
	PreviousRestoreID string         `gorm:"column:previous_restore_id;type:text"`
	Format            string         `gorm:"column:format;type:text"`
	// Position is the highest case transaction id the device has seen
	Position int64 `gorm:"column:position;not null"`
	// CaseStates is a JSON object mapping case id to the last transaction id on the phone
	CaseStates datatypes.JSON `gorm:"column:case_states"`
	// Reset marks a row that discards the device state
	Reset    bool      `gorm:"column:reset;not null;default:false"`
	SyncedAt time.Time `gorm:"column:synced_at;not null"`
}

// TableName specifies the table name for the SyncCheckpoint model
func (SyncCheckpoint) TableName() string {
	return "sync_checkpoints"
}

// Owners decodes OwnerIDs
func (c *SyncCheckpoint) Owners() ([]string, error) {
	return decodeStrings(c.OwnerIDs)
}

// States decodes CaseStates
func (c *SyncCheckpoint) States() (map[string]int64, error) {
	states := map[string]int64{}
	if len(c.CaseStates) == 0 {
		return states, nil
	}
	if err := json.Unmarshal(c.CaseStates, &states); err != nil {
		return nil, err
	}
	return states, nil
}

func decodeStrings(data datatypes.JSON) ([]string, error) {
	var out []string
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
