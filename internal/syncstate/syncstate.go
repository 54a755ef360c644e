// Package syncstate tracks what each device received in its last restore.
package syncstate

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/dimagi/casecore/internal/adapter"
	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/logger"
	"github.com/dimagi/casecore/internal/store"
	"github.com/dimagi/casecore/internal/store/schema"
)

// Device is a phone and the owners it restores for
type Device struct {
	ID       string   `json:"id"`
	Domain   string   `json:"domain"`
	UserID   string   `json:"user_id"`
	AppID    string   `json:"app_id,omitempty"`
	OwnerIDs []string `json:"owner_ids"`
}

// Checkpoint is the state of a device after its last restore
type Checkpoint struct {
	DeviceID          string           `json:"device_id"`
	Domain            string           `json:"domain"`
	UserID            string           `json:"user_id"`
	OwnerIDs          []string         `json:"owner_ids"`
	RestoreID         string           `json:"restore_id"`
	PreviousRestoreID string           `json:"previous_restore_id,omitempty"`
	Format            string           `json:"format"`
	Position          int64            `json:"position"`
	CaseStates        map[string]int64 `json:"case_states"`
	SyncedAt          time.Time        `json:"synced_at"`
}

// AdvanceInput is the outcome of a restore
type AdvanceInput struct {
	Position   int64
	RestoreID  string
	CaseStates map[string]int64
	// Reset accepts a position behind the stored one
	Reset bool
}

// Tracker defines the sync state operations
//
//go:generate mockgen -source=syncstate.go -destination=../mocks/syncstate.go -package=mocks -mock_names=Tracker=MockSyncTracker
type Tracker interface {
	RegisterDevice(ctx context.Context, device Device) error
	// Device returns a registered device or domain.ErrDeviceNotFound
	Device(ctx context.Context, deviceID string) (*Device, error)
	// CheckpointFor returns nil when the device never synced or was reset
	CheckpointFor(ctx context.Context, deviceID string) (*Checkpoint, error)
	// Advance appends a checkpoint; a lower position fails with domain.ErrCheckpointRegression unless Reset is set
	Advance(ctx context.Context, deviceID string, input AdvanceInput) (*Checkpoint, error)
	// Reset discards the device state so the next restore is full
	Reset(ctx context.Context, deviceID string) error
}

type tracker struct {
	store store.Store
	json  adapter.JSON
	clock adapter.Clock
}

// NewTracker creates a sync state tracker
func NewTracker(st store.Store, json adapter.JSON, clock adapter.Clock) Tracker {
	return &tracker{store: st, json: json, clock: clock}
}

func (t *tracker) RegisterDevice(ctx context.Context, device Device) error {
	if device.ID == "" || device.Domain == "" || device.UserID == "" {
		return fmt.Errorf("device id, domain and user id are required")
	}

	owners := slices.Clone(device.OwnerIDs)
	if len(owners) == 0 {
		owners = []string{device.UserID}
	}
	slices.Sort(owners)
	owners = slices.Compact(owners)

	data, err := t.json.Marshal(owners)
	if err != nil {
		return fmt.Errorf("failed to marshal owner ids: %w", err)
	}

	if err := t.store.UpsertDevice(ctx, &schema.Device{
		ID:       device.ID,
		Domain:   device.Domain,
		UserID:   device.UserID,
		AppID:    device.AppID,
		OwnerIDs: datatypes.JSON(data),
	}); err != nil {
		return err
	}

	logger.InfoCtx(ctx, "Device registered",
		zap.String("deviceID", device.ID),
		zap.Strings("ownerIDs", owners))
	return nil
}

func (t *tracker) Device(ctx context.Context, deviceID string) (*Device, error) {
	row, err := t.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, deviceID)
	}

	owners, err := row.Owners()
	if err != nil {
		return nil, fmt.Errorf("failed to decode owner ids: %w", err)
	}
	return &Device{
		ID:       row.ID,
		Domain:   row.Domain,
		UserID:   row.UserID,
		AppID:    row.AppID,
		OwnerIDs: owners,
	}, nil
}

func (t *tracker) CheckpointFor(ctx context.Context, deviceID string) (*Checkpoint, error) {
	row, err := t.store.GetLatestCheckpoint(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if row == nil || row.Reset {
		return nil, nil
	}
	return toCheckpoint(row)
}

func (t *tracker) Advance(ctx context.Context, deviceID string, input AdvanceInput) (*Checkpoint, error) {
	device, err := t.Device(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if input.RestoreID == "" {
		return nil, fmt.Errorf("restore id is required")
	}

	previous, err := t.CheckpointFor(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	owners, err := t.json.Marshal(device.OwnerIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal owner ids: %w", err)
	}
	states := input.CaseStates
	if states == nil {
		states = map[string]int64{}
	}
	statesJSON, err := t.json.Marshal(states)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal case states: %w", err)
	}

	row := schema.SyncCheckpoint{
		DeviceID:   deviceID,
		Domain:     device.Domain,
		UserID:     device.UserID,
		AppID:      device.AppID,
		OwnerIDs:   datatypes.JSON(owners),
		RestoreID:  input.RestoreID,
		Format:     domain.RESTORE_FORMAT_V2,
		Position:   input.Position,
		CaseStates: datatypes.JSON(statesJSON),
		SyncedAt:   t.clock.Now(),
	}
	if previous != nil {
		row.PreviousRestoreID = previous.RestoreID
	}

	saved, err := t.store.AppendCheckpoint(ctx, store.AppendCheckpointInput{
		Checkpoint:      row,
		AllowRegression: input.Reset,
	})
	if err != nil {
		return nil, err
	}

	logger.InfoCtx(ctx, "Sync checkpoint advanced",
		zap.String("deviceID", deviceID),
		zap.String("restoreID", input.RestoreID),
		zap.Int64("position", input.Position),
		zap.Int("cases", len(states)))

	return toCheckpoint(saved)
}

func (t *tracker) Reset(ctx context.Context, deviceID string) error {
	device, err := t.Device(ctx, deviceID)
	if err != nil {
		return err
	}

	if _, err := t.store.AppendCheckpoint(ctx, store.AppendCheckpointInput{
		Checkpoint: schema.SyncCheckpoint{
			DeviceID: deviceID,
			Domain:   device.Domain,
			UserID:   device.UserID,
			AppID:    device.AppID,
			Format:   domain.RESTORE_FORMAT_V2,
			Reset:    true,
			SyncedAt: t.clock.Now(),
		},
		AllowRegression: true,
	}); err != nil {
		return err
	}

	logger.InfoCtx(ctx, "Sync state reset", zap.String("deviceID", deviceID))
	return nil
}

func toCheckpoint(row *schema.SyncCheckpoint) (*Checkpoint, error) {
	owners, err := row.Owners()
	if err != nil {
		return nil, fmt.Errorf("failed to decode owner ids: %w", err)
	}
	states, err := row.States()
	if err != nil {
		return nil, fmt.Errorf("failed to decode case states: %w", err)
	}
	return &Checkpoint{
		DeviceID:          row.DeviceID,
		Domain:            row.Domain,
		UserID:            row.UserID,
		OwnerIDs:          owners,
		RestoreID:         row.RestoreID,
		PreviousRestoreID: row.PreviousRestoreID,
		Format:            row.Format,
		Position:          row.Position,
		CaseStates:        states,
		SyncedAt:          row.SyncedAt,
	}, nil
}
