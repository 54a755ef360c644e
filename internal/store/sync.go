package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/store/schema"
)

// UpsertDevice registers a device or updates its owners
func (s *pgStore) UpsertDevice(ctx context.Context, device *schema.Device) error {
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"domain", "user_id", "app_id", "owner_ids", "updated_at"}),
	}).Create(device).Error; err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

// GetDevice retrieves a device
func (s *pgStore) GetDevice(ctx context.Context, deviceID string) (*schema.Device, error) {
	var device schema.Device
	err := s.db.WithContext(ctx).Where("id = ?", deviceID).First(&device).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return &device, nil
}

// GetLatestCheckpoint retrieves the newest checkpoint row of a device
func (s *pgStore) GetLatestCheckpoint(ctx context.Context, deviceID string) (*schema.SyncCheckpoint, error) {
	return latestCheckpointTx(s.db.WithContext(ctx), deviceID)
}

// AppendCheckpoint appends a checkpoint row; positions never move backwards unless a regression is allowed
func (s *pgStore) AppendCheckpoint(ctx context.Context, input AppendCheckpointInput) (*schema.SyncCheckpoint, error) {
	cp := input.Checkpoint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockKeys(tx, DeviceLockKey(cp.DeviceID)); err != nil {
			return err
		}

		latest, err := latestCheckpointTx(tx, cp.DeviceID)
		if err != nil {
			return err
		}
		if latest != nil && !latest.Reset && !input.AllowRegression && cp.Position < latest.Position {
			return fmt.Errorf("%w: device %s position %d is behind %d",
				domain.ErrCheckpointRegression, cp.DeviceID, cp.Position, latest.Position)
		}

		if err := tx.Create(&cp).Error; err != nil {
			return fmt.Errorf("failed to append checkpoint: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &cp, nil
}

func latestCheckpointTx(tx *gorm.DB, deviceID string) (*schema.SyncCheckpoint, error) {
	var cp schema.SyncCheckpoint
	err := tx.Where("device_id = ?", deviceID).Order("id DESC").First(&cp).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	return &cp, nil
}
