package store

import (
	"context"
	"fmt"

	"github.com/dimagi/casecore/internal/store/schema"
)

// GetChangesAfter returns journal entries with a cursor greater than the given one, oldest first
func (s *pgStore) GetChangesAfter(ctx context.Context, cursor int64, limit int) ([]schema.ChangesJournal, error) {
	query := s.db.WithContext(ctx).Where("cursor > ?", cursor).Order("cursor ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var changes []schema.ChangesJournal
	if err := query.Find(&changes).Error; err != nil {
		return nil, fmt.Errorf("failed to get changes: %w", err)
	}
	return changes, nil
}

// GetKeyValue retrieves a value from the key value store
func (s *pgStore) GetKeyValue(ctx context.Context, key string) (string, error) {
	var kv schema.KeyValueStore
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&kv).Error
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get key value: %w", err)
	}
	return kv.Value, nil
}

// SetKeyValue stores a value in the key value store
func (s *pgStore) SetKeyValue(ctx context.Context, key string, value string) error {
	kv := schema.KeyValueStore{
		Key:   key,
		Value: value,
	}

	if err := s.db.WithContext(ctx).Save(&kv).Error; err != nil {
		return fmt.Errorf("failed to set key value: %w", err)
	}
	return nil
}
