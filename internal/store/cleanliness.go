package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/store/schema"
)

// GetCleanlinessFlag retrieves the flag of an owner
func (s *pgStore) GetCleanlinessFlag(ctx context.Context, domainName string, ownerID string) (*schema.CleanlinessFlag, error) {
	var flag schema.CleanlinessFlag
	err := s.db.WithContext(ctx).
		Where("domain = ? AND owner_id = ?", domainName, ownerID).
		First(&flag).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cleanliness flag: %w", err)
	}
	return &flag, nil
}

// SaveCleanlinessFlag stores the result of a full computation.
// LastChecked is set to input.At, which must be the time the computation started.
func (s *pgStore) SaveCleanlinessFlag(ctx context.Context, input SaveCleanlinessFlagInput) (*schema.CleanlinessFlag, error) {
	hint := input.Hint
	if len(hint) > domain.MAX_CLEANLINESS_HINT_LENGTH {
		hint = hint[:domain.MAX_CLEANLINESS_HINT_LENGTH]
	}

	at := input.At
	flag := schema.CleanlinessFlag{
		Domain:      input.Domain,
		OwnerID:     input.OwnerID,
		IsClean:     input.IsClean,
		Hint:        hint,
		LastChecked: &at,
	}

	db := s.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain"}, {Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_clean", "hint", "last_checked", "updated_at"}),
	}).Create(&flag).Error; err != nil {
		return nil, fmt.Errorf("failed to save cleanliness flag: %w", err)
	}

	return s.GetCleanlinessFlag(ctx, input.Domain, input.OwnerID)
}

// InvalidateCleanliness stamps invalidated_at for the owners
func (s *pgStore) InvalidateCleanliness(ctx context.Context, domainName string, ownerIDs []string, at time.Time) error {
	return invalidateOwners(s.db.WithContext(ctx), domainName, ownerIDs, at)
}

// FindForeignDependents returns cases owned by someone other than the owner that index one of the owner's cases
func (s *pgStore) FindForeignDependents(ctx context.Context, domainName string, ownerID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1
	}

	var ids []string
	err := s.db.WithContext(ctx).Raw(`
		SELECT DISTINCT src.id
		FROM case_indices ci
		JOIN cases tgt ON tgt.id = ci.referenced_id
		JOIN cases src ON src.id = ci.case_id
		WHERE tgt.domain = ?
		  AND tgt.owner_id = ?
		  AND tgt.deleted_on IS NULL
		  AND src.domain = tgt.domain
		  AND src.owner_id <> ?
		  AND src.deleted_on IS NULL
		ORDER BY src.id
		LIMIT ?`, domainName, ownerID, ownerID, limit).
		Scan(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find foreign dependents: %w", err)
	}
	return ids, nil
}

// ListStaleCleanlinessFlags returns flags never computed or invalidated after their last computation
func (s *pgStore) ListStaleCleanlinessFlags(ctx context.Context, limit int) ([]schema.CleanlinessFlag, error) {
	query := s.db.WithContext(ctx).
		Where("last_checked IS NULL OR (invalidated_at IS NOT NULL AND invalidated_at >= last_checked)").
		Order("invalidated_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var flags []schema.CleanlinessFlag
	if err := query.Find(&flags).Error; err != nil {
		return nil, fmt.Errorf("failed to list stale cleanliness flags: %w", err)
	}
	return flags, nil
}
