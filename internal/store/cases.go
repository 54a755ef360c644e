package store

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/store/schema"
)

// GetCase retrieves a cached case row
func (s *pgStore) GetCase(ctx context.Context, caseID string) (*schema.Case, error) {
	var c schema.Case
	err := s.db.WithContext(ctx).Where("id = ?", caseID).First(&c).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get case: %w", err)
	}
	return &c, nil
}

// GetCases retrieves cached case rows ordered by id
func (s *pgStore) GetCases(ctx context.Context, caseIDs []string) ([]schema.Case, error) {
	var cases []schema.Case
	for _, chunk := range chunkStrings(uniqueSorted(caseIDs), maxInClause) {
		var part []schema.Case
		if err := s.db.WithContext(ctx).Where("id IN ?", chunk).Order("id ASC").Find(&part).Error; err != nil {
			return nil, fmt.Errorf("failed to get cases: %w", err)
		}
		cases = append(cases, part...)
	}
	return cases, nil
}

// SaveCaseProjection stores a projection and replaces the index rows of the case.
// Owners whose incoming edges may have changed get their cleanliness flags invalidated.
func (s *pgStore) SaveCaseProjection(ctx context.Context, input SaveCaseProjectionInput) (*SaveCaseProjectionResult, error) {
	result := &SaveCaseProjectionResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockKeys(tx, CaseLockKey(input.CaseID)); err != nil {
			return err
		}

		var c schema.Case
		if err := tx.Where("id = ?", input.CaseID).First(&c).Error; err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: %s", domain.ErrCaseNotFound, input.CaseID)
			}
			return fmt.Errorf("failed to get case: %w", err)
		}
		result.Domain = c.Domain

		var oldIndices []schema.CaseIndex
		if err := tx.Where("case_id = ?", c.ID).Order("identifier ASC").Find(&oldIndices).Error; err != nil {
			return fmt.Errorf("failed to get case indices: %w", err)
		}

		newIndices := make([]schema.CaseIndex, 0, len(input.Indices))
		for _, idx := range input.Indices {
			newIndices = append(newIndices, schema.CaseIndex{
				Domain:         c.Domain,
				CaseID:         c.ID,
				Identifier:     idx.Identifier,
				ReferencedType: idx.ReferencedType,
				ReferencedID:   idx.ReferencedID,
				Relationship:   idx.Relationship,
			})
		}
		slices.SortFunc(newIndices, func(a, b schema.CaseIndex) int {
			return strings.Compare(a.Identifier, b.Identifier)
		})

		indicesChanged := !sameIndices(oldIndices, newIndices)
		ownerChanged := c.OwnerID != input.OwnerID

		if indicesChanged {
			if err := tx.Where("case_id = ?", c.ID).Delete(&schema.CaseIndex{}).Error; err != nil {
				return fmt.Errorf("failed to delete case indices: %w", err)
			}
			if len(newIndices) > 0 {
				if err := tx.Create(&newIndices).Error; err != nil {
					return fmt.Errorf("failed to create case indices: %w", err)
				}
			}
		}

		var newer int64
		if err := tx.Model(&schema.CaseTransaction{}).
			Where("case_id = ? AND revoked = ? AND id > ?", c.ID, false, input.LastTransactionID).
			Count(&newer).Error; err != nil {
			return fmt.Errorf("failed to check for newer transactions: %w", err)
		}
		result.StillDirty = newer > 0

		if err := tx.Model(&schema.Case{}).Where("id = ?", c.ID).
			Updates(map[string]interface{}{
				"state":               datatypes.JSON(input.State),
				"case_type":           input.CaseType,
				"owner_id":            input.OwnerID,
				"closed":              input.Closed,
				"checksum":            input.Checksum,
				"last_transaction_id": input.LastTransactionID,
				"applied_digest":      input.AppliedDigest,
				"applied_count":       input.AppliedCount,
				"dirty":               result.StillDirty,
			}).Error; err != nil {
			return fmt.Errorf("failed to save case projection: %w", err)
		}

		var journal []schema.ChangesJournal
		entry, err := journalEntry(c.Domain, schema.SubjectTypeCase, c.ID, input.At, nil)
		if err != nil {
			return err
		}
		journal = append(journal, entry)

		if indicesChanged || ownerChanged {
			referenced := make([]string, 0, len(oldIndices)+len(newIndices))
			for _, idx := range oldIndices {
				referenced = append(referenced, idx.ReferencedID)
			}
			for _, idx := range newIndices {
				referenced = append(referenced, idx.ReferencedID)
			}
			refOwners, err := ownersOfCases(tx, referenced)
			if err != nil {
				return err
			}

			owners := uniqueSorted(append(refOwners, c.OwnerID, input.OwnerID))
			if err := invalidateOwners(tx, c.Domain, owners, input.At); err != nil {
				return err
			}
			result.InvalidatedOwners = owners

			entry, err := journalEntry(c.Domain, schema.SubjectTypeCaseIndex, c.ID, input.At,
				schema.CaseIndexChangeMeta{OwnerIDs: owners})
			if err != nil {
				return err
			}
			journal = append(journal, entry)
		}

		return writeJournal(tx, journal)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ListDirtyCaseIDs returns cases waiting for a rebuild, least recently modified first
func (s *pgStore) ListDirtyCaseIDs(ctx context.Context, domainName string, limit int) ([]string, error) {
	query := s.db.WithContext(ctx).Model(&schema.Case{}).Where("dirty = ?", true)
	if domainName != "" {
		query = query.Where("domain = ?", domainName)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var ids []string
	if err := query.Order("server_modified_on ASC, id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list dirty cases: %w", err)
	}
	return ids, nil
}

// ListOpenCaseIDsForOwners returns open, non-deleted cases owned by any of the owners
func (s *pgStore) ListOpenCaseIDsForOwners(ctx context.Context, domainName string, ownerIDs []string) ([]string, error) {
	owners := uniqueSorted(ownerIDs)
	if len(owners) == 0 {
		return nil, nil
	}

	var ids []string
	if err := s.db.WithContext(ctx).Model(&schema.Case{}).
		Where("domain = ? AND owner_id IN ? AND closed = ? AND deleted_on IS NULL", domainName, owners, false).
		Order("id ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list owner cases: %w", err)
	}
	return ids, nil
}

// GetOutgoingIndices returns the index rows of the given cases
func (s *pgStore) GetOutgoingIndices(ctx context.Context, caseIDs []string) ([]schema.CaseIndex, error) {
	var indices []schema.CaseIndex
	for _, chunk := range chunkStrings(uniqueSorted(caseIDs), maxInClause) {
		var part []schema.CaseIndex
		if err := s.db.WithContext(ctx).
			Where("case_id IN ?", chunk).
			Order("case_id ASC, identifier ASC").
			Find(&part).Error; err != nil {
			return nil, fmt.Errorf("failed to get outgoing indices: %w", err)
		}
		indices = append(indices, part...)
	}
	return indices, nil
}

// GetIncomingIndices returns index rows pointing at the given cases; an empty relationship matches every kind
func (s *pgStore) GetIncomingIndices(ctx context.Context, caseIDs []string, relationship domain.Relationship) ([]schema.CaseIndex, error) {
	var indices []schema.CaseIndex
	for _, chunk := range chunkStrings(uniqueSorted(caseIDs), maxInClause) {
		query := s.db.WithContext(ctx).Where("referenced_id IN ?", chunk)
		if relationship != "" {
			query = query.Where("relationship = ?", relationship)
		}

		var part []schema.CaseIndex
		if err := query.Order("case_id ASC, identifier ASC").Find(&part).Error; err != nil {
			return nil, fmt.Errorf("failed to get incoming indices: %w", err)
		}
		indices = append(indices, part...)
	}
	return indices, nil
}

func sameIndices(a, b []schema.CaseIndex) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Identifier != b[i].Identifier ||
			a[i].ReferencedID != b[i].ReferencedID ||
			a[i].ReferencedType != b[i].ReferencedType ||
			a[i].Relationship != b[i].Relationship {
			return false
		}
	}
	return true
}
