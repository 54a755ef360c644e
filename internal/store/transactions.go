package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/store/schema"
)

// GetCaseTransactions returns the log of a case ordered by server date, ties broken by id
func (s *pgStore) GetCaseTransactions(ctx context.Context, caseID string, includeRevoked bool) ([]schema.CaseTransaction, error) {
	query := s.db.WithContext(ctx).Where("case_id = ?", caseID)
	if !includeRevoked {
		query = query.Where("revoked = ?", false)
	}

	var txns []schema.CaseTransaction
	if err := query.Order("server_date ASC, id ASC").Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("failed to get case transactions: %w", err)
	}
	return txns, nil
}

// AppendRebuildTransaction appends a rebuild-typed transaction and marks the case dirty
func (s *pgStore) AppendRebuildTransaction(ctx context.Context, input AppendRebuildInput) (*schema.CaseTransaction, error) {
	if !input.Type.IsRebuild() {
		return nil, fmt.Errorf("transaction type %s is not a rebuild type", input.Type)
	}

	var row *schema.CaseTransaction
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

		var err error
		row, err = appendRebuild(tx, input.CaseID, input.Type, input.Detail, input.At)
		if err != nil {
			return err
		}

		if err := markCasesDirty(tx, []string{input.CaseID}, input.At); err != nil {
			return err
		}

		journal, err := caseTransactionJournal(c.Domain, []string{input.CaseID}, "", input.Type.String(), input.At)
		if err != nil {
			return err
		}
		return writeJournal(tx, journal)
	})
	if err != nil {
		return nil, err
	}

	return row, nil
}

// ExistingCaseIDs reports which of the given cases have a transaction log
func (s *pgStore) ExistingCaseIDs(ctx context.Context, caseIDs []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(caseIDs))
	for _, chunk := range chunkStrings(uniqueSorted(caseIDs), maxInClause) {
		var found []string
		if err := s.db.WithContext(ctx).Model(&schema.CaseTransaction{}).
			Where("case_id IN ?", chunk).
			Distinct().
			Pluck("case_id", &found).Error; err != nil {
			return nil, fmt.Errorf("failed to check existing cases: %w", err)
		}
		for _, id := range found {
			existing[id] = true
		}
	}
	return existing, nil
}

// appendRebuild inserts a system transaction without a form reference
func appendRebuild(tx *gorm.DB, caseID string, txnType domain.TransactionType, detail domain.RebuildDetail, at time.Time) (*schema.CaseTransaction, error) {
	details, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rebuild detail: %w", err)
	}

	row := schema.CaseTransaction{
		CaseID:     caseID,
		Type:       txnType,
		ServerDate: at,
		Details:    details,
	}
	if err := tx.Create(&row).Error; err != nil {
		return nil, fmt.Errorf("failed to append rebuild transaction: %w", err)
	}

	return &row, nil
}

func caseTransactionJournal(domainName string, caseIDs []string, formID string, action string, at time.Time) ([]schema.ChangesJournal, error) {
	journal := make([]schema.ChangesJournal, 0, len(caseIDs))
	for _, caseID := range caseIDs {
		entry, err := journalEntry(domainName, schema.SubjectTypeCaseTransaction, caseID, at,
			schema.CaseTransactionChangeMeta{FormID: formID, Action: action})
		if err != nil {
			return nil, err
		}
		journal = append(journal, entry)
	}
	return journal, nil
}
