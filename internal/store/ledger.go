package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/store/schema"
)

var ledgerValueUpdateColumns = []string{"balance", "last_modified_form_id", "last_modified", "ledger_error"}

// GetLedgerTransactions returns the movements of a ledger key ordered by server date, ties broken by id
func (s *pgStore) GetLedgerTransactions(ctx context.Context, ref domain.LedgerRef, includeRevoked bool) ([]schema.LedgerTransaction, error) {
	query := s.db.WithContext(ctx).
		Where("case_id = ? AND section_id = ? AND entry_id = ?", ref.CaseID, ref.SectionID, ref.EntryID)
	if !includeRevoked {
		query = query.Where("revoked = ?", false)
	}

	var txns []schema.LedgerTransaction
	if err := query.Order("server_date ASC, id ASC").Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("failed to get ledger transactions: %w", err)
	}
	return txns, nil
}

// GetCaseLedgerTransactions returns the movements of every ledger key of a case, grouped by key
func (s *pgStore) GetCaseLedgerTransactions(ctx context.Context, caseID string, includeRevoked bool) ([]schema.LedgerTransaction, error) {
	query := s.db.WithContext(ctx).Where("case_id = ?", caseID)
	if !includeRevoked {
		query = query.Where("revoked = ?", false)
	}

	var txns []schema.LedgerTransaction
	if err := query.Order("section_id ASC, entry_id ASC, server_date ASC, id ASC").Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("failed to get case ledger transactions: %w", err)
	}
	return txns, nil
}

// GetLedgerSnapshot reads the movements and the balance of a key under the case's advisory lock,
// so an append committing in between cannot be half visible
func (s *pgStore) GetLedgerSnapshot(ctx context.Context, ref domain.LedgerRef) ([]schema.LedgerTransaction, *schema.LedgerValue, error) {
	var (
		txns  []schema.LedgerTransaction
		value *schema.LedgerValue
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockKeys(tx, CaseLockKey(ref.CaseID)); err != nil {
			return err
		}
		if err := tx.Where("case_id = ? AND section_id = ? AND entry_id = ? AND revoked = ?",
			ref.CaseID, ref.SectionID, ref.EntryID, false).
			Order("server_date ASC, id ASC").
			Find(&txns).Error; err != nil {
			return fmt.Errorf("failed to get ledger transactions: %w", err)
		}

		var err error
		value, err = getLedgerValueTx(tx, ref)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return txns, value, nil
}

// GetLedgerValue retrieves a materialized balance
func (s *pgStore) GetLedgerValue(ctx context.Context, ref domain.LedgerRef) (*schema.LedgerValue, error) {
	return getLedgerValueTx(s.db.WithContext(ctx), ref)
}

// GetLedgerValues returns the materialized balances of the given cases
func (s *pgStore) GetLedgerValues(ctx context.Context, caseIDs []string) ([]schema.LedgerValue, error) {
	var values []schema.LedgerValue
	for _, chunk := range chunkStrings(uniqueSorted(caseIDs), maxInClause) {
		var part []schema.LedgerValue
		if err := s.db.WithContext(ctx).
			Where("case_id IN ?", chunk).
			Order("case_id ASC, section_id ASC, entry_id ASC").
			Find(&part).Error; err != nil {
			return nil, fmt.Errorf("failed to get ledger values: %w", err)
		}
		values = append(values, part...)
	}
	return values, nil
}

// RewriteCaseLedger restamps ledger transactions and replaces the ledger values of a case
func (s *pgStore) RewriteCaseLedger(ctx context.Context, input RewriteLedgerInput) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockKeys(tx, CaseLockKey(input.CaseID)); err != nil {
			return err
		}

		for _, r := range input.Restamps {
			if err := tx.Model(&schema.LedgerTransaction{}).
				Where("id = ? AND case_id = ?", r.ID, input.CaseID).
				Updates(map[string]interface{}{
					"delta":           r.Delta,
					"updated_balance": r.UpdatedBalance,
				}).Error; err != nil {
				return fmt.Errorf("failed to restamp ledger transaction %d: %w", r.ID, err)
			}
		}

		touched := make(map[domain.LedgerRef]struct{}, len(input.Values))
		domainName := ""
		for i := range input.Values {
			v := input.Values[i]
			if v.CaseID != input.CaseID {
				return fmt.Errorf("ledger value %s does not belong to case %s", v.Ref(), input.CaseID)
			}
			if err := upsertLedgerValue(tx, &v); err != nil {
				return err
			}
			touched[v.Ref()] = struct{}{}
			domainName = v.Domain
		}

		return writeJournal(tx, ledgerJournal(domainName, touched, input.At))
	})
}

// SetDailyConsumption updates the consumption estimate of a ledger value
func (s *pgStore) SetDailyConsumption(ctx context.Context, ref domain.LedgerRef, consumption *float64) error {
	if err := s.db.WithContext(ctx).Model(&schema.LedgerValue{}).
		Where("case_id = ? AND section_id = ? AND entry_id = ?", ref.CaseID, ref.SectionID, ref.EntryID).
		Update("daily_consumption", consumption).Error; err != nil {
		return fmt.Errorf("failed to set daily consumption: %w", err)
	}
	return nil
}

func getLedgerValueTx(tx *gorm.DB, ref domain.LedgerRef) (*schema.LedgerValue, error) {
	var value schema.LedgerValue
	err := tx.Where("case_id = ? AND section_id = ? AND entry_id = ?", ref.CaseID, ref.SectionID, ref.EntryID).
		First(&value).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get ledger value: %w", err)
	}
	return &value, nil
}

func upsertLedgerValue(tx *gorm.DB, value *schema.LedgerValue) error {
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "case_id"}, {Name: "section_id"}, {Name: "entry_id"}},
		DoUpdates: clause.AssignmentColumns(ledgerValueUpdateColumns),
	}).Create(value).Error; err != nil {
		return fmt.Errorf("failed to upsert ledger value %s: %w", value.Ref(), err)
	}
	return nil
}

// appendLedgerEntries stores the movements of a form in order, checking the negative balance policy
func appendLedgerEntries(tx *gorm.DB, form *schema.Form, caseTxnIDs map[string]int64, entries []NewLedgerEntry, policy domain.NegativeBalancePolicy) ([]domain.LedgerRef, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	running := make(map[domain.LedgerRef]int64)
	order := make([]domain.LedgerRef, 0)
	for _, e := range entries {
		ref := e.Ref()
		balance, seen := running[ref]
		if !seen {
			current, err := getLedgerValueTx(tx, ref)
			if err != nil {
				return nil, err
			}
			if current != nil {
				balance = current.Balance
			}
			order = append(order, ref)
		}

		delta, updated := domain.ApplyLedgerMovement(e.Kind, e.Quantity, balance)
		if updated < 0 && policy != domain.NegativeBalanceAllow {
			return nil, domain.NewMalformedSubmission(
				fmt.Sprintf("ledger %s would go negative (%d)", ref, updated), nil)
		}
		running[ref] = updated

		row := schema.LedgerTransaction{
			CaseTransactionID: caseTxnIDs[e.CaseID],
			CaseID:            e.CaseID,
			SectionID:         e.SectionID,
			EntryID:           e.EntryID,
			FormID:            form.ID,
			Kind:              e.Kind,
			Quantity:          e.Quantity,
			Delta:             delta,
			UpdatedBalance:    updated,
			ServerDate:        form.ReceivedOn,
			ReportDate:        e.ReportDate,
		}
		if err := tx.Create(&row).Error; err != nil {
			return nil, fmt.Errorf("failed to create ledger transaction: %w", err)
		}
	}

	for _, ref := range order {
		value := schema.LedgerValue{
			Domain:             form.Domain,
			CaseID:             ref.CaseID,
			SectionID:          ref.SectionID,
			EntryID:            ref.EntryID,
			Balance:            running[ref],
			LastModifiedFormID: form.ID,
			LastModified:       form.ReceivedOn,
			LedgerError:        running[ref] < 0,
		}
		if err := upsertLedgerValue(tx, &value); err != nil {
			return nil, err
		}
	}

	return order, nil
}

// restampLedgers replays the non-revoked movements of each key and rewrites deltas, balances and values
func restampLedgers(tx *gorm.DB, domainName string, refs []domain.LedgerRef, at time.Time) error {
	for _, ref := range refs {
		var txns []schema.LedgerTransaction
		if err := tx.Where("case_id = ? AND section_id = ? AND entry_id = ? AND revoked = ?",
			ref.CaseID, ref.SectionID, ref.EntryID, false).
			Order("server_date ASC, id ASC").
			Find(&txns).Error; err != nil {
			return fmt.Errorf("failed to get ledger transactions: %w", err)
		}

		movements := make([]domain.LedgerMovement, 0, len(txns))
		for _, t := range txns {
			movements = append(movements, domain.LedgerMovement{ID: t.ID, Kind: t.Kind, Quantity: t.Quantity})
		}
		stamps, balance := domain.ReplayLedger(movements)

		for i, stamp := range stamps {
			if txns[i].Delta == stamp.Delta && txns[i].UpdatedBalance == stamp.UpdatedBalance {
				continue
			}
			if err := tx.Model(&schema.LedgerTransaction{}).Where("id = ?", stamp.ID).
				Updates(map[string]interface{}{
					"delta":           stamp.Delta,
					"updated_balance": stamp.UpdatedBalance,
				}).Error; err != nil {
				return fmt.Errorf("failed to restamp ledger transaction %d: %w", stamp.ID, err)
			}
		}

		lastFormID := ""
		if len(txns) > 0 {
			lastFormID = txns[len(txns)-1].FormID
		}
		value := schema.LedgerValue{
			Domain:             domainName,
			CaseID:             ref.CaseID,
			SectionID:          ref.SectionID,
			EntryID:            ref.EntryID,
			Balance:            balance,
			LastModifiedFormID: lastFormID,
			LastModified:       at,
			LedgerError:        balance < 0,
		}
		if err := upsertLedgerValue(tx, &value); err != nil {
			return err
		}
	}

	return nil
}

func ledgerJournal(domainName string, refs map[domain.LedgerRef]struct{}, at time.Time) []schema.ChangesJournal {
	journal := make([]schema.ChangesJournal, 0, len(refs))
	for _, ref := range sortedRefs(refs) {
		journal = append(journal, schema.ChangesJournal{
			Domain:      domainName,
			SubjectType: schema.SubjectTypeLedger,
			SubjectID:   ref.String(),
			ChangedAt:   at,
		})
	}
	return journal
}

func sortedRefs(refs map[domain.LedgerRef]struct{}) []domain.LedgerRef {
	out := make([]domain.LedgerRef, 0, len(refs))
	for ref := range refs {
		out = append(out, ref)
	}
	slices.SortFunc(out, func(a, b domain.LedgerRef) int {
		return strings.Compare(a.String(), b.String())
	})
	return out
}
