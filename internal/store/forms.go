package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/store/schema"
)

// GetForm retrieves a form with its attachments
func (s *pgStore) GetForm(ctx context.Context, formID string) (*schema.Form, error) {
	var form schema.Form
	err := s.db.WithContext(ctx).
		Preload("Attachments", func(db *gorm.DB) *gorm.DB { return db.Order("name ASC") }).
		Where("id = ?", formID).
		First(&form).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get form: %w", err)
	}
	return &form, nil
}

// GetLiveFormByInstanceID retrieves the newest non-deprecated form of an instance
func (s *pgStore) GetLiveFormByInstanceID(ctx context.Context, domainName string, instanceID string) (*schema.Form, error) {
	var form schema.Form
	err := s.db.WithContext(ctx).
		Where("domain = ? AND instance_id = ? AND state <> ?", domainName, instanceID, domain.FormStateDeprecated).
		Order("received_on DESC, id DESC").
		First(&form).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get form by instance id: %w", err)
	}
	return &form, nil
}

// GetFormOperations returns the operation log of a form, oldest first
func (s *pgStore) GetFormOperations(ctx context.Context, formID string) ([]schema.FormOperation, error) {
	var ops []schema.FormOperation
	if err := s.db.WithContext(ctx).
		Where("form_id = ?", formID).
		Order("date ASC, id ASC").
		Find(&ops).Error; err != nil {
		return nil, fmt.Errorf("failed to get form operations: %w", err)
	}
	return ops, nil
}

// GetFormChain returns every version of the edit chain containing the form, oldest first
func (s *pgStore) GetFormChain(ctx context.Context, formID string) ([]schema.Form, error) {
	form, err := s.GetForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	if form == nil {
		return nil, nil
	}

	root := form.RootID()
	var chain []schema.Form
	if err := s.db.WithContext(ctx).
		Where("id = ? OR orig_id = ?", root, root).
		Order("received_on ASC, id ASC").
		Find(&chain).Error; err != nil {
		return nil, fmt.Errorf("failed to get form chain: %w", err)
	}
	return chain, nil
}

// GetFormCaseIDs returns the cases the form has transactions against
func (s *pgStore) GetFormCaseIDs(ctx context.Context, formID string) ([]string, error) {
	return formCaseIDs(s.db.WithContext(ctx), formID)
}

func formCaseIDs(tx *gorm.DB, formID string) ([]string, error) {
	var caseIDs []string
	if err := tx.Model(&schema.CaseTransaction{}).
		Where("form_id = ?", formID).
		Distinct().
		Order("case_id ASC").
		Pluck("case_id", &caseIDs).Error; err != nil {
		return nil, fmt.Errorf("failed to get form case ids: %w", err)
	}
	return caseIDs, nil
}

// SaveSubmission stores a form and appends its case and ledger transactions in a single transaction
func (s *pgStore) SaveSubmission(ctx context.Context, input SaveSubmissionInput) (*SaveSubmissionResult, error) {
	form := input.Form
	if form == nil {
		return nil, fmt.Errorf("form is required")
	}

	txns := mergeLedgerTransactions(input.Transactions, input.Ledger)
	result := &SaveSubmissionResult{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		caseIDs := make([]string, 0, len(txns))
		for _, t := range txns {
			caseIDs = append(caseIDs, t.CaseID)
		}

		var oldCaseIDs []string
		if input.Deprecates != nil {
			var err error
			oldCaseIDs, err = formCaseIDs(tx, input.Deprecates.FormID)
			if err != nil {
				return err
			}
		}

		if err := lockKeys(tx, caseLockKeys(append(caseIDs, oldCaseIDs...))...); err != nil {
			return err
		}

		// 1. Insert the form; an existing id means the submission was already accepted
		res := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoNothing: true,
			}).
			Create(form)
		if res.Error != nil {
			return fmt.Errorf("failed to create form: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			result.Duplicate = true
			return nil
		}

		for i := range form.Attachments {
			form.Attachments[i].FormID = form.ID
		}
		if len(form.Attachments) > 0 {
			if err := tx.Create(&form.Attachments).Error; err != nil {
				return fmt.Errorf("failed to create form attachments: %w", err)
			}
		}

		at := form.ReceivedOn
		var journal []schema.ChangesJournal
		touchedRefs := map[domain.LedgerRef]struct{}{}

		// 2. Deprecate the replaced version and revoke everything it contributed
		if input.Deprecates != nil {
			old, err := deprecateForm(tx, *input.Deprecates, form.ID, at)
			if err != nil {
				return err
			}

			_, oldRefs, err := setFormRevoked(tx, old.ID, true)
			if err != nil {
				return err
			}
			if err := restampLedgers(tx, form.Domain, oldRefs, at); err != nil {
				return err
			}
			for _, ref := range oldRefs {
				touchedRefs[ref] = struct{}{}
			}

			entry, err := journalEntry(old.Domain, schema.SubjectTypeForm, old.ID, at, nil)
			if err != nil {
				return err
			}
			journal = append(journal, entry)
		}

		// 3. Append the case transactions of the new form
		if err := ensureCases(tx, form.Domain, caseIDs, at); err != nil {
			return err
		}

		caseTxnIDs := make(map[string]int64, len(txns))
		for _, t := range txns {
			formID := form.ID
			row := schema.CaseTransaction{
				CaseID:     t.CaseID,
				FormID:     &formID,
				Type:       t.Type,
				ServerDate: at,
				ClientDate: t.ClientDate,
				Details:    t.Details,
			}
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "case_id"}, {Name: "form_id"}, {Name: "type"}},
				DoNothing: true,
			}).Create(&row)
			if res.Error != nil {
				return fmt.Errorf("failed to append case transaction: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				// duplicate append is an idempotent no-op
				if err := tx.Where("case_id = ? AND form_id = ? AND type = ?", t.CaseID, formID, t.Type).
					First(&row).Error; err != nil {
					return fmt.Errorf("failed to get existing case transaction: %w", err)
				}
			}
			caseTxnIDs[t.CaseID] = row.ID
		}

		// 4. Apply the ledger movements on top of the current balances
		refs, err := appendLedgerEntries(tx, form, caseTxnIDs, input.Ledger, input.NegativeBalancePolicy)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			touchedRefs[ref] = struct{}{}
		}

		// 5. An edit appends one rebuild transaction to every case touched by either version
		touchedCases := uniqueSorted(append(append([]string{}, caseIDs...), oldCaseIDs...))
		if input.Deprecates != nil {
			detail := domain.RebuildDetail{DeprecatedFormID: input.Deprecates.FormID}
			if err := ensureCases(tx, form.Domain, oldCaseIDs, at); err != nil {
				return err
			}
			for _, caseID := range touchedCases {
				if _, err := appendRebuild(tx, caseID, domain.TransactionFormEditRebuild, detail, at); err != nil {
					return err
				}
			}
		}

		// 6. Journal
		entry, err := journalEntry(form.Domain, schema.SubjectTypeForm, form.ID, at, nil)
		if err != nil {
			return err
		}
		journal = append(journal, entry)

		caseEntries, err := caseTransactionJournal(form.Domain, touchedCases, form.ID, "append", at)
		if err != nil {
			return err
		}
		journal = append(journal, caseEntries...)
		journal = append(journal, ledgerJournal(form.Domain, touchedRefs, at)...)

		if err := writeJournal(tx, journal); err != nil {
			return err
		}

		result.CaseIDs = touchedCases
		result.LedgerRefs = sortedRefs(touchedRefs)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// SetFormArchived archives or unarchives a form
func (s *pgStore) SetFormArchived(ctx context.Context, input SetFormArchivedInput) (*FormMutationResult, error) {
	target := domain.FormStateNormal
	operation := domain.FormOperationUnarchive
	if input.Archive {
		target = domain.FormStateArchived
		operation = domain.FormOperationArchive
	}

	result := &FormMutationResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		caseIDs, err := formCaseIDs(tx, input.FormID)
		if err != nil {
			return err
		}
		if err := lockKeys(tx, caseLockKeys(caseIDs)...); err != nil {
			return err
		}

		form, err := getFormTx(tx, input.FormID)
		if err != nil {
			return err
		}
		result.Form = form

		if form.State == target {
			return nil
		}
		if !form.State.CanTransition(target) {
			return fmt.Errorf("%w: cannot %s a %s form", domain.ErrInvalidFormState, operation, form.State)
		}

		if err := tx.Model(&schema.Form{}).Where("id = ?", form.ID).
			Update("state", target).Error; err != nil {
			return fmt.Errorf("failed to update form state: %w", err)
		}
		form.State = target

		if err := appendFormOperation(tx, form.ID, operation, input.UserID, input.At, nil); err != nil {
			return err
		}

		_, refs, err := setFormRevoked(tx, form.ID, input.Archive)
		if err != nil {
			return err
		}
		if err := restampLedgers(tx, form.Domain, refs, input.At); err != nil {
			return err
		}

		if err := markCasesDirty(tx, caseIDs, input.At); err != nil {
			return err
		}
		archived := input.Archive
		detail := domain.RebuildDetail{FormID: form.ID, Archived: &archived, UserID: input.UserID}
		for _, caseID := range caseIDs {
			if _, err := appendRebuild(tx, caseID, domain.TransactionFormArchiveRebuild, detail, input.At); err != nil {
				return err
			}
		}

		journal, err := formMutationJournal(form, caseIDs, refs, string(operation), input.At)
		if err != nil {
			return err
		}
		if err := writeJournal(tx, journal); err != nil {
			return err
		}

		result.Changed = true
		result.CaseIDs = caseIDs
		result.LedgerRefs = refs
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// DeleteForm soft deletes a form, revokes its transactions and soft deletes the cases it created
func (s *pgStore) DeleteForm(ctx context.Context, input DeleteFormInput) (*FormMutationResult, error) {
	result := &FormMutationResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		caseIDs, err := formCaseIDs(tx, input.FormID)
		if err != nil {
			return err
		}
		if err := lockKeys(tx, caseLockKeys(caseIDs)...); err != nil {
			return err
		}

		form, err := getFormTx(tx, input.FormID)
		if err != nil {
			return err
		}
		result.Form = form

		if !form.State.CanTransition(domain.FormStateDeleted) {
			return fmt.Errorf("%w: cannot delete a %s form", domain.ErrInvalidFormState, form.State)
		}

		deletionID := input.DeletionID
		at := input.At
		if err := tx.Model(&schema.Form{}).Where("id = ?", form.ID).
			Updates(map[string]interface{}{
				"state":       domain.FormStateDeleted,
				"deleted_on":  at,
				"deletion_id": deletionID,
			}).Error; err != nil {
			return fmt.Errorf("failed to delete form: %w", err)
		}
		form.State = domain.FormStateDeleted
		form.DeletedOn = &at
		form.DeletionID = &deletionID

		if err := appendFormOperation(tx, form.ID, domain.FormOperationDelete, "", at, map[string]string{"deletion_id": deletionID}); err != nil {
			return err
		}

		// cases created by this form go away with it
		var created []string
		var formTxns []schema.CaseTransaction
		if err := tx.Where("form_id = ?", form.ID).Find(&formTxns).Error; err != nil {
			return fmt.Errorf("failed to get form transactions: %w", err)
		}
		for _, t := range formTxns {
			if t.Type.Has(domain.TransactionCaseCreate) {
				created = append(created, t.CaseID)
			}
		}
		created = uniqueSorted(created)

		_, refs, err := setFormRevoked(tx, form.ID, true)
		if err != nil {
			return err
		}
		if err := restampLedgers(tx, form.Domain, refs, at); err != nil {
			return err
		}

		if err := markCasesDirty(tx, caseIDs, at); err != nil {
			return err
		}
		detail := domain.RebuildDetail{Reason: domain.FORM_DELETED_REASON, FormID: form.ID}
		for _, caseID := range caseIDs {
			if _, err := appendRebuild(tx, caseID, domain.TransactionRebuildWithReason, detail, at); err != nil {
				return err
			}
		}

		if len(created) > 0 {
			// owners of the deleted cases and of the cases they point at lose or gain dependencies
			owners, err := ownersOfCases(tx, created)
			if err != nil {
				return err
			}
			var referenced []string
			if err := tx.Model(&schema.CaseIndex{}).
				Where("case_id IN ?", created).
				Distinct().
				Pluck("referenced_id", &referenced).Error; err != nil {
				return fmt.Errorf("failed to get referenced cases: %w", err)
			}
			refOwners, err := ownersOfCases(tx, referenced)
			if err != nil {
				return err
			}

			if err := tx.Model(&schema.Case{}).Where("id IN ?", created).
				Updates(map[string]interface{}{
					"deleted_on":  at,
					"deletion_id": deletionID,
					"dirty":       true,
				}).Error; err != nil {
				return fmt.Errorf("failed to delete cases: %w", err)
			}

			if err := invalidateOwners(tx, form.Domain, append(owners, refOwners...), at); err != nil {
				return err
			}
		}

		journal, err := formMutationJournal(form, caseIDs, refs, string(domain.FormOperationDelete), at)
		if err != nil {
			return err
		}
		if err := writeJournal(tx, journal); err != nil {
			return err
		}

		result.Changed = true
		result.CaseIDs = caseIDs
		result.LedgerRefs = refs
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func getFormTx(tx *gorm.DB, formID string) (*schema.Form, error) {
	var form schema.Form
	if err := tx.Where("id = ?", formID).First(&form).Error; err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrFormNotFound, formID)
		}
		return nil, fmt.Errorf("failed to get form: %w", err)
	}
	return &form, nil
}

// deprecateForm flips the replaced form to deprecated and links it to its replacement
func deprecateForm(tx *gorm.DB, input DeprecateInput, newFormID string, at time.Time) (*schema.Form, error) {
	old, err := getFormTx(tx, input.FormID)
	if err != nil {
		return nil, err
	}
	if old.State != domain.FormStateNormal {
		return nil, fmt.Errorf("%w: cannot edit a %s form", domain.ErrInvalidFormState, old.State)
	}

	if err := tx.Model(&schema.Form{}).Where("id = ?", old.ID).
		Updates(map[string]interface{}{
			"state":            domain.FormStateDeprecated,
			"superseded_by_id": newFormID,
		}).Error; err != nil {
		return nil, fmt.Errorf("failed to deprecate form: %w", err)
	}
	old.State = domain.FormStateDeprecated
	old.SupersededByID = &newFormID

	if err := appendFormOperation(tx, old.ID, domain.FormOperationEdit, input.UserID, at, map[string]string{"new_form_id": newFormID}); err != nil {
		return nil, err
	}

	return old, nil
}

func appendFormOperation(tx *gorm.DB, formID string, operation domain.FormOperationType, userID string, at time.Time, meta map[string]string) error {
	op := schema.FormOperation{
		FormID:    formID,
		Operation: operation,
		UserID:    userID,
		Date:      at,
	}
	if meta != nil {
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to marshal form operation meta: %w", err)
		}
		op.Meta = metaJSON
	}

	if err := tx.Create(&op).Error; err != nil {
		return fmt.Errorf("failed to append form operation: %w", err)
	}
	return nil
}

// setFormRevoked flips the revoked flag of every case and ledger transaction of a form
func setFormRevoked(tx *gorm.DB, formID string, revoked bool) ([]string, []domain.LedgerRef, error) {
	caseIDs, err := formCaseIDs(tx, formID)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Model(&schema.CaseTransaction{}).
		Where("form_id = ?", formID).
		Update("revoked", revoked).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to revoke case transactions: %w", err)
	}

	var keys []struct {
		CaseID    string
		SectionID string
		EntryID   string
	}
	if err := tx.Model(&schema.LedgerTransaction{}).
		Select("DISTINCT case_id, section_id, entry_id").
		Where("form_id = ?", formID).
		Order("case_id, section_id, entry_id").
		Scan(&keys).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to get form ledger keys: %w", err)
	}

	if err := tx.Model(&schema.LedgerTransaction{}).
		Where("form_id = ?", formID).
		Update("revoked", revoked).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to revoke ledger transactions: %w", err)
	}

	refs := make([]domain.LedgerRef, 0, len(keys))
	for _, k := range keys {
		refs = append(refs, domain.LedgerRef{CaseID: k.CaseID, SectionID: k.SectionID, EntryID: k.EntryID})
	}

	return caseIDs, refs, nil
}

// mergeLedgerTransactions adds the ledger flag to the case transactions of cases with ledger movements,
// creating ledger-only transactions where a case has no case block
func mergeLedgerTransactions(txns []NewCaseTransaction, entries []NewLedgerEntry) []NewCaseTransaction {
	merged := make([]NewCaseTransaction, 0, len(txns))
	index := make(map[string]int, len(txns))
	for _, t := range txns {
		if i, ok := index[t.CaseID]; ok {
			merged[i].Type = merged[i].Type.With(t.Type)
			continue
		}
		index[t.CaseID] = len(merged)
		merged = append(merged, t)
	}

	for _, e := range entries {
		if i, ok := index[e.CaseID]; ok {
			merged[i].Type = merged[i].Type.With(domain.TransactionLedger)
			continue
		}
		index[e.CaseID] = len(merged)
		merged = append(merged, NewCaseTransaction{CaseID: e.CaseID, Type: domain.TransactionLedger})
	}

	return merged
}

func formMutationJournal(form *schema.Form, caseIDs []string, refs []domain.LedgerRef, action string, at time.Time) ([]schema.ChangesJournal, error) {
	entry, err := journalEntry(form.Domain, schema.SubjectTypeForm, form.ID, at, map[string]string{"action": action})
	if err != nil {
		return nil, err
	}
	journal := []schema.ChangesJournal{entry}

	caseEntries, err := caseTransactionJournal(form.Domain, caseIDs, form.ID, action, at)
	if err != nil {
		return nil, err
	}
	journal = append(journal, caseEntries...)

	touched := make(map[domain.LedgerRef]struct{}, len(refs))
	for _, ref := range refs {
		touched[ref] = struct{}{}
	}
	return append(journal, ledgerJournal(form.Domain, touched, at)...), nil
}
