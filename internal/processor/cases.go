package processor

import (
	"context"
	"fmt"

	"github.com/dimagi/casecore/internal/adapter"
	"github.com/dimagi/casecore/internal/blob"
	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/store"
	"github.com/dimagi/casecore/internal/xform"
)

type caseHandler struct {
	json adapter.JSON
}

// NewCaseHandler creates the handler that extracts case and ledger blocks
func NewCaseHandler(json adapter.JSON) Handler {
	return &caseHandler{json: json}
}

// Process produces one transaction per case touched by the form. Several case blocks
// for the same case are merged in document order.
func (h *caseHandler) Process(_ context.Context, input *Input) (*Result, error) {
	form := input.Form

	diffs := make(map[string]*domain.CaseDiff)
	order := make([]string, 0, len(form.Cases))
	for _, block := range form.Cases {
		diff := block.Diff(form.XMLNS)

		for name := range diff.Update {
			if domain.IsTypedCaseProperty(name) {
				continue
			}
			if err := domain.ValidateExtraPropertyName(name); err != nil {
				return nil, domain.NewMalformedSubmission(fmt.Sprintf("case %s", block.CaseID), err)
			}
		}

		attachments, err := resolveAttachments(block, input.Attachments)
		if err != nil {
			return nil, err
		}
		diff.Attachments = attachments

		if existing, ok := diffs[block.CaseID]; ok {
			mergeDiff(existing, diff)
			continue
		}
		diffs[block.CaseID] = &diff
		order = append(order, block.CaseID)
	}

	ledger, ledgerCases := ledgerEntries(form.Ledgers)

	result := &Result{Status: domain.SubmissionStatusNormal, Ledger: ledger}
	for _, caseID := range order {
		diff := diffs[caseID]
		details, err := h.json.Marshal(diff)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal case diff: %w", err)
		}

		txnType := diff.TransactionType()
		if _, ok := ledgerCases[caseID]; ok {
			txnType = txnType.With(domain.TransactionLedger)
		}
		result.Transactions = append(result.Transactions, store.NewCaseTransaction{
			CaseID:     caseID,
			Type:       txnType,
			Details:    details,
			ClientDate: diff.DateModified,
		})
	}

	// Cases that only have ledger movements still get a transaction so that the
	// movements are keyed through the case log
	for _, entry := range ledger {
		if _, ok := diffs[entry.CaseID]; ok {
			continue
		}
		diffs[entry.CaseID] = nil
		result.Transactions = append(result.Transactions, store.NewCaseTransaction{
			CaseID: entry.CaseID,
			Type:   domain.TransactionLedger,
		})
	}

	return result, nil
}

func resolveAttachments(block xform.CaseBlock, stored map[string]blob.Info) ([]domain.AttachmentChange, error) {
	if len(block.Attachments) == 0 {
		return nil, nil
	}

	changes := make([]domain.AttachmentChange, 0, len(block.Attachments))
	for _, a := range block.Attachments {
		if a.Src == "" {
			changes = append(changes, domain.AttachmentChange{Identifier: a.Identifier, Remove: true})
			continue
		}
		info, ok := stored[a.Src]
		if !ok {
			return nil, domain.NewMalformedSubmission(
				fmt.Sprintf("case %s attachment %s references missing form attachment %s", block.CaseID, a.Identifier, a.Src), nil)
		}
		changes = append(changes, domain.AttachmentChange{
			Identifier:    a.Identifier,
			BlobID:        info.BlobID,
			ContentType:   info.ContentType,
			ContentLength: info.ContentLength,
			MD5:           info.MD5,
		})
	}
	return changes, nil
}

// mergeDiff folds a later block for the same case into dst
func mergeDiff(dst *domain.CaseDiff, src domain.CaseDiff) {
	if src.UserID != "" {
		dst.UserID = src.UserID
	}
	if src.DateModified != nil {
		dst.DateModified = src.DateModified
	}
	if src.Create != nil {
		if dst.Create == nil {
			dst.Create = &domain.CaseCreate{}
		}
		if src.Create.CaseType != "" {
			dst.Create.CaseType = src.Create.CaseType
		}
		if src.Create.CaseName != "" {
			dst.Create.CaseName = src.Create.CaseName
		}
		if src.Create.OwnerID != "" {
			dst.Create.OwnerID = src.Create.OwnerID
		}
	}
	if len(src.Update) > 0 {
		if dst.Update == nil {
			dst.Update = make(map[string]string, len(src.Update))
		}
		for k, v := range src.Update {
			dst.Update[k] = v
		}
	}
	dst.Close = dst.Close || src.Close
	dst.Indices = append(dst.Indices, src.Indices...)
	dst.Attachments = append(dst.Attachments, src.Attachments...)
}

// ledgerEntries expands ledger blocks into movements in document order.
// A transfer produces a negative movement on its source and a positive one on its destination.
func ledgerEntries(blocks []xform.LedgerBlock) ([]store.NewLedgerEntry, map[string]struct{}) {
	var entries []store.NewLedgerEntry
	cases := make(map[string]struct{})
	add := func(caseID string, block xform.LedgerBlock, entry xform.LedgerEntry, kind domain.LedgerKind, quantity int64) {
		entries = append(entries, store.NewLedgerEntry{
			CaseID:     caseID,
			SectionID:  block.SectionID,
			EntryID:    entry.ID,
			Kind:       kind,
			Quantity:   quantity,
			ReportDate: block.Date,
		})
		cases[caseID] = struct{}{}
	}

	for _, block := range blocks {
		for _, entry := range block.Entries {
			switch block.Kind {
			case domain.LedgerKindBalance:
				add(block.EntityID, block, entry, domain.LedgerKindBalance, entry.Quantity)
			default:
				if block.Src != "" {
					add(block.Src, block, entry, domain.LedgerKindTransfer, -entry.Quantity)
				}
				if block.Dest != "" {
					add(block.Dest, block, entry, domain.LedgerKindTransfer, entry.Quantity)
				}
			}
		}
	}
	return entries, cases
}
