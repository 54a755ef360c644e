package domain

import (
	"fmt"
	"strings"
)

// TransactionType is the set of capabilities carried by one case transaction.
// The bit values are part of the persisted format and must not change.
type TransactionType uint32

const (
	TransactionForm                   TransactionType = 1 << 0
	TransactionRebuildWithReason      TransactionType = 1 << 1
	TransactionUserRequestedRebuild   TransactionType = 1 << 2
	TransactionUserArchivedRebuild    TransactionType = 1 << 3
	TransactionFormArchiveRebuild     TransactionType = 1 << 4
	TransactionFormEditRebuild        TransactionType = 1 << 5
	TransactionLedger                 TransactionType = 1 << 6
	TransactionCaseCreate             TransactionType = 1 << 7
	TransactionCaseClose              TransactionType = 1 << 8
	TransactionCaseIndex              TransactionType = 1 << 9
	TransactionCaseAttachment         TransactionType = 1 << 10
	TransactionFormReprocessedRebuild TransactionType = 1 << 11
)

// rebuildTypes are the flags that mark a system generated rebuild rather than a form diff
const rebuildTypes = TransactionRebuildWithReason |
	TransactionUserRequestedRebuild |
	TransactionUserArchivedRebuild |
	TransactionFormArchiveRebuild |
	TransactionFormEditRebuild |
	TransactionFormReprocessedRebuild

// transactionSlugs lists every flag in bit order together with its readable slug
var transactionSlugs = []struct {
	flag TransactionType
	slug string
}{
	{TransactionForm, "form"},
	{TransactionRebuildWithReason, "rebuild_with_reason"},
	{TransactionUserRequestedRebuild, "user_requested_rebuild"},
	{TransactionUserArchivedRebuild, "user_archived_rebuild"},
	{TransactionFormArchiveRebuild, "form_archive_rebuild"},
	{TransactionFormEditRebuild, "form_edit_rebuild"},
	{TransactionLedger, "ledger"},
	{TransactionCaseCreate, "case_create"},
	{TransactionCaseClose, "case_close"},
	{TransactionCaseIndex, "case_index"},
	{TransactionCaseAttachment, "case_attachment"},
	{TransactionFormReprocessedRebuild, "form_reprocessed_rebuild"},
}

// NewTransactionType builds a flag set from individual flags
func NewTransactionType(flags ...TransactionType) TransactionType {
	var t TransactionType
	for _, f := range flags {
		t |= f
	}
	return t
}

// Has reports whether every flag in f is set
func (t TransactionType) Has(f TransactionType) bool {
	return f != 0 && t&f == f
}

// HasAny reports whether at least one flag in f is set
func (t TransactionType) HasAny(f TransactionType) bool {
	return t&f != 0
}

// With returns the set with f added
func (t TransactionType) With(f TransactionType) TransactionType {
	return t | f
}

// Without returns the set with f removed
func (t TransactionType) Without(f TransactionType) TransactionType {
	return t &^ f
}

// IsRebuild reports whether the transaction is a system rebuild marker
func (t TransactionType) IsRebuild() bool {
	return t.HasAny(rebuildTypes)
}

// IsFormTransaction reports whether the transaction carries a form diff
func (t TransactionType) IsFormTransaction() bool {
	return t.Has(TransactionForm)
}

// IsLedgerOnly reports whether the transaction only records ledger movements
func (t TransactionType) IsLedgerOnly() bool {
	return t == TransactionLedger
}

// Flags returns the individual flags in bit order
func (t TransactionType) Flags() []TransactionType {
	flags := make([]TransactionType, 0, len(transactionSlugs))
	for _, s := range transactionSlugs {
		if t.Has(s.flag) {
			flags = append(flags, s.flag)
		}
	}
	return flags
}

// Valid reports whether the set only contains known flags
func (t TransactionType) Valid() bool {
	var known TransactionType
	for _, s := range transactionSlugs {
		known |= s.flag
	}
	return t != 0 && t&^known == 0
}

// String returns the readable type, e.g. "form / case_create"
func (t TransactionType) String() string {
	slugs := make([]string, 0, len(transactionSlugs))
	for _, s := range transactionSlugs {
		if t.Has(s.flag) {
			slugs = append(slugs, s.slug)
		}
	}
	if len(slugs) == 0 {
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
	return strings.Join(slugs, " / ")
}

// ParseTransactionType parses a readable type back into a flag set
func ParseTransactionType(s string) (TransactionType, error) {
	var t TransactionType
	for _, part := range strings.Split(s, "/") {
		slug := strings.TrimSpace(part)
		if slug == "" {
			continue
		}
		found := false
		for _, ts := range transactionSlugs {
			if ts.slug == slug {
				t |= ts.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown transaction type %q", slug)
		}
	}
	if t == 0 {
		return 0, fmt.Errorf("empty transaction type")
	}
	return t, nil
}
