package schema

import (
	"time"

	"github.com/dimagi/casecore/internal/domain"
)

// LedgerTransaction represents the ledger_transactions table - one movement of one ledger value
type LedgerTransaction struct {
	ID                int64  `gorm:"column:id;primaryKey;autoIncrement"`
	CaseTransactionID int64  `gorm:"column:case_transaction_id;not null;index"`
	CaseID            string `gorm:"column:case_id;not null;type:text;index:idx_ledger_transactions_key,priority:1"`
	SectionID         string `gorm:"column:section_id;not null;type:text;index:idx_ledger_transactions_key,priority:2"`
	EntryID           string `gorm:"column:entry_id;not null;type:text;index:idx_ledger_transactions_key,priority:3"`
	FormID            string `gorm:"column:form_id;not null;type:text;index"`
	// Kind tells whether Quantity is an absolute balance or a relative transfer
	Kind     domain.LedgerKind `gorm:"column:kind;not null;type:text"`
	Quantity int64             `gorm:"column:quantity;not null"`
	// Delta is the change this movement applied to the running balance
	Delta int64 `gorm:"column:delta;not null"`
	// UpdatedBalance is the running balance after this movement
	UpdatedBalance int64     `gorm:"column:updated_balance;not null"`
	ServerDate     time.Time `gorm:"column:server_date;not null;index:idx_ledger_transactions_key,priority:4"`
	// ReportDate is the date the client reported for the block
	ReportDate *time.Time `gorm:"column:report_date"`
	Revoked    bool       `gorm:"column:revoked;not null;default:false"`
}

// TableName specifies the table name for the LedgerTransaction model
func (LedgerTransaction) TableName() string {
	return "ledger_transactions"
}

// Ref returns the ledger key of the movement
func (l *LedgerTransaction) Ref() domain.LedgerRef {
	return domain.LedgerRef{CaseID: l.CaseID, SectionID: l.SectionID, EntryID: l.EntryID}
}

// LedgerValue represents the ledger_values table - the materialized balance of a ledger key
type LedgerValue struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Domain    string `gorm:"column:domain;not null;type:text"`
	CaseID    string `gorm:"column:case_id;not null;type:text;uniqueIndex:idx_ledger_values_key,priority:1"`
	SectionID string `gorm:"column:section_id;not null;type:text;uniqueIndex:idx_ledger_values_key,priority:2"`
	EntryID   string `gorm:"column:entry_id;not null;type:text;uniqueIndex:idx_ledger_values_key,priority:3"`
	Balance   int64  `gorm:"column:balance;not null"`
	// DailyConsumption is nil when no consumption was observed in the window
	DailyConsumption   *float64  `gorm:"column:daily_consumption"`
	LastModifiedFormID string    `gorm:"column:last_modified_form_id;type:text"`
	LastModified       time.Time `gorm:"column:last_modified;not null"`
	// LedgerError is raised when the balance went negative under the allow policy
	LedgerError bool `gorm:"column:ledger_error;not null;default:false"`
}

// TableName specifies the table name for the LedgerValue model
func (LedgerValue) TableName() string {
	return "ledger_values"
}

// Ref returns the ledger key of the value
func (l *LedgerValue) Ref() domain.LedgerRef {
	return domain.LedgerRef{CaseID: l.CaseID, SectionID: l.SectionID, EntryID: l.EntryID}
}
