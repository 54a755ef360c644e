package schema

import (
	"time"

	"gorm.io/datatypes"

	"github.com/dimagi/casecore/internal/domain"
)

// CaseTransaction represents the case_transactions table - the append-only case event log
type CaseTransaction struct {
	// ID is assigned at insert and breaks ties between equal server dates
	ID     int64   `gorm:"column:id;primaryKey;autoIncrement"`
	CaseID string  `gorm:"column:case_id;not null;type:text;uniqueIndex:idx_case_transactions_unique,priority:1;index:idx_case_transactions_order,priority:1"`
	FormID *string `gorm:"column:form_id;type:text;uniqueIndex:idx_case_transactions_unique,priority:2;index"`
	// Type is the flag set of the transaction
	Type domain.TransactionType `gorm:"column:type;not null;uniqueIndex:idx_case_transactions_unique,priority:3"`
	// ServerDate is the authoritative ordering key
	ServerDate time.Time `gorm:"column:server_date;not null;index:idx_case_transactions_order,priority:2"`
	// ClientDate is advisory and never used for ordering
	ClientDate *time.Time `gorm:"column:client_date"`
	Revoked    bool       `gorm:"column:revoked;not null;default:false"`
	// Details is the case diff of a form transaction or the rebuild detail of a rebuild transaction
	Details   datatypes.JSON `gorm:"column:details"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for the CaseTransaction model
func (CaseTransaction) TableName() string {
	return "case_transactions"
}

// FormIDValue returns the form id or an empty string for system transactions
func (t *CaseTransaction) FormIDValue() string {
	if t.FormID == nil {
		return ""
	}
	return *t.FormID
}
