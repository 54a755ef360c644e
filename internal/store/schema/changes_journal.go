package schema

import (
	"time"

	"gorm.io/datatypes"
)

// SubjectType represents the type of entity that was changed
type SubjectType string

const (
	// SubjectTypeForm indicates a form was stored or changed state
	SubjectTypeForm SubjectType = "form"
	// SubjectTypeCaseTransaction indicates transactions were appended, revoked or restored for a case
	SubjectTypeCaseTransaction SubjectType = "case_transaction"
	// SubjectTypeCase indicates a case projection was saved
	SubjectTypeCase SubjectType = "case"
	// SubjectTypeCaseIndex indicates the index rows of a case changed
	SubjectTypeCaseIndex SubjectType = "case_index"
	// SubjectTypeLedger indicates a ledger value changed
	SubjectTypeLedger SubjectType = "ledger"
)

// ChangesJournal represents the changes_journal table - outbox of committed changes for the change feed
type ChangesJournal struct {
	// Cursor is an auto-incrementing sequence number for efficient pagination and ordering
	Cursor int64 `gorm:"column:cursor;primaryKey;autoIncrement"`
	// Domain is the tenant of the changed entity
	Domain      string      `gorm:"column:domain;not null;type:text"`
	SubjectType SubjectType `gorm:"column:subject_type;not null;type:text"`
	// SubjectID is the identifier of the changed entity (form id, case id, or ledger ref)
	SubjectID string    `gorm:"column:subject_id;not null;type:text"`
	ChangedAt time.Time `gorm:"column:changed_at;not null"`
	// Meta contains additional context about the change as JSON
	Meta datatypes.JSON `gorm:"column:meta"`
}

// TableName specifies the table name for the ChangesJournal model
func (ChangesJournal) TableName() string {
	return "changes_journal"
}

// CaseIndexChangeMeta is the meta of a case_index change: owners whose cleanliness may have changed
type CaseIndexChangeMeta struct {
	OwnerIDs []string `json:"owner_ids"`
}

// CaseTransactionChangeMeta is the meta of a case_transaction change
type CaseTransactionChangeMeta struct {
	FormID string `json:"form_id,omitempty"`
	Action string `json:"action"`
}

// Models returns every model managed by AutoMigrate
func Models() []interface{} {
	return []interface{}{
		&Form{},
		&FormAttachment{},
		&FormOperation{},
		&CaseTransaction{},
		&Case{},
		&CaseIndex{},
		&LedgerTransaction{},
		&LedgerValue{},
		&CleanlinessFlag{},
		&Device{},
		&SyncCheckpoint{},
		&ChangesJournal{},
		&KeyValueStore{},
	}
}
